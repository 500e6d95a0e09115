// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package term

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftline/driftline/node"
)

// drain collects everything the relay sends to the transport.
type drain struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (d *drain) run(c net.Conn) {
	b := make([]byte, 256)
	for {
		n, err := c.Read(b)
		if n > 0 {
			d.mu.Lock()
			d.buf.Write(b[:n])
			d.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (d *drain) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.String()
}

func (d *drain) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(d.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay output %q never contained %q", d.String(), want)
}

func relayNode(t *testing.T) (*node.Node, *Relay, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { b.Close() })

	r := node.NewRegistry(4, nil, nil)
	n, err := r.Request(a, "telnet", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	relay, err := Attach(n, nil)
	if err != nil {
		t.Skipf("no PTY available: %v", err)
	}
	t.Cleanup(func() { relay.Close() }) //nolint:errcheck
	return n, relay, b
}

func TestRelayOutput(t *testing.T) {
	_, relay, peer := relayNode(t)
	var d drain
	go d.run(peer)

	if _, err := relay.Slave().WriteString("hello node"); err != nil {
		t.Fatalf("slave write: %v", err)
	}
	d.waitFor(t, "hello node")
}

func TestRelayInputTranslation(t *testing.T) {
	n, relay, peer := relayNode(t)
	var d drain
	go d.run(peer)

	if err := n.RegisterTranslation('\r', '\n'); err != nil {
		t.Fatalf("RegisterTranslation: %v", err)
	}
	if _, err := peer.Write([]byte("who\r")); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	// Canonical mode: the slave read completes on the translated
	// newline.
	relay.Slave().SetReadDeadline(time.Now().Add(5 * time.Second)) //nolint:errcheck
	buf := make([]byte, 16)
	nr, err := relay.Slave().Read(buf)
	if err != nil {
		t.Fatalf("slave read: %v", err)
	}
	if got, want := string(buf[:nr]), "who\n"; got != want {
		t.Fatalf("slave read: got %q, want %q", got, want)
	}
}

func TestRelayCloseResets(t *testing.T) {
	n, relay, peer := relayNode(t)
	var d drain
	go d.run(peer)

	if _, err := relay.Slave().WriteString("bye"); err != nil {
		t.Fatalf("slave write: %v", err)
	}
	d.waitFor(t, "bye")
	if err := relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The attribute reset is the last thing on the wire.
	d.waitFor(t, colorReset)

	// A second Close is a no-op.
	if err := relay.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	_ = n
}

func TestTransportDropUnblocksSlave(t *testing.T) {
	_, relay, peer := relayNode(t)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := relay.Slave().Read(buf)
		done <- err
	}()

	// Simulate the client hanging up mid-read.
	peer.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("slave read returned nil after the transport dropped")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("slave read still blocked after the transport dropped")
	}
}

func TestPacedOutputOrder(t *testing.T) {
	n, relay, peer := relayNode(t)
	var d drain
	go d.run(peer)

	n.SetSpeed(19200)
	if _, err := relay.Slave().WriteString("paced bytes arrive in order"); err != nil {
		t.Fatalf("slave write: %v", err)
	}
	d.waitFor(t, "paced bytes arrive in order")
}
