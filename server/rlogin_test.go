// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/driftline/driftline/node"
)

func TestRLoginHandshake(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	type result struct {
		hello *RLoginHello
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		hello, err := rloginHandshake(srv)
		ch <- result{hello, err}
	}()

	if _, err := cli.Write([]byte("\x00joe\x00alice\x00vt100/38400\x00")); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	ack := make([]byte, 1)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(cli, ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack[0] != 0 {
		t.Fatalf("ack byte: got %#x, want NUL", ack[0])
	}

	res := <-ch
	if res.err != nil {
		t.Fatalf("handshake: %v", res.err)
	}
	h := res.hello
	if h.ClientUser != "joe" || h.ServerUser != "alice" {
		t.Fatalf("users: got %q/%q, want joe/alice", h.ClientUser, h.ServerUser)
	}
	if h.Term != "vt100" || h.Speed != 38400 {
		t.Fatalf("terminal: got %q/%d, want vt100/38400", h.Term, h.Speed)
	}
}

func TestRLoginNoSpeed(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	ch := make(chan *RLoginHello, 1)
	go func() {
		hello, err := rloginHandshake(srv)
		if err != nil {
			t.Errorf("handshake: %v", err)
		}
		ch <- hello
	}()

	cli.Write([]byte("\x00joe\x00guest\x00dumb\x00")) //nolint:errcheck
	io.ReadFull(cli, make([]byte, 1))                 //nolint:errcheck

	h := <-ch
	if h == nil {
		t.Fatal("no hello")
	}
	if h.Term != "dumb" || h.Speed != 0 {
		t.Fatalf("terminal: got %q/%d, want dumb/0", h.Term, h.Speed)
	}
}

func TestRLoginBadLeadByte(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	ch := make(chan error, 1)
	go func() {
		_, err := rloginHandshake(srv)
		ch <- err
	}()

	cli.Write([]byte("GET / HTTP/1.1\r\n")) //nolint:errcheck
	if err := <-ch; err == nil {
		t.Fatal("handshake accepted a non-NUL lead byte")
	}
}

func TestRLoginHandlerSetsSpeed(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	var got *RLoginHello
	handler := RLoginHandler(func(n *node.Node, hello *RLoginHello) error {
		got = hello
		return nil
	})
	n := &node.Node{ID: 1, Conn: srv, Protocol: "rlogin"}

	done := make(chan error, 1)
	go func() { done <- handler(n) }()

	cli.Write([]byte("\x00joe\x00alice\x00ansi/2400\x00")) //nolint:errcheck
	io.ReadFull(cli, make([]byte, 1))                      //nolint:errcheck

	if err := <-done; err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got == nil || got.ServerUser != "alice" {
		t.Fatalf("hello: got %+v, want server user alice", got)
	}
	if n.PausePerByte() == 0 {
		t.Fatal("2400 bps handshake left speed emulation off")
	}
}
