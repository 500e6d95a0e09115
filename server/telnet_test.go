// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"io"
	"net"
	"testing"
	"time"
)

// drainedPipe returns a TelnetConn whose outbound writes are consumed
// in the background, so filter tests never block on negotiation
// answers.
func drainedPipe(t *testing.T) *TelnetConn {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })
	go io.Copy(io.Discard, cli) //nolint:errcheck
	return &TelnetConn{Conn: srv}
}

func TestTelnetOpeningNegotiation(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })

	done := make(chan error, 1)
	go func() {
		_, err := NewTelnetConn(srv)
		done <- err
	}()

	buf := make([]byte, 12)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(cli, buf); err != nil {
		t.Fatalf("read negotiation: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("NewTelnetConn: %v", err)
	}

	want := []byte{
		telIAC, telWILL, optEcho,
		telIAC, telWILL, optSGA,
		telIAC, telDO, optNAWS,
		telIAC, telDO, optTTYPE,
	}
	if string(buf) != string(want) {
		t.Fatalf("negotiation: got % x, want % x", buf, want)
	}
}

func TestTelnetFilterStripsNegotiation(t *testing.T) {
	tc := drainedPipe(t)
	in := []byte{'h', 'i', telIAC, telWILL, optNAWS, '!', telIAC, telDO, optEcho, '?'}
	n := tc.filter(in)
	if got, want := string(in[:n]), "hi!?"; got != want {
		t.Fatalf("filtered: got %q, want %q", got, want)
	}
}

func TestTelnetEscapedIAC(t *testing.T) {
	tc := drainedPipe(t)
	in := []byte{'a', telIAC, telIAC, 'b'}
	n := tc.filter(in)
	if got, want := string(in[:n]), "a\xffb"; got != want {
		t.Fatalf("filtered: got %q, want %q", got, want)
	}
}

func TestTelnetNAWS(t *testing.T) {
	tc := drainedPipe(t)
	var cols, rows int
	tc.OnResize(func(c, r int) { cols, rows = c, r })

	in := []byte{telIAC, telSB, optNAWS, 0, 80, 0, 24, telIAC, telSE, 'x'}
	n := tc.filter(in)
	if got, want := string(in[:n]), "x"; got != want {
		t.Fatalf("filtered: got %q, want %q", got, want)
	}
	if cols != 80 || rows != 24 {
		t.Fatalf("winsize: got %dx%d, want 80x24", cols, rows)
	}
}

func TestTelnetNAWSZeroIgnored(t *testing.T) {
	tc := drainedPipe(t)
	called := false
	tc.OnResize(func(c, r int) { called = true })
	tc.filter([]byte{telIAC, telSB, optNAWS, 0, 0, 0, 24, telIAC, telSE})
	if called {
		t.Fatal("zero columns reached the resize callback")
	}
}

func TestTelnetTerminalType(t *testing.T) {
	tc := drainedPipe(t)
	in := append([]byte{telIAC, telSB, optTTYPE, 0}, "xterm"...)
	in = append(in, telIAC, telSE)
	tc.filter(in)
	if got, want := tc.Term(), "xterm"; got != want {
		t.Fatalf("Term: got %q, want %q", got, want)
	}
}

func TestTelnetStatePersistsAcrossReads(t *testing.T) {
	tc := drainedPipe(t)
	var cols, rows int
	tc.OnResize(func(c, r int) { cols, rows = c, r })

	// Subnegotiation split mid-sequence.
	first := []byte{'a', telIAC, telSB, optNAWS, 0}
	second := []byte{132, 0, 50, telIAC, telSE, 'b'}
	out := ""
	if n := tc.filter(first); n > 0 {
		out += string(first[:n])
	}
	if n := tc.filter(second); n > 0 {
		out += string(second[:n])
	}
	if got, want := out, "ab"; got != want {
		t.Fatalf("filtered: got %q, want %q", got, want)
	}
	if cols != 132 || rows != 50 {
		t.Fatalf("winsize: got %dx%d, want 132x50", cols, rows)
	}
}

func TestTelnetRefusesUnknownOptions(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })
	tc := &TelnetConn{Conn: srv}

	go tc.filter([]byte{telIAC, telWILL, 99, telIAC, telDO, 42})

	buf := make([]byte, 6)
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(cli, buf); err != nil {
		t.Fatalf("read answers: %v", err)
	}
	want := []byte{telIAC, telDONT, 99, telIAC, telWONT, 42}
	if string(buf) != string(want) {
		t.Fatalf("answers: got % x, want % x", buf, want)
	}
}

func TestTelnetReadEndToEnd(t *testing.T) {
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })
	tc := &TelnetConn{Conn: srv}

	go func() {
		cli.Write([]byte{telIAC, telWILL, optNAWS}) //nolint:errcheck
		cli.Write([]byte("hello"))                  //nolint:errcheck
	}()

	// The first chunk is pure negotiation; Read must keep going until
	// it has data bytes.
	buf := make([]byte, 16)
	srv.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := tc.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := string(buf[:n]), "hello"; got != want {
		t.Fatalf("Read: got %q, want %q", got, want)
	}
}
