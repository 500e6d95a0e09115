// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

// termClient drives a session over the transport end of a pipe. The
// PTY line discipline echoes input, so expectations just scan the
// output stream for substrings.
type termClient struct {
	t    *testing.T
	conn net.Conn
	buf  strings.Builder
}

func (c *termClient) sendLine(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

// expect reads until the output so far contains substr.
func (c *termClient) expect(substr string) {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	buf := make([]byte, 1024)
	for {
		if strings.Contains(c.buf.String(), substr) {
			return
		}
		c.conn.SetReadDeadline(deadline) //nolint:errcheck
		nr, err := c.conn.Read(buf)
		if nr > 0 {
			c.buf.Write(buf[:nr])
			continue
		}
		if err != nil {
			c.t.Fatalf("waiting for %q: %v\noutput so far:\n%s", substr, err, c.buf.String())
		}
	}
}

type harness struct {
	store *auth.Store
	reg   *node.Registry
	node  *node.Node
	cli   *termClient
}

func startSession(t *testing.T, cfg Config, hint string, preauth *node.User) *harness {
	t.Helper()
	store, err := auth.Open(filepath.Join(t.TempDir(), "auth.db"), nil)
	if err != nil {
		t.Fatalf("auth.Open: %v", err)
	}
	reg := node.NewRegistry(4, nil, nil)

	srv, cli := net.Pipe()
	t.Cleanup(func() { cli.Close() })
	n, err := reg.Request(srv, "telnet", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if preauth != nil {
		n.SetUser(preauth)
	}

	e := New(cfg, store, reg, nil, nil)
	reg.Go(n, func(n *node.Node) error { return e.handle(n, hint) })

	return &harness{
		store: store,
		reg:   reg,
		node:  n,
		cli:   &termClient{t: t, conn: cli},
	}
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.node.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
}

func TestBannerAndQuitAtLogin(t *testing.T) {
	h := startSession(t, Config{Name: "Testline", Tagline: "a test board"}, "", nil)
	h.cli.expect("Testline " + Version)
	h.cli.expect("a test board")
	h.cli.expect("Login:")
	h.cli.sendLine("quit")
	h.cli.expect("Goodbye")
	h.waitDone(t)
}

func TestGuestLoginAndMenu(t *testing.T) {
	h := startSession(t, Config{Name: "Testline", AllowGuest: true}, "", nil)
	h.cli.expect("or Guest")
	h.cli.sendLine("guest")
	h.cli.expect("Main Menu")

	h.cli.sendLine("w")
	h.cli.expect("Guest")
	h.cli.expect("1 node(s) online.")

	h.cli.sendLine("g")
	h.cli.expect("Thanks for visiting Testline")
	h.waitDone(t)
}

func TestGuestRefusedWhenDisabled(t *testing.T) {
	h := startSession(t, Config{Name: "Testline"}, "", nil)
	h.cli.expect("Login:")
	h.cli.sendLine("guest")
	h.cli.expect("guest login is not permitted")
	h.cli.sendLine("quit")
	h.waitDone(t)
}

func TestThreeFailedLoginsHangUp(t *testing.T) {
	h := startSession(t, Config{Name: "Testline"}, "", nil)
	if _, err := h.store.Register("alice", "hunter22", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for i := 0; i < 3; i++ {
		h.cli.expect("Login:")
		h.cli.sendLine("alice")
		h.cli.expect("Password:")
		h.cli.sendLine("wrong")
		h.cli.expect("Login Failed")
		h.cli.buf.Reset()
	}
	h.waitDone(t)
}

func TestPasswordLogin(t *testing.T) {
	h := startSession(t, Config{Name: "Testline"}, "", nil)
	if _, err := h.store.Register("alice", "hunter22", "alice@example.com"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	h.cli.expect("Login:")
	h.cli.sendLine("alice")
	h.cli.expect("Password:")
	h.cli.sendLine("hunter22")
	h.cli.expect("Main Menu")
	if u := h.node.User(); u == nil || u.Name != "alice" {
		t.Fatalf("node user: got %+v, want alice", u)
	}
	h.cli.sendLine("g")
	h.waitDone(t)
}

func TestLoginHintPrefillsName(t *testing.T) {
	h := startSession(t, Config{Name: "Testline"}, "alice", nil)
	if _, err := h.store.Register("alice", "hunter22", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	// The hinted name is printed, not typed; the next prompt is the
	// password.
	h.cli.expect("Login: alice")
	h.cli.expect("Password:")
	h.cli.sendLine("hunter22")
	h.cli.expect("Main Menu")
	h.cli.sendLine("g")
	h.waitDone(t)
}

func TestNewUserRegistration(t *testing.T) {
	h := startSession(t, Config{Name: "Testline"}, "", nil)
	h.cli.expect("Login:")
	h.cli.sendLine("new")
	h.cli.expect("Desired username:")
	h.cli.sendLine("bob")
	h.cli.expect("Password:")
	h.cli.sendLine("secret99")
	h.cli.expect("again")
	h.cli.sendLine("secret99")
	h.cli.expect("E-mail address:")
	h.cli.sendLine("bob@example.com")
	h.cli.expect("Welcome aboard, bob")
	h.cli.expect("Main Menu")

	if u, err := h.store.ByName("bob"); err != nil || u == nil {
		t.Fatalf("ByName after registration: %v, %v", u, err)
	}
	h.cli.sendLine("g")
	h.waitDone(t)
}

func TestPreauthenticatedSkipsLogin(t *testing.T) {
	u := &node.User{ID: 7, Name: "carol"}
	h := startSession(t, Config{Name: "Testline"}, "", u)
	h.cli.expect("Main Menu")
	if strings.Contains(h.cli.buf.String(), "Login:") {
		t.Fatal("login prompt shown to a preauthenticated session")
	}
	h.cli.sendLine("g")
	h.waitDone(t)
}

func TestUnknownMenuOption(t *testing.T) {
	h := startSession(t, Config{Name: "Testline", AllowGuest: true}, "", nil)
	h.cli.expect("Login:")
	h.cli.sendLine("guest")
	h.cli.expect("Main Menu")
	h.cli.sendLine("z")
	h.cli.expect("Unknown option")
	h.cli.sendLine("g")
	h.waitDone(t)
}
