// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imapproxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeIMAP is an in-process upstream speaking just enough IMAP for the
// pool: greeting, LIST, NOOP, LOGOUT.
type fakeIMAP struct {
	delimiter string

	mu      sync.Mutex
	dials   int
	noops   int
	logouts int
}

func (f *fakeIMAP) dial(addr string) (net.Conn, error) {
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()
	us, them := net.Pipe()
	go f.serve(them)
	return us, nil
}

func (f *fakeIMAP) serve(conn net.Conn) {
	defer conn.Close()
	fmt.Fprintf(conn, "* OK fake ready\r\n")
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.SplitN(line, " ", 2)
		if len(fields) < 2 {
			continue
		}
		tag, rest := fields[0], strings.ToUpper(fields[1])
		switch {
		case strings.HasPrefix(rest, "LIST"):
			fmt.Fprintf(conn, "* LIST (\\Noselect) %q \"\"\r\n", f.delimiter)
			fmt.Fprintf(conn, "%s OK LIST completed\r\n", tag)
		case rest == "NOOP":
			f.mu.Lock()
			f.noops++
			f.mu.Unlock()
			fmt.Fprintf(conn, "%s OK NOOP completed\r\n", tag)
		case rest == "LOGOUT":
			f.mu.Lock()
			f.logouts++
			f.mu.Unlock()
			fmt.Fprintf(conn, "* BYE\r\n%s OK LOGOUT completed\r\n", tag)
			return
		default:
			fmt.Fprintf(conn, "%s OK completed\r\n", tag)
		}
	}
}

func (f *fakeIMAP) counts() (dials, noops, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.noops, f.logouts
}

func TestDelimiterDiscovery(t *testing.T) {
	f := &fakeIMAP{delimiter: "/"}
	p := NewPool(Config{}, f.dial, nil)
	defer p.Close()

	u, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := u.Delimiter(); got != "/" {
		t.Errorf("delimiter = %q, want /", got)
	}
}

func TestReuseCachedUpstream(t *testing.T) {
	f := &fakeIMAP{delimiter: "/"}
	p := NewPool(Config{StaleAfter: time.Hour}, f.dial, nil)
	defer p.Close()

	u1, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	u2, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if u1 != u2 {
		t.Error("second Get returned a different upstream")
	}
	if dials, _, _ := f.counts(); dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestOldestEviction(t *testing.T) {
	f := &fakeIMAP{delimiter: "/"}
	p := NewPool(Config{MaxClients: 2, StaleAfter: time.Hour}, f.dial, nil)
	defer p.Close()

	for _, name := range []string{"a", "b", "c"} {
		if _, err := p.Get(name, "upstream:143"); err != nil {
			t.Fatalf("Get %s: %v", name, err)
		}
	}
	if got := p.Size(); got != 2 {
		t.Errorf("Size = %d, want 2", got)
	}
	// The LOGOUT is counted on the fake server's goroutine.
	deadline := time.Now().Add(time.Second)
	for {
		if _, _, logouts := f.counts(); logouts == 1 {
			break
		}
		if time.Now().After(deadline) {
			_, _, logouts := f.counts()
			t.Errorf("logouts = %d, want 1", logouts)
			break
		}
		time.Sleep(time.Millisecond)
	}

	// "a" was evicted; touching "b" then adding "d" must evict "c".
	if _, err := p.Get("b", "upstream:143"); err != nil {
		t.Fatalf("Get b: %v", err)
	}
	if _, err := p.Get("d", "upstream:143"); err != nil {
		t.Fatalf("Get d: %v", err)
	}
	if _, err := p.Get("b", "upstream:143"); err != nil {
		t.Fatalf("Get b again: %v", err)
	}
	if dials, _, _ := f.counts(); dials != 4 {
		t.Errorf("dials = %d, want 4 (a b c d)", dials)
	}
}

func TestStaleProbe(t *testing.T) {
	f := &fakeIMAP{delimiter: "/"}
	p := NewPool(Config{StaleAfter: time.Millisecond}, f.dial, nil)
	defer p.Close()

	u1, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	u2, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get after idle: %v", err)
	}
	if u1 != u2 {
		t.Error("healthy stale upstream was replaced")
	}
	dials, noops, _ := f.counts()
	if noops != 1 {
		t.Errorf("noops = %d, want 1", noops)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

// deadUpstream remembers its client-side conns so tests can kill them.
type deadUpstream struct {
	fakeIMAP
	conns []net.Conn
	mu2   sync.Mutex
}

func (d *deadUpstream) dial(addr string) (net.Conn, error) {
	conn, err := d.fakeIMAP.dial(addr)
	if err == nil {
		d.mu2.Lock()
		d.conns = append(d.conns, conn)
		d.mu2.Unlock()
	}
	return conn, err
}

func TestStaleProbeFailureRedials(t *testing.T) {
	d := &deadUpstream{fakeIMAP: fakeIMAP{delimiter: "/"}}
	p := NewPool(Config{StaleAfter: time.Millisecond, ProbeTimeout: 100 * time.Millisecond}, d.dial, nil)
	defer p.Close()

	if _, err := p.Get("work", "upstream:143"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Kill the upstream behind the pool's back.
	d.mu2.Lock()
	d.conns[0].Close()
	d.mu2.Unlock()
	time.Sleep(5 * time.Millisecond)

	if _, err := p.Get("work", "upstream:143"); err != nil {
		t.Fatalf("Get after dead upstream: %v", err)
	}
	if dials, _, _ := d.counts(); dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestTranslateMailbox(t *testing.T) {
	u := &Upstream{delimiter: "/"}
	u.SetPrefix("INBOX")
	tests := []struct {
		local, want string
	}{
		{"work", "INBOX/work"},
		{"work.reports", "INBOX/work/reports"},
	}
	for _, tt := range tests {
		if got := u.TranslateMailbox(tt.local); got != tt.want {
			t.Errorf("TranslateMailbox(%q) = %q, want %q", tt.local, got, tt.want)
		}
	}

	// Same delimiter, no prefix: identity.
	u = &Upstream{delimiter: "."}
	if got := u.TranslateMailbox("work.reports"); got != "work.reports" {
		t.Errorf("identity translation = %q", got)
	}
}

func TestExchange(t *testing.T) {
	f := &fakeIMAP{delimiter: "/"}
	p := NewPool(Config{}, f.dial, nil)
	defer p.Close()

	u, err := p.Get("work", "upstream:143")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	lines, err := u.Exchange("SELECT INBOX", time.Second)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "OK") {
		t.Errorf("Exchange lines = %v, want tagged OK last", lines)
	}
}
