// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ftp

import (
	"fmt"
	"io"
	"net"
	"net/textproto"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

// ftpClient speaks the control connection for tests.
type ftpClient struct {
	t    *testing.T
	conn net.Conn
	tp   *textproto.Conn
}

func dialTestServer(t *testing.T) *ftpClient {
	t.Helper()
	store, err := auth.Open(filepath.Join(t.TempDir(), "auth.db"), nil)
	if err != nil {
		t.Fatalf("auth.Open: %v", err)
	}
	if _, err := store.Register("alice", "hunter22", ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s := NewServer(Config{RootDir: t.TempDir(), PasvAddr: "127.0.0.1"}, store, nil)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.HandleConn(&node.Node{ID: 1, Conn: conn, Protocol: "ftp"}) //nolint:errcheck
		conn.Close()
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	c := &ftpClient{t: t, conn: conn, tp: textproto.NewConn(conn)}
	c.expect(220)
	return c
}

// cmd sends one command and asserts the reply code.
func (c *ftpClient) cmd(code int, format string, args ...interface{}) string {
	c.t.Helper()
	if err := c.tp.PrintfLine(format, args...); err != nil {
		c.t.Fatalf("send: %v", err)
	}
	return c.expect(code)
}

func (c *ftpClient) expect(code int) string {
	c.t.Helper()
	_, msg, err := c.tp.ReadResponse(code)
	if err != nil {
		c.t.Fatalf("want %d: %v", code, err)
	}
	return msg
}

// pasv opens a data connection via PASV.
func (c *ftpClient) pasv() net.Conn {
	c.t.Helper()
	msg := c.cmd(227, "PASV")
	open := strings.IndexByte(msg, '(')
	closing := strings.IndexByte(msg, ')')
	if open < 0 || closing < open {
		c.t.Fatalf("bad PASV reply %q", msg)
	}
	parts := strings.Split(msg[open+1:closing], ",")
	if len(parts) != 6 {
		c.t.Fatalf("bad PASV tuple %q", msg)
	}
	hi, _ := strconv.Atoi(parts[4])
	lo, _ := strconv.Atoi(parts[5])
	addr := fmt.Sprintf("%s:%d", strings.Join(parts[:4], "."), hi*256+lo)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		c.t.Fatalf("dial data %s: %v", addr, err)
	}
	return conn
}

func (c *ftpClient) login() {
	c.t.Helper()
	c.cmd(331, "USER alice")
	c.cmd(230, "PASS hunter22")
}

func TestLogin(t *testing.T) {
	c := dialTestServer(t)
	c.cmd(331, "USER alice")
	c.cmd(530, "PASS wrong")
	c.cmd(530, "PWD")
	c.login()
	if got := c.cmd(257, "PWD"); !strings.Contains(got, `"/"`) {
		t.Errorf("PWD = %q, want root", got)
	}
}

func TestStorRetrAppe(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	c.cmd(250, "MKD test")
	c.cmd(250, "CWD test")

	data := c.pasv()
	c.cmd(150, "STOR foobar.txt")
	const body = "Hello world\r\nGoodbye world\r\n"
	if _, err := io.WriteString(data, body); err != nil {
		t.Fatalf("write data: %v", err)
	}
	data.Close()
	c.expect(226)

	data = c.pasv()
	c.cmd(150, "RETR foobar.txt")
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatalf("read data: %v", err)
	}
	data.Close()
	c.expect(226)
	if string(got) != body {
		t.Errorf("RETR = %q, want %q", got, body)
	}

	data = c.pasv()
	c.cmd(150, "APPE foobar.txt")
	io.WriteString(data, "More\r\n") //nolint:errcheck
	data.Close()
	c.expect(226)

	data = c.pasv()
	c.cmd(150, "RETR foobar.txt")
	got, _ = io.ReadAll(data)
	data.Close()
	c.expect(226)
	if want := body + "More\r\n"; string(got) != want {
		t.Errorf("after APPE = %q, want %q", got, want)
	}
}

func TestMkdDuplicate(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	c.cmd(250, "MKD test")
	c.cmd(450, "MKD test")
}

func TestPathConfinement(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	// Climbing out of the root pins at the root.
	c.cmd(250, "CWD ../../..")
	if got := c.cmd(257, "PWD"); !strings.Contains(got, `"/"`) {
		t.Errorf("PWD after escape attempt = %q, want root", got)
	}
	c.cmd(550, "RETR ../../../etc/passwd")
}

func TestRename(t *testing.T) {
	c := dialTestServer(t)
	c.login()

	data := c.pasv()
	c.cmd(150, "STOR a.txt")
	io.WriteString(data, "x") //nolint:errcheck
	data.Close()
	c.expect(226)

	c.cmd(350, "RNFR a.txt")
	c.cmd(250, "RNTO b.txt")
	c.cmd(550, "RNFR a.txt")

	data = c.pasv()
	c.cmd(150, "RETR b.txt")
	got, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	if string(got) != "x" {
		t.Errorf("renamed file = %q, want x", got)
	}
}

func TestList(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	c.cmd(250, "MKD dir")

	data := c.pasv()
	c.cmd(150, "STOR file.txt")
	io.WriteString(data, "abc") //nolint:errcheck
	data.Close()
	c.expect(226)

	data = c.pasv()
	c.cmd(150, "LIST")
	listing, _ := io.ReadAll(data)
	data.Close()
	c.expect(226)
	for _, want := range []string{"dir", "file.txt", "drwx"} {
		if !strings.Contains(string(listing), want) {
			t.Errorf("LIST = %q, missing %q", listing, want)
		}
	}
}

func TestRein(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	c.cmd(220, "REIN")
	c.cmd(530, "PWD")
	c.login()
}

func TestDeleAndRmd(t *testing.T) {
	c := dialTestServer(t)
	c.login()
	c.cmd(250, "MKD d")

	data := c.pasv()
	c.cmd(150, "STOR f")
	io.WriteString(data, "x") //nolint:errcheck
	data.Close()
	c.expect(226)

	// Wrong remover for the type.
	c.cmd(550, "DELE d")
	c.cmd(550, "RMD f")
	c.cmd(250, "RMD d")
	c.cmd(250, "DELE f")
	c.cmd(550, "DELE f")
}

func TestQuit(t *testing.T) {
	c := dialTestServer(t)
	c.cmd(231, "QUIT")
	// Server closes after QUIT.
	if _, err := c.tp.ReadLine(); err != io.EOF {
		t.Errorf("after QUIT err = %v, want EOF", err)
	}
}
