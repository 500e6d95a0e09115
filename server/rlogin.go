// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/driftline/driftline/node"
)

// readCString reads up to a NUL, one byte at a time.
func readCString(conn net.Conn) (string, error) {
	var b strings.Builder
	var one [1]byte
	for {
		if _, err := io.ReadFull(conn, one[:]); err != nil {
			return "", err
		}
		if one[0] == 0 {
			return b.String(), nil
		}
		if b.Len() > 255 {
			return "", fmt.Errorf("handshake field too long")
		}
		b.WriteByte(one[0])
	}
}

// RLoginHandler wraps a session handler with the RLogin handshake.
// The hello carries the requested account and terminal speed.
func RLoginHandler(h func(n *node.Node, hello *RLoginHello) error) Handler {
	return func(n *node.Node) error {
		hello, err := rloginHandshake(n.Conn)
		if err != nil {
			return err
		}
		if hello.Speed > 0 {
			n.SetSpeed(hello.Speed)
		}
		return h(n, hello)
	}
}

// RLoginHello is the result of the client handshake.
type RLoginHello struct {
	// ClientUser is the user on the client machine.
	ClientUser string
	// ServerUser is the account the client wants here.
	ServerUser string
	// Term and Speed come from the terminal/speed field.
	Term  string
	Speed int
}

// rloginHandshake reads the RFC1282 connection banner: a leading NUL,
// then three NUL-terminated strings (client user, server user,
// terminal/speed), answered with a single NUL. Window size updates
// after the handshake are best-effort and not parsed here.
func rloginHandshake(conn net.Conn) (*RLoginHello, error) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second)) //nolint:errcheck
	defer conn.SetReadDeadline(time.Time{})                //nolint:errcheck

	// Byte-at-a-time so nothing past the handshake is buffered away
	// from the session that takes over the connection.
	var lead [1]byte
	if _, err := io.ReadFull(conn, lead[:]); err != nil {
		return nil, fmt.Errorf("rlogin lead byte: %w", err)
	}
	if lead[0] != 0 {
		return nil, fmt.Errorf("rlogin lead byte %#x, want NUL", lead[0])
	}

	fields := make([]string, 3)
	for i := range fields {
		s, err := readCString(conn)
		if err != nil {
			return nil, fmt.Errorf("rlogin handshake field %d: %w", i, err)
		}
		fields[i] = s
	}

	hello := &RLoginHello{
		ClientUser: fields[0],
		ServerUser: fields[1],
		Term:       fields[2],
	}
	if i := strings.IndexByte(hello.Term, '/'); i >= 0 {
		if speed, err := strconv.Atoi(hello.Term[i+1:]); err == nil {
			hello.Speed = speed
		}
		hello.Term = hello.Term[:i]
	}

	// Accept the connection.
	if _, err := conn.Write([]byte{0}); err != nil {
		return nil, fmt.Errorf("rlogin ack: %w", err)
	}
	return hello, nil
}
