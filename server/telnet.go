// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"net"
	"sync"

	"github.com/driftline/driftline/node"
)

// TelnetHandler wraps a session handler with telnet option
// negotiation. NAWS reports feed the node's winsize.
func TelnetHandler(h Handler) Handler {
	return func(n *node.Node) error {
		t, err := NewTelnetConn(n.Conn)
		if err != nil {
			return err
		}
		t.OnResize(func(cols, rows int) { n.SetWinsize(cols, rows) })
		n.Conn = t
		return h(n)
	}
}

// Telnet protocol bytes.
const (
	telIAC  = 255
	telDONT = 254
	telDO   = 253
	telWONT = 252
	telWILL = 251
	telSB   = 250
	telSE   = 240

	optEcho  = 1
	optSGA   = 3
	optTTYPE = 24
	optNAWS  = 31

	ttypeSend = 1
)

// TelnetConn wraps a raw connection with option negotiation. Reads
// strip IAC sequences; NAWS subnegotiations invoke the winsize
// callback instead of surfacing bytes.
type TelnetConn struct {
	net.Conn

	mu       sync.Mutex
	onResize func(cols, rows int)
	term     string

	// reader state machine.
	state  int
	cmd    byte
	subOpt byte
	subBuf []byte
}

// Reader states.
const (
	stData = iota
	stIAC
	stCmd
	stSub
	stSubIAC
)

// NewTelnetConn starts negotiation: we echo, we suppress go-ahead,
// the client should send NAWS and TTYPE.
func NewTelnetConn(conn net.Conn) (*TelnetConn, error) {
	t := &TelnetConn{Conn: conn}
	_, err := conn.Write([]byte{
		telIAC, telWILL, optEcho,
		telIAC, telWILL, optSGA,
		telIAC, telDO, optNAWS,
		telIAC, telDO, optTTYPE,
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// OnResize registers the NAWS callback.
func (t *TelnetConn) OnResize(fn func(cols, rows int)) {
	t.mu.Lock()
	t.onResize = fn
	t.mu.Unlock()
}

// Term returns the negotiated terminal type, empty until the client
// answers the TTYPE request.
func (t *TelnetConn) Term() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.term
}

// Read filters telnet protocol out of the byte stream.
func (t *TelnetConn) Read(p []byte) (int, error) {
	for {
		n, err := t.Conn.Read(p)
		if n > 0 {
			if kept := t.filter(p[:n]); kept > 0 {
				return kept, err
			}
		}
		if err != nil {
			return 0, err
		}
	}
}

// filter compacts data bytes in place, consuming protocol sequences.
func (t *TelnetConn) filter(p []byte) int {
	out := 0
	for _, b := range p {
		switch t.state {
		case stData:
			if b == telIAC {
				t.state = stIAC
				continue
			}
			p[out] = b
			out++
		case stIAC:
			switch b {
			case telIAC:
				// Escaped 0xff data byte.
				p[out] = b
				out++
				t.state = stData
			case telSB:
				t.state = stSub
				t.subOpt = 0
				t.subBuf = t.subBuf[:0]
			case telWILL, telWONT, telDO, telDONT:
				t.cmd = b
				t.state = stCmd
			default:
				t.state = stData
			}
		case stCmd:
			t.answer(t.cmd, b)
			t.state = stData
		case stSub:
			if t.subOpt == 0 && len(t.subBuf) == 0 {
				t.subOpt = b
				continue
			}
			if b == telIAC {
				t.state = stSubIAC
				continue
			}
			t.subBuf = append(t.subBuf, b)
		case stSubIAC:
			if b == telSE {
				t.subnegotiate(t.subOpt, t.subBuf)
				t.state = stData
			} else {
				// IAC IAC inside subnegotiation is a literal 0xff.
				t.subBuf = append(t.subBuf, b)
				t.state = stSub
			}
		}
	}
	return out
}

// answer responds to an option request. We only ever agree to what we
// asked for.
func (t *TelnetConn) answer(cmd, opt byte) {
	switch cmd {
	case telWILL:
		switch opt {
		case optNAWS:
			// Winsize reports follow as subnegotiations.
		case optTTYPE:
			// Ask for the terminal type.
			t.Conn.Write([]byte{telIAC, telSB, optTTYPE, ttypeSend, telIAC, telSE}) //nolint:errcheck
		default:
			t.Conn.Write([]byte{telIAC, telDONT, opt}) //nolint:errcheck
		}
	case telDO:
		switch opt {
		case optEcho, optSGA:
			// Already announced.
		default:
			t.Conn.Write([]byte{telIAC, telWONT, opt}) //nolint:errcheck
		}
	}
}

func (t *TelnetConn) subnegotiate(opt byte, data []byte) {
	switch opt {
	case optNAWS:
		if len(data) != 4 {
			return
		}
		cols := int(data[0])<<8 | int(data[1])
		rows := int(data[2])<<8 | int(data[3])
		t.mu.Lock()
		fn := t.onResize
		t.mu.Unlock()
		if fn != nil && cols > 0 && rows > 0 {
			fn(cols, rows)
		}
	case optTTYPE:
		// Payload is IS (0) followed by the name.
		if len(data) < 2 || data[0] != 0 {
			return
		}
		t.mu.Lock()
		t.term = string(data[1:])
		t.mu.Unlock()
	}
}
