// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package node implements the session registry. Every connection,
// whatever the protocol, is assigned a node: the smallest unused
// numeric ID, a slot against the configured capacity, and a teardown
// path that runs exactly once.
//
// Lock order: Registry.mu before Node.mu, never the reverse.
package node

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/driftline/driftline/modules"
)

var (
	// ErrFull means the registry is at capacity.
	ErrFull = errors.New("node registry full")
	// ErrShuttingDown means the BBS is stopping and refuses new nodes.
	ErrShuttingDown = errors.New("shutting down")
	// ErrBadDescriptor means the transport connection is unusable.
	ErrBadDescriptor = errors.New("bad transport descriptor")
	// ErrAlreadyShutdown is returned by a second teardown of the same
	// node. The first teardown wins; a second call is a logic error in
	// the caller.
	ErrAlreadyShutdown = errors.New("node already shut down")
	// ErrInterrupted is returned to the node's owning goroutine when a
	// sysop interrupts the node. It is distinct from transport errors
	// so callers can resume the menu loop instead of disconnecting.
	ErrInterrupted = errors.New("node interrupted")
	// ErrTranslationExists is returned for a duplicate input
	// translation registration.
	ErrTranslationExists = errors.New("input translation already registered")
	// ErrTranslationTableFull is returned when the bounded translation
	// table is full.
	ErrTranslationTableFull = errors.New("input translation table full")
)

// maxTranslations bounds the per-node input translation table.
const maxTranslations = 10

// shortSessionWindow is how quickly an unauthenticated disconnect
// counts as a short session (port scanners, mostly).
const shortSessionWindow = 5 * time.Second

// PTY is the attached pseudo-terminal relay. Close must restore the
// saved terminal state, emit a final attribute reset, close the pair,
// and join the relay goroutine before returning.
type PTY interface {
	Master() *os.File
	Slave() *os.File
	SetWinsize(cols, rows int) error
	Close() error
}

// User is the authenticated identity bound to a node.
type User struct {
	ID       uint
	Name     string
	Sysop    bool
	Guest    bool
	Email    string
	LastSeen time.Time
}

// Node is one live session.
type Node struct {
	// ID is 1-indexed and immutable for the node's lifetime.
	ID int
	// Conn is the transport. May be wrapped (TLS, websocket bridge).
	Conn net.Conn
	// Protocol is the accepting engine's name (telnet, ssh, irc, ...).
	Protocol string
	// Created is the accept time.
	Created time.Time

	registry *Registry
	module   *modules.Handle

	mu       sync.Mutex
	active   bool
	user     *User
	pty      PTY
	childPID int
	cols     int
	rows     int
	inMenu   bool
	redraw   func()
	// pause is the per-byte output delay when emulating a line speed.
	pause time.Duration
	// translate maps single input bytes, e.g. CR to LF for terminals
	// that cannot send LF.
	translate map[byte]byte

	interrupted bool
	// interruptCh is pulsed on interrupt so owner loops blocked in a
	// select can bail out with ErrInterrupted.
	interruptCh chan struct{}
	// done is closed by the owning goroutine when it exits.
	done chan struct{}

	spyMu sync.Mutex
	spies map[io.Writer]struct{}
}

// Active reports whether the node has not been torn down.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active
}

// SetUser binds the authenticated user.
func (n *Node) SetUser(u *User) {
	n.mu.Lock()
	n.user = u
	n.mu.Unlock()
}

// User returns the bound user, or nil before login.
func (n *Node) User() *User {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.user
}

// AttachPTY records the relay created for this node.
func (n *Node) AttachPTY(p PTY) {
	n.mu.Lock()
	n.pty = p
	n.mu.Unlock()
}

// PTYFiles returns the attached pair, or nil, nil.
func (n *Node) PTYFiles() (master, slave *os.File) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pty == nil {
		return nil, nil
	}
	return n.pty.Master(), n.pty.Slave()
}

// SetChild records the PID of the program running on this node and
// nudges it with SIGWINCH so it picks up the current geometry.
func (n *Node) SetChild(pid int) {
	n.mu.Lock()
	n.childPID = pid
	n.mu.Unlock()
	if pid > 0 {
		unix.Kill(pid, unix.SIGWINCH) //nolint:errcheck
	}
}

// ClearChild forgets the child PID after it has been reaped.
func (n *Node) ClearChild() {
	n.mu.Lock()
	n.childPID = 0
	n.mu.Unlock()
}

// Child returns the running child's PID, or 0.
func (n *Node) Child() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.childPID
}

// SetMenu marks the node as sitting in the menu loop and installs the
// redraw hook used when a resize clips the display.
func (n *Node) SetMenu(inMenu bool, redraw func()) {
	n.mu.Lock()
	n.inMenu = inMenu
	n.redraw = redraw
	n.mu.Unlock()
}

// Winsize returns the last reported geometry.
func (n *Node) Winsize() (cols, rows int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cols, n.rows
}

// SetWinsize records new geometry from the transport. With a child
// attached, the PTY is resized and the child gets an explicit
// SIGWINCH. In the menu, a redraw is triggered only when the new
// geometry clips what is already on screen: columns shrank, or rows
// shrank while columns grew.
func (n *Node) SetWinsize(cols, rows int) {
	n.mu.Lock()
	oldCols, oldRows := n.cols, n.rows
	n.cols, n.rows = cols, rows
	pty := n.pty
	child := n.childPID
	inMenu := n.inMenu
	redraw := n.redraw
	n.mu.Unlock()

	if pty != nil {
		pty.SetWinsize(cols, rows) //nolint:errcheck
	}
	if child > 0 {
		unix.Kill(child, unix.SIGWINCH) //nolint:errcheck
		return
	}
	if inMenu && redraw != nil {
		if cols < oldCols || (rows < oldRows && cols > oldCols) {
			redraw()
		}
	}
}

// SetSpeed emulates a line speed in bits per second. 0 disables
// emulation. The delay applies per output byte in the relay.
func (n *Node) SetSpeed(bps int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bps <= 0 {
		n.pause = 0
		return
	}
	cps := (bps + 7) / 8
	n.pause = time.Second / time.Duration(cps)
}

// PausePerByte returns the current emulated per-byte delay.
func (n *Node) PausePerByte() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pause
}

// RegisterTranslation maps input byte from to byte to. Registering the
// same source byte twice is an error, as is exceeding the table bound.
func (n *Node) RegisterTranslation(from, to byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.translate == nil {
		n.translate = make(map[byte]byte)
	}
	if _, ok := n.translate[from]; ok {
		return fmt.Errorf("%#x: %w", from, ErrTranslationExists)
	}
	if len(n.translate) >= maxTranslations {
		return ErrTranslationTableFull
	}
	n.translate[from] = to
	return nil
}

// UnregisterTranslation removes the mapping for from. Removing a
// mapping that does not exist is an error.
func (n *Node) UnregisterTranslation(from byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.translate[from]; !ok {
		return fmt.Errorf("%#x: no input translation registered", from)
	}
	delete(n.translate, from)
	return nil
}

// TranslateInput rewrites buf in place through the translation table.
func (n *Node) TranslateInput(buf []byte) {
	n.mu.Lock()
	table := n.translate
	n.mu.Unlock()
	if len(table) == 0 {
		return
	}
	for i, b := range buf {
		if to, ok := table[b]; ok {
			buf[i] = to
		}
	}
}

// AddSpy attaches a read-only tap that receives a copy of everything
// written to the transport.
func (n *Node) AddSpy(w io.Writer) {
	n.spyMu.Lock()
	if n.spies == nil {
		n.spies = make(map[io.Writer]struct{})
	}
	n.spies[w] = struct{}{}
	n.spyMu.Unlock()
}

// RemoveSpy detaches a tap.
func (n *Node) RemoveSpy(w io.Writer) {
	n.spyMu.Lock()
	delete(n.spies, w)
	n.spyMu.Unlock()
}

// CopyToSpies writes buf to every attached tap. Errors are ignored;
// a broken spy does not affect the session.
func (n *Node) CopyToSpies(buf []byte) {
	n.spyMu.Lock()
	for w := range n.spies {
		w.Write(buf) //nolint:errcheck
	}
	n.spyMu.Unlock()
}

// Interrupt flags the node, kills any child, and pulses the wakeup
// channel. Only meaningful for nodes with an owning goroutine.
func (n *Node) Interrupt() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.interrupted = true
	child := n.childPID
	n.mu.Unlock()

	if child > 0 {
		killEscalate(child)
	}
	select {
	case n.interruptCh <- struct{}{}:
	default:
	}
}

// Interrupted reports and clears the interrupt flag.
func (n *Node) Interrupted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	was := n.interrupted
	n.interrupted = false
	return was
}

// InterruptCh is the wakeup channel owner loops select on.
func (n *Node) InterruptCh() <-chan struct{} { return n.interruptCh }

// Done is closed when the owning goroutine exits.
func (n *Node) Done() <-chan struct{} { return n.done }

// SafeSleep pauses for d but returns early, with an error, if the node
// is interrupted or torn down while sleeping.
func (n *Node) SafeSleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-n.interruptCh:
		n.mu.Lock()
		n.interrupted = false
		n.mu.Unlock()
		return ErrInterrupted
	case <-n.done:
		return ErrAlreadyShutdown
	}
}

// killEscalate stops pid: SIGINT with bounded backoff polls, then
// SIGTERM, then SIGKILL.
func killEscalate(pid int) error {
	if err := unix.Kill(pid, unix.SIGINT); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
	}
	wait := time.Millisecond
	for i := 0; i < 25; i++ {
		if unix.Kill(pid, 0) != nil {
			return nil
		}
		time.Sleep(wait)
		if wait < 100*time.Millisecond {
			wait *= 2
		}
	}
	unix.Kill(pid, unix.SIGTERM) //nolint:errcheck
	time.Sleep(10 * time.Millisecond)
	if unix.Kill(pid, 0) != nil {
		return nil
	}
	unix.Kill(pid, unix.SIGKILL) //nolint:errcheck
	time.Sleep(10 * time.Millisecond)
	if unix.Kill(pid, 0) == nil {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	return nil
}
