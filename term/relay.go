// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package term attaches a pseudo-terminal to a node and relays bytes
// between the PTY master and the transport. The slave side is what
// menus and executed programs talk to; the relay applies emulated
// line speed on output and input translation on input.
package term

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/creack/pty"
	"github.com/hashicorp/go-hclog"
	"github.com/u-root/u-root/pkg/termios"
	"golang.org/x/sys/unix"

	"github.com/driftline/driftline/node"
)

// colorReset clears any attributes a program left on the terminal.
const colorReset = "\x1b[0m"

// Relay is one attached PTY pair plus its relay goroutine.
type Relay struct {
	n      *node.Node
	master *os.File
	slave  *os.File
	saved  *termios.Termios
	logger hclog.Logger

	closeOnce sync.Once
	closeErr  error
	// masterOnce guards the master close: teardown and the relay
	// goroutines race to it when the transport drops.
	masterOnce sync.Once
	// done is closed when the output relay goroutine exits.
	done chan struct{}
}

// Attach allocates a PTY pair for n, saves the slave's terminal state
// for restoration at teardown, and starts the relay.
func Attach(n *node.Node, logger hclog.Logger) (*Relay, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	saved, err := termios.GetTermios(slave.Fd())
	if err != nil {
		master.Close()
		slave.Close()
		return nil, err
	}
	r := &Relay{
		n:      n,
		master: master,
		slave:  slave,
		saved:  saved,
		logger: logger.Named("term").With("node", n.ID),
		done:   make(chan struct{}),
	}
	go r.output()
	go r.input()
	n.AttachPTY(r)
	return r, nil
}

// Master returns the relay side of the pair.
func (r *Relay) Master() *os.File { return r.master }

// Slave returns the application side of the pair.
func (r *Relay) Slave() *os.File { return r.slave }

// SetWinsize applies the geometry to the slave.
func (r *Relay) SetWinsize(cols, rows int) error {
	ws := struct{ h, w, x, y uint16 }{uint16(rows), uint16(cols), 0, 0}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, r.master.Fd(), uintptr(unix.TIOCSWINSZ),
		uintptr(unsafe.Pointer(&ws)))
	if errno != 0 {
		return errno
	}
	return nil
}

// output pumps master to the transport, pacing per byte when the node
// emulates a line speed, and copies everything to attached spies.
func (r *Relay) output() {
	defer close(r.done)
	defer r.closeMaster() //nolint:errcheck
	buf := make([]byte, 4096)
	for {
		nr, err := r.master.Read(buf)
		if nr > 0 {
			out := buf[:nr]
			r.n.CopyToSpies(out)
			if pause := r.n.PausePerByte(); pause > 0 {
				if err := r.writePaced(out, pause); err != nil {
					r.logger.Debug("relay write", "err", err)
					return
				}
			} else if _, err := r.n.Conn.Write(out); err != nil {
				r.logger.Debug("relay write", "err", err)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				r.logger.Debug("relay read", "err", err)
			}
			return
		}
	}
}

func (r *Relay) writePaced(out []byte, pause time.Duration) error {
	for i := range out {
		time.Sleep(pause)
		if _, err := r.n.Conn.Write(out[i : i+1]); err != nil {
			return err
		}
	}
	return nil
}

// input pumps the transport to master, applying the node's input
// translation table. When the transport drops it closes the master so
// whatever is blocked reading the slave wakes up and the session can
// unwind instead of idling out a dead connection.
func (r *Relay) input() {
	defer r.closeMaster() //nolint:errcheck
	buf := make([]byte, 1024)
	for {
		nr, err := r.n.Conn.Read(buf)
		if nr > 0 {
			in := buf[:nr]
			r.n.TranslateInput(in)
			if _, werr := r.master.Write(in); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// closeMaster closes the master exactly once, whether the relay or
// Close gets there first.
func (r *Relay) closeMaster() error {
	var err error
	r.masterOnce.Do(func() { err = r.master.Close() })
	return err
}

// Close restores the saved terminal state, emits an attribute reset so
// the remote screen is left clean, closes the pair, and joins the
// output relay. Safe to call once; the node teardown is the caller.
func (r *Relay) Close() error {
	r.closeOnce.Do(func() {
		// Put the line discipline back the way we found it (canonical
		// mode, echo on) so a program that died raw does not leave the
		// next prompt unreadable.
		restore := *r.saved
		restore.Lflag |= unix.ICANON | unix.ECHO | unix.ECHONL
		if err := termios.SetTermios(r.slave.Fd(), &restore); err != nil {
			r.logger.Debug("termios restore", "err", err)
		}
		r.slave.Write([]byte(colorReset)) //nolint:errcheck

		// Give the relay a moment to drain the reset, then close the
		// pair. Closing master unblocks the relay's read.
		time.Sleep(10 * time.Millisecond)
		serr := r.slave.Close()
		merr := r.closeMaster()

		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			r.logger.Warn("relay goroutine did not exit")
		}
		if serr != nil {
			r.closeErr = serr
		} else {
			r.closeErr = merr
		}
	})
	return r.closeErr
}
