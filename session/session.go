// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session implements the terminal side of the board: the
// banner, login, and the main menu. A session owns one node with an
// attached PTY; everything it prints and reads goes through the slave
// side, so line discipline, speed emulation and sysop spying all work
// the same for menus and for launched programs.
package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/u-root/u-root/pkg/termios"
	"golang.org/x/sys/unix"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/events"
	"github.com/driftline/driftline/imapproxy"
	"github.com/driftline/driftline/node"
	"github.com/driftline/driftline/sandbox"
	"github.com/driftline/driftline/term"
)

// Version is the board software version shown in the banner.
const Version = "1.0.0"

// errIdle ends a session that sat at a prompt too long.
var errIdle = errors.New("idle timeout")

// Config is the interactive session configuration.
type Config struct {
	// Name is the board name, Tagline the line under it.
	Name    string
	Tagline string
	// Hostname and Sysop show in the banner when set.
	Hostname string
	Sysop    string
	// BannerFile is ANSI art shown above the banner, usually CP437.
	BannerFile string

	AllowGuest bool
	// IdleTimeout disconnects a session idle at a prompt. Zero means
	// 30 minutes.
	IdleTimeout time.Duration

	// Shell is the command behind the menu's shell entry, run isolated
	// in the sandbox. Empty disables the entry.
	Shell []string
	// HomeDir is the base directory for per-user homes.
	HomeDir string

	// MailAddr is the upstream IMAP server behind the menu's mail
	// entry. Empty disables the entry.
	MailAddr string
	// MailPool tunes the per-session upstream connection cache.
	MailPool imapproxy.Config
	// MailDial overrides the upstream dial. Tests inject an in-process
	// server here.
	MailDial imapproxy.DialFunc
}

// Engine runs interactive sessions. It satisfies modules.Module so
// terminal transports can reference it.
type Engine struct {
	cfg      Config
	store    *auth.Store
	registry *node.Registry
	runner   *sandbox.Runner
	logger   hclog.Logger
}

func New(cfg Config, store *auth.Store, registry *node.Registry, runner *sandbox.Runner, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "Driftline BBS"
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		runner:   runner,
		logger:   logger.Named("session"),
	}
}

func (e *Engine) Name() string  { return "session" }
func (e *Engine) Load() error   { return nil }
func (e *Engine) Unload() error { return nil }

// Handle runs one session to completion: banner, login, menu. A
// transport that already authenticated (SSH) sets the node user and
// skips the login prompt.
func (e *Engine) Handle(n *node.Node) error {
	return e.handle(n, "")
}

// HandleWithHint is Handle with a login name supplied by the
// transport, as RLogin's handshake does.
func (e *Engine) HandleWithHint(n *node.Node, loginHint string) error {
	return e.handle(n, loginHint)
}

func (e *Engine) handle(n *node.Node, hint string) error {
	relay, err := term.Attach(n, e.logger)
	if err != nil {
		return err
	}
	// Teardown closes the relay; nothing to do here on the happy path.
	if cols, rows := n.Winsize(); cols > 0 {
		relay.SetWinsize(cols, rows) //nolint:errcheck
	}
	s := &session{
		e:    e,
		n:    n,
		tty:  relay.Slave(),
		hint: hint,
		log:  e.logger.With("node", n.ID),
	}
	return s.run()
}

// session is the per-node state.
type session struct {
	e    *Engine
	n    *node.Node
	tty  *os.File
	hint string
	log  hclog.Logger
	// mail is the upstream IMAP cache, created on first use.
	mail *imapproxy.Pool
}

func (s *session) run() error {
	defer func() {
		if s.mail != nil {
			s.mail.Close()
		}
	}()
	s.intro()

	user := s.n.User()
	if user == nil {
		au, err := s.login()
		if err != nil {
			if errors.Is(err, errIdle) {
				s.printf("\nYou've been idle too long, goodbye.\n")
			}
			return nil
		}
		if au == nil {
			// Quit at the login prompt, or three strikes.
			s.printf("\nGoodbye.\n")
			return nil
		}
		user = &node.User{
			ID:    au.ID,
			Name:  au.Name,
			Sysop: au.Sysop,
			Guest: au.IsGuest(),
			Email: au.Email,
		}
		s.n.SetUser(user)
	}
	s.e.registry.Bus().Dispatch(events.Event{
		Type:     events.UserLogin,
		NodeID:   s.n.ID,
		Username: user.Name,
		Protocol: s.n.Protocol,
		Time:     time.Now(),
	})
	s.log.Info("logged in", "user", user.Name, "guest", user.Guest)

	err := s.menuLoop()
	s.printf("\nThanks for visiting %s. Goodbye!\n", s.e.cfg.Name)
	if errors.Is(err, errIdle) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// intro clears the screen and prints the banner.
func (s *session) intro() {
	cols, rows := s.n.Winsize()
	s.printf("\x1b[2J\x1b[H")
	if s.e.cfg.BannerFile != "" {
		if art, err := os.ReadFile(s.e.cfg.BannerFile); err == nil {
			s.tty.Write(art) //nolint:errcheck
			s.printf("\n")
		}
	}
	s.printf("%s %s\n", s.e.cfg.Name, Version)
	if s.e.cfg.Tagline != "" {
		s.printf("%s\n", s.e.cfg.Tagline)
	}
	s.printf("\n")
	s.printf("CLIENT  CONN: %s\n", s.n.Protocol)
	if s.n.Conn != nil && s.n.Conn.RemoteAddr() != nil {
		s.printf("        ADDR: %s\n", s.n.Conn.RemoteAddr().String())
	}
	if cols > 0 {
		s.printf("        TERM: %dx%d\n", cols, rows)
	}
	s.printf("SERVER  NAME: %s\n", s.e.cfg.Name)
	if s.e.cfg.Hostname != "" {
		s.printf("        ADDR: %s\n", s.e.cfg.Hostname)
	}
	s.printf("        NODE: %d\n", s.n.ID)
	s.printf("        TIME: %s\n", time.Now().Format("Mon Jan 2 2006 3:04 pm MST"))
	if s.e.cfg.Sysop != "" {
		s.printf("        ADMN: %s\n", s.e.cfg.Sysop)
	}
	s.printf("\n")
}

func (s *session) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.tty, format, args...) //nolint:errcheck
}

// readLine reads one line from the terminal, honoring the idle
// timeout and sysop interrupts. The PTY slave is in canonical mode,
// so the line discipline does the editing and echo.
func (s *session) readLine(timeout time.Duration) (string, error) {
	s.tty.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	defer s.tty.SetReadDeadline(time.Time{})       //nolint:errcheck

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := make([]byte, 256)
		nr, err := s.tty.Read(buf)
		if nr > 0 {
			ch <- result{strings.TrimRight(string(buf[:nr]), "\r\n"), nil}
			return
		}
		ch <- result{"", err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, os.ErrDeadlineExceeded) {
				return "", errIdle
			}
			return "", r.err
		}
		return r.line, nil
	case <-s.n.InterruptCh():
		// Cancel the outstanding read and join the goroutine so no
		// input byte is lost to it later.
		s.tty.SetReadDeadline(time.Now()) //nolint:errcheck
		<-ch
		return "", node.ErrInterrupted
	}
}

// echo toggles terminal echo, for password prompts.
func (s *session) echo(on bool) {
	t, err := termios.GetTermios(s.tty.Fd())
	if err != nil {
		return
	}
	if on {
		t.Lflag |= unix.ECHO
	} else {
		t.Lflag &^= unix.ECHO
	}
	termios.SetTermios(s.tty.Fd(), t) //nolint:errcheck
}
