// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/driftline/driftline/node"
	"github.com/driftline/driftline/sandbox"
)

// menuLoop shows the main menu until the user leaves or the line
// drops. The redraw hook fires when a resize clips the display.
func (s *session) menuLoop() error {
	s.n.SetMenu(true, func() { s.showMenu() })
	defer s.n.SetMenu(false, nil)

	s.showMenu()
	for {
		line, err := s.readLine(s.e.cfg.IdleTimeout)
		switch {
		case errors.Is(err, node.ErrInterrupted):
			s.printf("\nInterrupted by the sysop.\n")
			s.showMenu()
			continue
		case errors.Is(err, errIdle):
			s.printf("\nYou've been idle too long, goodbye.\n")
			return err
		case err != nil:
			return err
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "?", "m":
			s.showMenu()
		case "w", "who":
			s.who()
		case "c", "mail":
			s.checkMail()
		case "s", "shell":
			s.shell()
			s.showMenu()
		case "g", "q", "quit", "goodbye":
			return nil
		default:
			s.printf("Unknown option. ? redraws the menu.\n")
		}
	}
}

func (s *session) showMenu() {
	s.printf("\n%s Main Menu\n", s.e.cfg.Name)
	s.printf("-------------------------\n")
	if len(s.e.cfg.Shell) > 0 {
		s.printf("  [S]hell\n")
	}
	s.printf("  [W]ho is online\n")
	if s.e.cfg.MailAddr != "" {
		s.printf("  [C]heck mail\n")
	}
	s.printf("  [G]oodbye\n")
	s.printf("\nCommand: ")
}

// who lists the live nodes.
func (s *session) who() {
	nodes := s.e.registry.List()
	s.printf("\n%3s %-10s %-15s %-10s %s\n", "#", "PROTOCOL", "USER", "ELAPSED", "ADDRESS")
	for _, n := range nodes {
		name := "-"
		if u := n.User(); u != nil {
			name = u.Name
		}
		addr := ""
		if n.Conn != nil && n.Conn.RemoteAddr() != nil {
			addr = n.Conn.RemoteAddr().String()
		}
		elapsed := time.Since(n.Created).Round(time.Second)
		s.printf("%3d %-10s %-15s %-10s %s\n", n.ID, n.Protocol, name, elapsed, addr)
	}
	s.printf("\n%d node(s) online.\n", len(nodes))
}

// shell runs the configured shell isolated in the sandbox, attached
// to this node's terminal.
func (s *session) shell() {
	if len(s.e.cfg.Shell) == 0 || s.e.runner == nil {
		s.printf("No shell is configured on this system.\n")
		return
	}
	user := s.n.User()
	if user == nil {
		return
	}
	if user.Guest {
		s.printf("Sorry, guests cannot use the shell.\n")
		return
	}

	home := ""
	if s.e.cfg.HomeDir != "" {
		home = filepath.Join(s.e.cfg.HomeDir, strings.ToLower(user.Name))
	}
	spec := sandbox.Spec{
		Command:  s.e.cfg.Shell,
		Isolated: true,
		Username: user.Name,
		HomeDir:  home,
		Env: []string{
			"TERM=ansi",
			fmt.Sprintf("USER=%s", user.Name),
			fmt.Sprintf("BBS_NODE=%d", s.n.ID),
		},
	}
	s.printf("\nDropping you into a shell. Type exit to come back.\n\n")
	code, err := s.e.runner.Run(context.Background(), s.n, spec)
	if err != nil {
		s.log.Warn("shell", "err", err)
		s.printf("The shell failed to start.\n")
		return
	}
	if code != 0 {
		s.printf("\nShell exited with status %d.\n", code)
	}
}
