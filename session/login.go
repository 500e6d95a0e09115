// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"
	"strings"
	"time"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

const maxAuthAttempts = 3

// passwordTimeout is shorter than the idle timeout; a password prompt
// left sitting is a disconnected terminal, not a thinking user.
const passwordTimeout = 20 * time.Second

// login prompts until an account authenticates, the attempts run out,
// or the caller quits. A nil user with nil error means hang up.
func (s *session) login() (*auth.User, error) {
	for attempts := 0; attempts < maxAuthAttempts; attempts++ {
		s.printf("Enter Username or New")
		if s.e.cfg.AllowGuest {
			s.printf(" or Guest")
		}
		s.printf("\n\nLogin: ")

		var name string
		if s.hint != "" {
			// The transport handshake already named an account.
			name = s.hint
			s.hint = ""
			s.printf("%s\n", name)
		} else {
			var err error
			name, err = s.readLine(s.e.cfg.IdleTimeout)
			if errors.Is(err, node.ErrInterrupted) {
				s.printf("\n")
				continue
			}
			if err != nil {
				return nil, err
			}
		}

		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "quit", "exit":
			return nil, nil
		case "new":
			return s.register()
		case "guest":
			if !s.e.cfg.AllowGuest {
				s.printf("\nSorry, guest login is not permitted\n\n")
				continue
			}
			guest := s.e.store.Guest()
			if guest == nil {
				s.printf("\nSorry, guest login is not permitted\n\n")
				continue
			}
			return guest, nil
		default:
			s.echo(false)
			s.printf("Password: ")
			password, err := s.readLine(passwordTimeout)
			s.echo(true)
			s.printf("\n")
			if errors.Is(err, node.ErrInterrupted) || errors.Is(err, errIdle) {
				if errors.Is(err, errIdle) {
					return nil, err
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			user, err := s.e.store.Authenticate(strings.TrimSpace(name), password)
			if err == nil {
				return user, nil
			}
			s.log.Warn("failed login", "user", name)
			s.printf("\nLogin Failed\n\n")
		}
	}
	// Three strikes.
	return nil, nil
}

// register walks a new caller through creating an account.
func (s *session) register() (*auth.User, error) {
	s.printf("\nWelcome! Let's get you set up.\n")
	for tries := 0; tries < maxAuthAttempts; tries++ {
		s.printf("\nDesired username: ")
		name, err := s.readLine(s.e.cfg.IdleTimeout)
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if existing, _ := s.e.store.ByName(name); existing != nil {
			s.printf("That name is taken.\n")
			continue
		}

		s.echo(false)
		s.printf("Password: ")
		password, err := s.readLine(passwordTimeout)
		if err != nil {
			s.echo(true)
			return nil, err
		}
		s.printf("\nPassword (again): ")
		confirm, err := s.readLine(passwordTimeout)
		s.echo(true)
		s.printf("\n")
		if err != nil {
			return nil, err
		}
		if password != confirm {
			s.printf("Passwords do not match.\n")
			continue
		}

		s.printf("E-mail address: ")
		email, err := s.readLine(s.e.cfg.IdleTimeout)
		if err != nil {
			return nil, err
		}

		user, err := s.e.store.Register(name, password, strings.TrimSpace(email))
		if err != nil {
			s.printf("Registration failed: %v\n", err)
			continue
		}
		s.printf("\nAccount created. Welcome aboard, %s!\n", user.Name)
		return user, nil
	}
	s.printf("\nUser registration aborted.\n")
	return nil, nil
}
