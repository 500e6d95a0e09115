// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irc

import (
	"gopkg.in/sorcix/irc.v2"
)

func init() {
	commands[irc.PRIVMSG] = &ircCommand{fn: (*Server).cmdPrivmsg, minParams: 1}
	commands[irc.NOTICE] = &ircCommand{fn: (*Server).cmdNotice, minParams: 1}
	commands[irc.AWAY] = &ircCommand{fn: (*Server).cmdAway}
}

func (s *Server) cmdPrivmsg(u *User, msg *irc.Message) {
	s.deliver(u, msg, irc.PRIVMSG)
}

// cmdNotice is PRIVMSG without the error replies, per the RFC.
func (s *Server) cmdNotice(u *User, msg *irc.Message) {
	s.deliver(u, msg, irc.NOTICE)
}

func (s *Server) deliver(u *User, msg *irc.Message, command string) {
	notice := command == irc.NOTICE
	target := msg.Params[0]
	text := msg.Trailing()
	if len(msg.Params) < 2 || text == "" {
		if !notice {
			s.sendNumeric(u, irc.ERR_NOTEXTTOSEND, "No text to send")
		}
		return
	}
	if len(text) >= maxLineLen {
		if !notice {
			// Refusing beats truncating: the sender finds out.
			s.sendNumeric(u, "416", target, "Message too long")
		}
		return
	}

	if target[0] != '#' && target[0] != '&' {
		s.deliverDM(u, target, text, command, notice)
		return
	}

	c := s.getChannel(target)
	if c == nil {
		if !notice {
			s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, target, "No such channel")
		}
		return
	}
	nick := u.Nick()
	c.mu.Lock()
	mem, on := c.members[lower(nick)]
	noExternal := c.modes['n']
	moderated := c.modes['m']
	reduced := c.modes['z']
	c.mu.Unlock()

	if noExternal && !on {
		if !notice {
			s.sendNumeric(u, irc.ERR_NOTONCHANNEL, target, "You're not on that channel")
		}
		return
	}

	// Moderation: +m wants voice or better. +z softens that to
	// delivering the message to halfops and up instead of bouncing.
	var minPriv rune
	if moderated && (mem == nil || !mem.atLeast('v')) {
		if reduced {
			minPriv = 'h'
		} else {
			if !notice {
				s.sendNumeric(u, "489", target,
					"You're neither voiced nor a channel operator")
			}
			return
		}
	}

	c.broadcast(&irc.Message{
		Prefix:  u.Prefix(),
		Command: command,
		Params:  []string{target, text},
	}, u, minPriv)
}

func (s *Server) deliverDM(u *User, target, text, command string, notice bool) {
	tu := s.getUser(target)
	if tu == nil {
		if !notice {
			s.sendNumeric(u, irc.ERR_NOSUCHNICK, target, "No such nick/channel")
		}
		return
	}
	tu.writeMessage(&irc.Message{
		Prefix:  u.Prefix(),
		Command: command,
		Params:  []string{tu.Nick(), text},
	})
	tu.mu.Lock()
	away := tu.away
	tu.mu.Unlock()
	if away != "" && !notice {
		s.sendNumeric(u, irc.RPL_AWAY, tu.Nick(), away)
	}
}

func (s *Server) cmdAway(u *User, msg *irc.Message) {
	text := msg.Trailing()
	u.mu.Lock()
	u.away = text
	u.mu.Unlock()
	if text == "" {
		s.sendNumeric(u, irc.RPL_UNAWAY, "You are no longer marked as being away")
		return
	}
	s.sendNumeric(u, irc.RPL_NOWAWAY, "You have been marked as being away")
}
