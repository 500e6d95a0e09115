// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irc

import (
	"strconv"
	"strings"

	"gopkg.in/sorcix/irc.v2"
)

func init() {
	commands[irc.MODE] = &ircCommand{fn: (*Server).cmdMode, minParams: 1}
}

// memberModes are the privilege flags settable on a member.
const memberModes = "qahov"

// channelFlagModes are the paramless channel flags.
const channelFlagModes = "mnprstzS"

// requiredToSet maps a mode to the privilege needed to change it.
func requiredToSet(mode rune) rune {
	switch mode {
	case 'q', 'a':
		return 'q' // founder only
	case 'o', 'h':
		return 'o'
	case 'v':
		return 'h'
	default:
		return 'o'
	}
}

func (s *Server) cmdMode(u *User, msg *irc.Message) {
	target := msg.Params[0]
	// An empty trailing parameter ("MODE :") still counts toward
	// minParams.
	if target == "" {
		s.sendNumeric(u, irc.ERR_NEEDMOREPARAMS, irc.MODE, "Not enough parameters")
		return
	}
	if target[0] == '#' || target[0] == '&' {
		s.channelMode(u, msg)
		return
	}
	s.userMode(u, msg)
}

func (s *Server) userMode(u *User, msg *irc.Message) {
	target := msg.Params[0]
	if !strings.EqualFold(target, u.Nick()) {
		s.sendNumeric(u, irc.ERR_USERSDONTMATCH, "Can't change mode for other users")
		return
	}
	if len(msg.Params) == 1 {
		u.mu.Lock()
		ms := "+"
		for _, m := range []rune{'i', 'o', 'Z'} {
			if u.modes[m] {
				ms += string(m)
			}
		}
		u.mu.Unlock()
		s.sendNumeric(u, irc.RPL_UMODEIS, ms)
		return
	}
	spec := msg.Params[1]
	set := true
	for _, m := range spec {
		switch m {
		case '+':
			set = true
		case '-':
			set = false
		case 'i':
			u.mu.Lock()
			u.modes['i'] = set
			u.mu.Unlock()
		case 'o':
			// Operator status comes from the account, not from MODE.
			if set {
				s.sendNumeric(u, irc.ERR_NOPRIVILEGES, "Permission Denied - You're not an IRC operator")
			} else {
				u.mu.Lock()
				u.modes['o'] = false
				u.mu.Unlock()
			}
		default:
			s.sendNumeric(u, irc.ERR_UMODEUNKNOWNFLAG, "Unknown MODE flag")
		}
	}
}

func (s *Server) channelMode(u *User, msg *irc.Message) {
	name := msg.Params[0]
	c := s.getChannel(name)
	if c == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}

	// Query.
	if len(msg.Params) == 1 {
		s.sendNumeric(u, irc.RPL_CHANNELMODEIS, name, channelModeString(c))
		return
	}

	nick := u.Nick()
	c.mu.Lock()
	mem, on := c.members[lower(nick)]
	c.mu.Unlock()
	if !on {
		s.sendNumeric(u, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}

	spec := msg.Params[1]
	args := msg.Params[2:]
	set := true
	// changed collects the modes that actually took effect, so a
	// no-op MODE produces no broadcast.
	var changed []string
	var changedArgs []string

	nextArg := func() (string, bool) {
		if len(args) == 0 {
			return "", false
		}
		a := args[0]
		args = args[1:]
		return a, true
	}

	for _, m := range spec {
		switch {
		case m == '+':
			set = true
		case m == '-':
			set = false

		case strings.ContainsRune(memberModes, m):
			arg, ok := nextArg()
			if !ok {
				s.sendNumeric(u, irc.ERR_NEEDMOREPARAMS, irc.MODE, "Not enough parameters")
				continue
			}
			if !mem.atLeast(requiredToSet(m)) {
				s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
				continue
			}
			c.mu.Lock()
			tmem, targetOn := c.members[lower(arg)]
			if targetOn && tmem.modes[m] != set {
				tmem.modes[m] = set
				changed = append(changed, sign(set)+string(m))
				changedArgs = append(changedArgs, tmem.u.Nick())
			}
			c.mu.Unlock()
			if !targetOn {
				s.sendNumeric(u, irc.ERR_USERNOTINCHANNEL, arg, name, "They aren't on that channel")
			}

		case m == 'l':
			if !mem.atLeast('o') {
				s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
				continue
			}
			if set {
				arg, ok := nextArg()
				limit, err := strconv.Atoi(arg)
				if !ok || err != nil || limit < 1 {
					s.sendNumeric(u, irc.ERR_NEEDMOREPARAMS, irc.MODE, "Not enough parameters")
					continue
				}
				c.mu.Lock()
				c.modes['l'] = true
				c.limit = limit
				c.mu.Unlock()
				changed = append(changed, "+l")
				changedArgs = append(changedArgs, arg)
			} else {
				c.mu.Lock()
				was := c.modes['l']
				c.modes['l'] = false
				c.limit = 0
				c.mu.Unlock()
				if was {
					changed = append(changed, "-l")
				}
			}

		case m == 'j':
			if !mem.atLeast('o') {
				s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
				continue
			}
			if set {
				arg, ok := nextArg()
				joins, interval, err := parseThrottle(arg)
				if !ok || err != nil {
					s.sendNumeric(u, irc.ERR_NEEDMOREPARAMS, irc.MODE, "Not enough parameters")
					continue
				}
				c.mu.Lock()
				c.modes['j'] = true
				c.throttleJoins = joins
				c.throttleSecs = interval
				c.mu.Unlock()
				changed = append(changed, "+j")
				changedArgs = append(changedArgs, arg)
			} else {
				c.mu.Lock()
				was := c.modes['j']
				c.modes['j'] = false
				c.throttleJoins = 0
				c.throttleSecs = 0
				c.mu.Unlock()
				if was {
					changed = append(changed, "-j")
				}
			}

		case strings.ContainsRune(channelFlagModes, m):
			if !mem.atLeast('o') {
				s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
				continue
			}
			c.mu.Lock()
			if c.modes[m] != set {
				c.modes[m] = set
				changed = append(changed, sign(set)+string(m))
			}
			c.mu.Unlock()

		default:
			s.sendNumeric(u, irc.ERR_UNKNOWNMODE, string(m), "is unknown mode char to me")
		}
	}

	if len(changed) == 0 {
		return
	}
	// Collapse repeated signs: +s +l becomes +sl.
	var change strings.Builder
	var last byte
	for _, ch := range changed {
		if ch[0] != last {
			change.WriteByte(ch[0])
			last = ch[0]
		}
		change.WriteString(ch[1:])
	}
	params := append([]string{name, change.String()}, changedArgs...)
	c.broadcast(&irc.Message{
		Prefix:  u.Prefix(),
		Command: irc.MODE,
		Params:  params,
	}, nil, 0)
}

func sign(set bool) string {
	if set {
		return "+"
	}
	return "-"
}

// parseThrottle parses the +j parameter "joins:seconds".
func parseThrottle(arg string) (joins, secs int, err error) {
	i := strings.IndexByte(arg, ':')
	if i < 0 {
		return 0, 0, strconv.ErrSyntax
	}
	joins, err = strconv.Atoi(arg[:i])
	if err != nil {
		return 0, 0, err
	}
	secs, err = strconv.Atoi(arg[i+1:])
	if err != nil {
		return 0, 0, err
	}
	if joins < 1 || secs < 1 {
		return 0, 0, strconv.ErrSyntax
	}
	return joins, secs, nil
}
