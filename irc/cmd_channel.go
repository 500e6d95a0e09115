// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irc

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/sorcix/irc.v2"
)

func init() {
	commands[irc.JOIN] = &ircCommand{fn: (*Server).cmdJoin, minParams: 1}
	commands[irc.PART] = &ircCommand{fn: (*Server).cmdPart, minParams: 1}
	commands[irc.TOPIC] = &ircCommand{fn: (*Server).cmdTopic, minParams: 1}
	commands[irc.KICK] = &ircCommand{fn: (*Server).cmdKick, minParams: 2}
	commands[irc.INVITE] = &ircCommand{fn: (*Server).cmdInvite, minParams: 2}
	commands[irc.NAMES] = &ircCommand{fn: (*Server).cmdNames, minParams: 1}
	commands[irc.LIST] = &ircCommand{fn: (*Server).cmdList}
}

func (s *Server) cmdJoin(u *User, msg *irc.Message) {
	for _, name := range strings.Split(msg.Params[0], ",") {
		s.joinOne(u, name)
	}
}

func (s *Server) joinOne(u *User, name string) {
	nick := u.Nick()
	if !validChannelName(name) {
		s.sendNumeric(u, "479", name, "Illegal channel name")
		return
	}

	s.mu.Lock()
	c, ok := s.channels[lower(name)]
	if !ok {
		if len(s.channels) >= s.cfg.MaxChannels {
			s.mu.Unlock()
			s.sendNumeric(u, irc.ERR_TOOMANYCHANNELS, name, "Too many channels")
			return
		}
		c = &Channel{
			name:    name,
			members: make(map[string]*Member),
			modes:   map[rune]bool{'n': true, 't': true},
			log:     s.openChannelLog(name),
		}
		u.mu.Lock()
		creatorAccount := u.account
		u.mu.Unlock()
		if creatorAccount != nil && !creatorAccount.IsGuest() {
			c.modes['r'] = true
		}
		s.channels[lower(name)] = c
		ircChannels.Set(float64(len(s.channels)))
	}
	s.mu.Unlock()

	u.mu.Lock()
	acct := u.account
	u.mu.Unlock()

	c.mu.Lock()
	if _, on := c.members[lower(nick)]; on {
		c.mu.Unlock()
		s.sendNumeric(u, "714", name, "You're already on that channel")
		return
	}
	if c.modes['S'] {
		// TLS-only channel; transport security is not tracked per
		// node yet, so nobody passes.
		c.mu.Unlock()
		s.sendNumeric(u, "477", name, "Cannot join channel (+S)")
		return
	}
	if c.modes['r'] && (acct == nil || acct.IsGuest()) {
		c.mu.Unlock()
		s.sendNumeric(u, "477", name, "Cannot join channel (+r)")
		return
	}
	if c.modes['l'] && c.limit > 0 && len(c.members) >= c.limit {
		c.mu.Unlock()
		s.sendNumeric(u, irc.ERR_CHANNELISFULL, name, "Cannot join channel (+l)")
		return
	}
	if c.throttled(time.Now()) {
		c.mu.Unlock()
		s.sendNumeric(u, "480", name, "Cannot join channel (+j)")
		return
	}
	mem := &Member{u: u, modes: make(map[rune]bool)}
	if len(c.members) == 0 {
		mem.modes['o'] = true
		if acct != nil && acct.Sysop {
			mem.modes['q'] = true
		}
	}
	c.members[lower(nick)] = mem
	memberModes := modeString(mem.modes)
	c.mu.Unlock()

	u.mu.Lock()
	u.channels[lower(name)] = c
	prefix := u.prefixLocked()
	u.mu.Unlock()

	c.broadcast(&irc.Message{Prefix: prefix, Command: irc.JOIN, Params: []string{name}}, nil, 0)
	s.sendTopicNumerics(u, c)
	s.sendNames(u, c)
	if memberModes != "+" {
		c.broadcast(&irc.Message{
			Prefix:  &irc.Prefix{Name: "ChanServ"},
			Command: irc.MODE,
			Params:  []string{name, memberModes, nick},
		}, nil, 0)
	}
}

func (s *Server) cmdPart(u *User, msg *irc.Message) {
	reason := msg.Trailing()
	for _, name := range strings.Split(msg.Params[0], ",") {
		s.partOne(u, name, reason)
	}
}

func (s *Server) partOne(u *User, name, reason string) {
	c := s.getChannel(name)
	if c == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	nick := u.Nick()
	c.mu.Lock()
	_, on := c.members[lower(nick)]
	if on {
		delete(c.members, lower(nick))
	}
	c.mu.Unlock()
	if !on {
		s.sendNumeric(u, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	u.mu.Lock()
	delete(u.channels, lower(name))
	prefix := u.prefixLocked()
	u.mu.Unlock()

	part := &irc.Message{Prefix: prefix, Command: irc.PART, Params: []string{name, reason}}
	u.writeMessage(part)
	c.broadcast(part, u, 0)
	s.removeChannelIfEmpty(c)
}

func (s *Server) cmdTopic(u *User, msg *irc.Message) {
	name := msg.Params[0]
	c := s.getChannel(name)
	if c == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
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

	// Query.
	if len(msg.Params) == 1 {
		s.sendTopicNumerics(u, c)
		return
	}

	// Set. +t restricts to halfop and up.
	c.mu.Lock()
	restricted := c.modes['t']
	c.mu.Unlock()
	if restricted && !mem.atLeast('h') {
		s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
		return
	}
	topic := msg.Trailing()
	c.mu.Lock()
	c.topic = topic
	c.topicSetBy = nick
	c.topicSetAt = time.Now()
	c.mu.Unlock()
	c.broadcast(&irc.Message{
		Prefix:  u.Prefix(),
		Command: irc.TOPIC,
		Params:  []string{name, topic},
	}, nil, 0)
}

// sendTopicNumerics sends 332/333, or 331 when no topic is set.
func (s *Server) sendTopicNumerics(u *User, c *Channel) {
	c.mu.Lock()
	topic, setBy, setAt := c.topic, c.topicSetBy, c.topicSetAt
	name := c.name
	c.mu.Unlock()
	if topic == "" {
		s.sendNumeric(u, irc.RPL_NOTOPIC, name, "No topic is set")
		return
	}
	s.sendNumeric(u, irc.RPL_TOPIC, name, topic)
	s.sendNumeric(u, "333", name, setBy, strconv.FormatInt(setAt.Unix(), 10))
}

func (s *Server) cmdKick(u *User, msg *irc.Message) {
	name, target := msg.Params[0], msg.Params[1]
	reason := target
	if len(msg.Params) > 2 {
		reason = msg.Trailing()
	}
	c := s.getChannel(name)
	if c == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	nick := u.Nick()
	c.mu.Lock()
	mem, on := c.members[lower(nick)]
	tmem, targetOn := c.members[lower(target)]
	c.mu.Unlock()
	if !on {
		s.sendNumeric(u, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	if !mem.atLeast('h') {
		s.sendNumeric(u, irc.ERR_CHANOPRIVSNEEDED, name, "You're not a channel operator")
		return
	}
	if !targetOn {
		s.sendNumeric(u, irc.ERR_USERNOTINCHANNEL, target, name, "They aren't on that channel")
		return
	}

	c.broadcast(&irc.Message{
		Prefix:  u.Prefix(),
		Command: irc.KICK,
		Params:  []string{name, tmem.u.Nick(), reason},
	}, nil, 0)

	c.mu.Lock()
	delete(c.members, lower(target))
	c.mu.Unlock()
	tu := tmem.u
	tu.mu.Lock()
	delete(tu.channels, lower(name))
	tu.mu.Unlock()
	s.removeChannelIfEmpty(c)
}

func (s *Server) cmdInvite(u *User, msg *irc.Message) {
	target, name := msg.Params[0], msg.Params[1]
	tu := s.getUser(target)
	if tu == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHNICK, target, "No such nick/channel")
		return
	}
	c := s.getChannel(name)
	if c == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHCHANNEL, name, "No such channel")
		return
	}
	nick := u.Nick()
	c.mu.Lock()
	_, on := c.members[lower(nick)]
	_, targetOn := c.members[lower(target)]
	c.mu.Unlock()
	if !on {
		s.sendNumeric(u, irc.ERR_NOTONCHANNEL, name, "You're not on that channel")
		return
	}
	if targetOn {
		s.sendNumeric(u, irc.ERR_USERONCHANNEL, target, name, "is already on channel")
		return
	}
	s.sendNumeric(u, irc.RPL_INVITING, tu.Nick(), name)
	tu.writeMessage(&irc.Message{
		Prefix:  u.Prefix(),
		Command: irc.INVITE,
		Params:  []string{tu.Nick(), name},
	})
}

func (s *Server) cmdNames(u *User, msg *irc.Message) {
	for _, name := range strings.Split(msg.Params[0], ",") {
		c := s.getChannel(name)
		if c == nil {
			s.sendNumeric(u, irc.RPL_ENDOFNAMES, name, "End of /NAMES list")
			continue
		}
		s.sendNames(u, c)
	}
}

// sendNames sends 353/366. Hidden channels only answer to members.
func (s *Server) sendNames(u *User, c *Channel) {
	nick := u.Nick()
	c.mu.Lock()
	_, on := c.members[lower(nick)]
	if c.hidden() && !on {
		c.mu.Unlock()
		s.sendNumeric(u, irc.RPL_ENDOFNAMES, c.name, "End of /NAMES list")
		return
	}
	names := make([]string, 0, len(c.members))
	for _, mem := range c.members {
		names = append(names, mem.sigil()+mem.u.Nick())
	}
	name := c.name
	c.mu.Unlock()
	sort.Strings(names)
	s.sendNumeric(u, irc.RPL_NAMREPLY, "=", name, strings.Join(names, " "))
	s.sendNumeric(u, irc.RPL_ENDOFNAMES, name, "End of /NAMES list")
}

// cmdList supports the ELIST conditions >N, <N (member count) and
// T>N, T<N (topic age in minutes).
func (s *Server) cmdList(u *User, msg *irc.Message) {
	var cond string
	if len(msg.Params) > 0 {
		cond = msg.Params[0]
	}
	nick := u.Nick()
	s.sendNumeric(u, irc.RPL_LISTSTART, "Channel", "Users Name")
	for _, name := range s.channelNames() {
		c := s.getChannel(name)
		if c == nil {
			continue
		}
		c.mu.Lock()
		_, on := c.members[lower(nick)]
		count := len(c.members)
		topic := c.topic
		topicAge := time.Since(c.topicSetAt)
		hidden := c.hidden()
		c.mu.Unlock()
		if hidden && !on {
			continue
		}
		if !listCondMatch(cond, count, topicAge) {
			continue
		}
		s.sendNumeric(u, irc.RPL_LIST, name, strconv.Itoa(count), topic)
	}
	s.sendNumeric(u, irc.RPL_LISTEND, "End of /LIST")
}

func listCondMatch(cond string, members int, topicAge time.Duration) bool {
	switch {
	case cond == "" || cond == "*":
		return true
	case strings.HasPrefix(cond, ">"):
		n, err := strconv.Atoi(cond[1:])
		return err == nil && members > n
	case strings.HasPrefix(cond, "<"):
		n, err := strconv.Atoi(cond[1:])
		return err == nil && members < n
	case strings.HasPrefix(cond, "T>"):
		n, err := strconv.Atoi(cond[2:])
		return err == nil && topicAge > time.Duration(n)*time.Minute
	case strings.HasPrefix(cond, "T<"):
		n, err := strconv.Atoi(cond[2:])
		return err == nil && topicAge < time.Duration(n)*time.Minute
	}
	return true
}

// modeString renders a mode set as +abc in privilege order.
func modeString(modes map[rune]bool) string {
	var b strings.Builder
	b.WriteByte('+')
	for _, p := range privOrder {
		if modes[p.mode] {
			b.WriteRune(p.mode)
		}
	}
	// Non-privilege modes in stable order.
	var rest []rune
	for m, set := range modes {
		if !set {
			continue
		}
		isPriv := false
		for _, p := range privOrder {
			if p.mode == m {
				isPriv = true
				break
			}
		}
		if !isPriv {
			rest = append(rest, m)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	for _, m := range rest {
		b.WriteRune(m)
	}
	return b.String()
}

// channelModeString renders the channel's modes with the limit value.
func channelModeString(c *Channel) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := modeString(c.modes)
	if c.modes['l'] && c.limit > 0 {
		ms += " " + fmt.Sprintf("%d", c.limit)
	}
	return ms
}
