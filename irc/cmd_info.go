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
	commands[irc.WHO] = &ircCommand{fn: (*Server).cmdWho, minParams: 1}
	commands[irc.WHOIS] = &ircCommand{fn: (*Server).cmdWhois, minParams: 1}
	commands[irc.USERHOST] = &ircCommand{fn: (*Server).cmdUserhost, minParams: 1}
	commands[irc.MOTD] = &ircCommand{fn: (*Server).cmdMotd}
	commands["HELP"] = &ircCommand{fn: (*Server).cmdHelp}
	commands[irc.LUSERS] = &ircCommand{fn: (*Server).cmdLusers}
}

func (s *Server) cmdWho(u *User, msg *irc.Message) {
	mask := msg.Params[0]
	c := s.getChannel(mask)
	if c != nil {
		nick := u.Nick()
		c.mu.Lock()
		on := false
		if _, ok := c.members[lower(nick)]; ok {
			on = true
		}
		type row struct {
			nick, user, host, real string
			away                   bool
			sigil                  string
		}
		var rows []row
		if !c.hidden() || on {
			for _, mem := range c.members {
				mem.u.mu.Lock()
				rows = append(rows, row{
					nick:  mem.u.nick,
					user:  mem.u.username,
					host:  mem.u.host,
					real:  mem.u.realname,
					away:  mem.u.away != "",
					sigil: mem.sigil(),
				})
				mem.u.mu.Unlock()
			}
		}
		c.mu.Unlock()
		sort.Slice(rows, func(i, j int) bool { return rows[i].nick < rows[j].nick })
		for _, r := range rows {
			here := "H"
			if r.away {
				here = "G"
			}
			s.sendNumeric(u, irc.RPL_WHOREPLY, mask, r.user, r.host,
				s.cfg.ServerName, r.nick, here+r.sigil, "0 "+r.real)
		}
	}
	s.sendNumeric(u, irc.RPL_ENDOFWHO, mask, "End of /WHO list")
}

func (s *Server) cmdWhois(u *User, msg *irc.Message) {
	target := msg.Params[0]
	tu := s.getUser(target)
	if tu == nil {
		s.sendNumeric(u, irc.ERR_NOSUCHNICK, target, "No such nick/channel")
		return
	}
	tu.mu.Lock()
	nick := tu.nick
	username := tu.username
	host := tu.host
	realname := tu.realname
	away := tu.away
	oper := tu.modes['o']
	secure := tu.modes['Z']
	acct := tu.account
	idle := time.Since(tu.idleSince)
	chans := make([]*Channel, 0, len(tu.channels))
	for _, c := range tu.channels {
		chans = append(chans, c)
	}
	tu.mu.Unlock()

	s.sendNumeric(u, irc.RPL_WHOISUSER, nick, username, host, "*", realname)
	s.sendNumeric(u, irc.RPL_WHOISSERVER, nick, s.cfg.ServerName, s.cfg.NetworkName)
	if acct != nil && !acct.IsGuest() {
		// 307: registered nick.
		s.sendNumeric(u, "307", nick, "has identified for this nick")
	}
	if oper {
		s.sendNumeric(u, irc.RPL_WHOISOPERATOR, nick, "is an IRC operator")
	}

	viewerNick := u.Nick()
	var visible []string
	for _, c := range chans {
		c.mu.Lock()
		_, viewerOn := c.members[lower(viewerNick)]
		mem := c.members[lower(nick)]
		if !c.hidden() || viewerOn {
			sig := ""
			if mem != nil {
				sig = mem.sigil()
			}
			visible = append(visible, sig+c.name)
		}
		c.mu.Unlock()
	}
	if len(visible) > 0 {
		sort.Strings(visible)
		s.sendNumeric(u, irc.RPL_WHOISCHANNELS, nick, strings.Join(visible, " "))
	}
	if away != "" {
		s.sendNumeric(u, irc.RPL_AWAY, nick, away)
	}
	// 379: user modes, ircu extension.
	s.sendNumeric(u, "379", nick, "is using modes "+userModeString(tu))
	if secure {
		// 671: secure connection.
		s.sendNumeric(u, "671", nick, "is using a secure connection")
	}
	s.sendNumeric(u, irc.RPL_WHOISIDLE, nick,
		strconv.Itoa(int(idle.Seconds())), "seconds idle")
	s.sendNumeric(u, irc.RPL_ENDOFWHOIS, nick, "End of /WHOIS list")
}

func userModeString(u *User) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ms := "+"
	for _, m := range []rune{'i', 'o', 'Z'} {
		if u.modes[m] {
			ms += string(m)
		}
	}
	return ms
}

func (s *Server) cmdUserhost(u *User, msg *irc.Message) {
	var replies []string
	for _, target := range msg.Params {
		tu := s.getUser(target)
		if tu == nil {
			continue
		}
		tu.mu.Lock()
		entry := tu.nick
		if tu.modes['o'] {
			entry += "*"
		}
		entry += "="
		if tu.away != "" {
			entry += "-"
		} else {
			entry += "+"
		}
		entry += tu.username + "@" + tu.host
		tu.mu.Unlock()
		replies = append(replies, entry)
	}
	s.sendNumeric(u, irc.RPL_USERHOST, strings.Join(replies, " "))
}

func (s *Server) cmdMotd(u *User, msg *irc.Message) {
	s.sendMOTD(u)
}

func (s *Server) cmdLusers(u *User, msg *irc.Message) {
	s.sendNumeric(u, irc.RPL_LUSERCLIENT,
		fmt.Sprintf("There are %d users on 1 server", s.UserCount()))
	s.sendNumeric(u, irc.RPL_LUSERCHANNELS,
		strconv.Itoa(s.ChannelCount()), "channels formed")
}

// helpTopics is what HELP knows about. 704/705/706 are the ircv3 help
// numerics; 524 is help-not-found.
var helpTopics = map[string][]string{
	"JOIN":    {"JOIN <channel>{,<channel>}", "Join the given channels."},
	"PART":    {"PART <channel>{,<channel>} [reason]", "Leave the given channels."},
	"PRIVMSG": {"PRIVMSG <target> :<text>", "Send a message to a user or channel."},
	"MODE":    {"MODE <target> [modes] [args]", "Query or change modes."},
	"TOPIC":   {"TOPIC <channel> [:topic]", "Query or set the channel topic."},
	"LIST":    {"LIST [>n|<n|T>n|T<n]", "List visible channels."},
}

func (s *Server) cmdHelp(u *User, msg *irc.Message) {
	if len(msg.Params) == 0 {
		topics := make([]string, 0, len(helpTopics))
		for t := range helpTopics {
			topics = append(topics, t)
		}
		sort.Strings(topics)
		s.sendNumeric(u, "704", "*", "Help topics")
		s.sendNumeric(u, "705", "*", strings.Join(topics, " "))
		s.sendNumeric(u, "706", "*", "End of /HELP")
		return
	}
	topic := strings.ToUpper(msg.Params[0])
	lines, ok := helpTopics[topic]
	if !ok {
		s.sendNumeric(u, "524", topic, "Help not found")
		return
	}
	s.sendNumeric(u, "704", topic, lines[0])
	for _, l := range lines[1:] {
		s.sendNumeric(u, "705", topic, l)
	}
	s.sendNumeric(u, "706", topic, "End of /HELP")
}
