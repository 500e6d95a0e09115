// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irc

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gopkg.in/sorcix/irc.v2"
)

// ircCommand is one dispatch table entry. Commands register
// themselves in init funcs, one file per command group.
type ircCommand struct {
	fn        func(*Server, *User, *irc.Message)
	minParams int
	// preReg commands are legal before registration completes.
	preReg bool
}

var commands = map[string]*ircCommand{}

func init() {
	commands[irc.NICK] = &ircCommand{fn: (*Server).cmdNick, preReg: true}
	commands[irc.USER] = &ircCommand{fn: (*Server).cmdUser, minParams: 4, preReg: true}
	commands[irc.PASS] = &ircCommand{fn: (*Server).cmdPass, minParams: 1, preReg: true}
	commands[irc.CAP] = &ircCommand{fn: (*Server).cmdCap, minParams: 1, preReg: true}
	commands[irc.AUTHENTICATE] = &ircCommand{fn: (*Server).cmdAuthenticate, minParams: 1, preReg: true}
	commands[irc.PING] = &ircCommand{fn: (*Server).cmdPing, preReg: true}
	commands[irc.PONG] = &ircCommand{fn: (*Server).cmdPong, preReg: true}
}

// dispatch runs one message. It returns true for QUIT.
func (s *Server) dispatch(u *User, msg *irc.Message) (quit bool) {
	ircMessages.Inc()
	cmd := strings.ToUpper(msg.Command)

	u.mu.Lock()
	u.lastActive = time.Now()
	registered := u.registered
	u.mu.Unlock()

	if cmd == irc.QUIT {
		s.cmdQuit(u, msg)
		return true
	}
	c, ok := commands[cmd]
	if !ok {
		if registered {
			s.sendNumeric(u, irc.ERR_UNKNOWNCOMMAND, cmd, "Unknown command")
		}
		return false
	}
	if !registered && !c.preReg {
		s.sendNumeric(u, irc.ERR_NOTREGISTERED, "You have not registered")
		return false
	}
	if len(msg.Params) < c.minParams {
		s.sendNumeric(u, irc.ERR_NEEDMOREPARAMS, cmd, "Not enough parameters")
		return false
	}
	c.fn(s, u, msg)
	return false
}

func (s *Server) cmdPing(u *User, msg *irc.Message) {
	token := ""
	if len(msg.Params) > 0 {
		token = msg.Params[0]
	}
	s.sendServer(u, irc.PONG, s.cfg.ServerName, token)
}

func (s *Server) cmdPong(u *User, msg *irc.Message) {
	u.mu.Lock()
	u.lastPong = time.Now()
	u.mu.Unlock()
}

func (s *Server) cmdQuit(u *User, msg *irc.Message) {
	reason := "Client quit"
	if len(msg.Params) > 0 {
		reason = msg.Trailing()
	}
	s.leaveAllChannels(u, reason)
	u.writeMessage(&irc.Message{Command: irc.ERROR, Params: []string{"Closing link"}})
}

func (s *Server) cmdNick(u *User, msg *irc.Message) {
	if len(msg.Params) < 1 || msg.Params[0] == "" {
		s.sendNumeric(u, irc.ERR_NONICKNAMEGIVEN, "No nickname given")
		return
	}
	nick := msg.Params[0]
	u.mu.Lock()
	registered := u.registered
	u.mu.Unlock()
	if registered {
		// Nicknames are bound to BBS accounts; changing one
		// mid-session would break that binding.
		s.sendNumeric(u, "484", "Your nickname cannot be changed")
		return
	}
	if s.getUser(nick) != nil {
		s.sendNumeric(u, irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return
	}
	u.mu.Lock()
	u.nick = nick
	u.mu.Unlock()
	s.tryWelcome(u)
}

func (s *Server) cmdUser(u *User, msg *irc.Message) {
	u.mu.Lock()
	if u.username == "" {
		u.username = msg.Params[0]
		u.realname = msg.Trailing()
	}
	u.mu.Unlock()
	s.tryWelcome(u)
}

// cmdPass authenticates against the BBS account store, the
// pre-SASL way.
func (s *Server) cmdPass(u *User, msg *irc.Message) {
	if s.store == nil {
		return
	}
	// PASS nick:password or just password (nick from NICK).
	arg := msg.Params[0]
	name, pw := u.Nick(), arg
	if i := strings.IndexByte(arg, ':'); i >= 0 {
		name, pw = arg[:i], arg[i+1:]
	}
	acct, err := s.store.Authenticate(name, pw)
	if err != nil {
		s.logger.Warn("PASS authentication failed", "name", name)
		return
	}
	u.mu.Lock()
	u.account = acct
	u.saslDone = true
	u.mu.Unlock()
}

func (s *Server) cmdCap(u *User, msg *irc.Message) {
	sub := strings.ToUpper(msg.Params[0])
	switch sub {
	case "LS":
		u.mu.Lock()
		u.capNegotiating = true
		u.mu.Unlock()
		caps := "multi-prefix"
		if s.store != nil {
			caps += " sasl=PLAIN"
		}
		u.writeMessage(&irc.Message{
			Prefix:  s.prefix,
			Command: irc.CAP,
			Params:  []string{"*", "LS", caps},
		})
	case "REQ":
		req := msg.Trailing()
		u.writeMessage(&irc.Message{
			Prefix:  s.prefix,
			Command: irc.CAP,
			Params:  []string{"*", "ACK", req},
		})
	case "END":
		u.mu.Lock()
		u.capNegotiating = false
		u.mu.Unlock()
		s.tryWelcome(u)
	case "LIST":
		u.writeMessage(&irc.Message{
			Prefix:  s.prefix,
			Command: irc.CAP,
			Params:  []string{"*", "LIST", "multi-prefix"},
		})
	}
}

func (s *Server) cmdAuthenticate(u *User, msg *irc.Message) {
	arg := msg.Params[0]
	if s.store == nil {
		s.sendNumeric(u, "904", "SASL authentication failed")
		return
	}
	switch {
	case strings.EqualFold(arg, "PLAIN"):
		u.mu.Lock()
		u.capSASLStarted = true
		u.mu.Unlock()
		u.writeMessage(&irc.Message{Command: irc.AUTHENTICATE, Params: []string{"+"}})
	case arg == "*":
		u.mu.Lock()
		u.capSASLStarted = false
		u.mu.Unlock()
		s.sendNumeric(u, "906", "SASL authentication aborted")
	default:
		u.mu.Lock()
		started := u.capSASLStarted
		u.mu.Unlock()
		if !started {
			s.sendNumeric(u, "904", "SASL authentication failed")
			return
		}
		s.saslPlain(u, arg)
	}
}

// saslPlain finishes PLAIN: base64(authzid NUL authcid NUL password).
// The nickname must match the account being authenticated.
func (s *Server) saslPlain(u *User, blob string) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		s.sendNumeric(u, "904", "SASL authentication failed")
		return
	}
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		s.sendNumeric(u, "904", "SASL authentication failed")
		return
	}
	authcid, password := parts[1], parts[2]
	if authcid == "" {
		authcid = parts[0]
	}
	nick := u.Nick()
	if nick != "" && !strings.EqualFold(nick, authcid) {
		s.sendNumeric(u, "904", "SASL authentication failed")
		return
	}
	acct, err := s.store.Authenticate(authcid, password)
	if err != nil {
		s.logger.Warn("SASL failed", "name", authcid)
		s.sendNumeric(u, "904", "SASL authentication failed")
		return
	}
	u.mu.Lock()
	u.account = acct
	u.saslDone = true
	prefix := u.prefixLocked()
	u.mu.Unlock()

	s.sendNumeric(u, "900", prefix.String(), acct.Name,
		fmt.Sprintf("You are now logged in as %s", acct.Name))
	s.sendNumeric(u, "903", "SASL authentication successful")
}

// tryWelcome completes registration once NICK and USER have arrived,
// CAP negotiation has ended, and any SASL requirement is satisfied.
func (s *Server) tryWelcome(u *User) {
	u.mu.Lock()
	ready := u.nick != "" && u.username != "" && !u.capNegotiating && !u.registered
	saslDone := u.saslDone
	nick := u.nick
	u.mu.Unlock()
	if !ready {
		return
	}
	if s.cfg.RequireSASL && !saslDone {
		s.sendServer(u, irc.NOTICE, "AUTH",
			"*** This server requires SASL authentication; reconnect with SASL")
		return
	}

	// Nick uniqueness is decided under the server lock, and the
	// cloaked host is in place before the user becomes visible.
	s.mu.Lock()
	if _, taken := s.users[lower(nick)]; taken {
		s.mu.Unlock()
		s.sendNumeric(u, irc.ERR_NICKNAMEINUSE, nick, "Nickname is already in use")
		return
	}
	u.mu.Lock()
	u.registered = true
	u.lastPong = time.Now()
	u.mu.Unlock()
	s.users[lower(nick)] = u
	n := len(s.users)
	s.mu.Unlock()
	ircUsers.Set(float64(n))

	s.welcomeBurst(u)
}

func (s *Server) welcomeBurst(u *User) {
	nick := u.Nick()
	s.sendNumeric(u, irc.RPL_WELCOME,
		fmt.Sprintf("Welcome to the %s Internet Relay Chat Network %s", s.cfg.NetworkName, nick))
	s.sendNumeric(u, irc.RPL_YOURHOST,
		fmt.Sprintf("Your host is %s, running Driftline", s.cfg.ServerName))
	s.sendNumeric(u, irc.RPL_CREATED, "This server was created at boot")
	s.sendNumeric(u, irc.RPL_MYINFO, s.cfg.ServerName, "driftline", "ioZ", "jlmnprstzS")
	s.sendNumeric(u, "005",
		"CHANTYPES=#&",
		"PREFIX=(qaohv)~&@%+",
		"CASEMAPPING=rfc1459",
		"CHANMODES=,jl,,mnprstzS",
		"NETWORK="+s.cfg.NetworkName,
		"are supported by this server")
	s.sendNumeric(u, irc.RPL_LUSERCLIENT,
		fmt.Sprintf("There are %d users on 1 server", s.UserCount()))
	s.sendNumeric(u, irc.RPL_LUSERCHANNELS,
		fmt.Sprintf("%d", s.ChannelCount()), "channels formed")
	s.sendMOTD(u)

	u.mu.Lock()
	acct := u.account
	u.mu.Unlock()
	if acct != nil && !acct.LastSeen.IsZero() {
		s.sendServer(u, irc.NOTICE, nick,
			fmt.Sprintf("Last login: %s", acct.LastSeen.Format(time.RFC1123)))
	}
	s.logger.Info("registered", "nick", nick, "node", u.n.ID)
}

func (s *Server) sendMOTD(u *User) {
	if len(s.cfg.MOTD) == 0 {
		s.sendNumeric(u, irc.ERR_NOMOTD, "MOTD File is missing")
		return
	}
	s.sendNumeric(u, irc.RPL_MOTDSTART, fmt.Sprintf("- %s Message of the day -", s.cfg.ServerName))
	for _, line := range s.cfg.MOTD {
		s.sendNumeric(u, irc.RPL_MOTD, "- "+line)
	}
	s.sendNumeric(u, irc.RPL_ENDOFMOTD, "End of /MOTD command")
}
