// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package irc is the IRC engine: channels, members, modes, and the
// per-connection command loop, speaking RFC1459 plus CAP/SASL PLAIN.
//
// Lock order: Server.mu before Channel.mu before User.mu, never the
// reverse.
package irc

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/sorcix/irc.v2"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

// maxLineLen is the longest message we accept or emit, per RFC1459.
const maxLineLen = 510

// Config is the engine configuration.
type Config struct {
	// ServerName appears as the prefix of server-originated messages.
	ServerName string
	// NetworkName is advertised in ISUPPORT.
	NetworkName string
	// MaxChannels bounds how many channels may exist at once.
	MaxChannels int
	// PingInterval is how often idle clients are pinged; clients that
	// miss a full interval are disconnected.
	PingInterval time.Duration
	// RequireSASL refuses registration without SASL authentication.
	RequireSASL bool
	// LogDir, when set, gives every channel an append-only log file.
	LogDir string
	// MOTD lines, shown at welcome and on MOTD.
	MOTD []string
}

// Server is the engine.
type Server struct {
	cfg    Config
	store  *auth.Store
	logger hclog.Logger

	prefix *irc.Prefix

	mu       sync.RWMutex
	users    map[string]*User    // keyed by lower nickname
	channels map[string]*Channel // keyed by lower channel name
}

// NewServer returns an engine. store may be nil, which disables SASL
// and PASS authentication.
func NewServer(cfg Config, store *auth.Store, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 2 * time.Minute
	}
	if cfg.MaxChannels <= 0 {
		cfg.MaxChannels = 50
	}
	if cfg.NetworkName == "" {
		cfg.NetworkName = "Driftline"
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		logger:   logger.Named("irc"),
		prefix:   &irc.Prefix{Name: cfg.ServerName},
		users:    make(map[string]*User),
		channels: make(map[string]*Channel),
	}
}

// User is one connected client.
type User struct {
	n    *node.Node
	conn net.Conn

	// mu serializes writes to the connection and guards the mutable
	// fields below.
	mu         sync.Mutex
	nick       string
	username   string
	realname   string
	host       string
	modes      map[rune]bool // i, o, Z
	away       string
	registered bool
	// account is the BBS account bound by SASL or PASS, nil for none.
	account *auth.User

	lastPing   time.Time
	lastPong   time.Time
	lastActive time.Time
	idleSince  time.Time

	// channels the user is on, keyed by lower name.
	channels map[string]*Channel

	// CAP negotiation state.
	capNegotiating bool
	capSASLStarted bool
	saslDone       bool
}

// Nick returns the current nickname.
func (u *User) Nick() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nick
}

// prefixLocked builds the user's hostmask prefix. Callers hold u.mu.
func (u *User) prefixLocked() *irc.Prefix {
	return &irc.Prefix{Name: u.nick, User: u.username, Host: u.host}
}

// Prefix returns the user's hostmask prefix.
func (u *User) Prefix() *irc.Prefix {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.prefixLocked()
}

// writeMessage sends m to the client. The per-user lock gives each
// client a consistent serialization of everything sent to it.
func (u *User) writeMessage(m *irc.Message) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.writeMessageLocked(m)
}

func (u *User) writeMessageLocked(m *irc.Message) {
	line := m.String()
	if len(line) > maxLineLen {
		line = line[:maxLineLen]
	}
	u.conn.Write([]byte(line + "\r\n")) //nolint:errcheck
}

// Member is a user's presence on one channel, with channel privileges.
type Member struct {
	u *User
	// modes are the member privileges: q (founder), a (admin),
	// o (op), h (halfop), v (voice).
	modes map[rune]bool
}

// privOrder ranks privileges from highest to lowest with their
// name-list sigils.
var privOrder = []struct {
	mode  rune
	sigil string
}{
	{'q', "~"},
	{'a', "&"},
	{'o', "@"},
	{'h', "%"},
	{'v', "+"},
}

// atLeast reports whether the member holds min or any higher
// privilege.
func (m *Member) atLeast(min rune) bool {
	if min == 0 {
		return true
	}
	for _, p := range privOrder {
		if m.modes[p.mode] {
			return true
		}
		if p.mode == min {
			break
		}
	}
	return false
}

// sigil returns the name-list prefix for the member's highest
// privilege.
func (m *Member) sigil() string {
	for _, p := range privOrder {
		if m.modes[p.mode] {
			return p.sigil
		}
	}
	return ""
}

// Channel is one channel.
type Channel struct {
	name string

	// mu guards everything below. Broadcast holds it for the whole
	// member iteration, which is what makes per-channel message order
	// total.
	mu         sync.Mutex
	members    map[string]*Member // keyed by lower nick
	topic      string
	topicSetBy string
	topicSetAt time.Time
	// modes: j (join throttle), l (limit), m (moderated), n (no
	// external messages), p (private), r (registered only), s
	// (secret), t (topic restricted), z (reduced moderation), S (TLS
	// only).
	modes map[rune]bool
	limit int
	// +j throttle: at most throttleJoins joins per throttleSecs.
	throttleJoins int
	throttleSecs  int
	recentJoins   []time.Time
	log           *os.File
}

// throttled reports whether a join right now would exceed the +j
// throttle, and records the join if not.
func (c *Channel) throttled(now time.Time) bool {
	if !c.modes['j'] || c.throttleJoins < 1 {
		return false
	}
	cutoff := now.Add(-time.Duration(c.throttleSecs) * time.Second)
	kept := c.recentJoins[:0]
	for _, t := range c.recentJoins {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.recentJoins = kept
	if len(c.recentJoins) >= c.throttleJoins {
		return true
	}
	c.recentJoins = append(c.recentJoins, now)
	return false
}

// hidden reports whether the channel is private or secret. Hidden
// channels stay out of LIST, NAMES and WHOIS for non-members.
func (c *Channel) hidden() bool {
	return c.modes['p'] || c.modes['s']
}

// broadcast sends m to every member at or above minPriv, except
// exclude. Callers must NOT hold c.mu.
func (c *Channel) broadcast(m *irc.Message, exclude *User, minPriv rune) {
	line := m.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, mem := range c.members {
		if mem.u == exclude {
			continue
		}
		if !mem.atLeast(minPriv) {
			continue
		}
		mem.u.writeMessage(m)
	}
	if c.log != nil {
		fmt.Fprintf(c.log, "[%s] %s\n", time.Now().Format("2006-01-02 15:04:05"), line) //nolint:errcheck
	}
}

// lower folds a nick or channel name for map keys.
func lower(s string) string { return strings.ToLower(s) }

// validChannelName accepts #name and &name with sane characters.
func validChannelName(name string) bool {
	if len(name) < 2 || len(name) > 64 {
		return false
	}
	if name[0] != '#' && name[0] != '&' {
		return false
	}
	return !strings.ContainsAny(name[1:], " ,\x07")
}

// getChannel returns the channel, or nil.
func (s *Server) getChannel(name string) *Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[lower(name)]
}

// getUser returns the registered user with the given nick, or nil.
func (s *Server) getUser(nick string) *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[lower(nick)]
}

// channelNames returns every channel name.
func (s *Server) channelNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.channels))
	for _, c := range s.channels {
		names = append(names, c.name)
	}
	return names
}

// UserCount returns the number of registered users.
func (s *Server) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// ChannelCount returns the number of channels.
func (s *Server) ChannelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// sendNumeric sends a server-prefixed numeric to u. The user's nick
// (or * before registration) is always the first parameter.
func (s *Server) sendNumeric(u *User, numeric string, params ...string) {
	nick := u.Nick()
	if nick == "" {
		nick = "*"
	}
	u.writeMessage(&irc.Message{
		Prefix:  s.prefix,
		Command: numeric,
		Params:  append([]string{nick}, params...),
	})
}

// sendServer sends a server-prefixed non-numeric command.
func (s *Server) sendServer(u *User, command string, params ...string) {
	u.writeMessage(&irc.Message{
		Prefix:  s.prefix,
		Command: command,
		Params:  params,
	})
}

// openChannelLog opens the append-only log for a new channel.
func (s *Server) openChannelLog(name string) *os.File {
	if s.cfg.LogDir == "" {
		return nil
	}
	clean := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, strings.TrimLeft(name, "#&"))
	f, err := os.OpenFile(filepath.Join(s.cfg.LogDir, clean+".log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Warn("channel log open failed", "channel", name, "err", err)
		return nil
	}
	return f
}

// removeChannelIfEmpty drops the channel once its last member leaves.
// Callers must not hold c.mu.
func (s *Server) removeChannelIfEmpty(c *Channel) {
	c.mu.Lock()
	empty := len(c.members) == 0
	var log *os.File
	if empty {
		log = c.log
		c.log = nil
	}
	c.mu.Unlock()
	if !empty {
		return
	}
	s.mu.Lock()
	if cur, ok := s.channels[lower(c.name)]; ok && cur == c {
		delete(s.channels, lower(c.name))
	}
	n := len(s.channels)
	s.mu.Unlock()
	if log != nil {
		log.Close()
	}
	ircChannels.Set(float64(n))
	s.logger.Debug("channel removed", "channel", c.name)
}

// Run drives the ping loop until ctx is done. Users that have not
// answered the previous ping are disconnected with a timeout error.
func (s *Server) Run(done <-chan struct{}) {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.pingRound()
		}
	}
}

func (s *Server) pingRound() {
	now := time.Now()
	s.mu.RLock()
	users := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	for _, u := range users {
		u.mu.Lock()
		timedOut := !u.lastPing.IsZero() && u.lastPong.Before(now.Add(-s.cfg.PingInterval))
		lastPong := u.lastPong
		if !timedOut {
			u.lastPing = now
			u.writeMessageLocked(&irc.Message{
				Command: irc.PING,
				Params:  []string{fmt.Sprintf("%d", now.Unix())},
			})
		}
		u.mu.Unlock()

		if timedOut {
			secs := int(now.Sub(lastPong).Seconds())
			s.logger.Info("ping timeout", "nick", u.Nick(), "seconds", secs)
			s.leaveAllChannels(u, fmt.Sprintf("Ping timeout: %d seconds", secs))
			u.writeMessage(&irc.Message{Command: irc.ERROR, Params: []string{"Connection timeout"}})
			// Break the handler's blocked read; teardown happens there.
			u.conn.Close() //nolint:errcheck
		}
	}
}

// leaveAllChannels parts u from everything, broadcasting a QUIT (with
// reason) to each channel, excluding u itself.
func (s *Server) leaveAllChannels(u *User, reason string) {
	u.mu.Lock()
	chans := make([]*Channel, 0, len(u.channels))
	for _, c := range u.channels {
		chans = append(chans, c)
	}
	u.channels = make(map[string]*Channel)
	prefix := u.prefixLocked()
	nick := u.nick
	u.mu.Unlock()

	quit := &irc.Message{Prefix: prefix, Command: irc.QUIT, Params: []string{reason}}
	for _, c := range chans {
		c.mu.Lock()
		delete(c.members, lower(nick))
		c.mu.Unlock()
		c.broadcast(quit, u, 0)
		s.removeChannelIfEmpty(c)
	}
}

// unlinkUser removes u from the registered-user table. Unlinking a
// user that is not registered is a logic error.
func (s *Server) unlinkUser(u *User) error {
	nick := u.Nick()
	s.mu.Lock()
	cur, ok := s.users[lower(nick)]
	if ok && cur == u {
		delete(s.users, lower(nick))
	}
	n := len(s.users)
	s.mu.Unlock()
	ircUsers.Set(float64(n))
	if !ok || cur != u {
		return fmt.Errorf("unlink %q: not registered", nick)
	}
	return nil
}

// HandleConn owns the node for its lifetime: registration, command
// loop, teardown. It is the node's owning goroutine body.
func (s *Server) HandleConn(n *node.Node) error {
	u := &User{
		n:          n,
		conn:       n.Conn,
		modes:      make(map[rune]bool),
		channels:   make(map[string]*Channel),
		host:       fmt.Sprintf("node/%d", n.ID),
		lastActive: time.Now(),
		idleSince:  time.Now(),
	}

	graceful, err := s.commandLoop(u)

	if !graceful {
		s.leaveAllChannels(u, "Remote user closed the connection")
	}
	u.mu.Lock()
	registered := u.registered
	u.mu.Unlock()
	if registered {
		if uerr := s.unlinkUser(u); uerr != nil {
			s.logger.Error("double unregister", "err", uerr)
		}
	}
	return err
}

// commandLoop reads and dispatches until QUIT (graceful) or a
// transport error.
func (s *Server) commandLoop(u *User) (graceful bool, err error) {
	r := bufio.NewReaderSize(u.conn, maxLineLen+2)
	for {
		// A client that goes quiet for two full ping intervals is
		// dead even if the ping loop has not caught it yet.
		u.conn.SetReadDeadline(time.Now().Add(2*s.cfg.PingInterval + 30*time.Second)) //nolint:errcheck
		line, rerr := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			msg := irc.ParseMessage(line)
			if msg != nil {
				if quit := s.dispatch(u, msg); quit {
					return true, nil
				}
			}
		}
		if rerr != nil {
			return false, rerr
		}
	}
}
