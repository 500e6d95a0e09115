// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package smtp is a minimal mail ingress: it accepts messages for
// local BBS users and spools them to disk. Filters registered against
// the accepted-message checkpoint run in registration order and may
// reject a message before it hits the spool.
package smtp

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
)

// Config is the engine configuration.
type Config struct {
	// Hostname is announced in the greeting and EHLO reply.
	Hostname string
	// SpoolDir receives one file per accepted message.
	SpoolDir string
	// MaxSize bounds the DATA payload in bytes. Zero means 10 MB.
	MaxSize int64
}

// Message is one accepted mail, handed to filters before spooling.
type Message struct {
	From string
	To   []string
	Data []byte
	// SpoolName is set after the message lands on disk.
	SpoolName string
}

// Filter inspects an accepted message. A non-nil error rejects it and
// nothing is spooled.
type Filter func(*Message) error

// Server is the SMTP engine.
type Server struct {
	cfg    Config
	store  *auth.Store
	logger hclog.Logger

	mu      sync.RWMutex
	filters []Filter
}

func NewServer(cfg Config, store *auth.Store, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "driftline"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 << 20
	}
	return &Server{cfg: cfg, store: store, logger: logger.Named("smtp")}
}

// RegisterFilter appends a filter. Filters run in registration order
// at the accepted-message checkpoint.
func (s *Server) RegisterFilter(f Filter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
}

func (s *Server) runFilters(m *Message) error {
	s.mu.RLock()
	filters := s.filters
	s.mu.RUnlock()
	for _, f := range filters {
		if err := f(m); err != nil {
			return err
		}
	}
	return nil
}

// session is one SMTP connection's envelope state.
type session struct {
	from string
	to   []string
}

func (sess *session) reset() {
	sess.from = ""
	sess.to = nil
}

// HandleConn owns the node for its lifetime.
func (s *Server) HandleConn(n *node.Node) error {
	w := bufio.NewWriter(n.Conn)
	reply := func(code int, text string) {
		fmt.Fprintf(w, "%d %s\r\n", code, text) //nolint:errcheck
		w.Flush()                               //nolint:errcheck
	}

	reply(220, s.cfg.Hostname+" Driftline SMTP service ready")
	r := bufio.NewReader(n.Conn)
	sess := &session{}
	for {
		n.Conn.SetReadDeadline(time.Now().Add(5 * time.Minute)) //nolint:errcheck
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			verb, arg := splitCommand(line)
			switch verb {
			case "QUIT":
				reply(221, "Bye")
				return nil
			case "NOOP":
				reply(250, "OK")
			case "RSET":
				sess.reset()
				reply(250, "OK")
			case "HELO":
				sess.reset()
				reply(250, s.cfg.Hostname)
			case "EHLO":
				sess.reset()
				// Multiline: hostname, then the one extension we have.
				fmt.Fprintf(w, "250-%s\r\n", s.cfg.Hostname) //nolint:errcheck
				fmt.Fprintf(w, "250 SIZE %d\r\n", s.cfg.MaxSize) //nolint:errcheck
				w.Flush() //nolint:errcheck
			case "MAIL":
				s.cmdMail(sess, arg, reply)
			case "RCPT":
				s.cmdRcpt(sess, arg, reply)
			case "DATA":
				s.cmdData(sess, r, reply)
			default:
				reply(502, "Command not implemented")
			}
		}
		if err != nil {
			return err
		}
	}
}

func splitCommand(line string) (verb, arg string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// parseAddress pulls the bare address out of FROM:<a@b> / TO:<a@b>.
func parseAddress(arg, keyword string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.ToUpper(arg), keyword+":")
	if !ok {
		return "", false
	}
	// Cut worked on the uppercased copy; redo on the original.
	addr := strings.TrimSpace(arg[len(arg)-len(rest):])
	addr = strings.TrimPrefix(addr, "<")
	addr = strings.TrimSuffix(addr, ">")
	return addr, addr != ""
}

func (s *Server) cmdMail(sess *session, arg string, reply func(int, string)) {
	addr, ok := parseAddress(arg, "FROM")
	if !ok {
		reply(501, "Syntax: MAIL FROM:<address>")
		return
	}
	sess.reset()
	sess.from = addr
	reply(250, "OK")
}

func (s *Server) cmdRcpt(sess *session, arg string, reply func(int, string)) {
	if sess.from == "" {
		reply(503, "Send MAIL first")
		return
	}
	addr, ok := parseAddress(arg, "TO")
	if !ok {
		reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	// Local delivery only: the mailbox part must be a known account.
	local := addr
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	if s.store != nil {
		user, err := s.store.ByName(local)
		if err != nil || user == nil {
			reply(550, "No such user here")
			return
		}
	}
	sess.to = append(sess.to, addr)
	reply(250, "OK")
}

func (s *Server) cmdData(sess *session, r *bufio.Reader, reply func(int, string)) {
	if len(sess.to) == 0 {
		reply(503, "Send RCPT first")
		return
	}
	reply(354, "End data with <CR><LF>.<CR><LF>")

	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			reply(451, "Connection error")
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			break
		}
		// Undo dot stuffing.
		line = strings.TrimPrefix(line, ".")
		if int64(b.Len()+len(line)+2) > s.cfg.MaxSize {
			reply(552, "Message too large")
			sess.reset()
			return
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}

	m := &Message{From: sess.from, To: sess.to, Data: []byte(b.String())}
	sess.reset()
	if err := s.runFilters(m); err != nil {
		s.logger.Info("message rejected by filter", "from", m.From, "err", err)
		reply(550, "Message rejected")
		return
	}
	if err := s.spool(m); err != nil {
		s.logger.Error("spool", "err", err)
		reply(451, "Local error in processing")
		return
	}
	s.logger.Info("message accepted", "from", m.From, "rcpts", len(m.To), "spool", m.SpoolName)
	reply(250, "OK: queued as "+m.SpoolName)
}

// spool writes the message under a uuid name. The envelope rides in
// front of the body as header lines.
func (s *Server) spool(m *Message) error {
	if err := os.MkdirAll(s.cfg.SpoolDir, 0o755); err != nil {
		return err
	}
	name := uuid.NewString()
	var b strings.Builder
	fmt.Fprintf(&b, "Return-Path: <%s>\r\n", m.From)
	for _, to := range m.To {
		fmt.Fprintf(&b, "Delivered-To: <%s>\r\n", to)
	}
	fmt.Fprintf(&b, "Received: by %s; %s\r\n", s.cfg.Hostname, time.Now().Format(time.RFC1123Z))
	b.Write(m.Data)

	path := filepath.Join(s.cfg.SpoolDir, name)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return err
	}
	m.SpoolName = name
	return nil
}
