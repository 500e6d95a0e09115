// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package imapproxy caches upstream IMAP connections per session,
// keyed by virtual-mailbox name. At most one upstream exists per name;
// the pool is bounded with oldest-first eviction, and idle upstreams
// are probed with NOOP before reuse.
package imapproxy

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config is the pool configuration.
type Config struct {
	// MaxClients bounds cached upstreams per pool. Zero means 5.
	MaxClients int
	// StaleAfter is the idle threshold that triggers a NOOP probe
	// before an upstream is reused. Zero means 10 seconds.
	StaleAfter time.Duration
	// ProbeTimeout bounds the NOOP round trip. Zero means 5 seconds.
	ProbeTimeout time.Duration
}

// DialFunc opens a connection to an upstream IMAP server.
type DialFunc func(addr string) (net.Conn, error)

// Upstream is one cached connection to a remote IMAP server.
type Upstream struct {
	Name string
	Addr string

	conn net.Conn
	r    *bufio.Reader
	// delimiter is the remote hierarchy delimiter from LIST "" "".
	delimiter string
	// prefix is prepended to translated mailbox names.
	prefix   string
	lastUsed time.Time
	tag      int
}

// Pool is a per-session cache of upstreams.
type Pool struct {
	cfg    Config
	dial   DialFunc
	logger hclog.Logger

	mu        sync.Mutex
	upstreams map[string]*Upstream
	// order is LRU, oldest first.
	order []string
}

// NewPool returns an empty pool. dial defaults to a plain TCP dial
// with a 10 second timeout.
func NewPool(cfg Config, dial DialFunc, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if dial == nil {
		dial = func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 10*time.Second)
		}
	}
	return &Pool{
		cfg:       cfg,
		dial:      dial,
		logger:    logger.Named("imapproxy"),
		upstreams: make(map[string]*Upstream),
	}
}

// Get returns the cached upstream for name, probing it if stale, or
// dials a fresh one. The pool evicts its oldest entry when full.
func (p *Pool) Get(name, addr string) (*Upstream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u, ok := p.upstreams[name]; ok {
		if time.Since(u.lastUsed) > p.cfg.StaleAfter {
			if err := p.probe(u); err != nil {
				p.logger.Debug("stale upstream dropped", "name", name, "err", err)
				p.dropLocked(name, u, false)
				return p.connectLocked(name, addr)
			}
		}
		u.lastUsed = time.Now()
		p.touchLocked(name)
		return u, nil
	}
	return p.connectLocked(name, addr)
}

// Size returns the number of cached upstreams.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.upstreams)
}

// Close destroys every cached upstream.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, u := range p.upstreams {
		p.dropLocked(name, u, true)
	}
}

func (p *Pool) connectLocked(name, addr string) (*Upstream, error) {
	for len(p.upstreams) >= p.cfg.MaxClients && len(p.order) > 0 {
		oldest := p.order[0]
		if u, ok := p.upstreams[oldest]; ok {
			p.logger.Debug("evicting oldest upstream", "name", oldest)
			p.dropLocked(oldest, u, true)
		} else {
			p.order = p.order[1:]
		}
	}

	conn, err := p.dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	u := &Upstream{
		Name:     name,
		Addr:     addr,
		conn:     conn,
		r:        bufio.NewReader(conn),
		lastUsed: time.Now(),
	}
	// Greeting line.
	if _, err := u.readLine(p.cfg.ProbeTimeout); err != nil {
		conn.Close() //nolint:errcheck
		return nil, fmt.Errorf("upstream greeting: %w", err)
	}
	if err := u.discoverDelimiter(p.cfg.ProbeTimeout); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	p.upstreams[name] = u
	p.order = append(p.order, name)
	return u, nil
}

// probe sends a NOOP and waits for its tagged completion. Callers hold
// p.mu.
func (p *Pool) probe(u *Upstream) error {
	tag := u.nextTag()
	if err := u.writeLine(p.cfg.ProbeTimeout, tag+" NOOP"); err != nil {
		return err
	}
	return u.awaitTagged(tag, p.cfg.ProbeTimeout)
}

// dropLocked removes an upstream, optionally with a polite LOGOUT.
func (p *Pool) dropLocked(name string, u *Upstream, logout bool) {
	if logout {
		u.writeLine(p.cfg.ProbeTimeout, "bye LOGOUT") //nolint:errcheck
	}
	u.conn.Close() //nolint:errcheck
	delete(p.upstreams, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// touchLocked moves name to the MRU end of the order.
func (p *Pool) touchLocked(name string) {
	for i, n := range p.order {
		if n == name {
			p.order = append(append(p.order[:i], p.order[i+1:]...), name)
			return
		}
	}
}

func (u *Upstream) nextTag() string {
	u.tag++
	return fmt.Sprintf("dp%d", u.tag)
}

func (u *Upstream) writeLine(timeout time.Duration, line string) error {
	u.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
	_, err := u.conn.Write([]byte(line + "\r\n"))
	return err
}

func (u *Upstream) readLine(timeout time.Duration) (string, error) {
	u.conn.SetReadDeadline(time.Now().Add(timeout)) //nolint:errcheck
	line, err := u.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

// awaitTagged drains untagged responses until the tagged completion
// arrives; a non-OK completion is an error.
func (u *Upstream) awaitTagged(tag string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return fmt.Errorf("timeout waiting for %s", tag)
		}
		line, err := u.readLine(remain)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, tag+" ") {
			if !strings.HasPrefix(line[len(tag)+1:], "OK") {
				return fmt.Errorf("upstream: %s", line)
			}
			return nil
		}
	}
}

// discoverDelimiter issues LIST "" "" and parses the delimiter from
// the untagged reply: * LIST (\Noselect) "/" "".
func (u *Upstream) discoverDelimiter(timeout time.Duration) error {
	tag := u.nextTag()
	if err := u.writeLine(timeout, tag+` LIST "" ""`); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return fmt.Errorf("timeout discovering delimiter")
		}
		line, err := u.readLine(remain)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "* LIST ") {
			if i := strings.IndexByte(line, ')'); i >= 0 {
				rest := strings.TrimSpace(line[i+1:])
				if len(rest) >= 3 && rest[0] == '"' {
					u.delimiter = string(rest[1])
				}
			}
			continue
		}
		if strings.HasPrefix(line, tag+" ") {
			if u.delimiter == "" {
				u.delimiter = "/"
			}
			return nil
		}
	}
}

// Delimiter returns the remote hierarchy delimiter.
func (u *Upstream) Delimiter() string { return u.delimiter }

// SetPrefix sets the remote mailbox prefix prepended by
// TranslateMailbox.
func (u *Upstream) SetPrefix(prefix string) { u.prefix = prefix }

// TranslateMailbox rewrites a local mailbox name (with '.' hierarchy)
// into the remote naming scheme.
func (u *Upstream) TranslateMailbox(local string) string {
	remote := local
	if u.delimiter != "" && u.delimiter != "." {
		remote = strings.ReplaceAll(local, ".", u.delimiter)
	}
	if u.prefix != "" {
		remote = u.prefix + u.delimiter + remote
	}
	return remote
}

// Exchange sends one tagged command and returns every line up to and
// including the tagged completion.
func (u *Upstream) Exchange(command string, timeout time.Duration) ([]string, error) {
	tag := u.nextTag()
	if err := u.writeLine(timeout, tag+" "+command); err != nil {
		return nil, err
	}
	var lines []string
	deadline := time.Now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			return lines, fmt.Errorf("timeout waiting for %s", tag)
		}
		line, err := u.readLine(remain)
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, tag+" ") {
			u.lastUsed = time.Now()
			return lines, nil
		}
	}
}
