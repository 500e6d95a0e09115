// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/driftline/driftline/events"
	"github.com/driftline/driftline/modules"
)

// Registry assigns node IDs and owns node lifecycle.
type Registry struct {
	mu           sync.RWMutex
	nodes        map[int]*Node
	max          int
	lifetime     uint64
	shuttingDown bool

	bus    *events.Bus
	logger hclog.Logger
}

// NewRegistry returns a registry bounded at max nodes.
func NewRegistry(max int, bus *events.Bus, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Registry{
		nodes:  make(map[int]*Node),
		max:    max,
		bus:    bus,
		logger: logger.Named("node"),
	}
}

// Bus returns the registry's event bus.
func (r *Registry) Bus() *events.Bus { return r.bus }

// Request allocates a node for conn. The ID is the smallest positive
// integer not currently in use. A module handle, when given, is
// referenced for the node's lifetime.
func (r *Registry) Request(conn net.Conn, protocol string, mod *modules.Handle) (*Node, error) {
	if conn == nil {
		return nil, ErrBadDescriptor
	}
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if len(r.nodes) >= r.max {
		r.mu.Unlock()
		r.logger.Warn("rejecting connection, no free nodes", "max", r.max, "proto", protocol)
		return nil, ErrFull
	}
	id := 1
	for ; ; id++ {
		if _, used := r.nodes[id]; !used {
			break
		}
	}
	if mod != nil {
		if err := mod.Ref(); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	n := &Node{
		ID:          id,
		Conn:        conn,
		Protocol:    protocol,
		Created:     time.Now(),
		registry:    r,
		module:      mod,
		active:      true,
		interruptCh: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	r.nodes[id] = n
	r.lifetime++
	count := len(r.nodes)
	r.mu.Unlock()

	activeNodes.Set(float64(count))
	lifetimeNodes.Inc()
	protocolAccepts.WithLabelValues(protocol).Inc()
	r.logger.Info("node allocated", "node", id, "proto", protocol, "remote", conn.RemoteAddr())
	r.bus.Dispatch(events.Event{Type: events.NodeStart, NodeID: id, Protocol: protocol})
	return n, nil
}

// Get returns the node with the given ID, or nil.
func (r *Registry) Get(id int) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[id]
}

// List returns the live nodes sorted by ID.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// CountProtocol returns the number of live nodes on a protocol.
func (r *Registry) CountProtocol(protocol string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := 0
	for _, n := range r.nodes {
		if n.Protocol == protocol {
			c++
		}
	}
	return c
}

// CountModule returns the number of live nodes referencing the named
// module.
func (r *Registry) CountModule(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := 0
	for _, n := range r.nodes {
		if n.module != nil && n.module.Name() == name {
			c++
		}
	}
	return c
}

// MaxID returns the highest active node ID, or 0 when no nodes are
// live.
func (r *Registry) MaxID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	max := 0
	for id := range r.nodes {
		if id > max {
			max = id
		}
	}
	return max
}

// Lifetime returns the count of nodes ever allocated.
func (r *Registry) Lifetime() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lifetime
}

// Go runs the node's owning goroutine. handler errors are logged, not
// fatal, and a panicking handler costs only its own session. When the
// handler returns the node is released; the module reference is held
// until the goroutine has fully unwound, so a concurrent unload never
// runs while the handler still executes engine code.
func (r *Registry) Go(n *Node, handler func(*Node) error) {
	go func() {
		defer func() {
			r.Release(n)
			if n.module != nil {
				if err := n.module.Unref(); err != nil {
					r.logger.Warn("module unref", "node", n.ID, "err", err)
				}
			}
			close(n.done)
		}()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("handler panic", "node", n.ID, "panic", p,
					"stack", string(debug.Stack()))
			}
		}()
		if err := handler(n); err != nil {
			r.logger.Debug("handler exit", "node", n.ID, "err", err)
		}
	}()
}

// Release tears the node down from its own goroutine. A node already
// shut down by Kick or ShutdownAll is left alone.
func (r *Registry) Release(n *Node) {
	if err := r.shutdown(n); err != nil {
		r.logger.Debug("release", "node", n.ID, "err", err)
	}
}

// Kick tears down the node with the given ID from outside its owning
// goroutine and waits for that goroutine to exit.
func (r *Registry) Kick(id int) error {
	r.mu.RLock()
	n := r.nodes[id]
	r.mu.RUnlock()
	if n == nil {
		return ErrAlreadyShutdown
	}
	if err := r.shutdown(n); err != nil {
		return err
	}
	<-n.done
	return nil
}

// KickAll force-disconnects every node and returns how many were
// kicked.
func (r *Registry) KickAll() int {
	kicked := 0
	for _, n := range r.List() {
		if err := r.Kick(n.ID); err == nil {
			kicked++
		}
	}
	return kicked
}

// KickModule force-disconnects every node referencing the named
// module. Wired in as modules.Registry.Kick.
func (r *Registry) KickModule(name string) int {
	kicked := 0
	for _, n := range r.List() {
		if n.module != nil && n.module.Name() == name {
			if err := r.Kick(n.ID); err == nil {
				kicked++
			}
		}
	}
	return kicked
}

// Interrupt interrupts the node with the given ID.
func (r *Registry) Interrupt(id int) error {
	r.mu.RLock()
	n := r.nodes[id]
	r.mu.RUnlock()
	if n == nil {
		return ErrAlreadyShutdown
	}
	n.Interrupt()
	r.bus.Dispatch(events.Event{Type: events.NodeInterrupt, NodeID: id, Protocol: n.Protocol})
	return nil
}

// ShutdownAll marks the registry as shutting down, refuses new nodes,
// and tears down every live node, waiting for their goroutines.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
	n := r.KickAll()
	r.logger.Info("all nodes down", "count", n)
}

// ShuttingDown reports whether ShutdownAll has begun.
func (r *Registry) ShuttingDown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shuttingDown
}

// shutdown runs the node teardown sequence exactly once:
// deactivate, kill the child, log the user out, restore the terminal
// and close the PTY pair (joining the relay), close the transport,
// account a short session. The module reference stays held; Go's
// defer releases it once the owning goroutine is joined.
func (r *Registry) shutdown(n *Node) error {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return ErrAlreadyShutdown
	}
	n.active = false
	child := n.childPID
	user := n.user
	n.user = nil
	pty := n.pty
	n.pty = nil
	n.mu.Unlock()

	var errs error

	if child > 0 {
		if err := killEscalate(child); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	wasLoggedIn := user != nil
	if wasLoggedIn {
		r.bus.Dispatch(events.Event{Type: events.UserLogout, NodeID: n.ID, Username: user.Name, Protocol: n.Protocol})
	}

	if pty != nil {
		// Close restores the saved termios, resets attributes, closes
		// the pair, and joins the relay goroutine.
		if err := pty.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := n.Conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	r.mu.Lock()
	delete(r.nodes, n.ID)
	count := len(r.nodes)
	shuttingDown := r.shuttingDown
	r.mu.Unlock()
	activeNodes.Set(float64(count))

	if !wasLoggedIn && !shuttingDown && time.Since(n.Created) < shortSessionWindow {
		shortSessions.Inc()
		r.bus.Dispatch(events.Event{Type: events.NodeShortSession, NodeID: n.ID, Protocol: n.Protocol})
	}
	r.bus.Dispatch(events.Event{Type: events.NodeShutdown, NodeID: n.ID, Protocol: n.Protocol})

	r.logger.Info("node down", "node", n.ID, "proto", n.Protocol, "alive", time.Since(n.Created).Round(time.Millisecond))
	return errs
}
