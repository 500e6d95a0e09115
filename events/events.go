// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package events delivers lifecycle notifications (connects,
// disconnects, logins) to registered consumers.
package events

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Type identifies an event.
type Type int

const (
	// NodeStart fires once a node has been assigned an ID.
	NodeStart Type = iota
	// NodeShutdown fires after a node's teardown completes.
	NodeShutdown
	// NodeShortSession fires when an unauthenticated node disconnects
	// within a few seconds of connecting. Scanners, mostly.
	NodeShortSession
	// NodeInterrupt fires when a sysop interrupts a node.
	NodeInterrupt
	// UserLogin fires on successful authentication.
	UserLogin
	// UserLogout fires when an authenticated node logs out or is torn down.
	UserLogout
)

func (t Type) String() string {
	switch t {
	case NodeStart:
		return "node.start"
	case NodeShutdown:
		return "node.shutdown"
	case NodeShortSession:
		return "node.shortsession"
	case NodeInterrupt:
		return "node.interrupt"
	case UserLogin:
		return "user.login"
	case UserLogout:
		return "user.logout"
	}
	return "unknown"
}

// Event carries the node ID and, when known, user and protocol.
type Event struct {
	Type     Type
	NodeID   int
	Username string
	Protocol string
	Time     time.Time
}

// Handler consumes events. Handlers run synchronously on the
// dispatching goroutine and must not block.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	logger   hclog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger hclog.Logger) *Bus {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bus{logger: logger.Named("events")}
}

// Subscribe registers h for all events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Dispatch delivers e to every subscriber in registration order.
func (b *Bus) Dispatch(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.logger.Debug("dispatch", "type", e.Type.String(), "node", e.NodeID, "user", e.Username)
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}
