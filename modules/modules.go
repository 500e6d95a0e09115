// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package modules tracks the protocol and feature components of the
// BBS and the sessions that reference them. A module cannot be
// unloaded while a session still holds a reference; unload kicks the
// referencing sessions and waits for the count to drain.
package modules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ErrUnloading is returned by Ref when the module is being unloaded.
var ErrUnloading = errors.New("module is unloading")

// Module is a loadable component: a protocol engine, a door, a mail
// filter.
type Module interface {
	Name() string
	Load() error
	Unload() error
}

// Handle is the registry's view of one loaded module plus its
// reference count.
type Handle struct {
	mod Module

	mu        sync.Mutex
	cond      *sync.Cond
	refs      int
	unloading bool
}

// Name returns the module's registered name.
func (h *Handle) Name() string { return h.mod.Name() }

// Refs returns the current reference count.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Ref takes a reference. It fails once an unload has begun.
func (h *Handle) Ref() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unloading {
		return fmt.Errorf("%s: %w", h.mod.Name(), ErrUnloading)
	}
	h.refs++
	return nil
}

// Unref releases a reference. Releasing more references than were
// taken is a logic error and returns an error rather than going
// negative.
func (h *Handle) Unref() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return fmt.Errorf("%s: unref with zero references", h.mod.Name())
	}
	h.refs--
	if h.refs == 0 {
		h.cond.Broadcast()
	}
	return nil
}

// Registry holds the loaded modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Handle
	logger  hclog.Logger

	// Kick force-disconnects every session referencing the named
	// module. Wired up by the node registry at startup.
	Kick func(name string) int
}

// NewRegistry returns an empty registry.
func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		modules: make(map[string]*Handle),
		logger:  logger.Named("modules"),
	}
}

// Load calls m.Load and registers it. Duplicate names are an error.
func (r *Registry) Load(m Module) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.Name()]; ok {
		return nil, fmt.Errorf("module %s already loaded", m.Name())
	}
	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("load %s: %w", m.Name(), err)
	}
	h := &Handle{mod: m}
	h.cond = sync.NewCond(&h.mu)
	r.modules[m.Name()] = h
	r.logger.Info("loaded", "module", m.Name())
	return h, nil
}

// Get returns the handle for name, or nil.
func (r *Registry) Get(name string) *Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.modules[name]
}

// Names returns the loaded module names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	return names
}

// Unload kicks sessions referencing name, waits for the reference
// count to reach zero, calls the module's Unload, and removes it.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	h, ok := r.modules[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("module %s not loaded", name)
	}

	h.mu.Lock()
	if h.unloading {
		h.mu.Unlock()
		return fmt.Errorf("module %s already unloading", name)
	}
	h.unloading = true
	refs := h.refs
	h.mu.Unlock()

	if refs > 0 && r.Kick != nil {
		kicked := r.Kick(name)
		r.logger.Info("unload kicked sessions", "module", name, "count", kicked)
	}

	h.mu.Lock()
	for h.refs > 0 {
		h.cond.Wait()
	}
	h.mu.Unlock()

	if err := h.mod.Unload(); err != nil {
		return fmt.Errorf("unload %s: %w", name, err)
	}
	r.mu.Lock()
	delete(r.modules, name)
	r.mu.Unlock()
	r.logger.Info("unloaded", "module", name)
	return nil
}

// UnloadAll unloads every module. Used at shutdown, after the node
// registry has been drained.
func (r *Registry) UnloadAll() {
	for _, name := range r.Names() {
		if err := r.Unload(name); err != nil {
			r.logger.Warn("unload failed", "module", name, "err", err)
		}
	}
}
