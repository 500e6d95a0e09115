// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package modules

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeModule struct {
	name     string
	unloaded bool
}

func (m *fakeModule) Name() string  { return m.name }
func (m *fakeModule) Load() error   { return nil }
func (m *fakeModule) Unload() error { m.unloaded = true; return nil }

func TestLoadDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Load(&fakeModule{name: "irc"}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := r.Load(&fakeModule{name: "irc"}); err == nil {
		t.Fatal("duplicate Load: got nil, want error")
	}
}

func TestRefUnref(t *testing.T) {
	r := NewRegistry(nil)
	h, err := r.Load(&fakeModule{name: "ftp"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.Ref(); err != nil {
		t.Fatalf("Ref: %v", err)
	}
	if got, want := h.Refs(), 1; got != want {
		t.Fatalf("Refs: got %d, want %d", got, want)
	}
	if err := h.Unref(); err != nil {
		t.Fatalf("Unref: %v", err)
	}
	if err := h.Unref(); err == nil {
		t.Fatal("Unref below zero: got nil, want error")
	}
}

func TestUnloadWaitsForRefs(t *testing.T) {
	r := NewRegistry(nil)
	m := &fakeModule{name: "smtp"}
	h, err := r.Load(m)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := h.Ref(); err != nil {
		t.Fatalf("Ref: %v", err)
	}

	var kicked bool
	var mu sync.Mutex
	r.Kick = func(name string) int {
		mu.Lock()
		kicked = true
		mu.Unlock()
		// Simulate the session noticing the kick and dropping its ref.
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.Unref() //nolint:errcheck
		}()
		return 1
	}

	if err := r.Unload("smtp"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !kicked {
		t.Fatal("Unload did not kick referencing sessions")
	}
	if !m.unloaded {
		t.Fatal("module Unload was not called")
	}
	if r.Get("smtp") != nil {
		t.Fatal("module still registered after Unload")
	}
}

func TestRefDuringUnload(t *testing.T) {
	r := NewRegistry(nil)
	h, err := r.Load(&fakeModule{name: "imap"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := r.Unload("imap"); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if err := h.Ref(); !errors.Is(err, ErrUnloading) {
		t.Fatalf("Ref during unload: got %v, want ErrUnloading", err)
	}
}
