// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package sandbox

import (
	"context"
	"errors"

	"github.com/driftline/driftline/node"
)

var errNoIsolation = errors.New("namespace isolation requires linux")

func (r *Runner) runIsolated(ctx context.Context, n *node.Node, spec Spec) (int, error) {
	return -1, errNoIsolation
}

// Janitor is a no-op without isolation support.
func (r *Runner) Janitor() int { return 0 }

// IsInit reports whether this invocation is the container init helper.
func IsInit(args []string) bool { return false }

// InitMain is only reachable on linux.
func InitMain() {}
