// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sandbox runs programs on behalf of a node: directly on the
// node's PTY, headless on pipes, or inside a throwaway Linux
// namespace container assembled from a read-only template tree.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/driftline/driftline/node"
)

// Limits bound an isolated program.
type Limits struct {
	MaxMemoryMB int
	MaxCPUSecs  int
	MinNice     int
}

// Spec describes one execution.
type Spec struct {
	Command []string
	Env     []string
	Dir     string

	// Isolated selects the namespace container path.
	Isolated bool
	// Username and HomeDir, when set, bind the user's home into the
	// container and point $HOME at it.
	Username string
	HomeDir  string

	Limits Limits
}

// Runner executes Specs.
type Runner struct {
	// Template is the read-only rootfs template for isolated runs.
	Template string
	// RunDir holds one throwaway rootfs per isolated child.
	RunDir string
	// Hostname is set inside the container's UTS namespace.
	Hostname string
	// MOTDFile is shown before interactive shells.
	MOTDFile string

	logger hclog.Logger
}

// New returns a Runner.
func New(template, runDir, hostname string, logger hclog.Logger) *Runner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Runner{
		Template: template,
		RunDir:   runDir,
		Hostname: hostname,
		logger:   logger.Named("sandbox"),
	}
}

// Run executes spec attached to n's PTY slave as stdin, stdout,
// stderr, and controlling terminal. It returns the program's exit
// code; a program killed by a signal reports 0, since that is the
// normal result of a session being torn down around it.
func (r *Runner) Run(ctx context.Context, n *node.Node, spec Spec) (int, error) {
	if len(spec.Command) == 0 {
		return -1, errors.New("empty command")
	}
	_, slave := n.PTYFiles()
	if slave == nil {
		return -1, errors.New("node has no PTY")
	}
	if spec.Isolated {
		return r.runIsolated(ctx, n, spec)
	}

	execsTotal.WithLabelValues("direct").Inc()
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}
	if err := cmd.Start(); err != nil {
		r.logger.Warn("exec failed", "node", n.ID, "cmd", spec.Command[0], "err", err)
		return -1, err
	}
	n.SetChild(cmd.Process.Pid)
	defer n.ClearChild()

	err := cmd.Wait()
	return r.exitResult(n.ID, spec.Command[0], cmd, err)
}

// RunHeadless executes spec with no terminal. Output is captured and
// logged after exit, which is where misbehaving doors announce why
// they failed.
func (r *Runner) RunHeadless(ctx context.Context, spec Spec) (int, error) {
	if len(spec.Command) == 0 {
		return -1, errors.New("empty command")
	}
	execsTotal.WithLabelValues("headless").Inc()
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		r.logger.Debug("headless output", "cmd", spec.Command[0], "output", strings.TrimSpace(string(out)))
	}
	return r.exitResult(0, spec.Command[0], cmd, err)
}

func (r *Runner) exitResult(nodeID int, name string, cmd *exec.Cmd, err error) (int, error) {
	st := cmd.ProcessState
	if st == nil {
		return -1, err
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		r.logger.Debug("child signaled", "node", nodeID, "cmd", name, "signal", ws.Signal())
		return 0, nil
	}
	code := st.ExitCode()
	switch code {
	case 0:
	case int(unix.ENOENT), int(unix.EPERM):
		// An isolated child exits with errno when exec fails; these
		// two almost always mean a misconfigured template.
		r.logger.Warn("child exec failure", "node", nodeID, "cmd", name, "code", code)
	default:
		r.logger.Debug("child exited nonzero", "node", nodeID, "cmd", name, "code", code)
	}
	return code, nil
}

// LookPath resolves name the way the shell would, for callers that
// want the failure before burning a node slot on a fork.
func LookPath(name string) (string, error) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return p, nil
}
