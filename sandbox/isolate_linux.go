// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/driftline/driftline/node"
)

const (
	// specEnv carries the JSON initSpec into the re-executed helper.
	specEnv = "BBS_SANDBOX_SPEC"
	// InitFlag is the argv marker the daemon checks at startup to run
	// as the container init instead of as the server.
	InitFlag = "-container-init"
	// handshakeFD is where the helper finds its gate pipe.
	handshakeFD = 3
)

// initSpec is what the parent hands the helper process.
type initSpec struct {
	Command  []string `json:"command"`
	Env      []string `json:"env"`
	Dir      string   `json:"dir"`
	Template string   `json:"template"`
	Hostname string   `json:"hostname"`
	Username string   `json:"username"`
	HomeDir  string   `json:"home_dir"`
	MOTDFile string   `json:"motd_file"`
	Limits   Limits   `json:"limits"`
}

// runIsolated re-executes the daemon binary as a container init in
// fresh namespaces. The helper blocks on the handshake pipe until the
// parent has written its uid and gid maps; only then does it perform
// privileged setup. The ordering is what keeps the child from ever
// running with an unmapped identity.
func (r *Runner) runIsolated(ctx context.Context, n *node.Node, spec Spec) (int, error) {
	_, slave := n.PTYFiles()
	execsTotal.WithLabelValues("isolated").Inc()

	is := initSpec{
		Command:  spec.Command,
		Env:      spec.Env,
		Dir:      spec.Dir,
		Template: r.Template,
		Hostname: r.Hostname,
		Username: spec.Username,
		HomeDir:  spec.HomeDir,
		MOTDFile: r.MOTDFile,
		Limits:   spec.Limits,
	}
	blob, err := json.Marshal(is)
	if err != nil {
		return -1, err
	}

	gateR, gateW, err := os.Pipe()
	if err != nil {
		return -1, err
	}
	defer gateR.Close()
	defer gateW.Close()

	cmd := exec.CommandContext(ctx, "/proc/self/exe", InitFlag)
	cmd.Env = []string{specEnv + "=" + string(blob)}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	cmd.ExtraFiles = []*os.File{gateR}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
		Cloneflags: unix.CLONE_NEWIPC | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
			unix.CLONE_NEWUTS | unix.CLONE_NEWNET | unix.CLONE_NEWUSER,
	}
	if err := cmd.Start(); err != nil {
		r.logger.Warn("container start failed", "node", n.ID, "err", err)
		return -1, err
	}
	pid := cmd.Process.Pid
	rootfs := filepath.Join(r.RunDir, strconv.Itoa(pid))
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
		return -1, err
	}
	if err := finishHandshake("/proc", pid, os.Getuid(), os.Getgid(), gateW, rootfs); err != nil {
		r.logger.Error("uid map handshake failed", "node", n.ID, "err", err)
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
		r.cleanupRootfs(rootfs)
		return -1, err
	}
	gateW.Close()

	n.SetChild(pid)
	defer n.ClearChild()

	werr := cmd.Wait()
	r.cleanupRootfs(rootfs)
	return r.exitResult(n.ID, spec.Command[0], cmd, werr)
}

// finishHandshake writes the identity maps for pid, then releases the
// helper by sending it the rootfs path. The map writes MUST precede
// the release; the helper does nothing privileged until it reads the
// path.
func finishHandshake(procDir string, pid, uid, gid int, gate io.Writer, rootfs string) error {
	base := filepath.Join(procDir, strconv.Itoa(pid))
	if err := os.WriteFile(filepath.Join(base, "uid_map"), []byte(fmt.Sprintf("0 %d 1\n", uid)), 0o644); err != nil {
		return fmt.Errorf("uid_map: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "setgroups"), []byte("deny\n"), 0o644); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "gid_map"), []byte(fmt.Sprintf("0 %d 1\n", gid)), 0o644); err != nil {
		return fmt.Errorf("gid_map: %w", err)
	}
	if _, err := fmt.Fprintln(gate, rootfs); err != nil {
		return fmt.Errorf("release gate: %w", err)
	}
	return nil
}

// cleanupRootfs detaches anything still mounted under rootfs, deepest
// first, then removes the tree.
func (r *Runner) cleanupRootfs(rootfs string) {
	mounts, err := mountinfo.GetMounts(mountinfo.PrefixFilter(rootfs))
	if err != nil {
		r.logger.Warn("mount scan failed", "rootfs", rootfs, "err", err)
	}
	sort.Slice(mounts, func(i, j int) bool {
		return len(mounts[i].Mountpoint) > len(mounts[j].Mountpoint)
	})
	for _, m := range mounts {
		if err := unix.Unmount(m.Mountpoint, unix.MNT_DETACH); err != nil {
			r.logger.Warn("unmount failed", "mountpoint", m.Mountpoint, "err", err)
		}
	}
	if err := os.RemoveAll(rootfs); err != nil {
		r.logger.Warn("rootfs remove failed", "rootfs", rootfs, "err", err)
	}
}

// Janitor removes run directories whose owning process is gone.
// Scheduled from the daemon's cron so a crash mid-run cannot leak
// rootfs trees forever.
func (r *Runner) Janitor() int {
	entries, err := os.ReadDir(r.RunDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		// Only ESRCH means the owner is gone; EPERM still means alive.
		if err := unix.Kill(pid, 0); !errors.Is(err, unix.ESRCH) {
			continue
		}
		r.logger.Info("janitor removing stale rootfs", "pid", pid)
		r.cleanupRootfs(filepath.Join(r.RunDir, e.Name()))
		removed++
	}
	return removed
}

// IsInit reports whether this invocation is the container init helper.
func IsInit(args []string) bool {
	for _, a := range args {
		if a == InitFlag {
			return true
		}
	}
	return false
}

// InitMain is the container init. It runs inside the fresh
// namespaces, blocked on the gate pipe until the parent has mapped
// its identity, then assembles the rootfs, pivots into it, applies
// limits, and execs the target. It never returns; any failure exits
// with the errno.
func InitMain() {
	var is initSpec
	if err := json.Unmarshal([]byte(os.Getenv(specEnv)), &is); err != nil {
		os.Exit(int(unix.EINVAL))
	}

	// Gate: nothing privileged happens until the parent releases us.
	gate := os.NewFile(handshakeFD, "gate")
	if gate == nil {
		os.Exit(int(unix.EBADF))
	}
	rootfs, err := bufio.NewReader(gate).ReadString('\n')
	if err != nil {
		os.Exit(int(unix.EPIPE))
	}
	gate.Close()
	rootfs = strings.TrimSpace(rootfs)

	initDie(applyLimits(is.Limits))
	initDie(assembleRootfs(is.Template, rootfs, is.Username, is.HomeDir))
	initDie(unix.Sethostname([]byte(is.Hostname)))
	initDie(enterRootfs(rootfs))

	env := containerEnv(is)
	if is.MOTDFile != "" && isShell(is.Command[0]) {
		if motd, err := os.ReadFile(is.MOTDFile); err == nil {
			os.Stdout.Write(motd) //nolint:errcheck
		}
	}
	path, err := lookPathEnv(is.Command[0], env)
	initDie(err)
	if is.Dir != "" {
		unix.Chdir(is.Dir) //nolint:errcheck
	}
	initDie(unix.Exec(path, is.Command, env))
}

func initDie(err error) {
	if err == nil {
		return
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		os.Exit(int(errno))
	}
	if errors.Is(err, os.ErrNotExist) {
		os.Exit(int(unix.ENOENT))
	}
	if errors.Is(err, os.ErrPermission) {
		os.Exit(int(unix.EPERM))
	}
	os.Exit(1)
}

func applyLimits(l Limits) error {
	if l.MaxMemoryMB > 0 {
		v := uint64(l.MaxMemoryMB) << 20
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return err
		}
	}
	if l.MaxCPUSecs > 0 {
		v := uint64(l.MaxCPUSecs)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return err
		}
	}
	if l.MinNice > 0 {
		v := uint64(20 - l.MinNice)
		if err := unix.Setrlimit(unix.RLIMIT_NICE, &unix.Rlimit{Cur: v, Max: v}); err != nil {
			return err
		}
	}
	return nil
}

// freshDirs are created empty instead of bound from the template.
var freshDirs = map[string]bool{"proc": true, "tmp": true, "home": true}

// assembleRootfs builds a per-run root: every top-level template
// directory double bind-mounted read-only, plus fresh proc, tmp and
// home, plus the user's real home when configured.
func assembleRootfs(template, rootfs, username, homeDir string) error {
	entries, err := os.ReadDir(template)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || freshDirs[e.Name()] {
			continue
		}
		src := filepath.Join(template, e.Name())
		dst := filepath.Join(rootfs, e.Name())
		if err := os.Mkdir(dst, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("bind %s: %w", e.Name(), err)
		}
		// The RDONLY flag is ignored on the first bind; it takes
		// effect on the remount.
		if err := unix.Mount("", dst, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_REC|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount %s: %w", e.Name(), err)
		}
	}
	if err := os.Mkdir(filepath.Join(rootfs, "proc"), 0o555); err != nil && !os.IsExist(err) {
		return err
	}
	if err := os.Mkdir(filepath.Join(rootfs, "tmp"), 0o777); err != nil && !os.IsExist(err) {
		return err
	}
	os.Chmod(filepath.Join(rootfs, "tmp"), 0o777|os.ModeSticky) //nolint:errcheck
	if err := os.Mkdir(filepath.Join(rootfs, "home"), 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	if username != "" && homeDir != "" {
		hp := filepath.Join(rootfs, "home", strings.ToLower(username))
		if err := os.Mkdir(hp, 0o755); err != nil && !os.IsExist(err) {
			return err
		}
		if err := unix.Mount(homeDir, hp, "", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("bind home: %w", err)
		}
	}
	return nil
}

// enterRootfs pivots into the assembled tree and mounts a namespaced
// /proc.
func enterRootfs(rootfs string) error {
	if err := unix.Mount(rootfs, rootfs, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return err
	}
	old := filepath.Join(rootfs, ".old")
	if err := os.MkdirAll(old, 0o755); err != nil {
		return err
	}
	if err := unix.PivotRoot(rootfs, old); err != nil {
		return err
	}
	if err := unix.Chdir("/"); err != nil {
		return err
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return err
	}
	if err := unix.Unmount("/.old", unix.MNT_DETACH); err != nil {
		return err
	}
	os.Remove("/.old") //nolint:errcheck
	return nil
}

// containerEnv rewrites HOME for the bound user home and tags the
// environment with the BBS user.
func containerEnv(is initSpec) []string {
	env := make([]string, 0, len(is.Env)+2)
	for _, e := range is.Env {
		if is.Username != "" && strings.HasPrefix(e, "HOME=") {
			continue
		}
		env = append(env, e)
	}
	if is.Username != "" {
		env = append(env,
			"HOME=/home/"+strings.ToLower(is.Username),
			"BBS_USER="+is.Username)
	}
	return env
}

// isShell reports whether path appears in /etc/shells. Shells get the
// message of the day; doors do not.
func isShell(path string) bool {
	f, err := os.Open("/etc/shells")
	if err != nil {
		return false
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == path {
			return true
		}
	}
	return false
}

// lookPathEnv resolves name against the PATH in env rather than the
// daemon's own environment.
func lookPathEnv(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	var path string
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			path = strings.TrimPrefix(e, "PATH=")
		}
	}
	if path == "" {
		path = "/usr/local/bin:/usr/bin:/bin"
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}
