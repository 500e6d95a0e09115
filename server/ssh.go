// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/hashicorp/go-hclog"

	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/node"
	"github.com/driftline/driftline/sftp"
)

// SSHConfig configures the SSH transport.
type SSHConfig struct {
	Addr        string
	HostKeyFile string
	// AuthorizedKeysDir holds one authorized_keys file per account,
	// named by the lowercased account name. Empty disables public key
	// auth.
	AuthorizedKeysDir string
	// SFTPRootDir is the per-user transfer root served to the "sftp"
	// subsystem. Empty disables the subsystem.
	SFTPRootDir string
}

// sessionConn adapts an SSH session channel to net.Conn so the node
// registry and relay can treat it like any other transport.
type sessionConn struct {
	ssh.Session
}

func (c sessionConn) SetDeadline(time.Time) error      { return nil }
func (c sessionConn) SetReadDeadline(time.Time) error  { return nil }
func (c sessionConn) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = sessionConn{}

// NewSSHServer builds the SSH transport. Authentication goes through
// the account store; each session becomes a node handed to handler
// with the authenticated user already set.
func (s *Server) NewSSHServer(cfg SSHConfig, store *auth.Store, handler Handler, logger hclog.Logger) *ssh.Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	log := logger.Named("ssh")

	passwordOption := func(ctx ssh.Context, password string) bool {
		if strings.EqualFold(ctx.User(), "guest") {
			return store.Guest() != nil
		}
		_, err := store.Authenticate(ctx.User(), password)
		if err != nil {
			log.Warn("password auth failed", "user", ctx.User(), "remote", ctx.RemoteAddr().String())
		}
		return err == nil
	}

	publicKeyOption := func(ctx ssh.Context, key ssh.PublicKey) bool {
		if cfg.AuthorizedKeysDir == "" {
			return false
		}
		name := strings.ToLower(ctx.User())
		data, err := os.ReadFile(filepath.Join(cfg.AuthorizedKeysDir, name))
		if err != nil {
			return false
		}
		for len(data) > 0 {
			allowed, _, _, rest, err := ssh.ParseAuthorizedKey(data)
			if err != nil {
				break
			}
			if ssh.KeysEqual(key, allowed) {
				return true
			}
			data = rest
		}
		return false
	}

	sshHandler := func(sess ssh.Session) {
		user, err := store.ByName(sess.User())
		if err != nil || user == nil {
			if strings.EqualFold(sess.User(), "guest") {
				user = store.Guest()
			}
		}
		if user == nil {
			sess.Exit(1) //nolint:errcheck
			return
		}

		mod := s.mods.Get("ssh")
		if mod == nil {
			sess.Exit(1) //nolint:errcheck
			return
		}
		n, err := s.registry.Request(sessionConn{sess}, "ssh", mod)
		if err != nil {
			sess.Write([]byte("All nodes are busy, please try again later.\r\n")) //nolint:errcheck
			sess.Exit(1)                                                          //nolint:errcheck
			return
		}
		n.SetUser(&node.User{ID: user.ID, Name: user.Name, Sysop: user.Sysop, Guest: user.IsGuest()})

		ptyReq, winCh, isPty := sess.Pty()
		if isPty {
			n.SetWinsize(ptyReq.Window.Width, ptyReq.Window.Height)
			go func() {
				for win := range winCh {
					n.SetWinsize(win.Width, win.Height)
				}
			}()
		}

		// The ssh library owns this goroutine; run the session on the
		// node's owning goroutine and wait it out.
		s.registry.Go(n, handler)
		<-n.Done()
	}

	subsystems := map[string]ssh.SubsystemHandler{}
	if cfg.SFTPRootDir != "" {
		subsystems["sftp"] = func(sess ssh.Session) {
			root := filepath.Join(cfg.SFTPRootDir, strings.ToLower(sess.User()))
			if err := os.MkdirAll(root, 0o755); err != nil {
				log.Error("sftp root", "dir", root, "err", err)
				return
			}
			if err := sftp.NewSession(root, logger).Serve(sess); err != nil {
				log.Warn("sftp session", "user", sess.User(), "err", err)
			}
		}
	}

	server := &ssh.Server{
		Addr:              cfg.Addr,
		Handler:           sshHandler,
		PasswordHandler:   passwordOption,
		SubsystemHandlers: subsystems,
		IdleTimeout:       30 * time.Minute,
	}
	if cfg.AuthorizedKeysDir != "" {
		server.PublicKeyHandler = publicKeyOption
	}
	// If the option fails we fall back to an ephemeral generated key.
	_ = server.SetOption(ssh.HostKeyFile(cfg.HostKeyFile))
	return server
}
