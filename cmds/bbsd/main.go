// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command bbsd runs the Driftline BBS: terminal transports (telnet,
// rlogin, ssh, websocket), the IRC, FTP and SMTP engines, the sysop
// HTTP API, and optional DNS-SD advertisement.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	xterm "golang.org/x/term"

	"github.com/driftline/driftline/admin"
	"github.com/driftline/driftline/auth"
	"github.com/driftline/driftline/config"
	"github.com/driftline/driftline/events"
	"github.com/driftline/driftline/ftp"
	"github.com/driftline/driftline/imapproxy"
	"github.com/driftline/driftline/irc"
	"github.com/driftline/driftline/modules"
	"github.com/driftline/driftline/node"
	"github.com/driftline/driftline/sandbox"
	"github.com/driftline/driftline/server"
	"github.com/driftline/driftline/session"
	"github.com/driftline/driftline/smtp"
)

var (
	confFile = flag.String("c", "/etc/driftline/bbsd.toml", "configuration file")
	debug    = flag.Bool("d", false, "enable debug logging")
)

// engineModule registers a protocol engine with the module registry
// so its sessions are counted and unload kicks them.
type engineModule struct{ name string }

func (m engineModule) Name() string  { return m.name }
func (m engineModule) Load() error   { return nil }
func (m engineModule) Unload() error { return nil }

// readMOTD splits the message-of-the-day file into lines for engines
// that replay it line by line.
func readMOTD(path string, logger hclog.Logger) []string {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("motd", "file", path, "err", err)
		return nil
	}
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func main() {
	// The sandbox re-execs this binary as the container init; that
	// path must win before flags or config are touched.
	if sandbox.IsInit(os.Args) {
		sandbox.InitMain()
	}
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bbsd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	path := *confFile
	if _, err := os.Stat(path); err != nil {
		// Run on defaults plus environment when there is no file.
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := hclog.Info
	if *debug {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "bbsd",
		Level:      level,
		JSONFormat: !xterm.IsTerminal(int(os.Stdout.Fd())),
	})
	logger.Info("starting", "name", cfg.BBS.Name, "max_nodes", cfg.Nodes.Max)

	store, err := auth.Open(cfg.Auth.DBFile, logger)
	if err != nil {
		return err
	}

	bus := events.NewBus(logger)
	registry := node.NewRegistry(cfg.Nodes.Max, bus, logger)
	mods := modules.NewRegistry(logger)
	mods.Kick = registry.KickModule

	var runner *sandbox.Runner
	if cfg.Container.Enabled {
		runner = sandbox.New(cfg.Container.Template, cfg.Container.RunDir, cfg.Container.Hostname, logger)
		runner.MOTDFile = cfg.BBS.MOTDFile
	}

	sessCfg := session.Config{
		Name:        cfg.BBS.Name,
		Tagline:     cfg.BBS.Tagline,
		Hostname:    cfg.BBS.Hostname,
		Sysop:       cfg.BBS.SysopName,
		BannerFile:  cfg.BBS.BannerFile,
		AllowGuest:  cfg.BBS.GuestLogin,
		IdleTimeout: cfg.BBS.IdleTimeout.Duration(),
		Shell:       cfg.BBS.Shell,
		HomeDir:     cfg.Container.HomeDir,
	}
	if cfg.IMAP.Enabled {
		sessCfg.MailAddr = cfg.IMAP.UpstreamAddr
		sessCfg.MailPool = imapproxy.Config{
			MaxClients: cfg.IMAP.MaxUserProxies,
			StaleAfter: cfg.IMAP.StaleAfter.Duration(),
		}
	}
	sess := session.New(sessCfg, store, registry, runner, logger)
	if _, err := mods.Load(sess); err != nil {
		return err
	}

	srv := server.New(registry, mods, logger)

	if cfg.Telnet.Enabled {
		handler := server.TelnetHandler(sess.Handle)
		for _, l := range cfg.Telnet.Listeners {
			if err := srv.ListenAndServe(l.Network, l.Addr, nil, "telnet", "session", handler); err != nil {
				return err
			}
		}
	}

	if cfg.RLogin.Enabled {
		handler := server.RLoginHandler(func(n *node.Node, hello *server.RLoginHello) error {
			return sess.HandleWithHint(n, hello.ServerUser)
		})
		for _, l := range cfg.RLogin.Listeners {
			if err := srv.ListenAndServe(l.Network, l.Addr, nil, "rlogin", "session", handler); err != nil {
				return err
			}
		}
	}

	if cfg.IRC.Enabled {
		ircSrv := irc.NewServer(irc.Config{
			ServerName:   cfg.BBS.Hostname,
			NetworkName:  cfg.BBS.Name,
			MaxChannels:  cfg.IRC.MaxChannels,
			PingInterval: cfg.IRC.PingInterval.Duration(),
			RequireSASL:  cfg.IRC.RequireSASL,
			LogDir:       cfg.IRC.LogDir,
			MOTD:         readMOTD(cfg.BBS.MOTDFile, logger),
		}, store, logger)
		if _, err := mods.Load(engineModule{name: "irc"}); err != nil {
			return err
		}
		for _, l := range cfg.IRC.Listeners {
			if err := srv.ListenAndServe(l.Network, l.Addr, nil, "irc", "irc", ircSrv.HandleConn); err != nil {
				return err
			}
		}
	}

	if cfg.FTP.Enabled {
		ftpSrv := ftp.NewServer(ftp.Config{
			RootDir:  cfg.FTP.RootDir,
			PasvAddr: cfg.FTP.PasvAddr,
		}, store, logger)
		if _, err := mods.Load(engineModule{name: "ftp"}); err != nil {
			return err
		}
		for _, l := range cfg.FTP.Listeners {
			if err := srv.ListenAndServe(l.Network, l.Addr, nil, "ftp", "ftp", ftpSrv.HandleConn); err != nil {
				return err
			}
		}
	}

	if cfg.SMTP.Enabled {
		smtpSrv := smtp.NewServer(smtp.Config{
			Hostname: cfg.BBS.Hostname,
			SpoolDir: cfg.SMTP.SpoolDir,
			MaxSize:  cfg.SMTP.MaxSize,
		}, store, logger)
		if _, err := mods.Load(engineModule{name: "smtp"}); err != nil {
			return err
		}
		for _, l := range cfg.SMTP.Listeners {
			if err := srv.ListenAndServe(l.Network, l.Addr, nil, "smtp", "smtp", smtpSrv.HandleConn); err != nil {
				return err
			}
		}
	}

	var httpServers []*http.Server
	if cfg.WebSocket.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/", srv.WebSocketHandler("websocket", "session", sess.Handle))
		for _, l := range cfg.WebSocket.Listeners {
			ln, err := net.Listen("tcp", l.Addr)
			if err != nil {
				return fmt.Errorf("websocket listener on %s: %w", l.Addr, err)
			}
			hs := &http.Server{Handler: mux}
			httpServers = append(httpServers, hs)
			logger.Info("listening", "protocol", "websocket", "addr", ln.Addr().String())
			go hs.Serve(ln) //nolint:errcheck
		}
	}

	var sshServers []interface{ Close() error }
	if cfg.SSH.Enabled {
		if _, err := mods.Load(engineModule{name: "ssh"}); err != nil {
			return err
		}
		sftpRoot := ""
		if cfg.SFTP.Enabled {
			sftpRoot = cfg.SFTP.RootDir
		}
		for _, l := range cfg.SSH.Listeners {
			sshSrv := srv.NewSSHServer(server.SSHConfig{
				Addr:              l.Addr,
				HostKeyFile:       cfg.SSH.HostKeyFile,
				AuthorizedKeysDir: cfg.SSH.AuthorizedKeysDir,
				SFTPRootDir:       sftpRoot,
			}, store, sess.Handle, logger)
			sshServers = append(sshServers, sshSrv)
			logger.Info("listening", "protocol", "ssh", "addr", l.Addr)
			go func() {
				if err := sshSrv.ListenAndServe(); err != nil {
					logger.Error("ssh server exited", "err", err)
				}
			}()
		}
	}

	if cfg.Admin.Enabled {
		adminSrv := admin.New(registry, logger)
		hs := &http.Server{Addr: cfg.Admin.Addr, Handler: adminSrv.Router()}
		httpServers = append(httpServers, hs)
		logger.Info("listening", "protocol", "admin", "addr", cfg.Admin.Addr)
		go hs.ListenAndServe() //nolint:errcheck
	}

	var adv *server.Advertiser
	if cfg.MDNS.Enabled {
		adv = server.NewAdvertiser(server.MDNSConfig{
			Instance: cfg.MDNS.Instance,
			Service:  cfg.MDNS.Service,
			Domain:   cfg.MDNS.Domain,
			Port:     cfg.MDNS.Port,
		}, registry, logger)
		if err := adv.Start(); err != nil {
			logger.Warn("mdns", "err", err)
		}
	}

	sched := cron.New()
	if runner != nil {
		sched.AddFunc("@every 10m", func() { //nolint:errcheck
			if removed := runner.Janitor(); removed > 0 {
				logger.Info("janitor", "removed", removed)
			}
		})
	}
	sched.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	// Stop taking connections, then drain sessions, then unload.
	if adv != nil {
		adv.Stop()
	}
	<-sched.Stop().Done()
	srv.Close()
	for _, hs := range httpServers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		hs.Shutdown(ctx) //nolint:errcheck
		cancel()
	}
	for _, s := range sshServers {
		s.Close() //nolint:errcheck
	}
	registry.ShutdownAll()
	mods.UnloadAll()
	logger.Info("goodbye")
	return nil
}
