// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package server owns the listening side of the BBS: TCP, TLS and
// vsock listeners, Telnet and RLogin handshakes, the SSH server, the
// WebSocket terminal bridge, and mDNS advertisement. Each accepted
// connection becomes a node owned by the protocol engine's handler.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/driftline/driftline/modules"
	"github.com/driftline/driftline/node"
)

// Handler owns a node for its lifetime. It runs on the node's owning
// goroutine; when it returns, the registry tears the node down.
type Handler func(*node.Node) error

// Server runs the accept loops.
type Server struct {
	registry *node.Registry
	mods     *modules.Registry
	logger   hclog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

func New(registry *node.Registry, mods *modules.Registry, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		registry: registry,
		mods:     mods,
		logger:   logger.Named("server"),
	}
}

// listen opens a listener. network is tcp, tcp+tls, or vsock; vsock is
// not in the standard net package, so it gets its own path.
func (s *Server) listen(network, addr string, tlsCfg *tls.Config) (net.Listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(network, addr)
	case "tcp+tls":
		if tlsCfg == nil {
			return nil, errors.New("tcp+tls listener without TLS configuration")
		}
		return tls.Listen("tcp", addr, tlsCfg)
	case "vsock":
		return listenVsock(addr)
	default:
		return nil, fmt.Errorf("unknown listener network %q", network)
	}
}

// ListenAndServe opens a listener and runs its accept loop in the
// background. protocol names the engine for logs and metrics; modName
// is the module each node references.
func (s *Server) ListenAndServe(network, addr string, tlsCfg *tls.Config, protocol, modName string, handler Handler) error {
	ln, err := s.listen(network, addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("%s listener on %s/%s: %w", protocol, network, addr, err)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	s.logger.Info("listening", "protocol", protocol, "network", network, "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ln, protocol, modName, handler)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, protocol, modName string, handler Handler) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept", "protocol", protocol, "err", err)
			}
			return
		}
		s.Handoff(conn, protocol, modName, handler)
	}
}

// Handoff allocates a node for conn and hands it to handler on its
// owning goroutine. Capacity and shutdown rejections close the
// connection with a short excuse.
func (s *Server) Handoff(conn net.Conn, protocol, modName string, handler Handler) {
	mod := s.mods.Get(modName)
	if mod == nil {
		s.logger.Error("handoff: module not loaded", "module", modName)
		conn.Close() //nolint:errcheck
		return
	}
	n, err := s.registry.Request(conn, protocol, mod)
	if err != nil {
		switch {
		case errors.Is(err, node.ErrFull):
			conn.Write([]byte("All nodes are busy, please try again later.\r\n")) //nolint:errcheck
		case errors.Is(err, node.ErrShuttingDown):
			conn.Write([]byte("The system is going down.\r\n")) //nolint:errcheck
		}
		s.logger.Warn("connection rejected", "protocol", protocol, "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close() //nolint:errcheck
		return
	}
	s.registry.Go(n, handler)
}

// Close shuts every listener; accept loops drain out.
func (s *Server) Close() {
	s.mu.Lock()
	for _, ln := range s.listeners {
		ln.Close() //nolint:errcheck
	}
	s.listeners = nil
	s.mu.Unlock()
	s.wg.Wait()
}

// splitNetwork parses "network/addr" listener strings such as
// "tcp/0.0.0.0:23" or "vsock/17010".
func splitNetwork(spec string) (network, addr string) {
	if i := strings.IndexByte(spec, '/'); i >= 0 {
		return spec[:i], spec[i+1:]
	}
	return "tcp", spec
}
