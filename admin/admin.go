// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package admin is the sysop's HTTP surface: node inspection and
// control, system status, Prometheus metrics, and a read-only
// terminal tap over WebSocket.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/driftline/driftline/node"
)

// Server answers the admin API.
type Server struct {
	registry *node.Registry
	logger   hclog.Logger
	started  time.Time
}

func New(registry *node.Registry, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Server{
		registry: registry,
		logger:   logger.Named("admin"),
		started:  time.Now(),
	}
}

// Router builds the chi route tree. The caller mounts it, typically
// on a loopback or management listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.status)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.listNodes)
		r.Delete("/", s.kickAll)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getNode)
			r.Delete("/", s.kick)
			r.Post("/interrupt", s.interrupt)
			r.Get("/spy", s.spy)
		})
	})
	return r
}

// nodeView is the wire shape of one node.
type nodeView struct {
	ID         int    `json:"id"`
	Protocol   string `json:"protocol"`
	User       string `json:"user,omitempty"`
	Guest      bool   `json:"guest,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Created    string `json:"created"`
	ElapsedSec int64  `json:"elapsed_sec"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	ChildPID   int    `json:"child_pid,omitempty"`
}

func viewOf(n *node.Node) nodeView {
	v := nodeView{
		ID:         n.ID,
		Protocol:   n.Protocol,
		Created:    n.Created.UTC().Format(time.RFC3339),
		ElapsedSec: int64(time.Since(n.Created).Seconds()),
		ChildPID:   n.Child(),
	}
	if u := n.User(); u != nil {
		v.User = u.Name
		v.Guest = u.Guest
	}
	if n.Conn != nil && n.Conn.RemoteAddr() != nil {
		v.RemoteAddr = n.Conn.RemoteAddr().String()
	}
	v.Cols, v.Rows = n.Winsize()
	return v
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.List()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewOf(n))
	}
	writeJSON(w, http.StatusOK, out)
}

// lookup resolves the {id} parameter, answering 404 itself on a miss.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) *node.Node {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "bad node id", http.StatusBadRequest)
		return nil
	}
	n := s.registry.Get(id)
	if n == nil {
		http.Error(w, "no such node", http.StatusNotFound)
		return nil
	}
	return n
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n := s.lookup(w, r)
	if n == nil {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(n))
}

func (s *Server) kick(w http.ResponseWriter, r *http.Request) {
	n := s.lookup(w, r)
	if n == nil {
		return
	}
	s.logger.Info("kicking node", "node", n.ID)
	if err := s.registry.Kick(n.ID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) kickAll(w http.ResponseWriter, r *http.Request) {
	kicked := s.registry.KickAll()
	s.logger.Info("kicked all nodes", "count", kicked)
	writeJSON(w, http.StatusOK, map[string]int{"kicked": kicked})
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	n := s.lookup(w, r)
	if n == nil {
		return
	}
	if err := s.registry.Interrupt(n.ID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"uptime_sec": int64(time.Since(s.started).Seconds()),
		"nodes": map[string]interface{}{
			"active":   s.registry.Count(),
			"lifetime": s.registry.Lifetime(),
		},
	}
	if avg, err := load.Avg(); err == nil {
		out["load"] = map[string]float64{
			"load1":  avg.Load1,
			"load5":  avg.Load5,
			"load15": avg.Load15,
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory"] = map[string]uint64{
			"total":     vm.Total,
			"available": vm.Available,
			"used":      vm.Used,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// spy streams a copy of the node's output to a WebSocket client.
// Read-only; the client sends ^C (or closes) to stop watching.
func (s *Server) spy(w http.ResponseWriter, r *http.Request) {
	n := s.lookup(w, r)
	if n == nil {
		return
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn("spy accept", "node", n.ID, "err", err)
		return
	}
	defer c.CloseNow() //nolint:errcheck

	ctx := r.Context()
	tap := &spyWriter{ctx: ctx, c: c}
	n.AddSpy(tap)
	defer n.RemoveSpy(tap)
	s.logger.Info("spy attached", "node", n.ID, "remote", r.RemoteAddr)

	go func() {
		select {
		case <-n.Done():
			c.Close(websocket.StatusNormalClosure, "node closed") //nolint:errcheck
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if bytes.IndexByte(data, 0x03) >= 0 {
			c.Close(websocket.StatusNormalClosure, "spy ended") //nolint:errcheck
			return
		}
	}
}

// spyWriter feeds CopyToSpies output into the socket. A stuck client
// errors out of the tap rather than stalling the relay.
type spyWriter struct {
	ctx context.Context
	c   *websocket.Conn
}

func (w *spyWriter) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(w.ctx, 5*time.Second)
	defer cancel()
	if err := w.c.Write(ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
