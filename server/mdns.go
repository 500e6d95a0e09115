// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"

	"github.com/driftline/driftline/events"
	"github.com/driftline/driftline/node"
)

// TXT refresh interval when no node events arrive.
const mdnsUpdate = 60 * time.Second

// MDNSConfig configures DNS-SD advertisement.
type MDNSConfig struct {
	Instance string
	Service  string
	Domain   string
	Port     int
}

// Advertiser announces the board over DNS-SD so local clients can find
// it without configuration. The TXT record carries the live node count
// and host health, refreshed on node events and on a timer.
type Advertiser struct {
	cfg      MDNSConfig
	registry *node.Registry
	logger   hclog.Logger

	mu     sync.Mutex
	txt    map[string]string
	resp   dnssd.Responder
	handle dnssd.ServiceHandle
	cancel context.CancelFunc
}

func NewAdvertiser(cfg MDNSConfig, registry *node.Registry, logger hclog.Logger) *Advertiser {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.Service == "" {
		cfg.Service = "_bbs._tcp"
	}
	if cfg.Domain == "" {
		cfg.Domain = "local"
	}
	if cfg.Instance == "" {
		if hostname, err := os.Hostname(); err == nil {
			cfg.Instance = hostname + "-bbs"
		} else {
			cfg.Instance = "driftline"
		}
	}
	return &Advertiser{
		cfg:      cfg,
		registry: registry,
		logger:   logger.Named("mdns"),
		txt: map[string]string{
			"os":    runtime.GOOS,
			"arch":  runtime.GOARCH,
			"cores": strconv.Itoa(runtime.NumCPU()),
		},
	}
}

// Start registers the service and begins responding to queries.
func (a *Advertiser) Start() error {
	resp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("mdns responder: %w", err)
	}

	a.mu.Lock()
	a.resp = resp
	a.refreshLocked()
	cfg := dnssd.Config{
		Name:   a.cfg.Instance,
		Type:   a.cfg.Service,
		Domain: a.cfg.Domain,
		Port:   a.cfg.Port,
		Text:   a.txt,
	}
	a.mu.Unlock()

	srv, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("mdns service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go func() {
		// Give the responder a moment to come up before adding.
		time.Sleep(1 * time.Second)
		handle, err := resp.Add(srv)
		if err != nil {
			a.logger.Error("mdns add", "err", err)
			return
		}
		a.logger.Info("advertising", "instance", handle.Service().ServiceInstanceName(), "port", a.cfg.Port)

		a.mu.Lock()
		a.handle = handle
		a.mu.Unlock()

		a.registry.Bus().Subscribe(func(e events.Event) {
			switch e.Type {
			case events.NodeStart, events.NodeShutdown:
				a.update()
			}
		})

		tick := time.NewTicker(mdnsUpdate)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				a.update()
			}
		}
	}()

	go func() {
		if err := resp.Respond(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("mdns responder exited", "err", err)
		}
	}()
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Advertiser) update() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.handle == nil {
		return
	}
	a.refreshLocked()
	a.handle.UpdateText(a.txt, a.resp)
}

func (a *Advertiser) refreshLocked() {
	a.txt["nodes"] = strconv.Itoa(a.registry.Count())
	if avg, err := load.Avg(); err == nil {
		a.txt["load1"] = fmt.Sprintf("%.2f", avg.Load1)
		a.txt["load5"] = fmt.Sprintf("%.2f", avg.Load5)
		a.txt["load15"] = fmt.Sprintf("%.2f", avg.Load15)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		a.txt["mem_avail"] = strconv.FormatUint(vm.Available, 10)
		a.txt["mem_total"] = strconv.FormatUint(vm.Total, 10)
	}
}
