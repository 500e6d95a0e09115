// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package node

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbs_nodes_active",
		Help: "Currently allocated nodes.",
	})
	lifetimeNodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbs_nodes_lifetime_total",
		Help: "Nodes allocated since start.",
	})
	shortSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbs_nodes_short_sessions_total",
		Help: "Unauthenticated sessions that disconnected within seconds.",
	})
	protocolAccepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbs_protocol_accepts_total",
		Help: "Accepted connections by protocol.",
	}, []string{"protocol"})
)
