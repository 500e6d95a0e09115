// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package irc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ircUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbs_irc_users",
		Help: "Registered IRC users.",
	})
	ircChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bbs_irc_channels",
		Help: "Existing IRC channels.",
	})
	ircMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbs_irc_messages_total",
		Help: "IRC commands processed.",
	})
)
