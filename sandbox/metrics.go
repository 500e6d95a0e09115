// Copyright 2026 the Driftline Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var execsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bbs_sandbox_execs_total",
	Help: "Programs executed, by mode.",
}, []string{"mode"})
