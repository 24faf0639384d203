// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photond_requests_total",
		Help: "Socket requests by type, including malformed lines.",
	}, []string{"type"})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "photond_active_connections",
		Help: "Open client connections on the Unix socket.",
	})

	commandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "photond_command_duration_seconds",
		Help:    "Wall time of photon command execution.",
		Buckets: prometheus.DefBuckets,
	})
)
