// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "photond_bus_events_published_total",
		Help: "Events published per channel topic (leading segment).",
	}, []string{"topic"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "photond_bus_active_subscriptions",
		Help: "Current channel subscriptions across all sockets.",
	})

	droppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "photond_bus_dropped_subscribers_total",
		Help: "Subscribers dropped after a failed delivery.",
	})
)
