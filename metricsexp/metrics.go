// Package metricsexp exposes the daemon's operational counters and
// gauges to Prometheus: queue depth, reservation bytes, and per-node
// pull/check/delete activity. Grounded on
// _examples/cuemby-warren/pkg/metrics/metrics.go's global-vars-plus-
// init()-registration pattern, the pack's only concrete
// prometheus/client_golang usage.
/*
 * Copyright (c) 2024, The Alpenhorn Authors. All rights reserved.
 */
package metricsexp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueQueued     = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhornd_queue_queued",
		Help: "Tasks currently queued across every FIFO.",
	})
	QueueInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhornd_queue_in_progress",
		Help: "Tasks currently checked out by the worker pool.",
	})
	QueueDeferred = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alpenhornd_queue_deferred",
		Help: "Tasks waiting on a deferred re-enqueue timer.",
	})

	ReservedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alpenhornd_reserved_bytes",
			Help: "Bytes tentatively reserved against a node's free space.",
		},
		[]string{"node"},
	)

	PullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpenhornd_pulls_total",
			Help: "Pull tasks enqueued, by destination node.",
		},
		[]string{"node"},
	)
	ChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpenhornd_checks_total",
			Help: "Integrity check tasks enqueued, by node.",
		},
		[]string{"node"},
	)
	DeletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpenhornd_deletes_total",
			Help: "File copies queued for deletion, by node.",
		},
		[]string{"node"},
	)

	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "alpenhornd_update_tick_duration_seconds",
		Help:    "Wall-clock duration of one update loop tick.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		QueueQueued, QueueInProgress, QueueDeferred,
		ReservedBytes,
		PullsTotal, ChecksTotal, DeletesTotal,
		TickDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }
