// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package metrics provides Prometheus instrumentation for Fieldtrack.
//
// Instruments cover the live session layer, broadcast fan-out, persistence
// sink, and the HTTP surface. All metrics are registered via promauto on
// the default registry and exposed at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session layer

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrack_sessions_active",
			Help: "Current number of live websocket sessions (pending and authenticated)",
		},
	)

	SessionsAuthenticated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrack_sessions_authenticated",
			Help: "Current number of authenticated sessions",
		},
	)

	AdmissionRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrack_admission_rejections_total",
			Help: "Connections rejected because the registry held max_clients authenticated sessions",
		},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrack_sessions_swept_total",
			Help: "Sessions force-closed by the stale-session sweep",
		},
	)

	// Message handling

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_messages_received_total",
			Help: "Inbound messages accepted by the codec, by type",
		},
		[]string{"type"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_messages_rejected_total",
			Help: "Inbound messages rejected before dispatch, by reason",
		},
		[]string{"reason"}, // "decode", "validation", "rate_limit"
	)

	// Broadcast fan-out

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_broadcasts_total",
			Help: "Broadcast events fanned out, by type",
		},
		[]string{"type"},
	)

	BroadcastDeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrack_broadcast_deliveries_total",
			Help: "Per-recipient broadcast deliveries enqueued",
		},
	)

	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrack_broadcast_drops_total",
			Help: "Per-recipient deliveries dropped (full buffer or closed peer)",
		},
	)

	// Persistence sink

	PersistenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_persistence_writes_total",
			Help: "Records handed to the persistence sink, by kind",
		},
		[]string{"kind"}, // "telemetry", "waypoint", "alert", "device"
	)

	PersistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_persistence_errors_total",
			Help: "Persistence sink write failures, by kind",
		},
		[]string{"kind"},
	)

	PersistenceQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldtrack_persistence_queue_depth",
			Help: "Records waiting in the async persistence queue",
		},
	)

	PersistenceQueueDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldtrack_persistence_queue_drops_total",
			Help: "Records dropped because the async persistence queue was full",
		},
	)

	// HTTP surface

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldtrack_http_requests_total",
			Help: "HTTP requests served",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fieldtrack_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordHTTPRequest records one served HTTP request.
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
