// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package storage

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/metrics"
)

// writeOp is one queued write. The kind labels metrics and logs.
type writeOp struct {
	kind string
	fn   func(ctx context.Context) error
}

// AsyncSink decouples the real-time path from the durable store. Enqueue
// methods never block: when the queue is full the record is dropped with a
// warning. The worker executes writes behind a circuit breaker so a
// failing store sheds load instead of being hammered on every sample.
//
// AsyncSink satisfies Sink, so the session layer does not know whether it
// writes directly or through the queue.
type AsyncSink struct {
	delegate Sink
	queue    chan writeOp
	breaker  *gobreaker.CircuitBreaker[struct{}]
}

// NewAsyncSink wraps delegate with a bounded queue of the given size.
// Run must be started (normally as a supervised service) for writes to
// drain.
func NewAsyncSink(delegate Sink, queueSize int) *AsyncSink {
	settings := gobreaker.Settings{
		Name:        "persistence-sink",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("persistence circuit breaker state change")
		},
	}
	return &AsyncSink{
		delegate: delegate,
		queue:    make(chan writeOp, queueSize),
		breaker:  gobreaker.NewCircuitBreaker[struct{}](settings),
	}
}

// Run drains the queue until ctx is canceled. Implements the suture
// service contract via the storage writer wrapper in internal/supervisor.
func (s *AsyncSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			// Drain what is already queued before reporting shutdown.
			for {
				select {
				case op := <-s.queue:
					s.execute(context.Background(), op)
				default:
					return ctx.Err()
				}
			}
		case op := <-s.queue:
			s.execute(ctx, op)
			metrics.PersistenceQueueDepth.Set(float64(len(s.queue)))
		}
	}
}

func (s *AsyncSink) execute(ctx context.Context, op writeOp) {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, op.fn(ctx)
	})
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues(op.kind).Inc()
		logging.Warn().Err(err).Str("kind", op.kind).Msg("persistence write failed")
		return
	}
	metrics.PersistenceWrites.WithLabelValues(op.kind).Inc()
}

// enqueue hands an operation to the worker without blocking.
func (s *AsyncSink) enqueue(kind string, fn func(ctx context.Context) error) {
	select {
	case s.queue <- writeOp{kind: kind, fn: fn}:
		metrics.PersistenceQueueDepth.Set(float64(len(s.queue)))
	default:
		metrics.PersistenceQueueDrops.Inc()
		logging.Warn().Str("kind", kind).Msg("persistence queue full, dropping record")
	}
}

// RecordTelemetry queues a telemetry write. Always returns nil.
func (s *AsyncSink) RecordTelemetry(_ context.Context, rec TelemetryRecord) error {
	s.enqueue("telemetry", func(ctx context.Context) error {
		return s.delegate.RecordTelemetry(ctx, rec)
	})
	return nil
}

// RecordWaypoint queues a waypoint write. Always returns nil.
func (s *AsyncSink) RecordWaypoint(_ context.Context, rec WaypointRecord) error {
	s.enqueue("waypoint", func(ctx context.Context) error {
		return s.delegate.RecordWaypoint(ctx, rec)
	})
	return nil
}

// RecordAlert queues an alert write. Always returns nil.
func (s *AsyncSink) RecordAlert(_ context.Context, rec AlertRecord) error {
	s.enqueue("alert", func(ctx context.Context) error {
		return s.delegate.RecordAlert(ctx, rec)
	})
	return nil
}

// UpsertDevice queues a device registration write. Always returns nil.
func (s *AsyncSink) UpsertDevice(_ context.Context, rec DeviceRecord) error {
	s.enqueue("device", func(ctx context.Context) error {
		return s.delegate.UpsertDevice(ctx, rec)
	})
	return nil
}

// Close closes the underlying store. Queued writes still in flight after
// Run returns are lost, which is acceptable for a fire-and-forget sink.
func (s *AsyncSink) Close() error {
	return s.delegate.Close()
}
