// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"context"
	"time"

	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

// Fix is one reading from the device's location provider.
type Fix struct {
	Coordinates protocol.Coordinates

	// CapturedAt is when the provider produced the fix.
	CapturedAt time.Time
}

// WatchOptions tune a location watch. HighAccuracy trades battery for
// precision and is forced while emergency mode is active.
type WatchOptions struct {
	Interval     time.Duration
	HighAccuracy bool
}

// LocationProvider abstracts the platform geolocation source. Watch
// delivers fixes at roughly the requested interval until ctx is
// cancelled; the provider owns the channel and closes it on cancel.
type LocationProvider interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan Fix, error)
}

// BatterySignal reports the device battery level, if the platform exposes
// one. Fraction is in [0,1]; ok is false when unknown, which the interval
// computation treats as a full battery.
type BatterySignal interface {
	BatteryFraction() (fraction float64, ok bool)
}

// VisibilitySignal reports whether the app is backgrounded.
type VisibilitySignal interface {
	Backgrounded() bool
}

// Conn is the controller's view of an established websocket. Implemented
// by the gorilla-backed conn in this package; tests substitute an
// in-memory pair.
type Conn interface {
	// WriteMessage sends one text frame.
	WriteMessage(frame []byte) error
	// ReadMessage blocks for the next frame.
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer establishes a Conn to the server. The context bounds the dial
// only, not the connection's lifetime.
type Dialer func(ctx context.Context, serverURL string) (Conn, error)

// EventHandler receives controller lifecycle notifications. Callbacks run
// on the controller's goroutine and must not block.
type EventHandler struct {
	// OnServerMessage is invoked for every decoded server frame after the
	// controller's own handling (pong bookkeeping, auth acks).
	OnServerMessage func(env protocol.Envelope)

	// OnConnectionLost is invoked when an established connection drops,
	// before the reconnect loop starts.
	OnConnectionLost func(err error)

	// OnReconnectFailed is invoked when the attempt budget is exhausted.
	OnReconnectFailed func(attempts int)
}

// NopHandler is an EventHandler that ignores everything.
func NopHandler() EventHandler {
	return EventHandler{
		OnServerMessage:   func(protocol.Envelope) {},
		OnConnectionLost:  func(error) {},
		OnReconnectFailed: func(int) {},
	}
}

func (h *EventHandler) fillDefaults() {
	if h.OnServerMessage == nil {
		h.OnServerMessage = func(protocol.Envelope) {}
	}
	if h.OnConnectionLost == nil {
		h.OnConnectionLost = func(error) {}
	}
	if h.OnReconnectFailed == nil {
		h.OnReconnectFailed = func(int) {}
	}
}
