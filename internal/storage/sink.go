// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package storage is the persistence sink for telemetry, waypoints, alerts,
// and device registrations.
//
// The real-time path treats the sink as fire-and-forget: writes are queued
// to an async worker and never block broadcast fan-out. Write failures are
// logged and swallowed at this boundary; tactical telemetry delivery must
// not degrade because of a storage hiccup.
package storage

import (
	"context"
	"time"

	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

// TelemetryRecord is one accepted location sample.
type TelemetryRecord struct {
	UserID      string               `json:"user_id"`
	DeviceID    string               `json:"device_id"`
	Coordinates protocol.Coordinates `json:"coordinates"`

	// CapturedAt is the device capture time; zero when unreported.
	CapturedAt time.Time `json:"captured_at,omitempty"`

	// ReceivedAt is when the server accepted the sample.
	ReceivedAt time.Time `json:"received_at"`

	Battery *float64 `json:"battery,omitempty"`
}

// WaypointRecord is one team waypoint.
type WaypointRecord struct {
	WaypointID  string               `json:"waypoint_id"`
	UserID      string               `json:"user_id"`
	Coordinates protocol.Coordinates `json:"coordinates"`
	Name        string               `json:"name,omitempty"`
	MarkedAt    time.Time            `json:"marked_at"`
}

// AlertRecord is one emergency alert.
type AlertRecord struct {
	UserID       string                `json:"user_id"`
	Message      string                `json:"message,omitempty"`
	RaisedAt     time.Time             `json:"raised_at"`
	LastLocation *protocol.Coordinates `json:"last_location,omitempty"`
}

// DeviceRecord is the registration upserted on every successful
// authentication.
type DeviceRecord struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	Platform   string    `json:"platform,omitempty"`
	AppVersion string    `json:"app_version,omitempty"`
	LastAuthAt time.Time `json:"last_auth_at"`
}

// Sink is the durable write path. The historical query API reads the same
// records asynchronously; nothing in the live session layer ever reads
// them back.
type Sink interface {
	RecordTelemetry(ctx context.Context, rec TelemetryRecord) error
	RecordWaypoint(ctx context.Context, rec WaypointRecord) error
	RecordAlert(ctx context.Context, rec AlertRecord) error
	UpsertDevice(ctx context.Context, rec DeviceRecord) error
	Close() error
}

// NopSink discards every record. Used when the server runs without a data
// directory (drills, tests).
type NopSink struct{}

func (NopSink) RecordTelemetry(context.Context, TelemetryRecord) error { return nil }
func (NopSink) RecordWaypoint(context.Context, WaypointRecord) error  { return nil }
func (NopSink) RecordAlert(context.Context, AlertRecord) error        { return nil }
func (NopSink) UpsertDevice(context.Context, DeviceRecord) error      { return nil }
func (NopSink) Close() error                                          { return nil }
