// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package protocol defines the wire envelope exchanged between tracker
// clients and the Fieldtrack server, and the codec that parses it.
//
// Every frame is a JSON envelope {"type": <string>, "data": <object>}.
// The recognized type set is closed: an unknown type is a decode error,
// not a silently-ignored branch. Frames larger than MaxMessageSize are
// rejected at the transport layer before reaching this package.
package protocol

import (
	"time"
)

// MaxMessageSize is the largest accepted single frame in bytes (16 KiB).
// Enforced via the websocket read limit, before the codec runs.
const MaxMessageSize = 16 * 1024

// Message types sent by clients.
const (
	TypeAuthentication = "authentication"
	TypeLocationUpdate = "location_update"
	TypeWaypointMarked = "waypoint_marked"
	TypeEmergencyAlert = "emergency_alert"
	TypePing           = "ping"
)

// Message types sent by the server. TypeLocationUpdate and
// TypeEmergencyAlert appear in both directions: the server rebroadcasts
// them with the originator's identity attached.
const (
	TypeWelcome              = "welcome"
	TypeAuthenticationOK     = "authentication_ok"
	TypeAuthenticationFailed = "authentication_failed"
	TypeTeamUpdate           = "team_update"
	TypeWaypointAdded        = "waypoint_added"
	TypePong                 = "pong"
	TypeError                = "error"
)

// Coordinates is a geographic fix. Latitude and longitude are required and
// range-checked; the remaining fields are optional readings from the
// device's location provider.
type Coordinates struct {
	Latitude  float64  `json:"latitude" validate:"latitude,finite"`
	Longitude float64  `json:"longitude" validate:"longitude,finite"`
	Accuracy  *float64 `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Speed     *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// Inbound is the closed set of client-originated messages. Decode returns
// exactly one of the implementing types.
type Inbound interface {
	inbound()
	// MessageType returns the wire type tag.
	MessageType() string
}

// Authentication binds a session to an operator identity. The first valid
// authentication wins; the identity is immutable for the session's life.
type Authentication struct {
	UserID     string `json:"user_id" validate:"required,max=64"`
	DeviceID   string `json:"device_id" validate:"required,max=64"`
	Platform   string `json:"platform,omitempty" validate:"omitempty,max=64"`
	AppVersion string `json:"app_version,omitempty" validate:"omitempty,max=32"`
}

func (Authentication) inbound()            {}
func (Authentication) MessageType() string { return TypeAuthentication }

// LocationUpdate is one telemetry sample from the device.
type LocationUpdate struct {
	Coordinates *Coordinates `json:"coordinates" validate:"required"`

	// CapturedAt is the device capture time in epoch milliseconds.
	// Zero means the device did not report it; the server records its
	// own receive time instead.
	CapturedAt int64 `json:"captured_at,omitempty" validate:"omitempty,gte=0"`

	// Battery is the device battery fraction in [0,1], if known.
	Battery *float64 `json:"battery,omitempty" validate:"omitempty,gte=0,lte=1"`
}

func (LocationUpdate) inbound()            {}
func (LocationUpdate) MessageType() string { return TypeLocationUpdate }

// WaypointMarked marks a point of interest shared with the team.
type WaypointMarked struct {
	Coordinates *Coordinates `json:"coordinates" validate:"required"`
	Name        string       `json:"name,omitempty" validate:"omitempty,max=128"`
}

func (WaypointMarked) inbound()            {}
func (WaypointMarked) MessageType() string { return TypeWaypointMarked }

// EmergencyAlert signals an operator emergency. Delivery is the same
// best-effort fan-out as telemetry; the urgency is presentational.
type EmergencyAlert struct {
	Message string `json:"message,omitempty" validate:"omitempty,max=512"`
}

func (EmergencyAlert) inbound()            {}
func (EmergencyAlert) MessageType() string { return TypeEmergencyAlert }

// Ping requests a pong with the server time. Also counts as activity for
// the stale-session sweep.
type Ping struct{}

func (Ping) inbound()            {}
func (Ping) MessageType() string { return TypePing }

// Server-originated payloads.

// Welcome is sent once per accepted transport, before authentication.
type Welcome struct {
	SessionID  string    `json:"session_id"`
	ServerTime time.Time `json:"server_time"`
}

// AuthenticationOK acknowledges a successful authentication to its sender.
type AuthenticationOK struct {
	UserID string `json:"user_id"`
}

// AuthenticationFailed reports a rejected authentication attempt. The
// session stays open; the client controls retry cadence.
type AuthenticationFailed struct {
	Reason string `json:"reason"`
}

// TeamMember is one entry in a team snapshot.
type TeamMember struct {
	UserID   string       `json:"user_id"`
	DeviceID string       `json:"device_id"`
	Location *Coordinates `json:"location,omitempty"`
	LastSeen time.Time    `json:"last_seen"`
	Online   bool         `json:"online"`
}

// TeamUpdate is a point-in-time snapshot of all authenticated members.
// Broadcast to everyone, including the member whose state changed.
type TeamUpdate struct {
	Members []TeamMember `json:"members"`
}

// LocationBroadcast is a telemetry sample rebroadcast to the team with the
// originator's identity attached.
type LocationBroadcast struct {
	UserID      string      `json:"user_id"`
	DeviceID    string      `json:"device_id"`
	Coordinates Coordinates `json:"coordinates"`
	CapturedAt  int64       `json:"captured_at,omitempty"`
	Battery     *float64    `json:"battery,omitempty"`
}

// WaypointAdded announces a new team waypoint.
type WaypointAdded struct {
	WaypointID  string      `json:"waypoint_id"`
	UserID      string      `json:"user_id"`
	Coordinates Coordinates `json:"coordinates"`
	Name        string      `json:"name,omitempty"`
	MarkedAt    time.Time   `json:"marked_at"`
}

// EmergencyBroadcast announces an operator emergency to the team.
type EmergencyBroadcast struct {
	UserID       string       `json:"user_id"`
	Message      string       `json:"message,omitempty"`
	RaisedAt     time.Time    `json:"raised_at"`
	LastLocation *Coordinates `json:"last_location,omitempty"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime time.Time `json:"server_time"`
}

// ErrorMessage is a local error response to the sender only. It never
// terminates the session.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
