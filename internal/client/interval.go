// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package client implements the field-device telemetry controller: the
// geolocation watch with its adaptive reporting interval, the offline
// queue, and the reconnect state machine.
//
// The adaptive pieces are pure functions over explicit inputs so they are
// unit-testable without a socket, a battery, or a GPS.
package client

import (
	"math"
	"time"
)

const (
	// DefaultBaseInterval is the operator-configured reporting interval
	// before adaptive scaling.
	DefaultBaseInterval = 30 * time.Second

	// MinInterval and MaxInterval clamp the effective interval.
	MinInterval = time.Second
	MaxInterval = 5 * time.Minute

	// EmergencyInterval is forced when emergency mode is active,
	// overriding every multiplier.
	EmergencyInterval = 5 * time.Second

	// MovementThresholdMeters is the displacement below which the device
	// counts as stationary.
	MovementThresholdMeters = 10.0

	// StationaryAfter is how long without movement before reporting
	// slows. The multiplier applies strictly beyond this duration.
	StationaryAfter = 5 * time.Minute

	// earthRadiusMeters is the mean Earth radius for haversine.
	earthRadiusMeters = 6371000.0
)

// IntervalInputs are the signals feeding the adaptive interval
// computation. Absent platform signals degrade to their defaults:
// BatteryFraction 1.0, Backgrounded false.
type IntervalInputs struct {
	// Base is the operator-configured interval. Zero means
	// DefaultBaseInterval.
	Base time.Duration

	// BatteryFraction is the device battery level in [0,1].
	BatteryFraction float64

	// Backgrounded reports whether the app is hidden.
	Backgrounded bool

	// SinceMovement is the time since displacement last exceeded
	// MovementThresholdMeters.
	SinceMovement time.Duration

	// Emergency forces EmergencyInterval and high-accuracy acquisition.
	Emergency bool
}

// EffectiveInterval computes the reporting interval. Multipliers apply in
// order (battery, background, stationary) and the product is clamped to
// [MinInterval, MaxInterval]. Emergency mode short-circuits everything.
func EffectiveInterval(in IntervalInputs) time.Duration {
	if in.Emergency {
		return EmergencyInterval
	}

	interval := in.Base
	if interval <= 0 {
		interval = DefaultBaseInterval
	}

	switch {
	case in.BatteryFraction < 0.2:
		interval *= 4
	case in.BatteryFraction < 0.5:
		interval *= 2
	}

	if in.Backgrounded {
		interval *= 2
	}

	if in.SinceMovement > StationaryAfter {
		interval *= 3
	}

	if interval < MinInterval {
		return MinInterval
	}
	if interval > MaxInterval {
		return MaxInterval
	}
	return interval
}

// Haversine returns the great-circle distance in meters between two
// coordinates.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dPhi := (lat2 - lat1) * degToRad
	dLambda := (lon2 - lon1) * degToRad

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}
