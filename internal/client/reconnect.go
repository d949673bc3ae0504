// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Phase is the connectivity state of the controller.
type Phase int32

const (
	// PhaseIdle means the controller has not started or has given up.
	PhaseIdle Phase = iota
	// PhaseConnecting means a dial or authentication is in progress.
	PhaseConnecting
	// PhaseConnected means the session is authenticated and streaming.
	PhaseConnected
	// PhaseBackoff means the controller is waiting out a reconnect delay.
	PhaseBackoff
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// NextDelay is the pure reconnect schedule: base doubled per attempt,
// attempt 0 being the first retry. The attempt counter itself is uncapped;
// the controller stops after its attempt budget instead.
func NextDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// newBackoffPolicy builds the reconnect schedule as a backoff.BackOff.
// Randomization is disabled and the interval cap pushed out of reach, so
// the policy produces exactly the NextDelay sequence; after maxAttempts
// it returns backoff.Stop and the failure is surfaced to the operator.
func newBackoffPolicy(base time.Duration, maxAttempts int) backoff.BackOff {
	if base <= 0 {
		base = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 24 * time.Hour
	bo.MaxElapsedTime = 0
	bo.Reset()

	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(bo, uint64(maxAttempts))
}
