// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

const (
	// authTimeout bounds the wait for the server's authentication ack.
	authTimeout = 10 * time.Second

	// keepaliveEvery is the protocol-level ping cadence while connected.
	// Keeps the session out of the server's stale sweep during long
	// stationary stretches.
	keepaliveEvery = 60 * time.Second
)

// ErrReconnectExhausted is returned by Run when the reconnect attempt
// budget is spent without re-establishing a session.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Controller drives a field device's tracking session: it dials the
// server, authenticates, streams location fixes at the adaptive
// interval, queues telemetry while offline, and reconnects with
// exponential backoff.
type Controller struct {
	cfg      config.ClientConfig
	provider LocationProvider
	battery  BatterySignal
	visible  VisibilitySignal
	dial     Dialer
	handler  EventHandler
	queue    *OfflineQueue

	phase     atomic.Int32
	emergency atomic.Bool

	mu           sync.Mutex
	conn         Conn
	lastFix      *Fix
	lastMovement time.Time

	// recheck wakes the watch loop to recompute the watch interval
	// after a signal change.
	recheck chan struct{}
}

// ControllerOption customizes a Controller.
type ControllerOption func(*Controller)

// WithDialer overrides the websocket dialer. Tests use this to connect
// an in-memory transport.
func WithDialer(d Dialer) ControllerOption {
	return func(c *Controller) { c.dial = d }
}

// WithBatterySignal attaches a battery level source.
func WithBatterySignal(b BatterySignal) ControllerOption {
	return func(c *Controller) { c.battery = b }
}

// WithVisibilitySignal attaches an app visibility source.
func WithVisibilitySignal(v VisibilitySignal) ControllerOption {
	return func(c *Controller) { c.visible = v }
}

// WithEventHandler attaches lifecycle callbacks.
func WithEventHandler(h EventHandler) ControllerOption {
	return func(c *Controller) { c.handler = h }
}

// NewController builds a controller around a location provider.
func NewController(cfg config.ClientConfig, provider LocationProvider, opts ...ControllerOption) *Controller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 100
	}
	if cfg.DrainBatchSize < 1 {
		cfg.DrainBatchSize = 10
	}
	if cfg.DrainDelay <= 0 {
		cfg.DrainDelay = 100 * time.Millisecond
	}
	if cfg.MaxReconnectAttempts < 1 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}

	c := &Controller{
		cfg:          cfg,
		provider:     provider,
		dial:         DialWebSocket,
		handler:      NopHandler(),
		queue:        NewOfflineQueue(cfg.QueueCapacity),
		lastMovement: time.Now(),
		recheck:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler.fillDefaults()
	return c
}

// Phase returns the controller's current connectivity phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// QueueLen returns the number of frames waiting for the link to return.
func (c *Controller) QueueLen() int {
	return c.queue.Len()
}

// SetEmergency toggles emergency mode. Enabling it raises an alert to
// the team, forces the 5s high-accuracy reporting interval, and holds
// both until cleared.
func (c *Controller) SetEmergency(active bool, message string) {
	was := c.emergency.Swap(active)
	if active && !was {
		frame := protocol.MustEncode(protocol.TypeEmergencyAlert, protocol.EmergencyAlert{Message: message})
		c.sendOrQueue(frame)
		logging.Warn().Str("user_id", c.cfg.UserID).Msg("Emergency mode activated")
	}
	if !active && was {
		logging.Info().Str("user_id", c.cfg.UserID).Msg("Emergency mode cleared")
	}
	c.wake()
}

// MarkWaypoint shares a point of interest with the team.
func (c *Controller) MarkWaypoint(coords protocol.Coordinates, name string) {
	frame := protocol.MustEncode(protocol.TypeWaypointMarked, protocol.WaypointMarked{
		Coordinates: &coords,
		Name:        name,
	})
	c.sendOrQueue(frame)
}

// Run executes the connect/stream/reconnect loop until ctx is cancelled
// or the reconnect budget is exhausted. The location watch runs for the
// whole lifetime, not per session: fixes produced while the link is down
// land in the offline queue and are replayed on reconnect.
func (c *Controller) Run(ctx context.Context) error {
	defer c.phase.Store(int32(PhaseIdle))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.watchLoop(ctx)

	for {
		c.phase.Store(int32(PhaseConnecting))
		conn, frames, err := c.connectWithBackoff(ctx)
		if err != nil {
			return err
		}

		c.setConn(conn)
		c.phase.Store(int32(PhaseConnected))

		if derr := c.drainQueue(ctx, conn); derr != nil {
			logging.Warn().Err(derr).Msg("Offline queue drain interrupted")
		}

		err = c.runSession(ctx, conn, frames)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handler.OnConnectionLost(err)
		logging.Warn().Err(err).Msg("Connection lost, reconnecting")
	}
}

// inboundFrame is one read result from the connection's read goroutine.
type inboundFrame struct {
	data []byte
	err  error
}

// readFrames starts the single reader goroutine for a connection. The
// channel closes after delivering the terminal read error; both the
// authentication wait and the session loop consume from it, so the
// connection never has two concurrent readers.
func readFrames(conn Conn) <-chan inboundFrame {
	ch := make(chan inboundFrame, 8)
	go func() {
		defer close(ch)
		for {
			data, err := conn.ReadMessage()
			ch <- inboundFrame{data: data, err: err}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// connectWithBackoff dials and authenticates, retrying per the backoff
// schedule up to the attempt budget.
func (c *Controller) connectWithBackoff(ctx context.Context) (Conn, <-chan inboundFrame, error) {
	policy := newBackoffPolicy(c.cfg.ReconnectBaseDelay, c.cfg.MaxReconnectAttempts)
	attempt := 0

	for {
		conn, frames, err := c.connectAndAuth(ctx)
		if err == nil {
			return conn, frames, nil
		}
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		attempt++
		logging.Warn().Err(err).Int("attempt", attempt).Msg("Connection attempt failed")

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			c.handler.OnReconnectFailed(attempt)
			return nil, nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
		}

		c.phase.Store(int32(PhaseBackoff))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		c.phase.Store(int32(PhaseConnecting))
	}
}

// connectAndAuth dials the server and completes the authentication
// handshake, waiting out the welcome frame for the ack. On success the
// returned frame channel carries the rest of the server's traffic.
func (c *Controller) connectAndAuth(ctx context.Context) (Conn, <-chan inboundFrame, error) {
	conn, err := c.dial(ctx, c.cfg.ServerURL)
	if err != nil {
		return nil, nil, err
	}

	auth := protocol.MustEncode(protocol.TypeAuthentication, protocol.Authentication{
		UserID:   c.cfg.UserID,
		DeviceID: c.cfg.DeviceID,
		Platform: "go-tracker",
	})
	if err := conn.WriteMessage(auth); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("send authentication: %w", err)
	}

	frames := readFrames(conn)
	if err := c.awaitAuthAck(frames); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	logging.Info().
		Str("user_id", c.cfg.UserID).
		Str("device_id", c.cfg.DeviceID).
		Msg("Authenticated with tracking server")
	return conn, frames, nil
}

// awaitAuthAck consumes frames until authentication_ok, authentication
// rejection, or timeout. Non-auth frames (the welcome, an early team
// snapshot) are forwarded to the handler.
func (c *Controller) awaitAuthAck(frames <-chan inboundFrame) error {
	timeout := time.NewTimer(authTimeout)
	defer timeout.Stop()

	for {
		select {
		case fr, ok := <-frames:
			if !ok {
				return errors.New("connection closed during authentication")
			}
			if fr.err != nil {
				return fmt.Errorf("read during authentication: %w", fr.err)
			}
			var env protocol.Envelope
			if err := json.Unmarshal(fr.data, &env); err != nil {
				continue
			}
			switch env.Type {
			case protocol.TypeAuthenticationOK:
				return nil
			case protocol.TypeAuthenticationFailed:
				var failed protocol.AuthenticationFailed
				_ = json.Unmarshal(env.Data, &failed)
				return fmt.Errorf("authentication rejected: %s", failed.Reason)
			default:
				c.handler.OnServerMessage(env)
			}
		case <-timeout.C:
			return errors.New("authentication ack timed out")
		}
	}
}

// drainQueue replays offline telemetry in paced batches so the restored
// link is not flooded. A write failure re-queues the frame and stops.
func (c *Controller) drainQueue(ctx context.Context, conn Conn) error {
	for c.queue.Len() > 0 {
		batch := c.queue.PopBatch(c.cfg.DrainBatchSize)
		for i, frame := range batch {
			if err := conn.WriteMessage(frame); err != nil {
				for _, rest := range batch[i:] {
					c.queue.Push(rest)
				}
				return fmt.Errorf("drain write: %w", err)
			}
		}
		logging.Debug().Int("batch", len(batch)).Int("remaining", c.queue.Len()).Msg("Drained offline batch")

		if c.queue.Len() == 0 {
			break
		}
		select {
		case <-time.After(c.cfg.DrainDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// watchLoop owns the location watch for the controller's lifetime,
// restarting it whenever the effective interval or accuracy changes.
// Each fix is delivered through sendOrQueue, so telemetry produced
// during an outage is captured instead of lost.
func (c *Controller) watchLoop(ctx context.Context) {
	var (
		watchCancel context.CancelFunc = func() {}
		fixes       <-chan Fix
		current     WatchOptions
	)
	defer func() { watchCancel() }()

	restartWatch := func() {
		opts := c.watchOptions()
		if fixes != nil && opts == current {
			return
		}
		watchCancel()
		watchCtx, cancelWatch := context.WithCancel(ctx)
		ch, err := c.provider.Watch(watchCtx, opts)
		if err != nil {
			cancelWatch()
			fixes = nil
			logging.Warn().Err(err).Msg("Location watch failed to start")
			time.AfterFunc(time.Second, c.wake)
			return
		}
		watchCancel = cancelWatch
		fixes = ch
		current = opts
		logging.Debug().Dur("interval", opts.Interval).Bool("high_accuracy", opts.HighAccuracy).Msg("Location watch configured")
	}

	restartWatch()
	for {
		select {
		case fix, ok := <-fixes:
			if !ok {
				fixes = nil
				continue
			}
			c.observeMovement(fix)
			c.sendFix(fix)
			restartWatch()

		case <-c.recheck:
			restartWatch()

		case <-ctx.Done():
			return
		}
	}
}

// runSession services an authenticated connection until it drops or ctx
// is cancelled. Returns the terminating error.
func (c *Controller) runSession(ctx context.Context, conn Conn, frames <-chan inboundFrame) error {
	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			frame := protocol.MustEncode(protocol.TypePing, nil)
			if err := conn.WriteMessage(frame); err != nil {
				return fmt.Errorf("keepalive write: %w", err)
			}

		case fr, ok := <-frames:
			if !ok {
				return errors.New("read channel closed")
			}
			if fr.err != nil {
				return fmt.Errorf("read: %w", fr.err)
			}
			var env protocol.Envelope
			if uerr := json.Unmarshal(fr.data, &env); uerr != nil {
				logging.Debug().Err(uerr).Msg("Discarding unparseable server frame")
				continue
			}
			c.handler.OnServerMessage(env)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sendFix encodes one telemetry sample and delivers it on the live
// connection, or queues it while the link is down.
func (c *Controller) sendFix(fix Fix) {
	update := protocol.LocationUpdate{
		Coordinates: &fix.Coordinates,
		CapturedAt:  fix.CapturedAt.UnixMilli(),
	}
	if c.battery != nil {
		if frac, ok := c.battery.BatteryFraction(); ok {
			update.Battery = &frac
		}
	}
	c.sendOrQueue(protocol.MustEncode(protocol.TypeLocationUpdate, update))
}

// observeMovement updates the stationary clock from a new fix.
func (c *Controller) observeMovement(fix Fix) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastFix != nil {
		dist := Haversine(
			c.lastFix.Coordinates.Latitude, c.lastFix.Coordinates.Longitude,
			fix.Coordinates.Latitude, fix.Coordinates.Longitude,
		)
		if dist >= MovementThresholdMeters {
			c.lastMovement = time.Now()
		}
	}
	f := fix
	c.lastFix = &f
}

// watchOptions derives the current watch configuration from the adaptive
// interval inputs.
func (c *Controller) watchOptions() WatchOptions {
	in := IntervalInputs{
		Base:            c.cfg.BaseInterval,
		BatteryFraction: 1.0,
		Emergency:       c.emergency.Load(),
	}
	if c.battery != nil {
		if frac, ok := c.battery.BatteryFraction(); ok {
			in.BatteryFraction = frac
		}
	}
	if c.visible != nil {
		in.Backgrounded = c.visible.Backgrounded()
	}
	c.mu.Lock()
	in.SinceMovement = time.Since(c.lastMovement)
	c.mu.Unlock()

	return WatchOptions{
		Interval:     EffectiveInterval(in),
		HighAccuracy: in.Emergency,
	}
}

// sendOrQueue transmits a frame on the live connection or queues it for
// the next session.
func (c *Controller) sendOrQueue(frame []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.queue.Push(frame)
		return
	}
	if err := conn.WriteMessage(frame); err != nil {
		c.queue.Push(frame)
	}
}

func (c *Controller) setConn(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// wake nudges the watch loop to recompute the watch interval.
func (c *Controller) wake() {
	select {
	case c.recheck <- struct{}{}:
	default:
	}
}
