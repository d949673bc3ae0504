// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

func TestMain(m *testing.M) {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
	os.Exit(m.Run())
}

// fakeConn is an in-memory Conn: writes accumulate, reads drain a
// scripted inbound channel.
type fakeConn struct {
	mu      sync.Mutex
	written [][]byte

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

func (c *fakeConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// scriptProvider forwards test-injected fixes to whatever watch is
// currently active.
type scriptProvider struct {
	fixes chan Fix
}

func newScriptProvider() *scriptProvider {
	return &scriptProvider{fixes: make(chan Fix, 16)}
}

func (p *scriptProvider) Watch(ctx context.Context, _ WatchOptions) (<-chan Fix, error) {
	out := make(chan Fix)
	go func() {
		defer close(out)
		for {
			select {
			case f := <-p.fixes:
				select {
				case out <- f:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func testClientConfig() config.ClientConfig {
	return config.ClientConfig{
		ServerURL:            "ws://127.0.0.1:1/ws",
		UserID:               "alpha-1",
		DeviceID:             "d1",
		BaseInterval:         time.Second,
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   10 * time.Millisecond,
		QueueCapacity:        100,
		DrainBatchSize:       10,
		DrainDelay:           time.Millisecond,
	}
}

func envelopeTypes(frames [][]byte) []string {
	var types []string
	for _, f := range frames {
		var env protocol.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestControllerAuthenticatesAndStreams(t *testing.T) {
	fc := newFakeConn()
	fc.inbound <- protocol.MustEncode(protocol.TypeAuthenticationOK, protocol.AuthenticationOK{UserID: "alpha-1"})

	provider := newScriptProvider()
	ctrl := NewController(testClientConfig(), provider,
		WithDialer(func(context.Context, string) (Conn, error) { return fc, nil }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return ctrl.Phase() == PhaseConnected })

	provider.fixes <- Fix{
		Coordinates: protocol.Coordinates{Latitude: 37.7749, Longitude: -122.4194},
		CapturedAt:  time.Now(),
	}

	waitFor(t, time.Second, func() bool {
		for _, typ := range envelopeTypes(fc.frames()) {
			if typ == protocol.TypeLocationUpdate {
				return true
			}
		}
		return false
	})

	types := envelopeTypes(fc.frames())
	if types[0] != protocol.TypeAuthentication {
		t.Errorf("first frame = %q, want authentication", types[0])
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestControllerQueuesFixesDuringOutage(t *testing.T) {
	fc1 := newFakeConn()
	fc1.inbound <- protocol.MustEncode(protocol.TypeAuthenticationOK, protocol.AuthenticationOK{UserID: "alpha-1"})
	fc2 := newFakeConn()
	fc2.inbound <- protocol.MustEncode(protocol.TypeAuthenticationOK, protocol.AuthenticationOK{UserID: "alpha-1"})

	var (
		mu       sync.Mutex
		dials    int
		restored bool
	)
	dialer := func(context.Context, string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return fc1, nil
		}
		if !restored {
			return nil, errors.New("host unreachable")
		}
		return fc2, nil
	}

	cfg := testClientConfig()
	cfg.MaxReconnectAttempts = 50
	provider := newScriptProvider()
	ctrl := NewController(cfg, provider, WithDialer(dialer))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return ctrl.Phase() == PhaseConnected })

	// Drop the link and hold it down.
	_ = fc1.Close()
	waitFor(t, time.Second, func() bool { return ctrl.Phase() != PhaseConnected })

	// Telemetry produced during the outage lands in the offline queue.
	for i := 0; i < 3; i++ {
		provider.fixes <- Fix{
			Coordinates: protocol.Coordinates{Latitude: 37.0 + float64(i)*0.01, Longitude: -122.0},
			CapturedAt:  time.Now(),
		}
	}
	waitFor(t, time.Second, func() bool { return ctrl.QueueLen() == 3 })

	// Restore the link; the queue drains onto the new session.
	mu.Lock()
	restored = true
	mu.Unlock()

	waitFor(t, 2*time.Second, func() bool {
		n := 0
		for _, typ := range envelopeTypes(fc2.frames()) {
			if typ == protocol.TypeLocationUpdate {
				n++
			}
		}
		return n == 3 && ctrl.QueueLen() == 0
	})

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestControllerAuthRejection(t *testing.T) {
	fc := newFakeConn()
	fc.inbound <- protocol.MustEncode(protocol.TypeAuthenticationFailed,
		protocol.AuthenticationFailed{Reason: "team is at capacity"})

	ctrl := NewController(testClientConfig(), newScriptProvider(),
		WithDialer(func(context.Context, string) (Conn, error) { return fc, nil }),
	)

	_, _, err := ctrl.connectAndAuth(context.Background())
	if err == nil {
		t.Fatal("expected authentication rejection")
	}
	if !strings.Contains(err.Error(), "team is at capacity") {
		t.Errorf("error = %v, want capacity reason", err)
	}
}

func TestControllerWelcomeForwardedBeforeAck(t *testing.T) {
	fc := newFakeConn()
	fc.inbound <- protocol.MustEncode(protocol.TypeWelcome, protocol.Welcome{SessionID: "s-1"})
	fc.inbound <- protocol.MustEncode(protocol.TypeAuthenticationOK, protocol.AuthenticationOK{UserID: "alpha-1"})

	var mu sync.Mutex
	var seen []string
	handler := EventHandler{
		OnServerMessage: func(env protocol.Envelope) {
			mu.Lock()
			seen = append(seen, env.Type)
			mu.Unlock()
		},
	}

	ctrl := NewController(testClientConfig(), newScriptProvider(),
		WithDialer(func(context.Context, string) (Conn, error) { return fc, nil }),
		WithEventHandler(handler),
	)

	conn, _, err := ctrl.connectAndAuth(context.Background())
	if err != nil {
		t.Fatalf("connectAndAuth failed: %v", err)
	}
	defer conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != protocol.TypeWelcome {
		t.Errorf("forwarded frames = %v, want [welcome]", seen)
	}
}

func TestControllerReconnectExhaustion(t *testing.T) {
	var failed int
	handler := EventHandler{
		OnReconnectFailed: func(attempts int) { failed = attempts },
	}

	ctrl := NewController(testClientConfig(), newScriptProvider(),
		WithDialer(func(context.Context, string) (Conn, error) {
			return nil, errors.New("host unreachable")
		}),
		WithEventHandler(handler),
	)

	err := ctrl.Run(context.Background())
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run returned %v, want ErrReconnectExhausted", err)
	}
	// Budget of 2 retries plus the initial try.
	if failed != 3 {
		t.Errorf("OnReconnectFailed attempts = %d, want 3", failed)
	}
}

func TestControllerDrainQueue(t *testing.T) {
	cfg := testClientConfig()
	cfg.DrainBatchSize = 2

	ctrl := NewController(cfg, newScriptProvider())
	for i := 0; i < 5; i++ {
		ctrl.queue.Push([]byte(fmt.Sprintf("frame-%d", i)))
	}

	fc := newFakeConn()
	if err := ctrl.drainQueue(context.Background(), fc); err != nil {
		t.Fatalf("drainQueue failed: %v", err)
	}

	frames := fc.frames()
	if len(frames) != 5 {
		t.Fatalf("wrote %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		want := fmt.Sprintf("frame-%d", i)
		if string(f) != want {
			t.Errorf("frame %d = %q, want %q", i, f, want)
		}
	}
	if ctrl.queue.Len() != 0 {
		t.Errorf("queue not empty after drain: %d", ctrl.queue.Len())
	}
}

func TestControllerDrainRequeuesOnFailure(t *testing.T) {
	ctrl := NewController(testClientConfig(), newScriptProvider())
	ctrl.queue.Push([]byte("a"))
	ctrl.queue.Push([]byte("b"))

	fc := newFakeConn()
	fc.setWriteErr(errors.New("broken pipe"))

	if err := ctrl.drainQueue(context.Background(), fc); err == nil {
		t.Fatal("expected drain failure")
	}
	if ctrl.queue.Len() != 2 {
		t.Errorf("queue length after failed drain = %d, want 2", ctrl.queue.Len())
	}
}

func TestControllerSendOrQueueOffline(t *testing.T) {
	ctrl := NewController(testClientConfig(), newScriptProvider())

	ctrl.MarkWaypoint(protocol.Coordinates{Latitude: 1, Longitude: 2}, "rally point")

	if ctrl.QueueLen() != 1 {
		t.Fatalf("queue length = %d, want 1", ctrl.QueueLen())
	}
	batch := ctrl.queue.PopBatch(1)
	var env protocol.Envelope
	if err := json.Unmarshal(batch[0], &env); err != nil {
		t.Fatalf("queued frame is not an envelope: %v", err)
	}
	if env.Type != protocol.TypeWaypointMarked {
		t.Errorf("queued type = %q, want waypoint_marked", env.Type)
	}
}

func TestControllerEmergencyRaisesAlertOnce(t *testing.T) {
	ctrl := NewController(testClientConfig(), newScriptProvider())

	ctrl.SetEmergency(true, "man down")
	ctrl.SetEmergency(true, "man down")

	if n := ctrl.QueueLen(); n != 1 {
		t.Fatalf("queued alerts = %d, want 1 (re-arming while active must not duplicate)", n)
	}

	opts := ctrl.watchOptions()
	if opts.Interval != EmergencyInterval {
		t.Errorf("emergency interval = %s, want %s", opts.Interval, EmergencyInterval)
	}
	if !opts.HighAccuracy {
		t.Error("emergency watch should request high accuracy")
	}

	ctrl.SetEmergency(false, "")
	opts = ctrl.watchOptions()
	if opts.Interval == EmergencyInterval {
		t.Error("interval still pinned to emergency after clearing")
	}
}

func TestControllerMovementTracking(t *testing.T) {
	ctrl := NewController(testClientConfig(), newScriptProvider())

	ctrl.observeMovement(Fix{Coordinates: protocol.Coordinates{Latitude: 37.7749, Longitude: -122.4194}})
	ctrl.mu.Lock()
	ctrl.lastMovement = time.Now().Add(-10 * time.Minute)
	ctrl.mu.Unlock()

	// A second fix 5m away stays under the 10m threshold.
	ctrl.observeMovement(Fix{Coordinates: protocol.Coordinates{Latitude: 37.774945, Longitude: -122.4194}})
	if opts := ctrl.watchOptions(); opts.Interval != 3*time.Second {
		t.Errorf("stationary interval = %s, want 3s (1s base x3)", opts.Interval)
	}

	// A fix well beyond the threshold resets the stationary clock.
	ctrl.observeMovement(Fix{Coordinates: protocol.Coordinates{Latitude: 37.7759, Longitude: -122.4194}})
	if opts := ctrl.watchOptions(); opts.Interval != time.Second {
		t.Errorf("moving interval = %s, want 1s", opts.Interval)
	}
}
