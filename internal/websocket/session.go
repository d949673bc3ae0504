// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package websocket implements the live session layer: one Session per
// connected device, a Registry enforcing admission and staleness policy,
// and a Hub dispatching inbound messages and fanning events out to the
// team.
package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

// writeWait bounds a single outbound frame write.
const writeWait = 10 * time.Second

// State is the session connection state.
type State int32

const (
	// StatePending is a connected but unauthenticated session.
	StatePending State = iota
	// StateAuthenticated is a session bound to an operator identity.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

// Identity is the operator/device pair bound at authentication. Immutable
// once set.
type Identity struct {
	UserID   string
	DeviceID string
}

// Session owns one websocket transport. The connection is closed exactly
// once, via Close; pumps and fan-out never touch the conn lifecycle
// directly.
//
// Inbound messages are processed sequentially by the read pump, and each
// recipient's outbound frames drain in FIFO order from the send channel.
// Together these give per-originator ordered delivery without any global
// coordination.
type Session struct {
	id      uuid.UUID
	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	closeOnce sync.Once

	mu           sync.Mutex
	state        State
	identity     *Identity
	lastLocation *protocol.Coordinates

	// wasAuthenticated survives the transition to StateClosed so the
	// disconnect path knows whether a team update is owed.
	wasAuthenticated bool

	// lastActivity is unix nanos of the most recent inbound message or
	// pong. Read by the stale sweep without taking the session mutex.
	lastActivity atomic.Int64

	// pingSentAt is unix nanos of the oldest unanswered ping, zero when
	// no ping is outstanding. A pong past its timeout makes the session
	// a sweep candidate rather than forcing a close.
	pingSentAt atomic.Int64
}

// newSession wraps an accepted connection. The caller registers it with
// the registry and starts the pumps.
func newSession(hub *Hub, conn *websocket.Conn) *Session {
	s := &Session{
		id:      uuid.New(),
		conn:    conn,
		hub:     hub,
		send:    make(chan []byte, hub.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(hub.cfg.InboundRate), hub.cfg.InboundBurst),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// ID returns the server-generated session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound identity, or nil before authentication.
func (s *Session) Identity() *Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// LastLocation returns the last accepted coordinate, or nil.
func (s *Session) LastLocation() *protocol.Coordinates {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastLocation == nil {
		return nil
	}
	loc := *s.lastLocation
	return &loc
}

// setLastLocation records the last accepted coordinate for team snapshots.
func (s *Session) setLastLocation(c protocol.Coordinates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLocation = &c
}

// touch records inbound activity for the stale sweep.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// pongOverdue reports whether an outstanding ping has gone unanswered
// for longer than timeout.
func (s *Session) pongOverdue(timeout time.Duration) bool {
	sent := s.pingSentAt.Load()
	return sent != 0 && time.Since(time.Unix(0, sent)) > timeout
}

// trySend enqueues an encoded frame without blocking. Returns false when
// the session is closing or its buffer is full; the caller treats that as
// a skipped best-effort delivery.
func (s *Session) trySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// sendMessage encodes and enqueues a server message for this session only.
func (s *Session) sendMessage(msgType string, payload interface{}) bool {
	return s.trySend(protocol.MustEncode(msgType, payload))
}

// Close tears the session down. Idempotent: a session already transitioning
// to Closed ignores further close requests, so disconnect side effects
// (registry removal, team update) happen exactly once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		wasAuth := s.wasAuthenticated
		s.mu.Unlock()

		close(s.done)
		if s.conn != nil {
			_ = s.conn.Close()
		}

		logging.Debug().
			Str("session_id", s.id.String()).
			Str("reason", reason).
			Bool("was_authenticated", wasAuth).
			Msg("session closed")

		s.hub.onSessionClosed(s, wasAuth)
	})
}

// readPump processes inbound frames sequentially until the transport
// fails or the session closes. Runs as its own goroutine; it is the only
// reader of the connection.
func (s *Session) readPump() {
	defer s.Close("read loop ended")

	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	// The read deadline mirrors the stale-session policy: a silent peer is
	// aged out by the sweep rather than force-closed on a missed pong, so
	// the deadline matches the staleness window instead of the ping cadence.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.StaleAfter))
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.pingSentAt.Store(0)
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.StaleAfter))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("session_id", s.id.String()).Msg("unexpected websocket close")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.StaleAfter))
		s.hub.handleMessage(s, raw)
	}
}

// writePump drains the send channel and keeps the heartbeat going. Runs as
// its own goroutine; it is the only writer of the connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.Close("write loop ended")
	}()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logging.Debug().Err(err).Str("session_id", s.id.String()).Msg("outbound write failed")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			// Keep the oldest unanswered ping's timestamp so the overdue
			// clock measures from the first miss.
			s.pingSentAt.CompareAndSwap(0, time.Now().UnixNano())
		}
	}
}

// start launches the pumps after the session is registered.
func (s *Session) start() {
	go s.writePump()
	go s.readPump()
}
