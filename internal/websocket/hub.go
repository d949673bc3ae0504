// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package websocket

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/metrics"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
	"github.com/kestrelgeo/fieldtrack/internal/storage"
)

// Hub wires the codec, the registry, and the persistence sink together.
// One accepted inbound event becomes: a session-state change, a sink write
// (async, never awaited), and a best-effort fan-out to the team.
type Hub struct {
	cfg      config.TrackingConfig
	registry *Registry
	sink     storage.Sink
}

// NewHub creates a hub over the given registry and sink.
func NewHub(cfg config.TrackingConfig, registry *Registry, sink storage.Sink) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		sink:     sink,
	}
}

// Registry exposes the session registry for the HTTP surface (admission
// check, team endpoint).
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Accept takes ownership of an upgraded connection: registers a pending
// session, sends the welcome frame, and starts the pumps. The admission
// check happens before the upgrade, in the HTTP handler.
func (h *Hub) Accept(conn *websocket.Conn) *Session {
	s := newSession(h, conn)
	h.registry.Add(s)
	s.sendMessage(protocol.TypeWelcome, protocol.Welcome{
		SessionID:  s.id.String(),
		ServerTime: time.Now().UTC(),
	})
	s.start()

	logging.Info().
		Str("session_id", s.id.String()).
		Int("total_sessions", h.registry.Len()).
		Msg("session connected")
	return s
}

// RejectOverCapacity closes a just-upgraded connection with a policy close
// code. Called instead of Accept when admission fails; no authentication
// exchange happens on the rejected transport.
func (h *Hub) RejectOverCapacity(conn *websocket.Conn) {
	metrics.AdmissionRejections.Inc()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "server full")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
	logging.Warn().Int("max_clients", h.cfg.MaxClients).Msg("connection rejected: server full")
}

// handleMessage processes one inbound frame from the session's read pump.
// Decode and validation failures produce a local error response to the
// sender only; they never reach the fan-out and never close the session.
func (h *Hub) handleMessage(s *Session, raw []byte) {
	s.touch()

	if !s.limiter.Allow() {
		metrics.MessagesRejected.WithLabelValues("rate_limit").Inc()
		s.sendMessage(protocol.TypeError, protocol.ErrorMessage{
			Code:    "rate_limited",
			Message: "inbound message rate exceeded",
		})
		return
	}

	msg, derr := protocol.Decode(raw)
	if derr != nil {
		metrics.MessagesRejected.WithLabelValues("decode").Inc()
		logging.Debug().
			Str("session_id", s.id.String()).
			Str("code", derr.Code).
			Msg("rejected inbound frame")
		// An unusable authentication payload is answered in the auth
		// vocabulary so the client surfaces a rejection reason.
		if derr.Type == protocol.TypeAuthentication {
			s.sendMessage(protocol.TypeAuthenticationFailed, protocol.AuthenticationFailed{Reason: derr.Reason})
			return
		}
		s.sendMessage(protocol.TypeError, protocol.ErrorMessage{
			Code:    derr.Code,
			Message: derr.Reason,
		})
		return
	}

	metrics.MessagesReceived.WithLabelValues(msg.MessageType()).Inc()

	switch m := msg.(type) {
	case protocol.Authentication:
		h.handleAuthentication(s, m)
	case protocol.LocationUpdate:
		h.handleLocationUpdate(s, m)
	case protocol.WaypointMarked:
		h.handleWaypointMarked(s, m)
	case protocol.EmergencyAlert:
		h.handleEmergencyAlert(s, m)
	case protocol.Ping:
		s.sendMessage(protocol.TypePong, protocol.Pong{ServerTime: time.Now().UTC()})
	}
}

// handleAuthentication drives the Pending -> Authenticated transition.
// Success triggers exactly one team-snapshot broadcast and a device
// registration write. Failure keeps the session Pending; the client
// controls retry cadence.
func (h *Hub) handleAuthentication(s *Session, msg protocol.Authentication) {
	identity := Identity{UserID: msg.UserID, DeviceID: msg.DeviceID}

	if err := h.registry.Authenticate(s, identity); err != nil {
		reason := "authentication rejected"
		switch err {
		case ErrAlreadyAuthenticated:
			reason = "session is already authenticated"
		case ErrRegistryFull:
			reason = "team is at capacity"
		case ErrSessionClosed:
			return
		}
		logging.Info().
			Str("session_id", s.id.String()).
			Str("user_id", msg.UserID).
			Err(err).
			Msg("authentication failed")
		s.sendMessage(protocol.TypeAuthenticationFailed, protocol.AuthenticationFailed{Reason: reason})
		return
	}

	logging.Info().
		Str("session_id", s.id.String()).
		Str("user_id", msg.UserID).
		Str("device_id", msg.DeviceID).
		Msg("session authenticated")

	s.sendMessage(protocol.TypeAuthenticationOK, protocol.AuthenticationOK{UserID: msg.UserID})

	// Registration failures are logged inside the sink, never propagated
	// to the team broadcast.
	_ = h.sink.UpsertDevice(context.Background(), storage.DeviceRecord{
		DeviceID:   msg.DeviceID,
		UserID:     msg.UserID,
		Platform:   msg.Platform,
		AppVersion: msg.AppVersion,
		LastAuthAt: time.Now().UTC(),
	})

	h.broadcastTeamUpdate()
}

// handleLocationUpdate validates, persists, and fans out one telemetry
// sample. Routine telemetry broadcasts only the delta, never a snapshot.
func (h *Hub) handleLocationUpdate(s *Session, msg protocol.LocationUpdate) {
	identity := s.Identity()
	if identity == nil {
		h.rejectUnauthenticated(s)
		return
	}

	s.setLastLocation(*msg.Coordinates)

	rec := storage.TelemetryRecord{
		UserID:      identity.UserID,
		DeviceID:    identity.DeviceID,
		Coordinates: *msg.Coordinates,
		ReceivedAt:  time.Now().UTC(),
		Battery:     msg.Battery,
	}
	if msg.CapturedAt > 0 {
		rec.CapturedAt = time.UnixMilli(msg.CapturedAt).UTC()
	}
	_ = h.sink.RecordTelemetry(context.Background(), rec)

	h.fanOut(s, protocol.TypeLocationUpdate, protocol.LocationBroadcast{
		UserID:      identity.UserID,
		DeviceID:    identity.DeviceID,
		Coordinates: *msg.Coordinates,
		CapturedAt:  msg.CapturedAt,
		Battery:     msg.Battery,
	})
}

// handleWaypointMarked persists the waypoint and announces it to the team
// as waypoint_added.
func (h *Hub) handleWaypointMarked(s *Session, msg protocol.WaypointMarked) {
	identity := s.Identity()
	if identity == nil {
		h.rejectUnauthenticated(s)
		return
	}

	waypointID := uuid.New().String()
	markedAt := time.Now().UTC()

	_ = h.sink.RecordWaypoint(context.Background(), storage.WaypointRecord{
		WaypointID:  waypointID,
		UserID:      identity.UserID,
		Coordinates: *msg.Coordinates,
		Name:        msg.Name,
		MarkedAt:    markedAt,
	})

	h.fanOut(s, protocol.TypeWaypointAdded, protocol.WaypointAdded{
		WaypointID:  waypointID,
		UserID:      identity.UserID,
		Coordinates: *msg.Coordinates,
		Name:        msg.Name,
		MarkedAt:    markedAt,
	})
}

// handleEmergencyAlert persists the alert and announces it. Delivery is
// the same immediate best-effort fan-out as telemetry; the urgency
// distinction is presentational, on the receiving client.
func (h *Hub) handleEmergencyAlert(s *Session, msg protocol.EmergencyAlert) {
	identity := s.Identity()
	if identity == nil {
		h.rejectUnauthenticated(s)
		return
	}

	raisedAt := time.Now().UTC()
	lastLocation := s.LastLocation()

	logging.Warn().
		Str("session_id", s.id.String()).
		Str("user_id", identity.UserID).
		Msg("emergency alert raised")

	_ = h.sink.RecordAlert(context.Background(), storage.AlertRecord{
		UserID:       identity.UserID,
		Message:      msg.Message,
		RaisedAt:     raisedAt,
		LastLocation: lastLocation,
	})

	h.fanOut(s, protocol.TypeEmergencyAlert, protocol.EmergencyBroadcast{
		UserID:       identity.UserID,
		Message:      msg.Message,
		RaisedAt:     raisedAt,
		LastLocation: lastLocation,
	})
}

func (h *Hub) rejectUnauthenticated(s *Session) {
	metrics.MessagesRejected.WithLabelValues("unauthenticated").Inc()
	s.sendMessage(protocol.TypeError, protocol.ErrorMessage{
		Code:    "not_authenticated",
		Message: "authenticate before sending events",
	})
}

// fanOut delivers one encoded event to every authenticated session except
// the originator. Recipients are snapshotted under the registry lock; the
// deliveries themselves happen after it is released. A full buffer or a
// closing peer is skipped, logged, and never surfaced to the originator.
func (h *Hub) fanOut(origin *Session, msgType string, payload interface{}) {
	frame := protocol.MustEncode(msgType, payload)
	recipients := h.registry.Recipients(origin)

	metrics.BroadcastsTotal.WithLabelValues(msgType).Inc()
	for _, peer := range recipients {
		if peer.trySend(frame) {
			metrics.BroadcastDeliveries.Inc()
			continue
		}
		metrics.BroadcastDrops.Inc()
		logging.Debug().
			Str("recipient", peer.id.String()).
			Str("type", msgType).
			Msg("broadcast delivery skipped")
	}
}

// broadcastTeamUpdate sends the current team snapshot to every
// authenticated session, including the member whose change triggered it.
func (h *Hub) broadcastTeamUpdate() {
	update := protocol.TeamUpdate{Members: h.registry.Snapshot()}
	h.fanOut(nil, protocol.TypeTeamUpdate, update)
}

// onSessionClosed runs the disconnect side effects exactly once per
// session, guarded by the session's close-once.
func (h *Hub) onSessionClosed(s *Session, wasAuthenticated bool) {
	removed := h.registry.Remove(s)

	logging.Info().
		Str("session_id", s.id.String()).
		Int("total_sessions", h.registry.Len()).
		Msg("session disconnected")

	if removed && wasAuthenticated {
		h.broadcastTeamUpdate()
	}
}

// RunSweeper evicts stale sessions every cfg.SweepInterval until the
// context is canceled. Each eviction produces the same side effects as a
// normal disconnect. Runs under supervision; returns ctx.Err() on
// shutdown after closing the remaining sessions.
func (h *Hub) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for _, s := range h.registry.All() {
				s.Close("server shutdown")
			}
			return ctx.Err()

		case <-ticker.C:
			stale := h.registry.Stale(h.cfg.StaleAfter, h.cfg.PongTimeout)
			for _, s := range stale {
				metrics.SessionsSwept.Inc()
				logging.Info().
					Str("session_id", s.id.String()).
					Time("last_activity", s.LastActivity()).
					Msg("sweeping stale session")
				s.Close("stale session sweep")
			}
		}
	}
}
