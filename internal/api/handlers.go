// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package api provides the HTTP surface of the Fieldtrack server: the
// websocket upgrade endpoint, health checks, the live team snapshot read,
// and Prometheus metrics.
package api

import (
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
	ws "github.com/kestrelgeo/fieldtrack/internal/websocket"
)

// Handler holds the dependencies of the HTTP endpoints.
type Handler struct {
	cfg *config.Config
	hub *ws.Hub
}

// NewHandler creates the endpoint handler set.
func NewHandler(cfg *config.Config, hub *ws.Hub) *Handler {
	return &Handler{cfg: cfg, hub: hub}
}

func (h *Handler) upgrader() gorilla.Upgrader {
	return gorilla.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin validates the browser Origin header against the configured
// CORS origins. Non-browser clients (the tracker CLI, curl) send no
// Origin header and are allowed; a browser always sends one.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected: origin not allowed")
	return false
}

// WebSocket accepts one tracker connection. The admission check runs
// before the handshake completes its authentication exchange: a full
// server upgrades the transport only to send a policy close frame, so no
// handshake cost is paid beyond the HTTP upgrade itself.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	admit := h.hub.Registry().Admit()

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !admit {
		h.hub.RejectOverCapacity(conn)
		return
	}
	h.hub.Accept(conn)
}

// healthResponse is the body of the health endpoints.
type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Team     int    `json:"team"`
}

// Health reports liveness plus current session counts.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	reg := h.hub.Registry()
	respondJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: reg.Len(),
		Team:     reg.AuthenticatedCount(),
	})
}

// HealthLive is the bare liveness probe.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports readiness. The session layer has no warm-up, so
// readiness equals liveness; the endpoint exists for orchestrators that
// require both.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// teamResponse wraps the live snapshot for the cover-page UI.
type teamResponse struct {
	Members []protocol.TeamMember `json:"members"`
}

// Team returns the current team snapshot: every authenticated member with
// its last known location and last-seen time. Derived on demand from the
// registry, same view the team_update broadcast carries.
func (h *Handler) Team(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, teamResponse{Members: h.hub.Registry().Snapshot()})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}
