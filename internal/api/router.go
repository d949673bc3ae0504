// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/middleware"
)

// NewRouter assembles the chi router with the full middleware stack.
func NewRouter(cfg *config.Config, handler *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Security.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(middleware.Prometheus)

	// The websocket endpoint carries its own admission policy; the IP rate
	// limit here only curbs reconnect storms.
	r.With(httprate.LimitByIP(cfg.Security.RateLimitReqs, cfg.Security.RateLimitWindow)).
		Get("/ws", handler.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.Security.RateLimitReqs, cfg.Security.RateLimitWindow))
		r.Get("/health", handler.Health)
		r.Get("/health/live", handler.HealthLive)
		r.Get("/health/ready", handler.HealthReady)
		r.Get("/team", handler.Team)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
