// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Fieldtrack server: the team tracking hub. Accepts websocket sessions
// from field devices, fans telemetry out to the team, and persists the
// mission record.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrelgeo/fieldtrack/internal/api"
	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/storage"
	"github.com/kestrelgeo/fieldtrack/internal/supervisor"
	"github.com/kestrelgeo/fieldtrack/internal/supervisor/services"
	"github.com/kestrelgeo/fieldtrack/internal/websocket"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Timestamp: true,
	})

	logging.Info().
		Str("version", version).
		Str("listen", cfg.Server.ListenAddr()).
		Int("max_clients", cfg.Tracking.MaxClients).
		Msg("Starting Fieldtrack server")

	sink, err := openSink(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("Storage close failed")
		}
	}()

	async := storage.NewAsyncSink(sink, cfg.Storage.QueueSize)

	registry := websocket.NewRegistry(cfg.Tracking.MaxClients)
	hub := websocket.NewHub(cfg.Tracking, registry, async)

	handler := api.NewHandler(cfg, hub)
	router := api.NewRouter(cfg, handler)

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddRealtimeService(services.NewStorageWriterService(async.Run))
	tree.AddRealtimeService(services.NewSweeperService(hub.RunSweeper))
	tree.AddAPIService(services.NewHTTPService(httpServer, cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logging.Info().Msg("Server shut down cleanly")
	return nil
}

// openSink chooses the persistence backend. An empty path with no
// in-memory flag disables persistence entirely, for relay-only drills.
func openSink(cfg *config.Config) (storage.Sink, error) {
	if cfg.Storage.Path == "" && !cfg.Storage.InMemory {
		logging.Warn().Msg("Persistence disabled, telemetry will not be recorded")
		return storage.NopSink{}, nil
	}
	return storage.NewBadgerSink(cfg.Storage)
}
