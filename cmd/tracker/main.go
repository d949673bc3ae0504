// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Fieldtrack tracker: a headless field client. Reads position fixes as
// NDJSON on stdin (one {"latitude": .., "longitude": ..} object per
// line, the output shape of gpspipe and most NMEA-to-JSON bridges) and
// streams them to the team server at the adaptive reporting interval.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/client"
	"github.com/kestrelgeo/fieldtrack/internal/config"
	"github.com/kestrelgeo/fieldtrack/internal/logging"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

var version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Tracker exited with error")
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

	if cfg.Client.ServerURL == "" {
		return errors.New("client.server_url is required (FIELDTRACK_SERVER_URL)")
	}
	if cfg.Client.UserID == "" || cfg.Client.DeviceID == "" {
		return errors.New("client.user_id and client.device_id are required")
	}

	logging.Info().
		Str("version", version).
		Str("server", cfg.Client.ServerURL).
		Str("user_id", cfg.Client.UserID).
		Msg("Starting Fieldtrack tracker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := newStdinProvider(os.Stdin)
	go provider.feed(ctx)

	ctrl := client.NewController(cfg.Client, provider,
		client.WithEventHandler(consoleHandler()),
	)
	return ctrl.Run(ctx)
}

// consoleHandler logs the team traffic an operator cares about.
func consoleHandler() client.EventHandler {
	return client.EventHandler{
		OnServerMessage: func(env protocol.Envelope) {
			switch env.Type {
			case protocol.TypeTeamUpdate:
				var update protocol.TeamUpdate
				if err := json.Unmarshal(env.Data, &update); err != nil {
					return
				}
				logging.Info().Int("members", len(update.Members)).Msg("Team roster updated")
			case protocol.TypeEmergencyAlert:
				var alert protocol.EmergencyBroadcast
				if err := json.Unmarshal(env.Data, &alert); err != nil {
					return
				}
				logging.Warn().Str("user_id", alert.UserID).Str("message", alert.Message).Msg("EMERGENCY alert from teammate")
			case protocol.TypeWaypointAdded:
				var wp protocol.WaypointAdded
				if err := json.Unmarshal(env.Data, &wp); err != nil {
					return
				}
				logging.Info().Str("user_id", wp.UserID).Str("name", wp.Name).Msg("Waypoint shared")
			}
		},
		OnConnectionLost: func(err error) {
			logging.Warn().Err(err).Msg("Link to server lost")
		},
		OnReconnectFailed: func(attempts int) {
			logging.Error().Int("attempts", attempts).Msg("Could not reach server, giving up")
		},
	}
}

// stdinProvider adapts an NDJSON fix feed to the LocationProvider
// interface. The feed goroutine runs once for the process lifetime and
// keeps the latest sample; each Watch paces that sample out at its own
// interval, so watch restarts never lose or re-read input.
type stdinProvider struct {
	r io.Reader

	mu     sync.Mutex
	latest *client.Fix
}

func newStdinProvider(r io.Reader) *stdinProvider {
	return &stdinProvider{r: r}
}

// feed consumes stdin until EOF or ctx cancellation.
func (p *stdinProvider) feed(ctx context.Context) {
	scanner := bufio.NewScanner(p.r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var coords protocol.Coordinates
		if err := json.Unmarshal(line, &coords); err != nil {
			logging.Debug().Err(err).Msg("Skipping unparseable fix line")
			continue
		}
		fix := client.Fix{Coordinates: coords, CapturedAt: time.Now()}
		p.mu.Lock()
		p.latest = &fix
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Msg("Fix feed read failed")
	}
	logging.Info().Msg("Fix feed ended")
}

// Watch implements client.LocationProvider.
func (p *stdinProvider) Watch(ctx context.Context, opts client.WatchOptions) (<-chan client.Fix, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %s", opts.Interval)
	}
	out := make(chan client.Fix)
	go func() {
		defer close(out)
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				fix := p.latest
				p.mu.Unlock()
				if fix == nil {
					continue
				}
				select {
				case out <- *fix:
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
