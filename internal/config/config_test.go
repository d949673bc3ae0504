// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8445 {
		t.Errorf("server.port = %d, want 8445", cfg.Server.Port)
	}
	if cfg.Tracking.MaxClients != 5 {
		t.Errorf("tracking.max_clients = %d, want 5", cfg.Tracking.MaxClients)
	}
	if cfg.Tracking.StaleAfter != 5*time.Minute {
		t.Errorf("tracking.stale_after = %s, want 5m", cfg.Tracking.StaleAfter)
	}
	if cfg.Tracking.SweepInterval != 30*time.Second {
		t.Errorf("tracking.sweep_interval = %s, want 30s", cfg.Tracking.SweepInterval)
	}
	if cfg.Tracking.MaxMessageSize != 16*1024 {
		t.Errorf("tracking.max_message_size = %d, want 16384", cfg.Tracking.MaxMessageSize)
	}
	if cfg.Client.BaseInterval != 30*time.Second {
		t.Errorf("client.base_interval = %s, want 30s", cfg.Client.BaseInterval)
	}
	if cfg.Client.MaxReconnectAttempts != 10 {
		t.Errorf("client.max_reconnect_attempts = %d, want 10", cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Client.QueueCapacity != 100 {
		t.Errorf("client.queue_capacity = %d, want 100", cfg.Client.QueueCapacity)
	}
	if got := cfg.Server.ListenAddr(); got != "0.0.0.0:8445" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:8445", got)
	}
	if cfg.Server.TLSEnabled() {
		t.Error("TLSEnabled = true with no cert configured")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FIELDTRACK_PORT", "9000")
	t.Setenv("FIELDTRACK_MAX_CLIENTS", "8")
	t.Setenv("FIELDTRACK_STALE_AFTER", "2m")
	t.Setenv("FIELDTRACK_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("server.port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Tracking.MaxClients != 8 {
		t.Errorf("tracking.max_clients = %d, want 8", cfg.Tracking.MaxClients)
	}
	if cfg.Tracking.StaleAfter != 2*time.Minute {
		t.Errorf("tracking.stale_after = %s, want 2m", cfg.Tracking.StaleAfter)
	}
	if len(cfg.Security.CORSOrigins) != 2 || cfg.Security.CORSOrigins[0] != "https://a.example" {
		t.Errorf("security.cors_origins = %v", cfg.Security.CORSOrigins)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadUnknownEnvIgnored(t *testing.T) {
	t.Setenv("FIELDTRACK_NO_SUCH_KEY", "boom")
	t.Setenv("PATH_LIKE_NOISE", "whatever")

	if _, err := Load(); err != nil {
		t.Fatalf("Load failed with unrelated env vars: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("server:\n  port: 8800\ntracking:\n  max_clients: 3\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8800 {
		t.Errorf("server.port = %d, want 8800", cfg.Server.Port)
	}
	if cfg.Tracking.MaxClients != 3 {
		t.Errorf("tracking.max_clients = %d, want 3", cfg.Tracking.MaxClients)
	}
	// Untouched values keep their defaults.
	if cfg.Tracking.SweepInterval != 30*time.Second {
		t.Errorf("tracking.sweep_interval = %s, want default 30s", cfg.Tracking.SweepInterval)
	}
}

func TestEnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8800\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("FIELDTRACK_PORT", "9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("server.port = %d, want env override 9100", cfg.Server.Port)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero max clients", func(c *Config) { c.Tracking.MaxClients = 0 }},
		{"zero stale after", func(c *Config) { c.Tracking.StaleAfter = 0 }},
		{"zero sweep interval", func(c *Config) { c.Tracking.SweepInterval = 0 }},
		{"tiny message size", func(c *Config) { c.Tracking.MaxMessageSize = 100 }},
		{"zero send buffer", func(c *Config) { c.Tracking.SendBuffer = 0 }},
		{"cert without key", func(c *Config) { c.Server.TLSCert = "/tmp/cert.pem" }},
		{"zero storage queue", func(c *Config) { c.Storage.QueueSize = 0 }},
		{"zero client queue", func(c *Config) { c.Client.QueueCapacity = 0 }},
		{"zero drain batch", func(c *Config) { c.Client.DrainBatchSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}
