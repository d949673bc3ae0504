// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

// Package config holds all application configuration for the Fieldtrack
// server and the field tracker client.
//
// Configuration Loading Order (Koanf v2, highest priority wins):
//  1. Environment variables (FIELDTRACK_* or the short names in koanf.go)
//  2. Config file (config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for both server and tracker binaries.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Tracking TrackingConfig `koanf:"tracking"`
	Storage  StorageConfig  `koanf:"storage"`
	Security SecurityConfig `koanf:"security"`
	Logging  LoggingConfig  `koanf:"logging"`
	Client   ClientConfig   `koanf:"client"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	// Host is the bind address. Default 0.0.0.0.
	Host string `koanf:"host"`

	// Port is the listen port. Default 8445.
	Port int `koanf:"port"`

	// ReadTimeout/WriteTimeout apply to the plain HTTP endpoints only;
	// websocket connections manage their own deadlines.
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// TLSCert and TLSKey enable direct TLS when both are set. In the usual
	// deployment nginx terminates TLS; direct TLS supports standalone field
	// servers with no reverse proxy in front.
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
}

// TrackingConfig configures the real-time session layer.
type TrackingConfig struct {
	// MaxClients is the maximum number of concurrently authenticated
	// sessions. Admission is checked before the handshake. Default 5.
	MaxClients int `koanf:"max_clients"`

	// StaleAfter is the inactivity window after which a session is swept.
	// Default 5m.
	StaleAfter time.Duration `koanf:"stale_after"`

	// SweepInterval is how often the stale-session sweep runs. Default 30s.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// PongTimeout is how long to wait for a pong after a ping before the
	// session is considered a sweep candidate. Default 5s.
	PongTimeout time.Duration `koanf:"pong_timeout"`

	// PingInterval is the server-side heartbeat cadence. Default 30s.
	PingInterval time.Duration `koanf:"ping_interval"`

	// MaxMessageSize is the largest accepted inbound frame in bytes.
	// Oversized frames are rejected at the transport, before the codec.
	// Default 16384 (16 KiB).
	MaxMessageSize int64 `koanf:"max_message_size"`

	// SendBuffer is the per-session outbound queue length. A recipient
	// whose buffer is full misses the message (best-effort delivery).
	// Default 64.
	SendBuffer int `koanf:"send_buffer"`

	// InboundRate and InboundBurst bound per-session inbound message
	// throughput. Excess messages receive a local error response.
	InboundRate  float64 `koanf:"inbound_rate"`
	InboundBurst int     `koanf:"inbound_burst"`
}

// StorageConfig configures the persistence sink.
type StorageConfig struct {
	// Path is the Badger database directory. Default /data/fieldtrack.
	Path string `koanf:"path"`

	// InMemory runs Badger without disk persistence. For tests and drills.
	InMemory bool `koanf:"in_memory"`

	// QueueSize is the async write queue capacity. Writes beyond it are
	// dropped with a warning; the real-time path never blocks on storage.
	// Default 1024.
	QueueSize int `koanf:"queue_size"`
}

// SecurityConfig configures transport-adjacent policy.
type SecurityConfig struct {
	// CORSOrigins lists allowed browser origins for the PWA. Default ["*"].
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs/RateLimitWindow bound HTTP requests per client IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ClientConfig configures the field tracker client (cmd/tracker).
type ClientConfig struct {
	// ServerURL is the websocket endpoint, e.g. wss://host:8445/ws.
	ServerURL string `koanf:"server_url"`

	// UserID and DeviceID identify the operator and device.
	UserID   string `koanf:"user_id"`
	DeviceID string `koanf:"device_id"`

	// BaseInterval is the operator-configured telemetry interval before
	// adaptive scaling. Default 30s.
	BaseInterval time.Duration `koanf:"base_interval"`

	// MaxReconnectAttempts bounds the reconnect loop before the failure is
	// surfaced to the operator. Default 10.
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts"`

	// ReconnectBaseDelay is the first backoff delay; each attempt doubles.
	// Default 1s.
	ReconnectBaseDelay time.Duration `koanf:"reconnect_base_delay"`

	// QueueCapacity is the offline telemetry queue bound. Default 100.
	QueueCapacity int `koanf:"queue_capacity"`

	// DrainBatchSize and DrainDelay pace the offline-queue replay after a
	// reconnect so the just-restored link is not saturated.
	DrainBatchSize int           `koanf:"drain_batch_size"`
	DrainDelay     time.Duration `koanf:"drain_delay"`
}

// Validate checks configuration consistency. Called by Load after all
// layers are merged.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Tracking.MaxClients < 1 {
		return fmt.Errorf("tracking.max_clients must be positive, got %d", c.Tracking.MaxClients)
	}
	if c.Tracking.StaleAfter <= 0 {
		return fmt.Errorf("tracking.stale_after must be positive, got %s", c.Tracking.StaleAfter)
	}
	if c.Tracking.SweepInterval <= 0 {
		return fmt.Errorf("tracking.sweep_interval must be positive, got %s", c.Tracking.SweepInterval)
	}
	if c.Tracking.MaxMessageSize < 512 {
		return fmt.Errorf("tracking.max_message_size must be at least 512 bytes, got %d", c.Tracking.MaxMessageSize)
	}
	if c.Tracking.SendBuffer < 1 {
		return fmt.Errorf("tracking.send_buffer must be positive, got %d", c.Tracking.SendBuffer)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if c.Storage.QueueSize < 1 {
		return fmt.Errorf("storage.queue_size must be positive, got %d", c.Storage.QueueSize)
	}
	if c.Client.QueueCapacity < 1 {
		return fmt.Errorf("client.queue_capacity must be positive, got %d", c.Client.QueueCapacity)
	}
	if c.Client.DrainBatchSize < 1 {
		return fmt.Errorf("client.drain_batch_size must be positive, got %d", c.Client.DrainBatchSize)
	}
	return nil
}

// ListenAddr returns the host:port bind address for the HTTP server.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether direct TLS is configured.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
