// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fieldtrack/config.yaml",
	"/etc/fieldtrack/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "FIELDTRACK_CONFIG"

// defaultConfig returns a Config with all defaults applied. These are the
// values named in the protocol and session-layer documentation; env vars
// and the config file override them.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8445,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracking: TrackingConfig{
			MaxClients:     5,
			StaleAfter:     5 * time.Minute,
			SweepInterval:  30 * time.Second,
			PongTimeout:    5 * time.Second,
			PingInterval:   30 * time.Second,
			MaxMessageSize: 16 * 1024,
			SendBuffer:     64,
			InboundRate:    20,
			InboundBurst:   40,
		},
		Storage: StorageConfig{
			Path:      "/data/fieldtrack",
			InMemory:  false,
			QueueSize: 1024,
		},
		Security: SecurityConfig{
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			ServerURL:            "ws://127.0.0.1:8445/ws",
			BaseInterval:         30 * time.Second,
			MaxReconnectAttempts: 10,
			ReconnectBaseDelay:   time.Second,
			QueueCapacity:        100,
			DrainBatchSize:       10,
			DrainDelay:           100 * time.Millisecond,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults from struct
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists config paths parsed as comma-separated slices when
// they arrive as strings from environment variables.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// the known slice fields. Env vars come in as strings, the config expects
// slices; YAML values are already slices and are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf paths.
// Only listed variables are honored; everything else in the environment is
// ignored, which keeps unrelated vars from landing in the config tree.
var envMappings = map[string]string{
	"fieldtrack_host":             "server.host",
	"fieldtrack_port":             "server.port",
	"fieldtrack_read_timeout":     "server.read_timeout",
	"fieldtrack_write_timeout":    "server.write_timeout",
	"fieldtrack_shutdown_timeout": "server.shutdown_timeout",
	"fieldtrack_tls_cert":         "server.tls_cert",
	"fieldtrack_tls_key":          "server.tls_key",

	"fieldtrack_max_clients":      "tracking.max_clients",
	"fieldtrack_stale_after":      "tracking.stale_after",
	"fieldtrack_sweep_interval":   "tracking.sweep_interval",
	"fieldtrack_pong_timeout":     "tracking.pong_timeout",
	"fieldtrack_ping_interval":    "tracking.ping_interval",
	"fieldtrack_max_message_size": "tracking.max_message_size",
	"fieldtrack_send_buffer":      "tracking.send_buffer",
	"fieldtrack_inbound_rate":     "tracking.inbound_rate",
	"fieldtrack_inbound_burst":    "tracking.inbound_burst",

	"fieldtrack_storage_path":       "storage.path",
	"fieldtrack_storage_in_memory":  "storage.in_memory",
	"fieldtrack_storage_queue_size": "storage.queue_size",

	"fieldtrack_cors_origins":      "security.cors_origins",
	"fieldtrack_rate_limit_reqs":   "security.rate_limit_reqs",
	"fieldtrack_rate_limit_window": "security.rate_limit_window",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"fieldtrack_server_url":             "client.server_url",
	"fieldtrack_user_id":                "client.user_id",
	"fieldtrack_device_id":              "client.device_id",
	"fieldtrack_base_interval":          "client.base_interval",
	"fieldtrack_max_reconnect_attempts": "client.max_reconnect_attempts",
	"fieldtrack_reconnect_base_delay":   "client.reconnect_base_delay",
	"fieldtrack_queue_capacity":         "client.queue_capacity",
	"fieldtrack_drain_batch_size":       "client.drain_batch_size",
	"fieldtrack_drain_delay":            "client.drain_delay",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unknown variables map to "" and are dropped by the env provider.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
