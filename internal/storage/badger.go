// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/kestrelgeo/fieldtrack/internal/config"
)

// Key prefixes. Records are append-only except devices, which upsert.
const (
	prefixTelemetry = "telemetry/"
	prefixWaypoint  = "waypoint/"
	prefixAlert     = "alert/"
	prefixDevice    = "device/"
)

// BadgerSink persists records to an embedded Badger store. Values are JSON;
// keys encode the record kind, owner, and receive time so the historical
// query API can range-scan per user without secondary indexes.
type BadgerSink struct {
	db *badger.DB
}

// NewBadgerSink opens (or creates) the store at cfg.Path. With
// cfg.InMemory set, nothing touches disk.
func NewBadgerSink(cfg config.StorageConfig) (*BadgerSink, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	// Badger's default logger writes through stdlib log; route it nowhere
	// and rely on the error returns instead.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

// RecordTelemetry appends one telemetry sample.
func (s *BadgerSink) RecordTelemetry(_ context.Context, rec TelemetryRecord) error {
	key := prefixTelemetry + rec.UserID + "/" + strconv.FormatInt(rec.ReceivedAt.UnixNano(), 10)
	return s.put(key, rec)
}

// RecordWaypoint stores one waypoint under its ID.
func (s *BadgerSink) RecordWaypoint(_ context.Context, rec WaypointRecord) error {
	return s.put(prefixWaypoint+rec.WaypointID, rec)
}

// RecordAlert appends one emergency alert.
func (s *BadgerSink) RecordAlert(_ context.Context, rec AlertRecord) error {
	key := prefixAlert + rec.UserID + "/" + strconv.FormatInt(rec.RaisedAt.UnixNano(), 10)
	return s.put(key, rec)
}

// UpsertDevice overwrites the registration for the device.
func (s *BadgerSink) UpsertDevice(_ context.Context, rec DeviceRecord) error {
	return s.put(prefixDevice+rec.DeviceID, rec)
}

func (s *BadgerSink) put(key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), b)
	})
	if err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the store.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}
