// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package services

import (
	"context"
)

// ContextRunner matches components exposing a context-bound run loop.
// Satisfied by (*websocket.Hub).RunSweeper and (*storage.AsyncSink).Run
// without importing either package, which keeps the wiring acyclic.
type ContextRunner func(ctx context.Context) error

// RunnerService wraps a run function as a named suture service.
type RunnerService struct {
	run  ContextRunner
	name string
}

// NewSweeperService supervises the registry's stale-session sweep loop.
func NewSweeperService(run ContextRunner) *RunnerService {
	return &RunnerService{run: run, name: "session-sweeper"}
}

// NewStorageWriterService supervises the async persistence writer.
func NewStorageWriterService(run ContextRunner) *RunnerService {
	return &RunnerService{run: run, name: "storage-writer"}
}

// Serve implements suture.Service.
func (s *RunnerService) Serve(ctx context.Context) error {
	return s.run(ctx)
}

// String implements fmt.Stringer for suture's log messages.
func (s *RunnerService) String() string {
	return s.name
}
