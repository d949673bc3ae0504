// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package client

import (
	"sync"
)

// OfflineQueue buffers encoded frames while the transport is down. It is
// a bounded FIFO with drop-oldest backpressure: keeping a full position
// history is not the queue's job, holding the most recent capacity-many
// events is.
type OfflineQueue struct {
	mu       sync.Mutex
	entries  [][]byte
	capacity int
	dropped  uint64
}

// NewOfflineQueue creates a queue bounded at capacity entries.
func NewOfflineQueue(capacity int) *OfflineQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &OfflineQueue{
		entries:  make([][]byte, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a frame, silently dropping the oldest entry when full.
func (q *OfflineQueue) Push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		drop := len(q.entries) - q.capacity + 1
		q.entries = q.entries[drop:]
		q.dropped += uint64(drop)
	}
	q.entries = append(q.entries, frame)
}

// PopBatch removes and returns up to n frames in FIFO order. Returns nil
// when the queue is empty.
func (q *OfflineQueue) PopBatch(n int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 || n < 1 {
		return nil
	}
	if n > len(q.entries) {
		n = len(q.entries)
	}
	batch := make([][]byte, n)
	copy(batch, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	return batch
}

// Len returns the number of queued frames.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns how many frames were discarded to the bound.
func (q *OfflineQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
