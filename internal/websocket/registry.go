// Fieldtrack - Tactical Team Location Tracking and Coordination
// Copyright 2026 K. Avery (kestrelgeo)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelgeo/fieldtrack

package websocket

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelgeo/fieldtrack/internal/metrics"
	"github.com/kestrelgeo/fieldtrack/internal/protocol"
)

var (
	// ErrRegistryFull means maxClients authenticated sessions exist.
	ErrRegistryFull = errors.New("registry holds the maximum number of authenticated sessions")

	// ErrAlreadyAuthenticated means the session identity is already bound.
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")

	// ErrSessionClosed means the session reached StateClosed.
	ErrSessionClosed = errors.New("session is closed")
)

// Registry is the single shared mutable resource of the session layer: the
// table of live sessions. All admission checks, identity assignment, and
// snapshot reads go through one mutex; fan-out delivery happens outside
// the lock so slow peers never block connects or disconnects.
//
// The Registry exclusively owns the session collection. Other components
// hold session references only within a single request's processing scope.
type Registry struct {
	mu         sync.Mutex
	sessions   map[uuid.UUID]*Session
	maxClients int
}

// NewRegistry creates an empty registry admitting at most maxClients
// authenticated sessions.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		sessions:   make(map[uuid.UUID]*Session),
		maxClients: maxClients,
	}
}

// Admit reports whether a new transport may proceed to handshake. Checked
// before any authentication exchange so a full server does not pay
// handshake cost for a connection it will drop.
func (r *Registry) Admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticatedLocked() < r.maxClients
}

// Add inserts a pending session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(total))
}

// Remove deletes the session. Returns false when it was already gone, so
// callers can keep disconnect side effects idempotent.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[s.id]
	if ok {
		delete(r.sessions, s.id)
	}
	total := len(r.sessions)
	auth := r.authenticatedLocked()
	r.mu.Unlock()

	metrics.SessionsActive.Set(float64(total))
	metrics.SessionsAuthenticated.Set(float64(auth))
	return ok
}

// Authenticate binds the identity to the session. The maxClients re-check
// happens under the same lock as the state transition, so the count of
// authenticated sessions can never exceed the bound even when several
// pending sessions authenticate concurrently.
func (r *Registry) Authenticate(s *Session, identity Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch s.stateQuick() {
	case StateClosed:
		return ErrSessionClosed
	case StateAuthenticated:
		return ErrAlreadyAuthenticated
	case StatePending:
	}

	// Transitions into StateAuthenticated only happen here, under r.mu,
	// so this count cannot be raced upward between check and commit.
	if r.authenticatedLocked() >= r.maxClients {
		return ErrRegistryFull
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateAuthenticated
	s.identity = &identity
	s.wasAuthenticated = true
	s.mu.Unlock()

	metrics.SessionsAuthenticated.Set(float64(r.authenticatedLocked()))
	return nil
}

// authenticatedLocked counts authenticated sessions. Caller holds r.mu.
func (r *Registry) authenticatedLocked() int {
	n := 0
	for _, s := range r.sessions {
		// Sessions removed on close, so StateAuthenticated here means live.
		if s.stateQuick() == StateAuthenticated {
			n++
		}
	}
	return n
}

// stateQuick reads the state with the session mutex. Split out so
// Authenticate, which already holds s.mu, does not re-enter it.
func (s *Session) stateQuick() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthenticatedCount returns the number of authenticated sessions.
func (r *Registry) AuthenticatedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authenticatedLocked()
}

// Len returns the total number of live sessions, pending included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Recipients snapshots the authenticated sessions, excluding the given
// originator (pass nil to include everyone). The slice is taken under the
// lock and delivered outside it.
func (r *Registry) Recipients(exclude *Session) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if exclude != nil && s.id == exclude.id {
			continue
		}
		if s.stateQuick() == StateAuthenticated {
			out = append(out, s)
		}
	}
	return out
}

// Snapshot derives the current team view: identity, last known location,
// and last-seen time for every authenticated session. Recomputed on
// demand; never cached beyond a single broadcast.
func (r *Registry) Snapshot() []protocol.TeamMember {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := make([]protocol.TeamMember, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.mu.Lock()
		if s.state != StateAuthenticated || s.identity == nil {
			s.mu.Unlock()
			continue
		}
		member := protocol.TeamMember{
			UserID:   s.identity.UserID,
			DeviceID: s.identity.DeviceID,
			LastSeen: time.Unix(0, s.lastActivity.Load()),
			Online:   true,
		}
		if s.lastLocation != nil {
			loc := *s.lastLocation
			member.Location = &loc
		}
		s.mu.Unlock()
		members = append(members, member)
	}

	// Stable order keeps snapshots comparable across broadcasts and tests.
	sort.Slice(members, func(i, j int) bool {
		return members[i].UserID < members[j].UserID
	})
	return members
}

// Stale returns the sweep candidates: sessions with no inbound activity
// since the cutoff, plus sessions whose last ping went unanswered past
// pongTimeout. The caller closes them outside the lock; each close
// produces the same side effects as a normal disconnect.
func (r *Registry) Stale(staleAfter, pongTimeout time.Duration) []*Session {
	cutoff := time.Now().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Session
	for _, s := range r.sessions {
		if s.LastActivity().Before(cutoff) || s.pongOverdue(pongTimeout) {
			stale = append(stale, s)
		}
	}
	return stale
}

// All returns every live session. Used at shutdown to close the fleet.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
