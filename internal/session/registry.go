// Package session provides the in-process registry of live voice sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxscreen/voicegate/internal/domain"
)

var (
	// ErrNotFound is returned when a session ID is unknown to the registry.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned on any attempt to violate the
	// monotonic state ordering or its preconditions.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrAlreadyLinked is returned when a screening is linked to a
	// session that already has one.
	ErrAlreadyLinked = errors.New("session already linked to a screening")
)

// Registry is the single source of truth for live sessions. It holds
// the authoritative in-process copy of each session for the lifetime of
// its connection plus a bounded grace period after finalization.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

type entry struct {
	session     *domain.Session
	finalizedAt time.Time
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// Create allocates a new session for the given principal in the
// INITIALIZED state and returns a snapshot of it.
func (r *Registry) Create(principalID string) domain.Session {
	s := &domain.Session{
		SessionID:   uuid.NewString(),
		PrincipalID: principalID,
		State:       domain.StateInitialized,
		StartedAt:   r.now(),
	}

	r.mu.Lock()
	r.sessions[s.SessionID] = &entry{session: s}
	r.mu.Unlock()

	slog.Info("Session created", "session_id", s.SessionID, "principal_id", principalID)
	return *s
}

// Get returns a snapshot of the session, or ErrNotFound.
func (r *Registry) Get(sessionID string) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return *e.session, nil
}

// RecordCredential notes that an ephemeral credential with the given
// expiry has been issued for the session. This is the precondition for
// the ACTIVE transition. Fails on terminal sessions.
func (r *Registry) RecordCredential(sessionID string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.session.State.IsTerminal() {
		return fmt.Errorf("%w: credential recorded on %s session", ErrInvalidTransition, e.session.State)
	}
	e.session.CredentialExpiresAt = expiresAt
	return nil
}

// Transition moves the session to newState, enforcing the monotonic
// ordering INITIALIZED -> ACTIVE -> {COMPLETED, ERROR}. The ACTIVE
// transition additionally requires a previously recorded credential.
// Terminal transitions stamp the end time and duration and, for ERROR,
// the classifying code. Returns a snapshot of the updated session.
func (r *Registry) Transition(sessionID string, newState domain.SessionState, errorCode domain.ErrorCode) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	s := e.session

	if !s.State.CanTransitionTo(newState) {
		return domain.Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, newState)
	}
	if newState == domain.StateActive && !s.HasCredential() {
		return domain.Session{}, fmt.Errorf("%w: ACTIVE requires an issued credential", ErrInvalidTransition)
	}
	if newState == domain.StateError && errorCode == "" {
		return domain.Session{}, fmt.Errorf("%w: ERROR requires a classifying code", ErrInvalidTransition)
	}

	s.State = newState
	if newState == domain.StateError {
		s.ErrorCode = errorCode
	}
	if newState.IsTerminal() {
		now := r.now()
		s.EndedAt = now
		s.DurationSeconds = int64(now.Sub(s.StartedAt).Round(time.Second) / time.Second)
		e.finalizedAt = now
	}

	slog.Info("Session state transition",
		"session_id", sessionID,
		"state", newState,
		"error_code", string(s.ErrorCode))
	return *s, nil
}

// LinkScreening attaches a screening record to the session, at most
// once per session.
func (r *Registry) LinkScreening(sessionID, screeningID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.session.LinkedScreeningID != "" {
		return ErrAlreadyLinked
	}
	e.session.LinkedScreeningID = screeningID
	return nil
}

// LiveCount returns the number of sessions not yet finalized. Used by
// cleanup sweeps and the health endpoint.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.sessions {
		if !e.session.State.IsTerminal() {
			n++
		}
	}
	return n
}

// Size returns the total number of registry entries, including
// finalized sessions still inside their grace period.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// sweep evicts finalized sessions older than the grace period and
// returns how many were removed. The entries exist after finalization
// only to serve concurrent lookups during teardown.
func (r *Registry) sweep(grace time.Duration) int {
	cutoff := r.now().Add(-grace)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.sessions {
		if e.session.State.IsTerminal() && e.finalizedAt.Before(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// forceFinalize transitions sessions that outlived the absolute ceiling
// without ever reaching a terminal state. A bridge that is reaped or
// crashes mid-session leaves its entry behind; this is the safety net
// that finalizes it. Returns the finalized snapshots so the caller can
// hand them to the recorder.
func (r *Registry) forceFinalize(ceiling time.Duration) []domain.Session {
	cutoff := r.now().Add(-ceiling)

	r.mu.RLock()
	var stale []string
	for id, e := range r.sessions {
		if !e.session.State.IsTerminal() && e.session.StartedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	var forced []domain.Session
	for _, id := range stale {
		// A live bridge may finalize between the scan and this call;
		// the transition guard makes that race harmless.
		s, err := r.Transition(id, domain.StateError, domain.ErrCodeClientDisconnected)
		if err != nil {
			continue
		}
		slog.Warn("Force-finalized abandoned session",
			"session_id", s.SessionID,
			"principal_id", s.PrincipalID,
			"started_at", s.StartedAt)
		forced = append(forced, s)
	}
	return forced
}

// StartSweeper runs a background goroutine that periodically evicts
// finalized sessions past their grace period and force-finalizes
// abandoned sessions past the absolute ceiling. Forced sessions are
// passed to onForced so their lifecycle records still land.
func (r *Registry) StartSweeper(ctx context.Context, interval, grace, ceiling time.Duration, onForced func(domain.Session)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Registry sweeper started", "interval", interval, "grace", grace, "ceiling", ceiling)

		for {
			select {
			case <-ticker.C:
				for _, s := range r.forceFinalize(ceiling) {
					if onForced != nil {
						onForced(s)
					}
				}
				if removed := r.sweep(grace); removed > 0 {
					slog.Info("Registry sweeper evicted finalized sessions", "count", removed)
				}
			case <-ctx.Done():
				slog.Info("Registry sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
