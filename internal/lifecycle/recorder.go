// Package lifecycle hands finalized sessions off to durable storage.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxscreen/voicegate/internal/domain"
	"github.com/voxscreen/voicegate/internal/shared"
	"github.com/voxscreen/voicegate/internal/store"
)

// Recorder writes session finalize events to the persistence
// collaborator. Writes are retried a bounded number of times; a record
// that still cannot be written is dropped with a logged warning, since
// the connection it describes is already closed.
type Recorder struct {
	repo       store.Repository
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
}

// NewRecorder creates a recorder backed by the given repository.
func NewRecorder(repo store.Repository) *Recorder {
	return &Recorder{
		repo:       repo,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		timeout:    10 * time.Second,
	}
}

// Record persists the finalize event for a terminal session. It uses
// its own deadline rather than the connection context, which is dead by
// the time finalization runs.
func (r *Recorder) Record(s domain.Session) error {
	if !s.State.IsTerminal() {
		return fmt.Errorf("record lifecycle: session %s is not terminal (%s)", s.SessionID, s.State)
	}

	rec := &store.LifecycleRecord{
		SessionID:         s.SessionID,
		PrincipalID:       s.PrincipalID,
		LinkedScreeningID: s.LinkedScreeningID,
		State:             s.State,
		DurationSeconds:   s.DurationSeconds,
		ErrorCode:         s.ErrorCode,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var lastErr error
	for i := 0; i < r.maxRetries; i++ {
		lastErr = r.repo.RecordSessionLifecycle(ctx, rec)
		if lastErr == nil {
			slog.Info("Session lifecycle recorded",
				"session_id", s.SessionID,
				"state", s.State,
				"duration_seconds", s.DurationSeconds,
				"error_code", string(s.ErrorCode))
			return nil
		}

		if i < r.maxRetries-1 {
			delay := r.baseDelay * time.Duration(1<<i)
			if shared.IsSQLiteConflictError(lastErr) {
				slog.Debug("Lifecycle write hit locked database, retrying",
					"session_id", s.SessionID, "attempt", i+1, "delay", delay)
			} else {
				slog.Debug("Lifecycle write failed, retrying",
					"session_id", s.SessionID, "attempt", i+1, "delay", delay, "error", lastErr)
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("record lifecycle for %s: %w", s.SessionID, ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	return fmt.Errorf("record lifecycle for %s after %d attempts: %w", s.SessionID, r.maxRetries, lastErr)
}

// RecordAsync runs Record in the background. Losing a lifecycle record
// must never block or crash an already-closed connection's teardown, so
// failures are logged and dropped here.
func (r *Recorder) RecordAsync(s domain.Session) {
	go func() {
		if err := r.Record(s); err != nil {
			slog.Warn("Dropping session lifecycle record", "session_id", s.SessionID, "error", err)
		}
	}()
}
