// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/voxscreen/voicegate/internal/domain"
)

// LifecycleRecord is the durable historical record of a finalized
// session. Credential values are never part of it.
type LifecycleRecord struct {
	SessionID         string              `json:"session_id"`
	PrincipalID       string              `json:"principal_id"`
	LinkedScreeningID string              `json:"linked_screening_id,omitempty"`
	State             domain.SessionState `json:"state"`
	DurationSeconds   int64               `json:"duration_seconds"`
	ErrorCode         domain.ErrorCode    `json:"error_code,omitempty"`
	StartedAt         time.Time           `json:"started_at"`
	EndedAt           time.Time           `json:"ended_at"`
}

// Repository defines the interface to the persistence collaborator.
type Repository interface {
	// RecordSessionLifecycle writes the finalize event for a session.
	// The write is idempotent per session ID so bounded retries are safe.
	RecordSessionLifecycle(ctx context.Context, rec *LifecycleRecord) error

	// GetSessionRecord retrieves the durable record for a session, or
	// nil if none was recorded.
	GetSessionRecord(ctx context.Context, sessionID string) (*LifecycleRecord, error)

	// ScreeningExists reports whether a screening record exists. Used to
	// validate linkScreening targets.
	ScreeningExists(ctx context.Context, screeningID string) (bool, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
