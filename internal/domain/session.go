// Package domain contains core domain types for the voicegate proxy.
package domain

import (
	"time"
)

// SessionState is the lifecycle state of a realtime voice session.
type SessionState string

const (
	StateInitialized SessionState = "INITIALIZED"
	StateActive      SessionState = "ACTIVE"
	StateCompleted   SessionState = "COMPLETED"
	StateError       SessionState = "ERROR"
)

// IsTerminal returns true for states that admit no further transitions.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// CanTransitionTo reports whether the monotonic state ordering permits
// moving from s to next. Terminal states never transition.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	switch s {
	case StateInitialized:
		return next == StateActive || next == StateError
	case StateActive:
		return next == StateCompleted || next == StateError
	default:
		return false
	}
}

// ErrorCode classifies why a session finalized as ERROR.
type ErrorCode string

const (
	ErrCodeCredentialFailed     ErrorCode = "CREDENTIAL_FAILED"
	ErrCodeUpstreamClosed       ErrorCode = "UPSTREAM_CLOSED"
	ErrCodeClientDisconnected   ErrorCode = "CLIENT_DISCONNECTED"
	ErrCodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	ErrCodeBackpressureExceeded ErrorCode = "BACKPRESSURE_EXCEEDED"
)

// Session represents one client WebSocket connection to the proxy.
// The session registry owns the authoritative copy; all mutation goes
// through its guarded operations.
type Session struct {
	SessionID         string       `json:"session_id"`
	PrincipalID       string       `json:"principal_id"`
	LinkedScreeningID string       `json:"linked_screening_id,omitempty"`
	State             SessionState `json:"state"`
	ErrorCode         ErrorCode    `json:"error_code,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           time.Time    `json:"ended_at,omitzero"`
	DurationSeconds   int64        `json:"duration_seconds"`

	// CredentialExpiresAt is set once an ephemeral credential has been
	// issued for this session. A zero value means no credential yet,
	// which blocks the transition to ACTIVE.
	CredentialExpiresAt time.Time `json:"-"`
}

// HasCredential returns true if an ephemeral credential was recorded
// for this session.
func (s *Session) HasCredential() bool {
	return !s.CredentialExpiresAt.IsZero()
}

// EphemeralCredential is a short-lived secret minted by the upstream
// provider for exactly one session. Value must never be logged or
// persisted.
type EphemeralCredential struct {
	Value             string
	ExpiresAt         time.Time
	IssuedForSession  string
	UpstreamSessionID string
}

// Expired reports whether the credential is already unusable.
func (c *EphemeralCredential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether the credential is within margin of its
// expiry and a replacement should be fetched in the background.
func (c *EphemeralCredential) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}
