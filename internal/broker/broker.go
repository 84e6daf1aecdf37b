// Package broker obtains ephemeral credentials from the upstream
// realtime provider. Credentials are single-session-scoped and never
// cached across sessions.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voxscreen/voicegate/internal/domain"
)

var (
	// ErrUpstreamUnavailable indicates the issuance endpoint could not
	// be reached or answered with a server-side failure.
	ErrUpstreamUnavailable = errors.New("upstream credential endpoint unavailable")

	// ErrIssuanceFailed indicates the endpoint answered but the
	// response was rejected (malformed, expired, or denied).
	ErrIssuanceFailed = errors.New("credential issuance failed")
)

// SessionConfig is the recognized configuration for a realtime session.
type SessionConfig struct {
	Type         string `json:"session_type"` // "realtime" or "transcription"
	Model        string `json:"model"`
	OutputVoice  string `json:"output_voice"`
	Instructions string `json:"instructions,omitempty"`
}

// Broker exchanges the server's long-lived API key for short-lived
// session credentials at the provider's token-issuance endpoint.
type Broker struct {
	client  *http.Client
	baseURL string
	apiKey  string
	timeout time.Duration
	now     func() time.Time
}

// New creates a credential broker for the given issuance endpoint.
func New(baseURL, apiKey string, timeout time.Duration) *Broker {
	return &Broker{
		client:  &http.Client{},
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		now:     time.Now,
	}
}

type issuanceResponse struct {
	CredentialValue   string `json:"credential_value"`
	ExpiresAt         int64  `json:"expires_at"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
}

// Obtain requests an ephemeral credential for the session. The call is
// synchronous with a bounded timeout. The credential value is never
// logged.
func (b *Broker) Obtain(ctx context.Context, sessionID string, cfg SessionConfig) (*domain.EphemeralCredential, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrIssuanceFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/realtime/sessions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrIssuanceFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d", ErrIssuanceFailed, resp.StatusCode)
	}

	var issued issuanceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&issued); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrIssuanceFailed, err)
	}
	if issued.CredentialValue == "" {
		return nil, fmt.Errorf("%w: response missing credential value", ErrIssuanceFailed)
	}

	expiresAt := time.Unix(issued.ExpiresAt, 0)
	if !expiresAt.After(b.now()) {
		return nil, fmt.Errorf("%w: credential already expired at issuance", ErrIssuanceFailed)
	}

	slog.Info("Ephemeral credential issued",
		"session_id", sessionID,
		"expires_at", expiresAt,
		"upstream_session_id", issued.UpstreamSessionID)

	return &domain.EphemeralCredential{
		Value:             issued.CredentialValue,
		ExpiresAt:         expiresAt,
		IssuedForSession:  sessionID,
		UpstreamSessionID: issued.UpstreamSessionID,
	}, nil
}
