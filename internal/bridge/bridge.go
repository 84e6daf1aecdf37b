// Package bridge relays realtime voice sessions between a client
// WebSocket and the upstream provider's realtime WebSocket.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/voxscreen/voicegate/internal/auth"
	"github.com/voxscreen/voicegate/internal/broker"
	"github.com/voxscreen/voicegate/internal/domain"
	"github.com/voxscreen/voicegate/internal/lifecycle"
	"github.com/voxscreen/voicegate/internal/session"
	"github.com/voxscreen/voicegate/internal/store"
)

// CredentialSource issues ephemeral upstream credentials for a session.
type CredentialSource interface {
	Obtain(ctx context.Context, sessionID string, cfg broker.SessionConfig) (*domain.EphemeralCredential, error)
}

// Options tunes the per-connection relay.
type Options struct {
	UpstreamURL        string
	IdleTimeout        time.Duration
	MaxSessionDuration time.Duration
	QueueSize          int
	RefreshMargin      time.Duration
	ConfigWait         time.Duration
	DialTimeout        time.Duration
	DefaultModel       string
	DefaultVoice       string
}

// Handler accepts client WebSocket connections and runs one bridge per
// connection. Auth middleware must run before it: the upgrade is never
// attempted for unauthenticated requests and no session is allocated.
type Handler struct {
	registry *session.Registry
	creds    CredentialSource
	recorder *lifecycle.Recorder
	repo     store.Repository
	opts     Options
}

// NewHandler creates the WebSocket bridge handler.
func NewHandler(registry *session.Registry, creds CredentialSource, recorder *lifecycle.Recorder, repo store.Repository, opts Options) *Handler {
	return &Handler{
		registry: registry,
		creds:    creds,
		recorder: recorder,
		repo:     repo,
		opts:     opts,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principalID := auth.PrincipalFromContext(r.Context())
	if principalID == "" {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	sess := h.registry.Create(principalID)
	slog.Info("Voice connection request", "session_id", sess.SessionID, "principal_id", principalID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sess.SessionID)
		if snap, terr := h.registry.Transition(sess.SessionID, domain.StateError, domain.ErrCodeProtocolViolation); terr == nil {
			h.recorder.RecordAsync(snap)
		}
		return
	}

	b := &bridge{
		sessionID:  sess.SessionID,
		registry:   h.registry,
		creds:      h.creds,
		recorder:   h.recorder,
		repo:       h.repo,
		opts:       h.opts,
		client:     ws,
		startedAt:  time.Now(),
		toUpstream: make(chan frame, h.opts.QueueSize),
		toClient:   make(chan frame, h.opts.QueueSize),
		configCh:   make(chan broker.SessionConfig, 1),
	}
	b.touch()
	b.run(r.Context())
	slog.Info("Voice session ended", "session_id", sess.SessionID)
}

// bridge is the per-connection state machine. Its state mirrors the
// registry's session state; the registry stays authoritative.
type bridge struct {
	sessionID string
	registry  *session.Registry
	creds     CredentialSource
	recorder  *lifecycle.Recorder
	repo      store.Repository
	opts      Options

	client *websocket.Conn

	// upMu guards upstream, which is assigned mid-setup and read by the
	// teardown path from other goroutines.
	upMu     sync.Mutex
	upstream *websocket.Conn

	startedAt    time.Time
	toUpstream   chan frame
	toClient     chan frame
	configCh     chan broker.SessionConfig
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	finalizeOnce sync.Once

	active       atomic.Bool
	lastActivity atomic.Int64 // unix nanos
	refreshing   atomic.Bool

	credMu sync.Mutex
	cred   *domain.EphemeralCredential
	cfg    broker.SessionConfig
}

func (b *bridge) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	b.cancel = cancel
	defer cancel()

	// The client loops start before the upstream leg exists so that a
	// session.config frame, pings, and early audio (buffered in the
	// bounded queue) are handled during setup.
	b.wg.Add(2)
	go b.clientReadLoop(ctx)
	go b.clientWriteLoop(ctx)

	cfg := b.awaitConfig(ctx)
	b.credMu.Lock()
	b.cfg = cfg
	b.credMu.Unlock()

	cred, err := b.creds.Obtain(ctx, b.sessionID, cfg)
	if err != nil {
		slog.Warn("Credential issuance failed", "error", err, "session_id", b.sessionID)
		b.finalize(domain.StateError, domain.ErrCodeCredentialFailed)
		b.wg.Wait()
		return
	}
	b.setCredential(cred)
	if err := b.registry.RecordCredential(b.sessionID, cred.ExpiresAt); err != nil {
		// Session was finalized while the credential was in flight.
		b.finalize(domain.StateError, domain.ErrCodeClientDisconnected)
		b.wg.Wait()
		return
	}

	up, err := b.dialUpstream(ctx, cred, cfg)
	if err != nil {
		slog.Warn("Upstream dial failed", "error", err, "session_id", b.sessionID)
		b.finalize(domain.StateError, domain.ErrCodeUpstreamClosed)
		b.wg.Wait()
		return
	}
	b.upMu.Lock()
	b.upstream = up
	b.upMu.Unlock()

	if _, err := b.registry.Transition(b.sessionID, domain.StateActive, ""); err != nil {
		slog.Warn("Session finalized during setup", "error", err, "session_id", b.sessionID)
		_ = up.Close(websocket.StatusNormalClosure, "session ended")
		b.wg.Wait()
		return
	}
	b.active.Store(true)
	b.enqueueClientJSON(map[string]string{
		"type":                "session.ready",
		"session_id":          b.sessionID,
		"upstream_session_id": cred.UpstreamSessionID,
	})

	b.wg.Add(3)
	go b.upstreamReadLoop(ctx)
	go b.upstreamWriteLoop(ctx)
	go b.watchdog(ctx)

	b.wg.Wait()
}

// awaitConfig waits briefly for the client's session.config frame and
// falls back to configured defaults so a client that leads with audio
// is not stalled.
func (b *bridge) awaitConfig(ctx context.Context) broker.SessionConfig {
	cfg := broker.SessionConfig{
		Type:        "realtime",
		Model:       b.opts.DefaultModel,
		OutputVoice: b.opts.DefaultVoice,
	}

	timer := time.NewTimer(b.opts.ConfigWait)
	defer timer.Stop()

	select {
	case c := <-b.configCh:
		if c.Type != "" {
			cfg.Type = c.Type
		}
		if c.Model != "" {
			cfg.Model = c.Model
		}
		if c.OutputVoice != "" {
			cfg.OutputVoice = c.OutputVoice
		}
		cfg.Instructions = c.Instructions
	case <-timer.C:
	case <-ctx.Done():
	}
	return cfg
}

func (b *bridge) dialUpstream(ctx context.Context, cred *domain.EphemeralCredential, cfg broker.SessionConfig) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, b.opts.DialTimeout)
	defer cancel()

	u := b.opts.UpstreamURL
	if cfg.Model != "" {
		u += "?model=" + url.QueryEscape(cfg.Model)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)

	conn, _, err := websocket.Dial(dialCtx, u, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}
	return conn, nil
}

func (b *bridge) setCredential(cred *domain.EphemeralCredential) {
	b.credMu.Lock()
	b.cred = cred
	b.credMu.Unlock()
}

func (b *bridge) credential() (*domain.EphemeralCredential, broker.SessionConfig) {
	b.credMu.Lock()
	defer b.credMu.Unlock()
	return b.cred, b.cfg
}

func (b *bridge) touch() {
	b.lastActivity.Store(time.Now().UnixNano())
}

func (b *bridge) idleFor() time.Duration {
	return time.Since(time.Unix(0, b.lastActivity.Load()))
}

// watchdog enforces the idle and absolute timeouts and triggers
// proactive credential refresh near expiry.
func (b *bridge) watchdog(ctx context.Context) {
	defer b.wg.Done()

	tick := b.opts.IdleTimeout / 4
	if tick < 25*time.Millisecond {
		tick = 25 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	deadline := b.startedAt.Add(b.opts.MaxSessionDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.After(deadline) {
				slog.Info("Session reached absolute duration ceiling", "session_id", b.sessionID)
				b.finalize(domain.StateCompleted, "")
				return
			}
			if b.idleFor() > b.opts.IdleTimeout {
				slog.Info("Session idle timeout", "session_id", b.sessionID)
				b.finalize(domain.StateCompleted, "")
				return
			}
			if cred, cfg := b.credential(); cred != nil && cred.NeedsRefresh(now, b.opts.RefreshMargin) {
				b.refreshCredential(ctx, cfg)
			}
		}
	}
}

// refreshCredential re-mints the session's credential in the
// background so a reconnect never has to wait on issuance. The flowing
// upstream socket is untouched.
func (b *bridge) refreshCredential(ctx context.Context, cfg broker.SessionConfig) {
	if !b.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer b.refreshing.Store(false)

		cred, err := b.creds.Obtain(ctx, b.sessionID, cfg)
		if err != nil {
			slog.Warn("Credential refresh failed", "error", err, "session_id", b.sessionID)
			return
		}
		b.setCredential(cred)
		if err := b.registry.RecordCredential(b.sessionID, cred.ExpiresAt); err != nil {
			slog.Debug("Session finalized before refreshed credential landed", "session_id", b.sessionID)
			return
		}
		slog.Info("Credential refreshed", "session_id", b.sessionID, "expires_at", cred.ExpiresAt)
	}()
}

// finalizeGraceful finalizes a client-initiated clean close: COMPLETED
// when the session made it to ACTIVE, CLIENT_DISCONNECTED otherwise.
func (b *bridge) finalizeGraceful() {
	if snap, err := b.registry.Get(b.sessionID); err == nil && snap.State == domain.StateActive {
		b.finalize(domain.StateCompleted, "")
		return
	}
	b.finalize(domain.StateError, domain.ErrCodeClientDisconnected)
}

// finalize runs the single teardown path: cancel both relay loops,
// transition the session, close both sockets with a descriptive
// reason, and hand the record off for persistence.
func (b *bridge) finalize(state domain.SessionState, code domain.ErrorCode) {
	b.finalizeOnce.Do(func() {
		snap, err := b.registry.Transition(b.sessionID, state, code)
		if err != nil {
			slog.Error("Invalid transition during finalize, forcing ERROR",
				"error", err, "session_id", b.sessionID, "state", state)
			snap, err = b.registry.Transition(b.sessionID, domain.StateError, domain.ErrCodeProtocolViolation)
			if err != nil {
				// Already terminal; another actor finalized and recorded it.
				b.closeSockets(domain.StateError, domain.ErrCodeProtocolViolation)
				b.cancel()
				return
			}
		}

		// Record first: losing the close handshake must never lose the
		// lifecycle record. The close reason carries the error code to
		// the client, then cancellation reaps both relay loops.
		b.recorder.RecordAsync(snap)
		b.closeSockets(snap.State, snap.ErrorCode)
		b.cancel()
	})
}

func (b *bridge) closeSockets(state domain.SessionState, code domain.ErrorCode) {
	if state == domain.StateCompleted {
		_ = b.client.Close(websocket.StatusNormalClosure, "session complete")
	} else {
		_ = b.client.Close(websocket.StatusInternalError, string(code))
	}
	b.upMu.Lock()
	up := b.upstream
	b.upMu.Unlock()
	if up != nil {
		_ = up.Close(websocket.StatusNormalClosure, "session ended")
	}
}
