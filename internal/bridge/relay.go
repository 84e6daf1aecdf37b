package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/voxscreen/voicegate/internal/broker"
	"github.com/voxscreen/voicegate/internal/domain"
	"github.com/voxscreen/voicegate/internal/session"
)

// frame is one WebSocket message relayed verbatim.
type frame struct {
	typ  websocket.MessageType
	data []byte
}

// errBackpressure signals that a bounded outbound queue is full. Audio
// is a realtime stream: the session is dropped rather than buffered
// without bound.
var errBackpressure = errors.New("outbound queue full")

func tryEnqueue(q chan frame, f frame) error {
	select {
	case q <- f:
		return nil
	default:
		return errBackpressure
	}
}

// controlMessage is the JSON envelope for client control frames the
// bridge handles locally. Anything else is forwarded opaquely.
type controlMessage struct {
	Type        string                `json:"type"`
	Config      *broker.SessionConfig `json:"config,omitempty"`
	ScreeningID string                `json:"screening_id,omitempty"`
}

const screeningLookupTimeout = 2 * time.Second

// clientReadLoop pumps client frames toward the upstream queue,
// handling local control messages along the way.
func (b *bridge) clientReadLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		typ, data, err := b.client.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // teardown already in progress
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				slog.Debug("Client closed cleanly", "session_id", b.sessionID)
				b.finalizeGraceful()
			} else {
				slog.Debug("Client read error", "error", err, "session_id", b.sessionID)
				b.finalize(domain.StateError, domain.ErrCodeClientDisconnected)
			}
			return
		}

		b.touch()

		if typ == websocket.MessageText && b.handleControl(ctx, data) {
			continue
		}

		if err := tryEnqueue(b.toUpstream, frame{typ, data}); err != nil {
			slog.Warn("Client-to-upstream queue overflow", "session_id", b.sessionID)
			b.finalize(domain.StateError, domain.ErrCodeBackpressureExceeded)
			return
		}
	}
}

// handleControl returns true when the frame was consumed locally.
func (b *bridge) handleControl(ctx context.Context, data []byte) bool {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// Not a recognized envelope; forward raw.
		return false
	}

	switch msg.Type {
	case "session.config":
		if b.active.Load() {
			// Post-ACTIVE reconfiguration belongs to the upstream protocol.
			return false
		}
		if msg.Config != nil {
			select {
			case b.configCh <- *msg.Config:
			default:
			}
		}
		return true

	case "session.link_screening":
		b.linkScreening(ctx, msg.ScreeningID)
		return true

	case "session.end":
		slog.Info("Client ended session", "session_id", b.sessionID)
		b.finalizeGraceful()
		return true

	case "ping":
		b.enqueueClientJSON(map[string]string{"type": "pong"})
		return true
	}

	return false
}

func (b *bridge) linkScreening(ctx context.Context, screeningID string) {
	if screeningID == "" {
		b.enqueueClientJSON(map[string]string{"type": "error", "error": "screening_id required"})
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, screeningLookupTimeout)
	defer cancel()

	exists, err := b.repo.ScreeningExists(lookupCtx, screeningID)
	if err != nil {
		slog.Warn("Screening lookup failed", "error", err, "session_id", b.sessionID)
		b.enqueueClientJSON(map[string]string{"type": "error", "error": "screening lookup failed"})
		return
	}
	if !exists {
		b.enqueueClientJSON(map[string]string{"type": "error", "error": "unknown screening"})
		return
	}

	if err := b.registry.LinkScreening(b.sessionID, screeningID); err != nil {
		if errors.Is(err, session.ErrAlreadyLinked) {
			b.enqueueClientJSON(map[string]string{"type": "error", "error": "screening already linked"})
		} else {
			slog.Warn("Failed to link screening", "error", err, "session_id", b.sessionID)
			b.enqueueClientJSON(map[string]string{"type": "error", "error": "link failed"})
		}
		return
	}

	slog.Info("Screening linked", "session_id", b.sessionID, "screening_id", screeningID)
	b.enqueueClientJSON(map[string]string{"type": "session.screening_linked", "screening_id": screeningID})
}

// clientWriteLoop is the only writer to the client socket.
func (b *bridge) clientWriteLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.toClient:
			if err := b.client.Write(ctx, f.typ, f.data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Client write error", "error", err, "session_id", b.sessionID)
					b.finalize(domain.StateError, domain.ErrCodeClientDisconnected)
				}
				return
			}
		}
	}
}

// upstreamReadLoop pumps upstream frames toward the client queue. Any
// upstream-side close, clean or not, is terminal for the session.
func (b *bridge) upstreamReadLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		typ, data, err := b.upstream.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("Upstream closed", "error", err, "session_id", b.sessionID)
			b.finalize(domain.StateError, domain.ErrCodeUpstreamClosed)
			return
		}

		b.touch()

		if err := tryEnqueue(b.toClient, frame{typ, data}); err != nil {
			slog.Warn("Upstream-to-client queue overflow", "session_id", b.sessionID)
			b.finalize(domain.StateError, domain.ErrCodeBackpressureExceeded)
			return
		}
	}
}

// upstreamWriteLoop is the only writer to the upstream socket.
func (b *bridge) upstreamWriteLoop(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-b.toUpstream:
			if err := b.upstream.Write(ctx, f.typ, f.data); err != nil {
				if ctx.Err() == nil {
					slog.Debug("Upstream write error", "error", err, "session_id", b.sessionID)
					b.finalize(domain.StateError, domain.ErrCodeUpstreamClosed)
				}
				return
			}
		}
	}
}

func (b *bridge) enqueueClientJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode control reply", "error", err, "session_id", b.sessionID)
		return
	}
	if err := tryEnqueue(b.toClient, frame{websocket.MessageText, data}); err != nil {
		b.finalize(domain.StateError, domain.ErrCodeBackpressureExceeded)
	}
}
