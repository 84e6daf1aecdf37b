package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/voxscreen/voicegate/internal/auth"
	"github.com/voxscreen/voicegate/internal/broker"
	"github.com/voxscreen/voicegate/internal/domain"
	"github.com/voxscreen/voicegate/internal/lifecycle"
	"github.com/voxscreen/voicegate/internal/session"
	"github.com/voxscreen/voicegate/internal/store"
)

// memRepo is an in-memory persistence collaborator for bridge tests.
type memRepo struct {
	mu         sync.Mutex
	records    map[string]*store.LifecycleRecord
	screenings map[string]bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		records:    make(map[string]*store.LifecycleRecord),
		screenings: make(map[string]bool),
	}
}

func (m *memRepo) RecordSessionLifecycle(_ context.Context, rec *store.LifecycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.SessionID] = &cp
	return nil
}

func (m *memRepo) GetSessionRecord(_ context.Context, sessionID string) (*store.LifecycleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[sessionID], nil
}

func (m *memRepo) ScreeningExists(_ context.Context, screeningID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenings[screeningID], nil
}

func (m *memRepo) Ping(context.Context) error { return nil }
func (m *memRepo) Close() error               { return nil }

// waitForRecord polls until any lifecycle record lands.
func (m *memRepo) waitForRecord(t *testing.T, timeout time.Duration) *store.LifecycleRecord {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		for _, rec := range m.records {
			m.mu.Unlock()
			return rec
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for lifecycle record")
	return nil
}

// stubCreds is a scripted credential source.
type stubCreds struct {
	err   error
	ttl   time.Duration
	calls atomic.Int32
}

func (s *stubCreds) Obtain(_ context.Context, sessionID string, _ broker.SessionConfig) (*domain.EphemeralCredential, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.EphemeralCredential{
		Value:            "ephemeral-secret",
		ExpiresAt:        time.Now().Add(s.ttl),
		IssuedForSession: sessionID,
	}, nil
}

type staticValidator string

func (v staticValidator) Validate(context.Context, string) (string, error) {
	if v == "" {
		return "", auth.ErrUnauthenticated
	}
	return string(v), nil
}

// newUpstreamServer runs a WebSocket server standing in for the
// provider. mode "echo" echoes every frame; mode "slam" accepts and
// immediately drops the connection; mode "stall" accepts and never
// reads, so writes toward it wedge once socket buffers fill.
func newUpstreamServer(t *testing.T, mode string) (wsURL string, accepted *atomic.Int32) {
	t.Helper()
	accepted = &atomic.Int32{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)

		switch mode {
		case "slam":
			c.CloseNow()
		case "stall":
			<-r.Context().Done()
			c.CloseNow()
		case "echo":
			ctx := r.Context()
			for {
				typ, data, err := c.Read(ctx)
				if err != nil {
					return
				}
				if err := c.Write(ctx, typ, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), accepted
}

func testOpts(upstreamURL string) Options {
	return Options{
		UpstreamURL:        upstreamURL,
		IdleTimeout:        2 * time.Second,
		MaxSessionDuration: 30 * time.Second,
		QueueSize:          64,
		RefreshMargin:      time.Second,
		ConfigWait:         200 * time.Millisecond,
		DialTimeout:        2 * time.Second,
		DefaultModel:       "m1",
		DefaultVoice:       "alloy",
	}
}

// newBridgeServer mounts the handler behind auth middleware and
// returns the client-facing ws URL.
func newBridgeServer(t *testing.T, registry *session.Registry, creds CredentialSource, repo *memRepo, opts Options, principal staticValidator) string {
	t.Helper()
	h := NewHandler(registry, creds, lifecycle.NewRecorder(repo), repo, opts)
	srv := httptest.NewServer(auth.Middleware(principal)(h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Client dial failed: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func sendJSON(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("Client write failed: %v", err)
	}
}

// readUntilType reads frames until a text frame with the given type
// arrives and returns its decoded fields.
func readUntilType(t *testing.T, c *websocket.Conn, msgType string) map[string]string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Client read failed waiting for %q: %v", msgType, err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg map[string]string
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg["type"] == msgType {
			return msg
		}
	}
}

func sessionConfigMsg() map[string]any {
	return map[string]any{
		"type": "session.config",
		"config": map[string]string{
			"session_type": "realtime",
			"model":        "m1",
			"output_voice": "alloy",
		},
	}
}

func TestBridge_CleanCloseCompletes(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	url := newBridgeServer(t, registry, creds, repo, testOpts(upstreamURL), "user-1")
	c := dialClient(t, url)

	sendJSON(t, c, sessionConfigMsg())
	ready := readUntilType(t, c, "session.ready")
	if ready["session_id"] == "" {
		t.Fatal("Expected session id in session.ready")
	}

	// Audio frames flow both directions through the echo upstream.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		chunk := []byte{0x01, 0x02, byte(i)}
		if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			t.Fatalf("Audio write failed: %v", err)
		}
	}
	for i := 0; i < 10; i++ {
		typ, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("Echo read failed: %v", err)
		}
		if typ != websocket.MessageBinary {
			t.Fatalf("Expected binary echo, got %v", typ)
		}
		if len(data) != 3 || data[2] != byte(i) {
			t.Errorf("Frame %d echoed out of order or corrupted: %v", i, data)
		}
	}

	if err := c.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("Client close failed: %v", err)
	}

	rec := repo.waitForRecord(t, 3*time.Second)
	if rec.State != domain.StateCompleted {
		t.Errorf("Expected COMPLETED, got %s", rec.State)
	}
	if rec.ErrorCode != "" {
		t.Errorf("Expected no error code, got %q", rec.ErrorCode)
	}
	if rec.PrincipalID != "user-1" {
		t.Errorf("Expected principal user-1, got %q", rec.PrincipalID)
	}
	if rec.SessionID != ready["session_id"] {
		t.Errorf("Expected record for session %s, got %s", ready["session_id"], rec.SessionID)
	}
	if rec.DurationSeconds < 0 || rec.DurationSeconds > 10 {
		t.Errorf("Expected duration within test wall time, got %d", rec.DurationSeconds)
	}
}

func TestBridge_CredentialFailure(t *testing.T) {
	upstreamURL, accepted := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{err: broker.ErrUpstreamUnavailable}

	opts := testOpts(upstreamURL)
	opts.ConfigWait = 20 * time.Millisecond
	url := newBridgeServer(t, registry, creds, repo, opts, "user-1")
	c := dialClient(t, url)

	// The bridge should close us with the classifying reason.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("Expected connection to be closed")
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Reason != string(domain.ErrCodeCredentialFailed) {
			t.Errorf("Expected close reason CREDENTIAL_FAILED, got %q", ce.Reason)
		}
	}

	rec := repo.waitForRecord(t, 3*time.Second)
	if rec.State != domain.StateError {
		t.Errorf("Expected ERROR, got %s", rec.State)
	}
	if rec.ErrorCode != domain.ErrCodeCredentialFailed {
		t.Errorf("Expected CREDENTIAL_FAILED, got %q", rec.ErrorCode)
	}
	if got := accepted.Load(); got != 0 {
		t.Errorf("Expected no upstream connection, got %d", got)
	}
}

func TestBridge_UpstreamAbruptClose(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "slam")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	url := newBridgeServer(t, registry, creds, repo, testOpts(upstreamURL), "user-1")
	c := dialClient(t, url)
	sendJSON(t, c, sessionConfigMsg())

	rec := repo.waitForRecord(t, 5*time.Second)
	if rec.State != domain.StateError {
		t.Errorf("Expected ERROR, got %s", rec.State)
	}
	if rec.ErrorCode != domain.ErrCodeUpstreamClosed {
		t.Errorf("Expected UPSTREAM_CLOSED, got %q", rec.ErrorCode)
	}
}

func TestBridge_IdleTimeout(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	opts := testOpts(upstreamURL)
	opts.IdleTimeout = 150 * time.Millisecond
	url := newBridgeServer(t, registry, creds, repo, opts, "user-1")
	c := dialClient(t, url)
	sendJSON(t, c, sessionConfigMsg())
	readUntilType(t, c, "session.ready")

	// Keep reading so the close handshake completes; just send nothing.
	go func() {
		ctx := context.Background()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}()

	rec := repo.waitForRecord(t, 3*time.Second)
	if rec.State != domain.StateCompleted {
		t.Errorf("Expected COMPLETED on idle timeout, got %s (code %q)", rec.State, rec.ErrorCode)
	}
}

func TestBridge_SessionEndMessage(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	url := newBridgeServer(t, registry, creds, repo, testOpts(upstreamURL), "user-1")
	c := dialClient(t, url)
	sendJSON(t, c, sessionConfigMsg())
	readUntilType(t, c, "session.ready")

	sendJSON(t, c, map[string]string{"type": "session.end"})

	rec := repo.waitForRecord(t, 3*time.Second)
	if rec.State != domain.StateCompleted {
		t.Errorf("Expected COMPLETED after session.end, got %s", rec.State)
	}
}

func TestBridge_LinkScreening(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	repo.screenings["screening-7"] = true
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	url := newBridgeServer(t, registry, creds, repo, testOpts(upstreamURL), "user-1")
	c := dialClient(t, url)
	sendJSON(t, c, sessionConfigMsg())
	readUntilType(t, c, "session.ready")

	sendJSON(t, c, map[string]string{"type": "session.link_screening", "screening_id": "screening-7"})
	linked := readUntilType(t, c, "session.screening_linked")
	if linked["screening_id"] != "screening-7" {
		t.Errorf("Expected screening-7 linked, got %q", linked["screening_id"])
	}

	// Second link attempt is rejected.
	sendJSON(t, c, map[string]string{"type": "session.link_screening", "screening_id": "screening-8"})
	reply := readUntilType(t, c, "error")
	if reply["error"] != "screening already linked" {
		t.Errorf("Expected already-linked error, got %q", reply["error"])
	}

	c.Close(websocket.StatusNormalClosure, "done")

	rec := repo.waitForRecord(t, 3*time.Second)
	if rec.LinkedScreeningID != "screening-7" {
		t.Errorf("Expected record linked to screening-7, got %q", rec.LinkedScreeningID)
	}
}

func TestBridge_BackpressureTerminatesSession(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "stall")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	opts := testOpts(upstreamURL)
	opts.QueueSize = 4
	url := newBridgeServer(t, registry, creds, repo, opts, "user-1")
	c := dialClient(t, url)
	sendJSON(t, c, sessionConfigMsg())
	readUntilType(t, c, "session.ready")

	// Keep reading so the bridge's close handshake completes.
	go func() {
		ctx := context.Background()
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}()

	// The stalled upstream never drains its socket, so the write loop
	// wedges and the bounded queue overflows after QueueSize frames.
	chunk := make([]byte, 32<<10)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 64; i++ {
		if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
			break // session already terminated
		}
	}

	rec := repo.waitForRecord(t, 5*time.Second)
	if rec.State != domain.StateError {
		t.Errorf("Expected ERROR, got %s", rec.State)
	}
	if rec.ErrorCode != domain.ErrCodeBackpressureExceeded {
		t.Errorf("Expected BACKPRESSURE_EXCEEDED, got %q", rec.ErrorCode)
	}
}

func TestBridge_UnauthenticatedCreatesNoSession(t *testing.T) {
	upstreamURL, _ := newUpstreamServer(t, "echo")
	repo := newMemRepo()
	registry := session.NewRegistry()
	creds := &stubCreds{ttl: 60 * time.Second}

	url := newBridgeServer(t, registry, creds, repo, testOpts(upstreamURL), staticValidator(""))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("Expected unauthenticated dial to fail")
	}

	if got := registry.Size(); got != 0 {
		t.Errorf("Expected no registry entries after rejected upgrade, got %d", got)
	}
	if creds.calls.Load() != 0 {
		t.Errorf("Expected no credential issuance, got %d calls", creds.calls.Load())
	}
}

func TestTryEnqueue_Backpressure(t *testing.T) {
	q := make(chan frame, 3)

	for i := 0; i < 3; i++ {
		if err := tryEnqueue(q, frame{websocket.MessageBinary, []byte{byte(i)}}); err != nil {
			t.Fatalf("Frame %d should fit in the queue: %v", i, err)
		}
	}

	// With no consumer draining, the bound+1th frame must fail
	// immediately rather than grow the queue or silently drop.
	if err := tryEnqueue(q, frame{websocket.MessageBinary, []byte{0xff}}); !errors.Is(err, errBackpressure) {
		t.Errorf("Expected errBackpressure, got %v", err)
	}
	if len(q) != 3 {
		t.Errorf("Expected queue length to stay at bound, got %d", len(q))
	}
}
