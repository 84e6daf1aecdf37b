// Package api provides HTTP handlers for the voicegate API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/voxscreen/voicegate/internal/auth"
	"github.com/voxscreen/voicegate/internal/session"
	"github.com/voxscreen/voicegate/internal/store"
)

// Handler serves session inspection and health endpoints.
type Handler struct {
	registry *session.Registry
	repo     store.Repository
}

// NewHandler creates a new Handler.
func NewHandler(registry *session.Registry, repo store.Repository) *Handler {
	return &Handler{registry: registry, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// RegisterRoutes registers authenticated session routes. The auth
// middleware must already be applied to the router group.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{sessionID}", h.getSession)
	r.Get("/api/sessions/{sessionID}/record", h.getSessionRecord)
}

// RegisterHealth registers the unauthenticated health route.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		Error(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"live_sessions": h.registry.LiveCount(),
	})
}

// getSession returns the live registry view of a session. Sessions are
// only visible to their owning principal.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	principalID := auth.PrincipalFromContext(r.Context())

	s, err := h.registry.Get(sessionID)
	if err != nil || s.PrincipalID != principalID {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			Error(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	JSON(w, http.StatusOK, s)
}

// getSessionRecord returns the durable lifecycle record of a session.
func (h *Handler) getSessionRecord(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	principalID := auth.PrincipalFromContext(r.Context())

	rec, err := h.repo.GetSessionRecord(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil || rec.PrincipalID != principalID {
		Error(w, http.StatusNotFound, "record not found")
		return
	}

	JSON(w, http.StatusOK, rec)
}
