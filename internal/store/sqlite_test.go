package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxscreen/voicegate/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return repo
}

func TestSQLiteStore_RecordAndGet(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-45 * time.Second).Truncate(time.Second)
	rec := &LifecycleRecord{
		SessionID:         "s1",
		PrincipalID:       "user-1",
		LinkedScreeningID: "screening-9",
		State:             domain.StateCompleted,
		DurationSeconds:   45,
		StartedAt:         started,
		EndedAt:           started.Add(45 * time.Second),
	}

	if err := repo.RecordSessionLifecycle(ctx, rec); err != nil {
		t.Fatalf("RecordSessionLifecycle failed: %v", err)
	}

	got, err := repo.GetSessionRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionRecord failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a record, got nil")
	}
	if got.State != domain.StateCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.State)
	}
	if got.ErrorCode != "" {
		t.Errorf("Expected empty error code, got %q", got.ErrorCode)
	}
	if got.DurationSeconds != 45 {
		t.Errorf("Expected duration 45, got %d", got.DurationSeconds)
	}
	if got.LinkedScreeningID != "screening-9" {
		t.Errorf("Expected screening-9, got %q", got.LinkedScreeningID)
	}
}

func TestSQLiteStore_RecordIsIdempotent(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	rec := &LifecycleRecord{
		SessionID:       "s1",
		PrincipalID:     "user-1",
		State:           domain.StateError,
		ErrorCode:       domain.ErrCodeUpstreamClosed,
		DurationSeconds: 10,
		StartedAt:       time.Now().Add(-10 * time.Second),
		EndedAt:         time.Now(),
	}

	// A retried write must not fail on the existing row.
	if err := repo.RecordSessionLifecycle(ctx, rec); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := repo.RecordSessionLifecycle(ctx, rec); err != nil {
		t.Fatalf("Retried write failed: %v", err)
	}

	got, err := repo.GetSessionRecord(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSessionRecord failed: %v", err)
	}
	if got.ErrorCode != domain.ErrCodeUpstreamClosed {
		t.Errorf("Expected UPSTREAM_CLOSED, got %q", got.ErrorCode)
	}
}

func TestSQLiteStore_GetMissingRecord(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetSessionRecord(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSessionRecord failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing record, got %+v", got)
	}
}

func TestSQLiteStore_ScreeningExists(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	exists, err := repo.ScreeningExists(ctx, "screening-1")
	if err != nil {
		t.Fatalf("ScreeningExists failed: %v", err)
	}
	if exists {
		t.Error("Expected screening-1 to not exist")
	}

	if err := repo.(*SQLiteStore).InsertScreening(ctx, "screening-1", "user-1"); err != nil {
		t.Fatalf("InsertScreening failed: %v", err)
	}

	exists, err = repo.ScreeningExists(ctx, "screening-1")
	if err != nil {
		t.Fatalf("ScreeningExists failed: %v", err)
	}
	if !exists {
		t.Error("Expected screening-1 to exist after insert")
	}
}
