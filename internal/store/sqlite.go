package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/voxscreen/voicegate/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS session_lifecycle (
		session_id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		screening_id TEXT,
		state TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL,
		error_code TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_principal ON session_lifecycle(principal_id, ended_at);

	CREATE TABLE IF NOT EXISTS screenings (
		screening_id TEXT PRIMARY KEY,
		principal_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordSessionLifecycle writes the finalize event for a session.
// Idempotent per session: a retried write replaces the prior row.
func (s *SQLiteStore) RecordSessionLifecycle(ctx context.Context, rec *LifecycleRecord) error {
	query := `
	INSERT INTO session_lifecycle
		(session_id, principal_id, screening_id, state, duration_seconds, error_code, started_at, ended_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		state = excluded.state,
		duration_seconds = excluded.duration_seconds,
		error_code = excluded.error_code,
		ended_at = excluded.ended_at,
		recorded_at = excluded.recorded_at`

	screeningID := sql.NullString{String: rec.LinkedScreeningID, Valid: rec.LinkedScreeningID != ""}
	errorCode := sql.NullString{String: string(rec.ErrorCode), Valid: rec.ErrorCode != ""}

	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.PrincipalID, screeningID, string(rec.State),
		rec.DurationSeconds, errorCode,
		rec.StartedAt.Unix(), rec.EndedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record session lifecycle: %w", err)
	}
	return nil
}

// GetSessionRecord retrieves the durable record for a session.
func (s *SQLiteStore) GetSessionRecord(ctx context.Context, sessionID string) (*LifecycleRecord, error) {
	query := `
		SELECT session_id, principal_id, screening_id, state,
		       duration_seconds, error_code, started_at, ended_at
		FROM session_lifecycle WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var rec LifecycleRecord
	var screeningID, errorCode sql.NullString
	var state string
	var startedAt, endedAt int64

	err := row.Scan(
		&rec.SessionID, &rec.PrincipalID, &screeningID, &state,
		&rec.DurationSeconds, &errorCode, &startedAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan lifecycle row: %w", err)
	}

	rec.LinkedScreeningID = screeningID.String
	rec.State = domain.SessionState(state)
	rec.ErrorCode = domain.ErrorCode(errorCode.String)
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.EndedAt = time.Unix(endedAt, 0)

	return &rec, nil
}

// ScreeningExists reports whether a screening record exists.
func (s *SQLiteStore) ScreeningExists(ctx context.Context, screeningID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM screenings WHERE screening_id = ?`, screeningID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query screening: %w", err)
	}
	return true, nil
}

// InsertScreening creates a screening record. The screening CRUD itself
// lives in the main API service; this exists for provisioning and tests.
func (s *SQLiteStore) InsertScreening(ctx context.Context, screeningID, principalID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screenings (screening_id, principal_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(screening_id) DO NOTHING`,
		screeningID, principalID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert screening: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
