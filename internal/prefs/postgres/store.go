// Package postgres provides a PostgreSQL-backed [prefs.Store].
//
// Usage:
//
//	store, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	p, _ := store.Preferences(ctx, profileID)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/prefs"
)

var _ prefs.Store = (*Store)(nil)

// DB is the subset of [pgxpool.Pool] the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Store persists preferences and session progress in two tables created by
// [Migrate]. All methods are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Open connects to dsn, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("prefs postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// New wraps an existing connection. The caller owns db and must have run
// [Migrate].
func New(db DB) *Store {
	return &Store{db: db}
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements [prefs.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("prefs postgres: ping: %w", err)
	}
	return nil
}

// Preferences implements [prefs.Store].
func (s *Store) Preferences(ctx context.Context, profileID string) (prefs.Preferences, error) {
	const q = `
		SELECT input_mode, realtime_enabled, captions_enabled, captions_visible, self_view_visible
		FROM   preferences
		WHERE  profile_id = $1`

	var (
		p    prefs.Preferences
		mode string
	)
	err := s.db.QueryRow(ctx, q, profileID).Scan(
		&mode,
		&p.RealtimeEnabled,
		&p.CaptionsEnabled,
		&p.CaptionsVisible,
		&p.SelfViewVisible,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Defaults(), nil
	}
	if err != nil {
		return prefs.Preferences{}, fmt.Errorf("prefs postgres: get preferences: %w", err)
	}
	p.InputMode = prefs.InputMode(mode)
	return p, nil
}

// SavePreferences implements [prefs.Store].
func (s *Store) SavePreferences(ctx context.Context, profileID string, p prefs.Preferences) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("prefs postgres: save preferences: %w", err)
	}
	const q = `
		INSERT INTO preferences
		    (profile_id, input_mode, realtime_enabled, captions_enabled, captions_visible, self_view_visible, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (profile_id) DO UPDATE SET
		    input_mode        = EXCLUDED.input_mode,
		    realtime_enabled  = EXCLUDED.realtime_enabled,
		    captions_enabled  = EXCLUDED.captions_enabled,
		    captions_visible  = EXCLUDED.captions_visible,
		    self_view_visible = EXCLUDED.self_view_visible,
		    updated_at        = now()`

	if _, err := s.db.Exec(ctx, q,
		profileID,
		string(p.InputMode),
		p.RealtimeEnabled,
		p.CaptionsEnabled,
		p.CaptionsVisible,
		p.SelfViewVisible,
	); err != nil {
		return fmt.Errorf("prefs postgres: save preferences: %w", err)
	}
	return nil
}

// Progress implements [prefs.Store].
func (s *Store) Progress(ctx context.Context, sessionID string) (prefs.Progress, error) {
	const q = `
		SELECT interview_id, turns, recording_warning_shown, completed, updated_at
		FROM   session_progress
		WHERE  session_id = $1`

	p := prefs.Progress{SessionID: sessionID}
	err := s.db.QueryRow(ctx, q, sessionID).Scan(
		&p.InterviewID,
		&p.Turns,
		&p.RecordingWarningShown,
		&p.Completed,
		&p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs.Progress{SessionID: sessionID}, nil
	}
	if err != nil {
		return prefs.Progress{}, fmt.Errorf("prefs postgres: get progress: %w", err)
	}
	return p, nil
}

// SaveProgress implements [prefs.Store]. UpdatedAt is set by the database.
func (s *Store) SaveProgress(ctx context.Context, p prefs.Progress) error {
	if p.SessionID == "" {
		return fmt.Errorf("prefs postgres: save progress: %w: empty session id", prefs.ErrInvalid)
	}
	const q = `
		INSERT INTO session_progress
		    (session_id, interview_id, turns, recording_warning_shown, completed, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (session_id) DO UPDATE SET
		    interview_id            = EXCLUDED.interview_id,
		    turns                   = EXCLUDED.turns,
		    recording_warning_shown = EXCLUDED.recording_warning_shown,
		    completed               = EXCLUDED.completed,
		    updated_at              = now()`

	if _, err := s.db.Exec(ctx, q,
		p.SessionID,
		p.InterviewID,
		p.Turns,
		p.RecordingWarningShown,
		p.Completed,
	); err != nil {
		return fmt.Errorf("prefs postgres: save progress: %w", err)
	}
	return nil
}

// DeleteProgress implements [prefs.Store].
func (s *Store) DeleteProgress(ctx context.Context, sessionID string) error {
	const q = `DELETE FROM session_progress WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, q, sessionID); err != nil {
		return fmt.Errorf("prefs postgres: delete progress: %w", err)
	}
	return nil
}
