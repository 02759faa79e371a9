package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const ddlPreferences = `
CREATE TABLE IF NOT EXISTS preferences (
    profile_id         TEXT         PRIMARY KEY,
    input_mode         TEXT         NOT NULL DEFAULT 'voice',
    realtime_enabled   BOOLEAN      NOT NULL DEFAULT false,
    captions_enabled   BOOLEAN      NOT NULL DEFAULT true,
    captions_visible   BOOLEAN      NOT NULL DEFAULT true,
    self_view_visible  BOOLEAN      NOT NULL DEFAULT true,
    updated_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSessionProgress = `
CREATE TABLE IF NOT EXISTS session_progress (
    session_id               TEXT         PRIMARY KEY,
    interview_id             TEXT         NOT NULL DEFAULT '',
    turns                    INTEGER      NOT NULL DEFAULT 0,
    recording_warning_shown  BOOLEAN      NOT NULL DEFAULT false,
    completed                BOOLEAN      NOT NULL DEFAULT false,
    updated_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_progress_interview
    ON session_progress (interview_id);
`

// Execer runs DDL statements.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the tables if they do not exist. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, db Execer) error {
	for _, stmt := range []string{ddlPreferences, ddlSessionProgress} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("prefs postgres: migrate: %w", err)
		}
	}
	return nil
}
