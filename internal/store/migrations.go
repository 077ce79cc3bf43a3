package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all kernsched tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		scenario     TEXT NOT NULL DEFAULT '',
		algorithm    TEXT NOT NULL,
		cpu_count    INTEGER NOT NULL,
		state        TEXT NOT NULL DEFAULT 'RUNNING',
		ticks        INTEGER NOT NULL DEFAULT 0,
		summary      TEXT NOT NULL DEFAULT '',
		config       TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		run_id  TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq     INTEGER NOT NULL,
		tick    INTEGER NOT NULL,
		kind    TEXT NOT NULL,
		cpu     INTEGER NOT NULL DEFAULT -1,
		process INTEGER NOT NULL DEFAULT 0,
		thread  INTEGER NOT NULL DEFAULT 0,
		detail  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_events_run_thread ON events(run_id, thread)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
