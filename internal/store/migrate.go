package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is the baseline schema. Later shape changes go through the
// idempotent migration steps below rather than editing this block.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	identifier       TEXT PRIMARY KEY,
	huly_id          TEXT,
	vibe_id          TEXT,
	repo_path        TEXT,
	git_url          TEXT,
	issue_count      INTEGER NOT NULL DEFAULT 0,
	last_checked_at  TIMESTAMP,
	last_sync_at     TIMESTAMP,
	sync_cursor      TEXT,
	description_hash TEXT,
	missed_sweeps    INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS issues (
	identifier         TEXT NOT NULL,
	project_identifier TEXT NOT NULL,
	huly_id            TEXT,
	vibe_id            TEXT,
	beads_id           TEXT,
	title              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'Backlog',
	priority           TEXT NOT NULL DEFAULT 'Medium',
	parent_identifier  TEXT,
	parent_beads_id    TEXT,
	sub_issue_count    INTEGER NOT NULL DEFAULT 0,
	huly_modified_at   TIMESTAMP,
	vibe_modified_at   TIMESTAMP,
	beads_modified_at  TIMESTAMP,
	last_sync_at       TIMESTAMP,
	content_hash       TEXT NOT NULL DEFAULT '',
	huly_content_hash  TEXT,
	beads_content_hash TEXT,
	deleted_from_huly  INTEGER NOT NULL DEFAULT 0,
	deleted_from_beads INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_identifier, identifier)
);

CREATE INDEX IF NOT EXISTS idx_issues_huly_id ON issues(huly_id);
CREATE INDEX IF NOT EXISTS idx_issues_vibe_id ON issues(vibe_id);
CREATE INDEX IF NOT EXISTS idx_issues_beads_id ON issues(beads_id);
CREATE INDEX IF NOT EXISTS idx_issues_parent ON issues(project_identifier, parent_identifier);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at         TIMESTAMP NOT NULL,
	completed_at       TIMESTAMP,
	projects_processed INTEGER NOT NULL DEFAULT 0,
	projects_failed    INTEGER NOT NULL DEFAULT 0,
	issues_synced      INTEGER NOT NULL DEFAULT 0,
	errors             TEXT NOT NULL DEFAULT '[]',
	duration_ms        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS project_files (
	project_identifier TEXT NOT NULL,
	path               TEXT NOT NULL,
	kind               TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMP NOT NULL,
	PRIMARY KEY (project_identifier, path)
);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	args        TEXT NOT NULL DEFAULT '{}',
	state       TEXT NOT NULL DEFAULT 'pending',
	attempts    INTEGER NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMP NOT NULL,
	started_at  TIMESTAMP,
	finished_at TIMESTAMP,
	last_error  TEXT
);

CREATE INDEX IF NOT EXISTS idx_workflow_tasks_state ON workflow_tasks(state, enqueued_at);
`

// migrate applies the baseline schema and any incremental steps. Each step
// is idempotent: it inspects the live schema before altering it.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply base schema: %w", err)
	}
	steps := []func(context.Context, *sql.DB) error{
		migrateProjectMissedSweeps,
	}
	for i, step := range steps {
		if err := step(ctx, s.db); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// migrateProjectMissedSweeps adds the missed_sweeps column to databases
// created before archival tracking existed.
func migrateProjectMissedSweeps(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "projects", "missed_sweeps")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.ExecContext(ctx, `ALTER TABLE projects ADD COLUMN missed_sweeps INTEGER NOT NULL DEFAULT 0`)
	if err != nil {
		return fmt.Errorf("failed to add missed_sweeps column: %w", err)
	}
	return nil
}

// columnExists checks PRAGMA table_info for a column.
func columnExists(ctx context.Context, db *sql.DB, table, column string) (found bool, retErr error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to check schema: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close schema rows: %w", err)
		}
	}()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("error reading column info: %w", err)
	}
	return found, nil
}
