package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

// GetMetadata returns the value for a sync_metadata key, or "" when unset.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError(fmt.Sprintf("get metadata %s", key), err)
	}
	return value, nil
}

// SetMetadata upserts a sync_metadata key.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return wrapDBError(fmt.Sprintf("set metadata %s", key), err)
}

// StartSyncRun opens a sync_history row and returns its id.
func (s *Store) StartSyncRun(ctx context.Context, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_history (started_at) VALUES (?)`, startedAt.UTC())
	if err != nil {
		return 0, wrapDBError("start sync run", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("start sync run", err)
	}
	return id, nil
}

// CompleteSyncRun finalizes a sync_history row with its stats.
func (s *Store) CompleteSyncRun(ctx context.Context, run *types.SyncRun) error {
	errJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal run errors: %w", err)
	}
	completed := time.Now().UTC()
	if run.CompletedAt != nil {
		completed = run.CompletedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_history
		SET completed_at = ?, projects_processed = ?, projects_failed = ?,
			issues_synced = ?, errors = ?, duration_ms = ?
		WHERE id = ?
	`, completed, run.ProjectsProcessed, run.ProjectsFailed,
		run.IssuesSynced, string(errJSON), run.DurationMs, run.ID)
	return wrapDBError(fmt.Sprintf("complete sync run %d", run.ID), err)
}

// GetLastSyncRun returns the most recent sync_history row, or nil when the
// table is empty.
func (s *Store) GetLastSyncRun(ctx context.Context) (*types.SyncRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, projects_processed, projects_failed,
			issues_synced, errors, duration_ms
		FROM sync_history ORDER BY id DESC LIMIT 1
	`)
	var run types.SyncRun
	var completed sql.NullTime
	var errJSON string
	err := row.Scan(&run.ID, &run.StartedAt, &completed, &run.ProjectsProcessed,
		&run.ProjectsFailed, &run.IssuesSynced, &errJSON, &run.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBError("get last sync run", err)
	}
	run.CompletedAt = nullTime(completed)
	if err := json.Unmarshal([]byte(errJSON), &run.Errors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run errors: %w", err)
	}
	return &run, nil
}

// SaveProjectFile records an auxiliary per-repo file for a project.
func (s *Store) SaveProjectFile(ctx context.Context, f *types.ProjectFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_files (project_identifier, path, kind, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (project_identifier, path) DO UPDATE SET
			kind = excluded.kind, updated_at = excluded.updated_at
	`, f.ProjectIdentifier, f.Path, f.Kind, f.UpdatedAt.UTC())
	return wrapDBError(fmt.Sprintf("save project file %s", f.Path), err)
}

// GetProjectFiles lists the auxiliary files recorded for a project.
func (s *Store) GetProjectFiles(ctx context.Context, project string) ([]*types.ProjectFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_identifier, path, kind, updated_at
		FROM project_files WHERE project_identifier = ? ORDER BY path
	`, project)
	if err != nil {
		return nil, wrapDBError("list project files", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.ProjectFile
	for rows.Next() {
		var f types.ProjectFile
		if err := rows.Scan(&f.ProjectIdentifier, &f.Path, &f.Kind, &f.UpdatedAt); err != nil {
			return nil, wrapDBError("scan project file", err)
		}
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list project files", err)
	}
	return out, nil
}
