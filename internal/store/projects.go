package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

const projectColumns = `identifier, huly_id, vibe_id, repo_path, git_url, issue_count,
	last_checked_at, last_sync_at, sync_cursor, description_hash, missed_sweeps, status`

// UpsertProject inserts or updates a project row. On update, empty ids, repo
// path, git URL, last-checked time and description hash keep their stored
// values, so previously-known cross-system ids survive a partial update;
// issue count and status (empty means active) are always overwritten, and
// last_sync_at, sync_cursor and missed_sweeps are left as stored.
func (s *Store) UpsertProject(ctx context.Context, p *types.Project) error {
	if p.Identifier == "" {
		return syncerr.Newf(syncerr.Validation, "project identifier is required")
	}
	status := p.Status
	if status == "" {
		status = types.ProjectActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (
			identifier, huly_id, vibe_id, repo_path, git_url, issue_count,
			last_checked_at, last_sync_at, sync_cursor, description_hash, missed_sweeps, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			huly_id          = COALESCE(NULLIF(excluded.huly_id, ''), projects.huly_id),
			vibe_id          = COALESCE(NULLIF(excluded.vibe_id, ''), projects.vibe_id),
			repo_path        = COALESCE(NULLIF(excluded.repo_path, ''), projects.repo_path),
			git_url          = COALESCE(NULLIF(excluded.git_url, ''), projects.git_url),
			issue_count      = excluded.issue_count,
			last_checked_at  = COALESCE(excluded.last_checked_at, projects.last_checked_at),
			description_hash = COALESCE(NULLIF(excluded.description_hash, ''), projects.description_hash),
			status           = excluded.status
	`,
		p.Identifier, p.HulyID, p.VibeID, p.RepoPath, p.GitURL, p.IssueCount,
		timeArg(p.LastCheckedAt), timeArg(p.LastSyncAt), p.SyncCursor,
		p.DescriptionHash, p.MissedSweeps, status,
	)
	return wrapDBError(fmt.Sprintf("upsert project %s", p.Identifier), err)
}

// GetProject fetches a project by identifier. Returns a NotFound error when
// no row exists.
func (s *Store) GetProject(ctx context.Context, identifier string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE identifier = ?`, identifier)
	return scanProject(row)
}

// ResolveProjectIdentifier resolves a name or folder path to a project
// identifier. It consults, in order: the identifier itself
// (case-insensitive), the stored repo path, and the last path segment of the
// stored repo path. Returns "" when nothing matches.
func (s *Store) ResolveProjectIdentifier(ctx context.Context, nameOrFolder string) (string, error) {
	needle := strings.TrimSpace(nameOrFolder)
	if needle == "" {
		return "", nil
	}
	var identifier string
	err := s.db.QueryRowContext(ctx, `
		SELECT identifier FROM projects
		WHERE identifier = ? COLLATE NOCASE
		   OR repo_path = ?
		LIMIT 1
	`, needle, needle).Scan(&identifier)
	if err == nil {
		return identifier, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", wrapDBError("resolve project identifier", err)
	}

	// Fall back to the last path segment, case-insensitive.
	segment := filepath.Base(filepath.ToSlash(needle))
	err = s.db.QueryRowContext(ctx, `
		SELECT identifier FROM projects
		WHERE identifier = ? COLLATE NOCASE
		   OR LOWER(repo_path) LIKE '%/' || LOWER(?)
		LIMIT 1
	`, segment, segment).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError("resolve project identifier", err)
	}
	return identifier, nil
}

// ResolveProjectByVibeBoard maps a Vibe board id back to the project
// identifier. Returns NotFound when no project carries the board.
func (s *Store) ResolveProjectByVibeBoard(ctx context.Context, boardID string) (string, error) {
	var identifier string
	err := s.db.QueryRowContext(ctx,
		`SELECT identifier FROM projects WHERE vibe_id = ? LIMIT 1`, boardID).Scan(&identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", syncerr.Newf(syncerr.NotFound, "no project for vibe board %s", boardID)
	}
	if err != nil {
		return "", wrapDBError("resolve project by vibe board", err)
	}
	return identifier, nil
}

// GetProjectsToSync returns active projects that need a sweep: any project
// with issues, any whose stored description hash is missing or differs from
// the hash passed in, and any not checked within cacheExpiry.
func (s *Store) GetProjectsToSync(ctx context.Context, cacheExpiry time.Duration, descHashes map[string]string) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE status = ? ORDER BY identifier`,
		types.ProjectActive)
	if err != nil {
		return nil, wrapDBError("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	cutoff := time.Now().Add(-cacheExpiry)
	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		if p.IssueCount > 0 {
			out = append(out, p)
			continue
		}
		if hash, ok := descHashes[p.Identifier]; ok {
			if p.DescriptionHash == "" || p.DescriptionHash != hash {
				out = append(out, p)
				continue
			}
		}
		if p.LastCheckedAt == nil || p.LastCheckedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list projects", err)
	}
	return out, nil
}

// ListProjects returns all project rows.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY identifier`)
	if err != nil {
		return nil, wrapDBError("list projects", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list projects", err)
	}
	return out, nil
}

// AdvanceSyncCursor atomically advances a project's sync cursor and
// last-sync timestamp. The cursor only moves forward; a stale write (equal
// or older cursor with an already-set value) still refreshes last_sync_at.
func (s *Store) AdvanceSyncCursor(ctx context.Context, identifier, cursor string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET sync_cursor = CASE
				WHEN sync_cursor IS NULL OR sync_cursor = '' OR ? >= sync_cursor THEN ?
				ELSE sync_cursor
			END,
			last_sync_at = ?,
			missed_sweeps = 0
		WHERE identifier = ?
	`, cursor, cursor, syncedAt.UTC(), identifier)
	return wrapDBError(fmt.Sprintf("advance cursor for %s", identifier), err)
}

// MarkProjectChecked records a sweep visit without advancing the cursor.
func (s *Store) MarkProjectChecked(ctx context.Context, identifier string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_checked_at = ?, missed_sweeps = 0 WHERE identifier = ?`,
		at.UTC(), identifier)
	return wrapDBError(fmt.Sprintf("mark project %s checked", identifier), err)
}

// RecordMissingProjects increments missed_sweeps for every active project
// not in the seen set and archives any that have now been missing for two
// consecutive sweeps. Returns the identifiers archived.
func (s *Store) RecordMissingProjects(ctx context.Context, seen map[string]bool) ([]string, error) {
	var archived []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT identifier, missed_sweeps FROM projects WHERE status = ?`, types.ProjectActive)
		if err != nil {
			return fmt.Errorf("failed to list active projects: %w", err)
		}
		type miss struct {
			id    string
			count int
		}
		var missing []miss
		for rows.Next() {
			var m miss
			if err := rows.Scan(&m.id, &m.count); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan project: %w", err)
			}
			if !seen[m.id] {
				missing = append(missing, m)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("failed to close rows: %w", err)
		}

		for _, m := range missing {
			if m.count+1 >= 2 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE projects SET status = ?, missed_sweeps = ? WHERE identifier = ?`,
					types.ProjectArchived, m.count+1, m.id); err != nil {
					return fmt.Errorf("failed to archive project %s: %w", m.id, err)
				}
				archived = append(archived, m.id)
			} else {
				if _, err := tx.ExecContext(ctx,
					`UPDATE projects SET missed_sweeps = ? WHERE identifier = ?`,
					m.count+1, m.id); err != nil {
					return fmt.Errorf("failed to bump missed sweeps for %s: %w", m.id, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapDBError("record missing projects", err)
	}
	return archived, nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(sc scanner) (*types.Project, error) {
	var p types.Project
	var hulyID, vibeID, repoPath, gitURL, cursor, descHash sql.NullString
	var checkedAt, syncAt sql.NullTime
	err := sc.Scan(
		&p.Identifier, &hulyID, &vibeID, &repoPath, &gitURL, &p.IssueCount,
		&checkedAt, &syncAt, &cursor, &descHash, &p.MissedSweeps, &p.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.New(syncerr.NotFound, "get project", err)
	}
	if err != nil {
		return nil, wrapDBError("scan project", err)
	}
	p.HulyID = hulyID.String
	p.VibeID = vibeID.String
	p.RepoPath = repoPath.String
	p.GitURL = gitURL.String
	p.SyncCursor = cursor.String
	p.DescriptionHash = descHash.String
	p.LastCheckedAt = nullTime(checkedAt)
	p.LastSyncAt = nullTime(syncAt)
	return &p, nil
}
