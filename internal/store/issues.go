package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oculairmedia/huly-vibe-sync/internal/mapping"
	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
	"github.com/oculairmedia/huly-vibe-sync/internal/types"
)

const issueColumns = `identifier, project_identifier, huly_id, vibe_id, beads_id,
	title, description, status, priority,
	parent_identifier, parent_beads_id, sub_issue_count,
	huly_modified_at, vibe_modified_at, beads_modified_at, last_sync_at,
	content_hash, huly_content_hash, beads_content_hash,
	deleted_from_huly, deleted_from_beads`

// UpsertIssue inserts or updates an issue mapping row. Cross-system ids,
// hashes, timestamps, and parent links are copy-on-write: empty/nil incoming
// fields never clobber stored values. Soft-delete flags are monotonic here;
// clearing them goes through ReviveFrom.
func (s *Store) UpsertIssue(ctx context.Context, i *types.Issue) error {
	if err := i.Validate(); err != nil {
		return syncerr.New(syncerr.Validation, "upsert issue", err)
	}
	if i.ContentHash == "" {
		i.ContentHash = types.HashIssue(i)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO issues (
			identifier, project_identifier, huly_id, vibe_id, beads_id,
			title, description, status, priority,
			parent_identifier, parent_beads_id, sub_issue_count,
			huly_modified_at, vibe_modified_at, beads_modified_at, last_sync_at,
			content_hash, huly_content_hash, beads_content_hash,
			deleted_from_huly, deleted_from_beads
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_identifier, identifier) DO UPDATE SET
			huly_id            = COALESCE(NULLIF(excluded.huly_id, ''), issues.huly_id),
			vibe_id            = COALESCE(NULLIF(excluded.vibe_id, ''), issues.vibe_id),
			beads_id           = COALESCE(NULLIF(excluded.beads_id, ''), issues.beads_id),
			title              = excluded.title,
			description        = excluded.description,
			status             = excluded.status,
			priority           = excluded.priority,
			parent_identifier  = COALESCE(NULLIF(excluded.parent_identifier, ''), issues.parent_identifier),
			parent_beads_id    = COALESCE(NULLIF(excluded.parent_beads_id, ''), issues.parent_beads_id),
			sub_issue_count    = excluded.sub_issue_count,
			huly_modified_at   = COALESCE(excluded.huly_modified_at, issues.huly_modified_at),
			vibe_modified_at   = COALESCE(excluded.vibe_modified_at, issues.vibe_modified_at),
			beads_modified_at  = COALESCE(excluded.beads_modified_at, issues.beads_modified_at),
			last_sync_at       = COALESCE(excluded.last_sync_at, issues.last_sync_at),
			content_hash       = excluded.content_hash,
			huly_content_hash  = COALESCE(NULLIF(excluded.huly_content_hash, ''), issues.huly_content_hash),
			beads_content_hash = COALESCE(NULLIF(excluded.beads_content_hash, ''), issues.beads_content_hash),
			deleted_from_huly  = MAX(excluded.deleted_from_huly, issues.deleted_from_huly),
			deleted_from_beads = MAX(excluded.deleted_from_beads, issues.deleted_from_beads)
	`,
		i.Identifier, i.ProjectIdentifier, i.HulyID, i.VibeID, i.BeadsID,
		i.Title, i.Description, i.Status, i.Priority,
		i.ParentIdentifier, i.ParentBeadsID, i.SubIssueCount,
		timeArg(i.HulyModifiedAt), timeArg(i.VibeModifiedAt), timeArg(i.BeadsModifiedAt), timeArg(i.LastSyncAt),
		i.ContentHash, i.HulyContentHash, i.BeadsContentHash,
		boolInt(i.DeletedFromHuly), boolInt(i.DeletedFromBeads),
	)
	return wrapDBError(fmt.Sprintf("upsert issue %s", i.Identifier), err)
}

// GetIssue fetches an issue by project and identifier.
func (s *Store) GetIssue(ctx context.Context, project, identifier string) (*types.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	return scanIssue(row)
}

// GetIssueBySourceID looks an issue up by its tracker-native id.
func (s *Store) GetIssueBySourceID(ctx context.Context, source types.Source, id string) (*types.Issue, error) {
	var column string
	switch source {
	case types.SourceHuly:
		column = "huly_id"
	case types.SourceVibe:
		column = "vibe_id"
	case types.SourceBeads:
		column = "beads_id"
	default:
		return nil, syncerr.Newf(syncerr.Validation, "no id column for source %s", source)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE `+column+` = ? LIMIT 1`, id)
	return scanIssue(row)
}

// GetIssueByTitle finds an issue by normalized title within a project.
// Used only as the last-resort identity fallback.
func (s *Store) GetIssueByTitle(ctx context.Context, project, title string) (*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ?`, project)
	if err != nil {
		return nil, wrapDBError("list issues by title", err)
	}
	defer func() { _ = rows.Close() }()

	want := mapping.NormalizeTitle(title)
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		if mapping.NormalizeTitle(issue.Title) == want {
			return issue, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list issues by title", err)
	}
	return nil, syncerr.Newf(syncerr.NotFound, "no issue titled %q in %s", title, project)
}

// ListIssues returns all issue rows for a project.
func (s *Store) ListIssues(ctx context.Context, project string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? ORDER BY identifier`,
		project)
	if err != nil {
		return nil, wrapDBError("list issues", err)
	}
	defer func() { _ = rows.Close() }()
	return collectIssues(rows)
}

// HasIssueChanged reports whether the incoming issue's content differs from
// the stored content hash. A missing row always counts as changed.
func (s *Store) HasIssueChanged(ctx context.Context, project, identifier, newHash string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, wrapDBError("check issue hash", err)
	}
	return stored != newHash, nil
}

// GetIssuesWithContentMismatch returns rows whose content hash differs from
// the Huly-side hash, i.e. issues whose Huly counterpart is not known-current.
func (s *Store) GetIssuesWithContentMismatch(ctx context.Context, project string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues
		WHERE project_identifier = ?
		  AND (huly_content_hash IS NULL OR huly_content_hash = '' OR content_hash != huly_content_hash)
		ORDER BY identifier
	`, project)
	if err != nil {
		return nil, wrapDBError("list mismatched issues", err)
	}
	defer func() { _ = rows.Close() }()
	return collectIssues(rows)
}

// UpdateParentChild records a parent link on a child issue.
func (s *Store) UpdateParentChild(ctx context.Context, project, child, parentIdentifier, parentBeadsID string) error {
	if parentIdentifier == child {
		return syncerr.Newf(syncerr.Validation, "issue %s cannot be its own parent", child)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues SET parent_identifier = ?, parent_beads_id = ?
		WHERE project_identifier = ? AND identifier = ?
	`, parentIdentifier, parentBeadsID, project, child)
	if err != nil {
		return wrapDBError(fmt.Sprintf("update parent of %s", child), err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return syncerr.Newf(syncerr.NotFound, "issue %s not found in %s", child, project)
	}
	return nil
}

// UpdateSubIssueCount refreshes a parent's cached child count.
func (s *Store) UpdateSubIssueCount(ctx context.Context, project, identifier string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues SET sub_issue_count = (
			SELECT COUNT(*) FROM issues c
			WHERE c.project_identifier = ? AND c.parent_identifier = ?
		)
		WHERE project_identifier = ? AND identifier = ?
	`, project, identifier, project, identifier)
	return wrapDBError(fmt.Sprintf("update sub-issue count of %s", identifier), err)
}

// GetChildIssuesByHulyParent returns children of the issue with the given
// Huly id.
func (s *Store) GetChildIssuesByHulyParent(ctx context.Context, hulyParentID string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues c
		WHERE c.parent_identifier = (
			SELECT identifier FROM issues p WHERE p.huly_id = ? LIMIT 1
		)
		AND c.project_identifier = (
			SELECT project_identifier FROM issues p WHERE p.huly_id = ? LIMIT 1
		)
		ORDER BY c.identifier
	`, hulyParentID, hulyParentID)
	if err != nil {
		return nil, wrapDBError("list children by huly parent", err)
	}
	defer func() { _ = rows.Close() }()
	return collectIssues(rows)
}

// GetParentIssues returns all issues in a project that have children.
func (s *Store) GetParentIssues(ctx context.Context, project string) ([]*types.Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+` FROM issues p
		WHERE p.project_identifier = ?
		  AND EXISTS (
			SELECT 1 FROM issues c
			WHERE c.project_identifier = p.project_identifier
			  AND c.parent_identifier = p.identifier
		  )
		ORDER BY p.identifier
	`, project)
	if err != nil {
		return nil, wrapDBError("list parent issues", err)
	}
	defer func() { _ = rows.Close() }()
	return collectIssues(rows)
}

// MarkDeletedFrom flags an issue as soft-deleted on one source. The flag is
// monotonic; see ReviveFrom for the only legitimate reset.
func (s *Store) MarkDeletedFrom(ctx context.Context, project, identifier string, source types.Source) error {
	column, err := deletedColumn(source)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE issues SET `+column+` = 1 WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	return wrapDBError(fmt.Sprintf("mark %s deleted from %s", identifier, source), err)
}

// ReviveFrom clears a soft-delete flag. Callers may only do this after a
// live fetch from the source returned the issue with the same id.
func (s *Store) ReviveFrom(ctx context.Context, project, identifier string, source types.Source) error {
	column, err := deletedColumn(source)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE issues SET `+column+` = 0 WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	return wrapDBError(fmt.Sprintf("revive %s from %s", identifier, source), err)
}

// RebindIdentifier renames a synthetic identifier to the Huly-style one once
// the Huly counterpart exists. Child parent links follow the rename.
func (s *Store) RebindIdentifier(ctx context.Context, project, oldID, newID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET identifier = ? WHERE project_identifier = ? AND identifier = ?`,
			newID, project, oldID); err != nil {
			return wrapDBError(fmt.Sprintf("rebind %s to %s", oldID, newID), err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET parent_identifier = ? WHERE project_identifier = ? AND parent_identifier = ?`,
			newID, project, oldID); err != nil {
			return wrapDBError(fmt.Sprintf("rebind children of %s", oldID), err)
		}
		return nil
	})
}

// DeleteIssue removes a mapping row entirely. Only reconciliation calls
// this.
func (s *Store) DeleteIssue(ctx context.Context, project, identifier string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM issues WHERE project_identifier = ? AND identifier = ?`,
		project, identifier)
	return wrapDBError(fmt.Sprintf("delete issue %s", identifier), err)
}

// RecordSync updates the sync bookkeeping on a row after a successful
// workflow pass: fresh hashes, per-source timestamps, and last_sync_at.
func (s *Store) RecordSync(ctx context.Context, i *types.Issue, at time.Time) error {
	i.LastSyncAt = &at
	return s.UpsertIssue(ctx, i)
}

// CountIssuesSyncedSince counts rows whose last sync happened at or after
// t. The orchestrator uses this to total a run's synced issues.
func (s *Store) CountIssuesSyncedSince(ctx context.Context, t time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issues WHERE last_sync_at >= ?`, t.UTC()).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count synced issues", err)
	}
	return n, nil
}

func deletedColumn(source types.Source) (string, error) {
	switch source {
	case types.SourceHuly:
		return "deleted_from_huly", nil
	case types.SourceBeads:
		return "deleted_from_beads", nil
	}
	return "", syncerr.Newf(syncerr.Validation, "no soft-delete flag for source %s", source)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func collectIssues(rows *sql.Rows) ([]*types.Issue, error) {
	var out []*types.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("scan issues", err)
	}
	return out, nil
}

func scanIssue(sc scanner) (*types.Issue, error) {
	var i types.Issue
	var hulyID, vibeID, beadsID, parentID, parentBeads, hulyHash, beadsHash sql.NullString
	var hulyAt, vibeAt, beadsAt, syncAt sql.NullTime
	var delHuly, delBeads int
	err := sc.Scan(
		&i.Identifier, &i.ProjectIdentifier, &hulyID, &vibeID, &beadsID,
		&i.Title, &i.Description, &i.Status, &i.Priority,
		&parentID, &parentBeads, &i.SubIssueCount,
		&hulyAt, &vibeAt, &beadsAt, &syncAt,
		&i.ContentHash, &hulyHash, &beadsHash,
		&delHuly, &delBeads,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, syncerr.New(syncerr.NotFound, "get issue", err)
	}
	if err != nil {
		return nil, wrapDBError("scan issue", err)
	}
	i.HulyID = hulyID.String
	i.VibeID = vibeID.String
	i.BeadsID = beadsID.String
	i.ParentIdentifier = parentID.String
	i.ParentBeadsID = parentBeads.String
	i.HulyContentHash = hulyHash.String
	i.BeadsContentHash = beadsHash.String
	i.HulyModifiedAt = nullTime(hulyAt)
	i.VibeModifiedAt = nullTime(vibeAt)
	i.BeadsModifiedAt = nullTime(beadsAt)
	i.LastSyncAt = nullTime(syncAt)
	i.DeletedFromHuly = delHuly != 0
	i.DeletedFromBeads = delBeads != 0
	return &i, nil
}
