package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Task states in the workflow_tasks queue.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskDone      = "done"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Task is one persisted workflow execution request. The id is the workflow
// id; enqueueing an id that is already pending or running coalesces.
type Task struct {
	ID         string
	Kind       string
	Args       string
	State      string
	Attempts   int
	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	LastError  string
}

// EnqueueTask inserts a task unless one with the same id is already pending
// or running. Returns true when a new task was inserted, false when the
// start coalesced into an existing execution.
func (s *Store) EnqueueTask(ctx context.Context, id, kind, args string) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM workflow_tasks WHERE id = ?`, id).Scan(&state)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// New id; fall through to insert.
		case err != nil:
			return fmt.Errorf("failed to check task %s: %w", id, err)
		case state == TaskPending || state == TaskRunning:
			return nil // coalesce
		default:
			// Finished task with the same id: replace it so the id can run again.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM workflow_tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to clear finished task %s: %w", id, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_tasks (id, kind, args, state, enqueued_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, kind, args, TaskPending, time.Now().UTC()); err != nil {
			return fmt.Errorf("failed to enqueue task %s: %w", id, err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, wrapDBError("enqueue task", err)
	}
	return inserted, nil
}

// DequeueTask claims the oldest pending task, marking it running. Returns
// nil when the queue is empty.
func (s *Store) DequeueTask(ctx context.Context) (*Task, error) {
	var task *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, kind, args, state, attempts, enqueued_at
			FROM workflow_tasks WHERE state = ? ORDER BY enqueued_at LIMIT 1
		`, TaskPending)
		var t Task
		err := row.Scan(&t.ID, &t.Kind, &t.Args, &t.State, &t.Attempts, &t.EnqueuedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to scan pending task: %w", err)
		}
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_tasks
			SET state = ?, started_at = ?, attempts = attempts + 1
			WHERE id = ?
		`, TaskRunning, now, t.ID); err != nil {
			return fmt.Errorf("failed to claim task %s: %w", t.ID, err)
		}
		t.State = TaskRunning
		t.Attempts++
		t.StartedAt = &now
		task = &t
		return nil
	})
	if err != nil {
		return nil, wrapDBError("dequeue task", err)
	}
	return task, nil
}

// FinishTask records a terminal state for a task.
func (s *Store) FinishTask(ctx context.Context, id, state, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_tasks SET state = ?, finished_at = ?, last_error = ?
		WHERE id = ?
	`, state, time.Now().UTC(), lastError, id)
	return wrapDBError(fmt.Sprintf("finish task %s", id), err)
}

// RequeueRunning resets tasks left in the running state by a crashed
// process back to pending. Called once at startup, before workers start.
func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_tasks SET state = ? WHERE state = ?`, TaskPending, TaskRunning)
	if err != nil {
		return 0, wrapDBError("requeue running tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TaskState returns the state of a task id, or "" when the id is unknown.
func (s *Store) TaskState(ctx context.Context, id string) (string, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM workflow_tasks WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", wrapDBError(fmt.Sprintf("get task state %s", id), err)
	}
	return state, nil
}

// PendingTaskCount returns the number of pending tasks.
func (s *Store) PendingTaskCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_tasks WHERE state = ?`, TaskPending).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count pending tasks", err)
	}
	return n, nil
}
