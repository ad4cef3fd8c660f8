package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
)

// ErrTaskNotFound is returned when no task has the given id.
var ErrTaskNotFound = errors.New("task not found")

// TaskRecord is one durable background task row.
type TaskRecord struct {
	ID        string
	Name      string
	Params    []byte // JSON
	State     types.TaskState
	Attempts  int
	NextRunAt time.Time
	CreatedAt time.Time
	LastError string
}

const taskColumns = `id, name, params, state, attempts, next_run_at, created_at, last_error`

func scanTask(scan func(dest ...any) error) (TaskRecord, error) {
	var (
		t         TaskRecord
		params    string
		st        string
		nextRun   int64
		createdAt int64
	)
	if err := scan(&t.ID, &t.Name, &params, &st, &t.Attempts, &nextRun, &createdAt, &t.LastError); err != nil {
		return t, err
	}
	t.Params = []byte(params)
	t.State = types.TaskState(st)
	t.NextRunAt = time.UnixMilli(nextRun)
	t.CreatedAt = time.UnixMilli(createdAt)
	return t, nil
}

// PutTask inserts or replaces a task row.
func (s *Store) PutTask(ctx context.Context, t TaskRecord) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	params := string(t.Params)
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, params = excluded.params, state = excluded.state,
			attempts = excluded.attempts, next_run_at = excluded.next_run_at, last_error = excluded.last_error`,
		t.ID, t.Name, params, string(t.State), t.Attempts, t.NextRunAt.UnixMilli(), t.CreatedAt.UnixMilli(), t.LastError)
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

// Task returns the task with the given id.
func (s *Store) Task(ctx context.Context, id string) (TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return t, fmt.Errorf("read task %s: %w", id, err)
	}
	return t, nil
}

// Tasks lists tasks in any of the given states (all tasks when none given),
// oldest first.
func (s *Store) Tasks(ctx context.Context, states ...types.TaskState) ([]TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		marks := make([]string, len(states))
		for i, st := range states {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTask sets a task's state only if it is currently one of from.
func (s *Store) TransitionTask(ctx context.Context, id string, to types.TaskState, from ...types.TaskState) (bool, error) {
	query := `UPDATE tasks SET state = ? WHERE id = ?`
	args := []any{string(to), id}
	if len(from) > 0 {
		marks := make([]string, len(from))
		for i, st := range from {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND state IN (` + strings.Join(marks, ",") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PruneTasks deletes terminal tasks created before cutoff.
func (s *Store) PruneTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state IN (?, ?, ?) AND created_at < ?`,
		string(types.TaskSucceeded), string(types.TaskFailed), string(types.TaskCancelled), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return res.RowsAffected()
}

// ClaimTask moves an enqueued task to running and counts the attempt, in
// one statement. It returns the updated row and false when the task was not
// enqueued.
func (s *Store) ClaimTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1 WHERE id = ? AND state = ?`,
		string(types.TaskRunning), id, string(types.TaskEnqueued))
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("claim task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return TaskRecord{}, false, err
	}
	t, err := s.Task(ctx, id)
	return t, err == nil, err
}

// FinishTask records the outcome of a run. It only applies while the task is
// still running, so a concurrent cancellation wins.
func (s *Store) FinishTask(ctx context.Context, id string, to types.TaskState, nextRunAt time.Time, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, next_run_at = ?, last_error = ? WHERE id = ? AND state = ?`,
		string(to), nextRunAt.UnixMilli(), lastError, id, string(types.TaskRunning))
	if err != nil {
		return false, fmt.Errorf("finish task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
