// ABOUTME: Store methods for the task table, the per-tenant job queue.
// ABOUTME: Claiming uses a short FOR UPDATE SKIP LOCKED transaction that marks the owner pid.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Job record statuses. Between Waiting and a terminal status a record may
// carry a progress percentage such as "40%".
const (
	StatusWaiting   = "Waiting"
	StatusDone      = "Done"
	StatusFailed    = "Failed"
	StatusCancelled = "Cancelled"
)

// IsTerminalStatus reports whether status is one of the three final states.
func IsTerminalStatus(status string) bool {
	return status == StatusDone || status == StatusFailed || status == StatusCancelled
}

// ProgressStatus formats a 0..99 progress percentage as a status string.
func ProgressStatus(pct int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	return fmt.Sprintf("%d%%", pct)
}

// Task is one job record.
type Task struct {
	ID        int64
	Name      string
	Submitted time.Time
	Started   *time.Time
	Finished  *time.Time
	Arguments string
	Status    string
	Message   string
	LogFile   string
	ProcessID *int32
	Username  string
}

const taskColumns = `id, name, submitted, started, finished, arguments,
	status, message, logfile, process_id, COALESCE(username, '')`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.Submitted, &t.Started, &t.Finished,
		&t.Arguments, &t.Status, &t.Message, &t.LogFile, &t.ProcessID, &t.Username)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a new Waiting job record and returns its id.
// username may be empty.
func (s *Store) CreateTask(ctx context.Context, name, arguments, username string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO task (name, arguments, status, username)
		 VALUES ($1, $2, 'Waiting', NULLIF($3, ''))
		 RETURNING id`,
		name, arguments, username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// GetTask returns the job record with the given id, or nil when not found.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ClaimOldestWaiting atomically claims the oldest Waiting job record by
// stamping ownerPID into process_id inside a short FOR UPDATE SKIP LOCKED
// transaction. Returns (nil, nil) when no record is claimable.
//
// A Waiting record that already carries a process_id belongs to another
// claimer; alive reports whether that process still exists. A dead owner is
// reclaimed, a live one makes the queue look empty — the queue is served
// strictly one record at a time per tenant.
func (s *Store) ClaimOldestWaiting(ctx context.Context, ownerPID int32, alive func(int32) bool) (*Task, error) {
	var claimed *Task
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		t, err := scanTask(tx.QueryRow(ctx,
			`SELECT `+taskColumns+` FROM task
			 WHERE status = 'Waiting'
			 ORDER BY id
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select waiting task: %w", err)
		}
		if t.ProcessID != nil && *t.ProcessID != ownerPID && alive != nil && alive(*t.ProcessID) {
			// Owned by a live process; leave it alone.
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task SET process_id = $1 WHERE id = $2`, ownerPID, t.ID); err != nil {
			return fmt.Errorf("stamp task owner: %w", err)
		}
		t.ProcessID = &ownerPID
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// StartTask marks a record as started with the given progress status and
// records the executing process id.
func (s *Store) StartTask(ctx context.Context, id int64, pid int32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET status = '0%', started = now(), process_id = $1 WHERE id = $2`,
		pid, id)
	if err != nil {
		return fmt.Errorf("start task %d: %w", id, err)
	}
	return nil
}

// SetTaskProgress updates the progress status and message of a running record.
func (s *Store) SetTaskProgress(ctx context.Context, id int64, pct int, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET status = $1, message = $2 WHERE id = $3`,
		ProgressStatus(pct), message, id)
	if err != nil {
		return fmt.Errorf("set task progress %d: %w", id, err)
	}
	return nil
}

// SetTaskProcessID records the owning process id of a record, so external
// cancellation can signal it.
func (s *Store) SetTaskProcessID(ctx context.Context, id int64, pid int32) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET process_id = $1 WHERE id = $2`, pid, id)
	if err != nil {
		return fmt.Errorf("set task pid %d: %w", id, err)
	}
	return nil
}

// SetTaskLogFile records the log file name of a record.
func (s *Store) SetTaskLogFile(ctx context.Context, id int64, logfile string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET logfile = $1 WHERE id = $2`, logfile, id)
	if err != nil {
		return fmt.Errorf("set task logfile %d: %w", id, err)
	}
	return nil
}

// FinishTask transitions a record to a terminal status, filling in started
// and finished when the child never set them (defensive reconciliation) and
// always clearing process_id.
func (s *Store) FinishTask(ctx context.Context, id int64, status, message string) error {
	if !IsTerminalStatus(status) {
		return fmt.Errorf("finish task %d: %q is not a terminal status", id, status)
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET
			status = $1,
			message = $2,
			started = COALESCE(started, now()),
			finished = COALESCE(finished, now()),
			process_id = NULL
		 WHERE id = $3`,
		status, message, id)
	if err != nil {
		return fmt.Errorf("finish task %d: %w", id, err)
	}
	return nil
}

// ClearTaskProcessID nulls the process id of a record without touching its
// status. Used when a background task detaches on purpose.
func (s *Store) ClearTaskProcessID(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET process_id = NULL WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear task pid %d: %w", id, err)
	}
	return nil
}

// SetTaskMessage replaces the free-text message of a record.
func (s *Store) SetTaskMessage(ctx context.Context, id int64, message string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE task SET message = $1 WHERE id = $2`, message, id)
	if err != nil {
		return fmt.Errorf("set task message %d: %w", id, err)
	}
	return nil
}

// TaskFilter restricts ListTasks. Zero values mean "no filter".
type TaskFilter struct {
	Name     string
	Status   string
	Username string
	// AfterID returns only records with id > AfterID (keyset pagination).
	AfterID int64
	Limit   int
}

// ListTasks returns job records newest-first, optionally filtered.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	b := sq.Select(taskColumns).
		From("task").
		OrderBy("id DESC").
		PlaceholderFormat(sq.Dollar)
	if f.Name != "" {
		b = b.Where(sq.Eq{"name": f.Name})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": f.Status})
	}
	if f.Username != "" {
		b = b.Where(sq.Eq{"username": f.Username})
	}
	if f.AfterID > 0 {
		b = b.Where(sq.Gt{"id": f.AfterID})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
