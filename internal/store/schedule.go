// ABOUTME: Store methods for the schedule table of recurring multi-step job templates.
// ABOUTME: Materialization claims due rows with FOR UPDATE SKIP LOCKED inside the caller's tx.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ScheduleStep is one step of a scheduled definition.
type ScheduleStep struct {
	Name           string `json:"name"`
	Arguments      string `json:"arguments,omitempty"`
	AbortOnFailure bool   `json:"abort_on_failure,omitempty"`
}

// Schedule is a recurring multi-step job template. A nil NextRun means the
// schedule is disabled.
type Schedule struct {
	Name         string
	NextRun      *time.Time
	CronExpr     string
	Steps        []ScheduleStep
	EmailSuccess string
	EmailFailure string
	Username     string
}

const scheduleColumns = `name, next_run, cron_expr, steps, email_success,
	email_failure, COALESCE(username, '')`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		sch   Schedule
		steps []byte
	)
	err := row.Scan(&sch.Name, &sch.NextRun, &sch.CronExpr, &steps,
		&sch.EmailSuccess, &sch.EmailFailure, &sch.Username)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(steps, &sch.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of schedule %q: %w", sch.Name, err)
	}
	return &sch, nil
}

// UpsertSchedule creates or replaces a scheduled definition.
func (s *Store) UpsertSchedule(ctx context.Context, sch *Schedule) error {
	steps, err := json.Marshal(sch.Steps)
	if err != nil {
		return fmt.Errorf("encode steps of schedule %q: %w", sch.Name, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO schedule (name, next_run, cron_expr, steps, email_success, email_failure, username)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 ON CONFLICT (name) DO UPDATE SET
			next_run = EXCLUDED.next_run,
			cron_expr = EXCLUDED.cron_expr,
			steps = EXCLUDED.steps,
			email_success = EXCLUDED.email_success,
			email_failure = EXCLUDED.email_failure,
			username = EXCLUDED.username`,
		sch.Name, sch.NextRun, sch.CronExpr, steps,
		sch.EmailSuccess, sch.EmailFailure, sch.Username)
	if err != nil {
		return fmt.Errorf("upsert schedule %q: %w", sch.Name, err)
	}
	return nil
}

// GetSchedule returns the named definition, or nil when it does not exist.
func (s *Store) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	sch, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedule WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %q: %w", name, err)
	}
	return sch, nil
}

// ClaimDueSchedules selects, within tx, all definitions whose next_run has
// passed, skipping rows claimed by a concurrent materialization. Rows stay
// locked until the transaction ends, so two materializations never double-fire
// the same definition.
func ClaimDueSchedules(ctx context.Context, tx pgx.Tx, now time.Time) ([]Schedule, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedule
		 WHERE next_run IS NOT NULL AND next_run <= $1
		 ORDER BY next_run, name
		 FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, fmt.Errorf("claim due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

// SetScheduleNextRun updates, within tx, the next_run of a claimed
// definition. A nil next disables the schedule.
func SetScheduleNextRun(ctx context.Context, tx pgx.Tx, name string, next *time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE schedule SET next_run = $1 WHERE name = $2`, next, name)
	if err != nil {
		return fmt.Errorf("set next_run of schedule %q: %w", name, err)
	}
	return nil
}

// CreateTaskTx inserts a Waiting job record within tx and returns its id.
func CreateTaskTx(ctx context.Context, tx pgx.Tx, name, arguments, username string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO task (name, arguments, status, username)
		 VALUES ($1, $2, 'Waiting', NULLIF($3, ''))
		 RETURNING id`,
		name, arguments, username).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// EarliestNextRun returns the soonest future next_run across all
// definitions, or nil when none is planned.
func (s *Store) EarliestNextRun(ctx context.Context, after time.Time) (*time.Time, error) {
	var next *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT min(next_run) FROM schedule
		 WHERE next_run IS NOT NULL AND next_run > $1`, after).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("earliest next_run: %w", err)
	}
	return next, nil
}
