// ABOUTME: Time-based schedule materialization. Claims due schedule rows with
// ABOUTME: SKIP LOCKED, creates umbrella job records and advances next_run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/worker"
)

// TaskName is the job record name under which schedule executions run.
const TaskName = "scheduletasks"

// NextRun computes the first fire time of a cron expression strictly after
// now. A one second offset guards against re-materializing the same minute
// when the clock sits exactly on a boundary. Returns nil for an empty or
// invalid expression, which disables the schedule.
func NextRun(expr string, now time.Time) *time.Time {
	if expr == "" {
		return nil
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil
	}
	next := sched.Next(now.Add(time.Second))
	if next.IsZero() {
		return nil
	}
	return &next
}

// Materialize turns every due schedule of one tenant into a queued job record
// and advances (or clears) its next_run, all inside a single transaction so
// concurrent materializers running against the same database divide the due
// rows between them instead of duplicating work. It returns the number of job
// records created.
//
// After committing it launches a queue worker when records were created, and
// arms an OS-level wake-up for the earliest upcoming next_run so due
// schedules fire even when no poller is running.
func Materialize(ctx context.Context, cfg *config.Config, st *store.Store, wake WakeupScheduler, logger *slog.Logger) (int, error) {
	now := time.Now()
	created := 0
	err := st.WithTx(ctx, func(tx pgx.Tx) error {
		due, err := store.ClaimDueSchedules(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, sch := range due {
			args := fmt.Sprintf("--schedule='%s'", sch.Name)
			id, err := store.CreateTaskTx(ctx, tx, TaskName, args, sch.Username)
			if err != nil {
				return err
			}
			created++
			next := NextRun(sch.CronExpr, now)
			if next == nil && sch.CronExpr != "" {
				logger.Error("invalid cron expression, disabling schedule",
					"schedule", sch.Name, "cron", sch.CronExpr, "tenant", st.Tenant())
			}
			if err := store.SetScheduleNextRun(ctx, tx, sch.Name, next); err != nil {
				return err
			}
			logger.Info("schedule due, task created",
				"schedule", sch.Name, "task", id, "tenant", st.Tenant(), "next_run", next)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("materialize schedules: %w", err)
	}

	if created > 0 {
		if err := worker.EnsureWorker(ctx, cfg, st, logger); err != nil {
			logger.Error("launch worker", "tenant", st.Tenant(), "error", err)
		}
	}

	if wake != nil {
		next, err := st.EarliestNextRun(ctx, time.Now())
		if err != nil {
			logger.Error("read earliest next_run", "tenant", st.Tenant(), "error", err)
		} else if next != nil {
			if err := wake.ScheduleWakeup(ctx, *next); err != nil {
				// Missing the wake-up only delays schedules until the next
				// poll or manual run, so log and move on.
				logger.Error("arm scheduler wake-up", "at", *next, "error", err)
			}
		}
	}
	return created, nil
}
