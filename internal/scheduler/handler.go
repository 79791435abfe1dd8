package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/frePPLe/frepple-data-admin/internal/mail"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/task"
)

// Handler returns the task handler executing one schedule's steps. The
// umbrella job record the handler runs under tracks overall progress; every
// step gets its own job record so its outcome and log survive individually.
//
// A step failure normally lets the remaining steps run and is reported at the
// end; a step marked abort_on_failure stops the run immediately.
func Handler(registry *task.Registry, mailer *mail.Mailer, logger *slog.Logger) task.Handler {
	return func(ctx context.Context, env *task.Env) error {
		name := env.Options["schedule"]
		if name == "" {
			return errors.New("missing --schedule argument")
		}
		sch, err := env.Store.GetSchedule(ctx, name)
		if err != nil {
			return err
		}
		if sch == nil {
			return fmt.Errorf("schedule %q not found", name)
		}

		total := len(sch.Steps)
		var failed []string
		for i, step := range sch.Steps {
			progress := fmt.Sprintf("Running task %s as step %d of %d", step.Name, i+1, total)
			if err := env.Store.SetTaskProgress(ctx, env.Task.ID, (i+1)*100/max(total, 1), progress); err != nil {
				logger.Error("update schedule progress", "schedule", name, "error", err)
			}
			stepID, err := env.Store.CreateTask(ctx, step.Name, step.Arguments, sch.Username)
			if err != nil {
				return fmt.Errorf("create step task %q: %w", step.Name, err)
			}
			err = runStep(ctx, env, registry, stepID, logger)
			if err == nil {
				continue
			}
			logger.Error("schedule step failed",
				"schedule", name, "step", step.Name, "task", stepID, "error", err)
			failed = append(failed, step.Name)
			if step.AbortOnFailure {
				msg := fmt.Sprintf("Failed at step %d of %d", i+1, total)
				report(ctx, env, mailer, sch.EmailFailure,
					fmt.Sprintf("schedule %s failed", name), msg, "failure")
				return errors.New(msg)
			}
		}

		if len(failed) > 0 {
			msg := "Failed at tasks: " + strings.Join(failed, ", ")
			report(ctx, env, mailer, sch.EmailFailure,
				fmt.Sprintf("schedule %s failed", name), msg, "failure")
			return errors.New(msg)
		}
		report(ctx, env, mailer, sch.EmailSuccess,
			fmt.Sprintf("schedule %s completed", name),
			fmt.Sprintf("All %d steps of schedule %s completed.", total, name), "success")
		return nil
	}
}

// runStep executes one schedule step in-process and guarantees its record
// ends terminal. Step handlers run inside the umbrella child, so a panicking
// handler would otherwise leave the step stuck at a progress status with a
// stale pid that no reconciliation ever visits.
func runStep(ctx context.Context, env *task.Env, registry *task.Registry, stepID int64, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
		cur, gerr := env.Store.GetTask(ctx, stepID)
		if gerr != nil || cur == nil || store.IsTerminalStatus(cur.Status) {
			return
		}
		msg := cur.Message
		if err != nil {
			msg = err.Error()
		}
		if ferr := env.Store.FinishTask(ctx, stepID, store.StatusFailed, msg); ferr != nil {
			logger.Error("settle step record", "task", stepID, "error", ferr)
		}
	}()
	return task.Execute(ctx, env.Config, registry, env.Store, stepID, logger)
}

// report emails a run summary to the comma-separated recipient list. Sending
// is best effort: a failure is recorded on the umbrella record's message and
// never changes the run's outcome.
func report(ctx context.Context, env *task.Env, mailer *mail.Mailer, recipients, subject, body, kind string) {
	var to []string
	for _, addr := range strings.Split(recipients, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if mail.ValidAddress(addr) {
			to = append(to, addr)
		}
	}
	if len(to) == 0 {
		return
	}
	if err := mailer.Send(ctx, to, subject, body, ""); err != nil {
		note := fmt.Sprintf("Can't send %s e-mail: %v", kind, err)
		if serr := env.Store.SetTaskMessage(ctx, env.Task.ID, note); serr != nil {
			return
		}
	}
}
