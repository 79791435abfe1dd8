package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// Execute is the child-process entry point behind the runtask subcommand. It
// loads the record, marks it started under its own pid, runs the handler and
// leaves the record in a terminal state. The parent's reconciliation covers
// the cases where this function never gets to run.
func Execute(ctx context.Context, cfg *config.Config, registry *Registry, st *store.Store, taskID int64, logger *slog.Logger) error {
	t, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %d: %w", taskID, err)
	}
	if t == nil {
		return fmt.Errorf("task %d: no such record", taskID)
	}
	if store.IsTerminalStatus(t.Status) {
		return fmt.Errorf("task %d already finished with status %q", taskID, t.Status)
	}

	h := registry.Get(t.Name)
	if h == nil {
		msg := fmt.Sprintf("%v: %s", ErrUnknownTask, t.Name)
		if ferr := st.FinishTask(ctx, taskID, store.StatusFailed, msg); ferr != nil {
			return fmt.Errorf("mark task %d failed: %w", taskID, ferr)
		}
		return fmt.Errorf("task %d: %w: %s", taskID, ErrUnknownTask, t.Name)
	}

	if err := st.StartTask(ctx, taskID, int32(os.Getpid())); err != nil {
		return fmt.Errorf("mark task %d started: %w", taskID, err)
	}

	args, opts := ParseArguments(t.Arguments)
	env := &Env{
		Tenant:  st.Tenant(),
		Store:   st,
		Task:    t,
		Args:    args,
		Options: opts,
		Config:  cfg,
	}

	logger.Info("running task", "task", t.Name, "id", taskID, "tenant", st.Tenant())
	if err := h(ctx, env); err != nil {
		logger.Error("task handler failed", "task", t.Name, "id", taskID, "error", err)
		if ferr := st.FinishTask(ctx, taskID, store.StatusFailed, err.Error()); ferr != nil {
			return fmt.Errorf("mark task %d failed: %w", taskID, ferr)
		}
		return err
	}

	// The handler may have finished the record itself, e.g. to hand off to a
	// background process. Only stamp Done when it is still in flight.
	cur, err := st.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("reload task %d: %w", taskID, err)
	}
	if cur != nil && !store.IsTerminalStatus(cur.Status) {
		if err := st.FinishTask(ctx, taskID, store.StatusDone, cur.Message); err != nil {
			return fmt.Errorf("mark task %d done: %w", taskID, err)
		}
	}
	return nil
}
