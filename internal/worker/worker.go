// Package worker runs the per-tenant job queue loop. At most one loop is
// active per tenant, guarded by a session advisory lock; a heartbeat
// parameter row lets launchers skip spawning when a worker already runs.
package worker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/task"
)

// Worker drains a single tenant's job queue. When Continuous is false the
// loop exits after one full poll interval without claimable work; when true
// it polls forever until the context is cancelled.
type Worker struct {
	cfg        *config.Config
	st         *store.Store
	runner     *task.Runner
	logger     *slog.Logger
	Continuous bool
}

// New returns a Worker for the store's tenant.
func New(cfg *config.Config, st *store.Store, runner *task.Runner, logger *slog.Logger) *Worker {
	return &Worker{cfg: cfg, st: st, runner: runner, logger: logger}
}

// Run claims and executes job records until the queue drains (or forever in
// continuous mode). It returns nil without doing work when another worker
// already holds the tenant's lock.
func (w *Worker) Run(ctx context.Context) error {
	// run_id correlates all log lines of one worker run across restarts.
	logger := w.logger.With("tenant", w.st.Tenant(), "run_id", uuid.NewString())

	lock, err := w.st.TryAcquireLock(ctx, store.QueueWorkerLockKey(w.st.Tenant()))
	if err != nil {
		return err
	}
	if lock == nil {
		logger.Info("worker already active, exiting")
		return nil
	}
	defer lock.Release(context.WithoutCancel(ctx))

	if err := w.st.RefreshHeartbeat(ctx, store.QueueWorkerHeartbeat); err != nil {
		logger.Error("refresh heartbeat", "error", err)
	}
	stopBeat := w.startHeartbeat(ctx, logger)
	defer stopBeat()

	logger.Info("worker started", "pid", os.Getpid(), "continuous", w.Continuous)

	// Idle debounce: the first empty poll arms the grace state, the second
	// consecutive one ends the loop. Any claimed record resets it.
	idle := false
	for ctx.Err() == nil {
		t, err := w.st.ClaimOldestWaiting(ctx, int32(os.Getpid()), task.ProcessAlive)
		if err != nil {
			// A claim failure counts as an idle pass, so a one-shot worker
			// facing an unreachable database still terminates. The launcher
			// relaunches it once the heartbeat goes stale.
			logger.Error("claim task", "error", err)
		}
		if t != nil {
			idle = false
			if err := w.runner.Run(ctx, w.st, t); err != nil {
				// Execution infrastructure failed; the record itself was
				// reconciled where possible. Keep draining the queue.
				logger.Error("run task", "task", t.Name, "id", t.ID, "error", err)
			}
			continue
		}
		if w.Continuous {
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		if !idle {
			idle = true
			sleepCtx(ctx, w.cfg.PollInterval)
			continue
		}
		break
	}

	logger.Info("worker exiting")
	stopBeat()
	shutdownCtx := context.WithoutCancel(ctx)
	if err := w.st.DeleteParameter(shutdownCtx, store.QueueWorkerHeartbeat); err != nil {
		logger.Error("clear heartbeat", "error", err)
	}
	if err := EnforceLogRetention(w.cfg.LogDir, w.cfg.MaxTotalLogFileSizeMB, logger); err != nil {
		logger.Error("log retention sweep", "error", err)
	}
	return nil
}

// startHeartbeat refreshes the worker's liveness marker on an interval until
// the returned stop function is called. Stop is idempotent.
func (w *Worker) startHeartbeat(ctx context.Context, logger *slog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.st.RefreshHeartbeat(ctx, store.QueueWorkerHeartbeat); err != nil {
					logger.Error("refresh heartbeat", "error", err)
				}
			}
		}
	}()
	var once bool
	return func() {
		if once {
			return
		}
		once = true
		close(done)
		<-stopped
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
