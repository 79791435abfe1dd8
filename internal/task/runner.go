// ABOUTME: Parent-side task execution. Spawns the process's own binary as an
// ABOUTME: isolated child per job record and reconciles the record on exit.
package task

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/tenant"
)

// Runner executes claimed job records. Each record runs in a freshly spawned
// child process (the own executable re-invoked with the runtask subcommand)
// so a crashing task cannot take the worker loop down with it.
type Runner struct {
	cfg      *config.Config
	tenants  *tenant.Registry
	registry *Registry
	logger   *slog.Logger
}

// NewRunner returns a Runner executing tasks from registry against the
// tenants known to the tenant registry.
func NewRunner(cfg *config.Config, tenants *tenant.Registry, registry *Registry, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, tenants: tenants, registry: registry, logger: logger}
}

// Run executes one job record to completion and returns once the record is in
// a terminal state. Records naming an unregistered task are marked Failed
// without spawning a child.
func (r *Runner) Run(ctx context.Context, st *store.Store, t *store.Task) error {
	if !r.registry.Has(t.Name) {
		r.logger.Error("task not registered", "task", t.Name, "id", t.ID, "tenant", st.Tenant())
		msg := fmt.Sprintf("%v: %s", ErrUnknownTask, t.Name)
		if err := st.FinishTask(ctx, t.ID, store.StatusFailed, msg); err != nil {
			return fmt.Errorf("mark task %d failed: %w", t.ID, err)
		}
		return nil
	}

	// Close idle connections before forking so the child starts from a clean
	// pool state.
	r.tenants.Reset(st.Tenant())

	logName := fmt.Sprintf("%s_%d.log", sanitizeLogName(t.Name), t.ID)
	logPath := filepath.Join(r.cfg.LogDir, logName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open task log %s: %w", logPath, err)
	}
	defer logFile.Close()
	if err := st.SetTaskLogFile(ctx, t.ID, logName); err != nil {
		return fmt.Errorf("record log file for task %d: %w", t.ID, err)
	}

	exe, err := r.cfg.Executable()
	if err != nil {
		return fmt.Errorf("resolve worker executable: %w", err)
	}
	cmd := exec.Command(exe, "runtask",
		"--tenant", st.Tenant(),
		"--task", strconv.FormatInt(t.ID, 10))
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ferr := st.FinishTask(ctx, t.ID, store.StatusFailed, fmt.Sprintf("spawn task process: %v", err)); ferr != nil {
			return fmt.Errorf("mark task %d failed: %w", t.ID, ferr)
		}
		return nil
	}
	pid := int32(cmd.Process.Pid)
	if err := st.SetTaskProcessID(ctx, t.ID, pid); err != nil {
		r.logger.Error("record child pid", "task", t.ID, "pid", pid, "error", err)
	}
	r.logger.Info("task started", "task", t.Name, "id", t.ID, "tenant", st.Tenant(), "pid", pid)

	waitErr := cmd.Wait()
	r.logger.Info("task exited", "task", t.Name, "id", t.ID,
		"duration", time.Since(start).Round(time.Millisecond), "error", waitErr)

	return r.reconcile(ctx, st, t, waitErr)
}

// reconcile repairs the record after the child exits. A well-behaved child
// leaves a terminal status with both timestamps set; a crashed or killed one
// may leave anything behind. Records whose arguments mention "background" are
// left untouched when still running: they hand off to another process.
func (r *Runner) reconcile(ctx context.Context, st *store.Store, t *store.Task, waitErr error) error {
	cur, err := st.GetTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("reload task %d: %w", t.ID, err)
	}
	if cur == nil {
		return nil
	}

	if !store.IsTerminalStatus(cur.Status) {
		if strings.Contains(cur.Arguments, "background") {
			return st.ClearTaskProcessID(ctx, t.ID)
		}
		status := store.StatusDone
		message := cur.Message
		if waitErr != nil {
			status = store.StatusFailed
			message = waitErr.Error()
			if exited, signaled := exitState(waitErr); exited && signaled {
				status = store.StatusCancelled
			}
		}
		return st.FinishTask(ctx, t.ID, status, message)
	}
	if cur.Started == nil || cur.Finished == nil {
		// Keep the child's verdict, fill in the missing timestamps.
		return st.FinishTask(ctx, t.ID, cur.Status, cur.Message)
	}
	return st.ClearTaskProcessID(ctx, t.ID)
}

// exitState reports whether waitErr describes a process exit, and whether
// that exit was caused by a signal (the cancellation path sends SIGTERM).
func exitState(waitErr error) (exited, signaled bool) {
	ee, ok := waitErr.(*exec.ExitError)
	if !ok {
		return false, false
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok {
		return true, false
	}
	return true, ws.Signaled()
}

func sanitizeLogName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// ProcessAlive reports whether pid names a live process this user can signal.
// It backs the claim path's defensive reclaim of records stamped by a worker
// that died without cleaning up.
func ProcessAlive(pid int32) bool {
	p, err := os.FindProcess(int(pid))
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
