package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// EnsureWorker spawns a detached queue worker for the store's tenant unless
// one already advertises a fresh heartbeat. Launching is best effort: the
// advisory lock inside the spawned worker resolves any race between two
// launchers that both saw a stale heartbeat.
func EnsureWorker(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) error {
	fresh, err := st.HeartbeatFresh(ctx, store.QueueWorkerHeartbeat)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	exe, err := cfg.Executable()
	if err != nil {
		return fmt.Errorf("resolve worker executable: %w", err)
	}
	logger.Info("launching worker", "tenant", st.Tenant())
	return LaunchDetached(exe, "runworker", "--tenant", st.Tenant())
}

// LaunchDetached starts exe with args and immediately releases the child so
// it outlives the current process. Output goes to the child's own task logs,
// not to this process's stdio.
func LaunchDetached(exe string, args ...string) error {
	cmd := exec.Command(exe, args...)
	cmd.Env = os.Environ()
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s %v: %w", exe, args, err)
	}
	return cmd.Process.Release()
}
