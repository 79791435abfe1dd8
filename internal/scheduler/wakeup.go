package scheduler

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// WakeupScheduler arms a one-shot OS-level trigger that re-runs schedule
// materialization at a given time. It exists as an interface so tests can
// observe the armed time without touching the host's at queue.
type WakeupScheduler interface {
	ScheduleWakeup(ctx context.Context, at time.Time) error
}

// AtScheduler arms wake-ups through the Unix at(1) command. Each call queues
// one job that re-invokes this binary's scheduletasks subcommand; at's
// resolution is one minute, so the materializer still re-checks due rows
// itself.
type AtScheduler struct {
	// Executable is the binary the at job invokes.
	Executable string
}

func (a *AtScheduler) ScheduleWakeup(ctx context.Context, at time.Time) error {
	cmd := exec.CommandContext(ctx, "at", at.Format("15:04 06-01-02"))
	cmd.Stdin = strings.NewReader(a.Executable + " scheduletasks\n")
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("at %s: %w: %s", at.Format(time.RFC3339), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// RecordingWakeup captures armed wake-up times. Test double.
type RecordingWakeup struct {
	Armed []time.Time
}

func (r *RecordingWakeup) ScheduleWakeup(_ context.Context, at time.Time) error {
	r.Armed = append(r.Armed, at)
	return nil
}
