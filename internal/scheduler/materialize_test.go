package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/scheduler"
	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMaterializeCreatesTaskAndAdvances(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{}

	// Fresh heartbeat keeps Materialize from spawning a real worker process.
	if err := db.RefreshHeartbeat(ctx, store.QueueWorkerHeartbeat); err != nil {
		t.Fatalf("refresh heartbeat: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := db.UpsertSchedule(ctx, &store.Schedule{
		Name:     "nightly plan",
		NextRun:  &past,
		CronExpr: "0 2 * * *",
		Steps:    []store.ScheduleStep{{Name: "noop"}},
		Username: "planner",
	})
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	wake := &scheduler.RecordingWakeup{}
	created, err := scheduler.Materialize(ctx, cfg, db.Store, wake, discardLogger())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}

	tasks, err := db.ListTasks(ctx, store.TaskFilter{Name: scheduler.TaskName})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Status != store.StatusWaiting {
		t.Errorf("task status = %q", tasks[0].Status)
	}
	if tasks[0].Arguments != "--schedule='nightly plan'" {
		t.Errorf("task arguments = %q", tasks[0].Arguments)
	}
	if tasks[0].Username != "planner" {
		t.Errorf("task username = %q", tasks[0].Username)
	}

	sch, err := db.GetSchedule(ctx, "nightly plan")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if sch.NextRun == nil || !sch.NextRun.After(time.Now()) {
		t.Fatalf("next_run = %v, want a future time", sch.NextRun)
	}

	if len(wake.Armed) != 1 {
		t.Fatalf("wake-ups armed = %d, want 1", len(wake.Armed))
	}
	if !wake.Armed[0].Equal(*sch.NextRun) {
		t.Errorf("wake-up armed at %v, schedule next_run %v", wake.Armed[0], sch.NextRun)
	}
}

func TestMaterializeIdempotent(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{}

	if err := db.RefreshHeartbeat(ctx, store.QueueWorkerHeartbeat); err != nil {
		t.Fatalf("refresh heartbeat: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := db.UpsertSchedule(ctx, &store.Schedule{
		Name:     "hourly export",
		NextRun:  &past,
		CronExpr: "0 * * * *",
		Steps:    []store.ScheduleStep{{Name: "noop"}},
	})
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	first, err := scheduler.Materialize(ctx, cfg, db.Store, nil, discardLogger())
	if err != nil {
		t.Fatalf("first materialize: %v", err)
	}
	second, err := scheduler.Materialize(ctx, cfg, db.Store, nil, discardLogger())
	if err != nil {
		t.Fatalf("second materialize: %v", err)
	}
	if first != 1 || second != 0 {
		t.Fatalf("created = %d then %d, want 1 then 0", first, second)
	}

	tasks, err := db.ListTasks(ctx, store.TaskFilter{Name: scheduler.TaskName})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("a due schedule fired %d times, want once", len(tasks))
	}
}

func TestMaterializeDisablesInvalidCron(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	cfg := &config.Config{}

	if err := db.RefreshHeartbeat(ctx, store.QueueWorkerHeartbeat); err != nil {
		t.Fatalf("refresh heartbeat: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	err := db.UpsertSchedule(ctx, &store.Schedule{
		Name:     "broken",
		NextRun:  &past,
		CronExpr: "not a cron line",
		Steps:    []store.ScheduleStep{{Name: "noop"}},
	})
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}

	created, err := scheduler.Materialize(ctx, cfg, db.Store, nil, discardLogger())
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if created != 1 {
		t.Fatalf("created = %d, want 1 (the due run still fires)", created)
	}
	sch, err := db.GetSchedule(ctx, "broken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sch.NextRun != nil {
		t.Fatalf("invalid cron should disable the schedule, next_run = %v", sch.NextRun)
	}
}
