package store_test

import (
	"context"
	"testing"

	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/testutil"
)

func TestClaimOldestWaitingFIFO(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	first := db.SeedTask(t, "noop", "", "")
	second := db.SeedTask(t, "noop", "", "")
	third := db.SeedTask(t, "noop", "", "")

	for _, want := range []int64{first, second, third} {
		claimed, err := db.ClaimOldestWaiting(ctx, 1000, nil)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if claimed == nil {
			t.Fatalf("expected a claimable record, got none")
		}
		if claimed.ID != want {
			t.Fatalf("claimed %d, want %d (submission order)", claimed.ID, want)
		}
		// Finish it so the next claim moves on.
		if err := db.FinishTask(ctx, claimed.ID, store.StatusDone, ""); err != nil {
			t.Fatalf("finish: %v", err)
		}
	}

	claimed, err := db.ClaimOldestWaiting(ctx, 1000, nil)
	if err != nil {
		t.Fatalf("claim empty queue: %v", err)
	}
	if claimed != nil {
		t.Fatalf("empty queue should yield nil, got task %d", claimed.ID)
	}
}

func TestClaimSkipsLiveOwner(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := db.SeedTask(t, "noop", "", "")
	// First claimer stamps its pid.
	claimed, err := db.ClaimOldestWaiting(ctx, 1000, nil)
	if err != nil || claimed == nil || claimed.ID != id {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}

	// A second claimer must not steal the record while pid 1000 is alive.
	alive := func(pid int32) bool { return pid == 1000 }
	stolen, err := db.ClaimOldestWaiting(ctx, 2000, alive)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if stolen != nil {
		t.Fatalf("record owned by a live process was stolen by pid 2000")
	}

	// Once the owner is dead the record is reclaimable.
	dead := func(int32) bool { return false }
	reclaimed, err := db.ClaimOldestWaiting(ctx, 2000, dead)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != id {
		t.Fatalf("dead owner's record should be reclaimable, got %v", reclaimed)
	}
}

func TestFinishTaskReconciliation(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := db.SeedTask(t, "noop", "", "planner")
	if err := db.FinishTask(ctx, id, store.StatusDone, "all good"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusDone || got.Message != "all good" {
		t.Errorf("status/message = %q/%q", got.Status, got.Message)
	}
	if got.Started == nil || got.Finished == nil {
		t.Fatal("finish must backfill started and finished")
	}
	if got.Finished.Before(*got.Started) {
		t.Errorf("finished %v before started %v", got.Finished, got.Started)
	}
	if got.ProcessID != nil {
		t.Errorf("terminal record still carries pid %d", *got.ProcessID)
	}
	if got.Username != "planner" {
		t.Errorf("username = %q", got.Username)
	}
}

func TestFinishTaskRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	id := db.SeedTask(t, "noop", "", "")
	if err := db.FinishTask(context.Background(), id, "50%", ""); err == nil {
		t.Fatal("FinishTask must reject non-terminal statuses")
	}
}

func TestTaskProgressAndListing(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	id := db.SeedTask(t, "frepple_run", "--constraint=capacity", "planner")
	other := db.SeedTask(t, "noop", "", "")

	if err := db.StartTask(ctx, id, 4242); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := db.SetTaskProgress(ctx, id, 40, "solving"); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, err := db.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "40%" || got.Message != "solving" {
		t.Errorf("status/message = %q/%q", got.Status, got.Message)
	}
	if got.ProcessID == nil || *got.ProcessID != 4242 {
		t.Errorf("pid = %v, want 4242", got.ProcessID)
	}

	tasks, err := db.ListTasks(ctx, store.TaskFilter{Name: "frepple_run"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != id {
		t.Fatalf("filter by name returned %v", tasks)
	}

	all, err := db.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 || all[0].ID != other {
		t.Fatalf("unfiltered list should be newest-first, got %v", all)
	}
}

func TestGetTaskAbsent(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)

	got, err := db.GetTask(context.Background(), 99999)
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if got != nil {
		t.Fatalf("absent task should be nil, got %v", got)
	}
}

func TestProgressStatusClamps(t *testing.T) {
	t.Parallel()
	if got := store.ProgressStatus(-5); got != "0%" {
		t.Errorf("ProgressStatus(-5) = %q", got)
	}
	if got := store.ProgressStatus(150); got != "99%" {
		t.Errorf("ProgressStatus(150) = %q", got)
	}
	if got := store.ProgressStatus(40); got != "40%" {
		t.Errorf("ProgressStatus(40) = %q", got)
	}
}
