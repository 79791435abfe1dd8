package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/testutil"
)

func seedSchedule(t *testing.T, db *testutil.TestDB, name string, next *time.Time) {
	t.Helper()
	err := db.UpsertSchedule(context.Background(), &store.Schedule{
		Name:     name,
		NextRun:  next,
		CronExpr: "0 2 * * *",
		Steps: []store.ScheduleStep{
			{Name: "noop"},
		},
		Username: "planner",
	})
	if err != nil {
		t.Fatalf("seed schedule %s: %v", name, err)
	}
}

func TestClaimDueSchedules(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	earlier := now.Add(-2 * time.Hour)
	future := now.Add(time.Hour)
	seedSchedule(t, db, "nightly", &past)
	seedSchedule(t, db, "weekly", &earlier)
	seedSchedule(t, db, "later", &future)
	seedSchedule(t, db, "disabled", nil)

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		due, err := store.ClaimDueSchedules(ctx, tx, now)
		if err != nil {
			return err
		}
		if len(due) != 2 {
			t.Fatalf("due schedules = %d, want 2", len(due))
		}
		// Ordered by next_run.
		if due[0].Name != "weekly" || due[1].Name != "nightly" {
			t.Fatalf("due order = %s, %s", due[0].Name, due[1].Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestClaimDueSchedulesSkipsLockedRows(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	seedSchedule(t, db, "nightly", &past)

	// Hold the row locked in one transaction; a concurrent claim must see an
	// empty due list instead of blocking or double-firing.
	tx1, err := db.Pool().Begin(ctx)
	if err != nil {
		t.Fatalf("begin tx1: %v", err)
	}
	defer tx1.Rollback(ctx) //nolint:errcheck
	first, err := store.ClaimDueSchedules(ctx, tx1, now)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}

	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		second, err := store.ClaimDueSchedules(ctx, tx, now)
		if err != nil {
			return err
		}
		if len(second) != 0 {
			t.Fatalf("locked schedule was claimed twice")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
}

func TestSetScheduleNextRunAndEarliest(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	soon := now.Add(30 * time.Minute).UTC().Truncate(time.Second)
	later := now.Add(2 * time.Hour).UTC().Truncate(time.Second)
	seedSchedule(t, db, "soonest", &soon)
	seedSchedule(t, db, "later", &later)

	next, err := db.EarliestNextRun(ctx, now)
	if err != nil {
		t.Fatalf("earliest: %v", err)
	}
	if next == nil || !next.Equal(soon) {
		t.Fatalf("EarliestNextRun = %v, want %v", next, soon)
	}

	// Disabling the earliest moves the horizon.
	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		return store.SetScheduleNextRun(ctx, tx, "soonest", nil)
	})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	next, err = db.EarliestNextRun(ctx, now)
	if err != nil {
		t.Fatalf("earliest after disable: %v", err)
	}
	if next == nil || !next.Equal(later) {
		t.Fatalf("EarliestNextRun = %v, want %v", next, later)
	}

	sch, err := db.GetSchedule(ctx, "soonest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sch.NextRun != nil {
		t.Fatalf("disabled schedule still has next_run %v", sch.NextRun)
	}
}
