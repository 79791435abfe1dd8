package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/testutil"
)

func changeEvent(model, pk string) *store.Event {
	return &store.Event{
		Kind:         store.EventChange,
		Model:        model,
		ObjectPK:     pk,
		ObjectRepr:   pk,
		LastModified: time.Now(),
	}
}

func TestClaimUnprocessedEvents(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	db.SeedUser(t, "planner", "planner@example.com")
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, db.SeedEvent(t, changeEvent("item", "widget")))
	}

	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		events, err := store.ClaimUnprocessedEvents(ctx, tx, 2)
		if err != nil {
			return err
		}
		if len(events) != 2 {
			t.Fatalf("claimed %d events, want batch of 2", len(events))
		}
		// Ordered by id.
		if events[0].ID != ids[0] || events[1].ID != ids[1] {
			t.Fatalf("claim order = %d, %d", events[0].ID, events[1].ID)
		}
		return store.MarkEventProcessed(ctx, tx, events[0].ID)
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	n, err := db.CountUnprocessedEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("unprocessed = %d, want 2", n)
	}
}

func TestMarkAllEventsProcessed(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		db.SeedEvent(t, changeEvent("demand", "order-1"))
	}

	var marked int64
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		marked, err = store.MarkAllEventsProcessed(ctx, tx)
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if marked != 4 {
		t.Fatalf("marked = %d, want 4", marked)
	}

	n, err := db.CountUnprocessedEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("unprocessed = %d after mark-all", n)
	}
}

func TestClaimedEventsNotSharedBetweenWorkers(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	db.SeedEvent(t, changeEvent("location", "factory A"))

	tx1, err := db.Pool().Begin(ctx)
	if err != nil {
		t.Fatalf("begin tx1: %v", err)
	}
	defer tx1.Rollback(ctx) //nolint:errcheck
	first, err := store.ClaimUnprocessedEvents(ctx, tx1, 50)
	if err != nil || len(first) != 1 {
		t.Fatalf("first claim = %v, %v", first, err)
	}

	err = db.WithTx(ctx, func(tx pgx.Tx) error {
		second, err := store.ClaimUnprocessedEvents(ctx, tx, 50)
		if err != nil {
			return err
		}
		if len(second) != 0 {
			t.Fatal("event claimed by a concurrent worker was claimed again")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second tx: %v", err)
	}
}
