package store_test

import (
	"context"
	"testing"

	"github.com/frePPLe/frepple-data-admin/internal/store"
	"github.com/frePPLe/frepple-data-admin/internal/testutil"
)

func TestSyncScenarios(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := db.SyncScenarios(ctx, "testdb", []string{"acme", "globex"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	scenarios, err := db.ListScenarios(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(scenarios) != 3 {
		t.Fatalf("scenarios = %d, want 3", len(scenarios))
	}

	def, err := db.GetScenario(ctx, "testdb")
	if err != nil {
		t.Fatalf("get default: %v", err)
	}
	if def.Status != store.ScenarioInUse || def.Description != "Production" {
		t.Errorf("default scenario = %q/%q", def.Status, def.Description)
	}
	acme, err := db.GetScenario(ctx, "acme")
	if err != nil {
		t.Fatalf("get acme: %v", err)
	}
	if acme.Status != store.ScenarioFree {
		t.Errorf("acme status = %q, want free", acme.Status)
	}

	// A busy marker survives a re-sync; dropped tenants disappear.
	if err := db.SetScenarioStatus(ctx, "acme", store.ScenarioBusy); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := db.SyncScenarios(ctx, "testdb", []string{"acme"}); err != nil {
		t.Fatalf("resync: %v", err)
	}
	acme, err = db.GetScenario(ctx, "acme")
	if err != nil {
		t.Fatalf("get acme: %v", err)
	}
	if acme.Status != store.ScenarioBusy {
		t.Errorf("resync reset acme to %q", acme.Status)
	}
	gone, err := db.GetScenario(ctx, "globex")
	if err != nil {
		t.Fatalf("get globex: %v", err)
	}
	if gone != nil {
		t.Error("dropped tenant should be removed from the registry")
	}
}
