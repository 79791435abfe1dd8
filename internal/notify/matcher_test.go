package notify_test

import (
	"testing"
	"time"

	"github.com/frePPLe/frepple-data-admin/internal/notify"
	"github.com/frePPLe/frepple-data-admin/internal/notify/notifytest"
	"github.com/frePPLe/frepple-data-admin/internal/store"
)

func demandEvent(pk string, related map[string]string) *store.Event {
	return &store.Event{
		Kind:         store.EventChange,
		Model:        "demand",
		ObjectPK:     pk,
		ObjectRepr:   pk,
		Related:      related,
		LastModified: time.Now(),
	}
}

func TestModelMatcherOwnModel(t *testing.T) {
	t.Parallel()
	m := &notify.ModelMatcher{Model: "demand"}

	f := &store.Follower{Model: "demand", ObjectPK: "order-1", Type: store.DeliveryOnline}
	if !m.Matches(f, demandEvent("order-1", nil)) {
		t.Error("follower of order-1 should match an event on order-1")
	}
	if m.Matches(f, demandEvent("order-2", nil)) {
		t.Error("follower of order-1 must not match an event on order-2")
	}

	wild := &store.Follower{Model: "demand", ObjectPK: store.FollowerAll, Type: store.DeliveryOnline}
	if !m.Matches(wild, demandEvent("order-2", nil)) {
		t.Error("wildcard follower should match any event on its model")
	}
}

func TestModelMatcherChildRollup(t *testing.T) {
	t.Parallel()
	m := &notify.ModelMatcher{Model: "location", Children: map[string]string{"demand": "location"}}

	f := &store.Follower{Model: "location", ObjectPK: "factory A", Type: store.DeliveryOnline}
	ev := demandEvent("order-1", map[string]string{"location": "factory A"})
	if !m.Accepts("demand") {
		t.Fatal("location matcher should accept demand events")
	}
	if !m.Matches(f, ev) {
		t.Error("location follower should match a demand at the followed location")
	}
	if m.Matches(f, demandEvent("order-2", map[string]string{"location": "factory B"})) {
		t.Error("location follower must not match a demand elsewhere")
	}
	if m.Matches(f, demandEvent("order-3", nil)) {
		t.Error("a demand without location data must not match")
	}
}

func TestModelMatcherSubFilter(t *testing.T) {
	t.Parallel()
	m := &notify.ModelMatcher{Model: "item", Children: map[string]string{"demand": "item"}}
	ev := demandEvent("order-1", map[string]string{"item": "widget"})

	unfiltered := &store.Follower{Model: "item", ObjectPK: "widget"}
	if !m.Matches(unfiltered, ev) {
		t.Error("follower without sub filter should receive child events")
	}
	optedIn := &store.Follower{Model: "item", ObjectPK: "widget",
		Args: &store.FollowerArgs{Sub: []string{"demand"}}}
	if !m.Matches(optedIn, ev) {
		t.Error("follower with demand in sub filter should receive demand events")
	}
	optedOut := &store.Follower{Model: "item", ObjectPK: "widget",
		Args: &store.FollowerArgs{Sub: []string{"operation"}}}
	if m.Matches(optedOut, ev) {
		t.Error("follower whose sub filter excludes demand must not match")
	}
}

func TestMatcherRegistryForEvent(t *testing.T) {
	t.Parallel()
	r := notifytest.NewRegistry()

	if got := len(r.ForEvent("demand")); got != 4 {
		t.Errorf("demand events should reach 4 matchers, got %d", got)
	}
	if got := len(r.ForEvent("item")); got != 1 {
		t.Errorf("item events should reach 1 matcher, got %d", got)
	}
	if got := len(r.ForEvent("calendar")); got != 0 {
		t.Errorf("unknown model should reach no matcher, got %d", got)
	}
}

func TestMatcherRegistryPermissionGate(t *testing.T) {
	t.Parallel()
	r := notifytest.NewRegistry()

	super := &store.User{Username: "root", Active: true, Superuser: true}
	planner := &store.User{Username: "planner", Active: true, Permissions: []string{"view_demand"}}
	viewer := &store.User{Username: "viewer", Active: true}

	if !r.Allowed(super, "demand") {
		t.Error("superuser should pass any permission gate")
	}
	if !r.Allowed(planner, "demand") {
		t.Error("user holding view_demand should pass")
	}
	if r.Allowed(viewer, "demand") {
		t.Error("user without view_demand must not pass")
	}
	if !r.Allowed(viewer, "unrestricted_model") {
		t.Error("models without a registered permission are open")
	}
}
