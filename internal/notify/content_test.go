package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/frePPLe/frepple-data-admin/internal/store"
)

func TestSubject(t *testing.T) {
	t.Parallel()
	ev := &store.Event{Kind: store.EventAdd, Model: "demand", ObjectRepr: "order-1"}
	if got, want := Subject(ev), "data-admin: Added demand 'order-1'"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}
	ev.Kind = store.EventDelete
	if got, want := Subject(ev), "data-admin: Deleted demand 'order-1'"; got != want {
		t.Errorf("Subject = %q, want %q", got, want)
	}
	ev.Kind = store.EventFollower
	if got := Subject(ev); !strings.HasPrefix(got, "data-admin: Update on") {
		t.Errorf("unknown kinds should fall back to a generic subject, got %q", got)
	}
}

func TestBody(t *testing.T) {
	t.Parallel()
	ev := &store.Event{
		Kind:         store.EventComment,
		Model:        "item",
		ObjectRepr:   "widget",
		Comment:      "check the safety stock",
		Username:     "planner",
		LastModified: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	body := Body(ev)
	for _, want := range []string{"Comment item 'widget'", "by planner", "check the safety stock"} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestBodyHTML(t *testing.T) {
	t.Parallel()
	ev := &store.Event{
		Kind:         store.EventChange,
		Model:        "item",
		ObjectRepr:   "widget <v2>",
		Comment:      "lead time & stock updated",
		Username:     "planner",
		LastModified: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	got := BodyHTML(ev)
	for _, want := range []string{
		"<b>widget &lt;v2&gt;</b>",
		"by planner",
		"<p>lead time &amp; stock updated</p>",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("html body missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "<v2>") {
		t.Error("html body must escape markup in object representations")
	}
}
