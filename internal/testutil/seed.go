package testutil

import (
	"context"
	"testing"

	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// SeedUser inserts an active user and fails the test on error.
func (db *TestDB) SeedUser(t *testing.T, username, email string, perms ...string) {
	t.Helper()
	err := db.CreateUser(context.Background(), &store.User{
		Username:    username,
		Email:       email,
		Active:      true,
		Permissions: perms,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

// SeedFollower inserts a follower row and returns its id.
func (db *TestDB) SeedFollower(t *testing.T, f *store.Follower) int64 {
	t.Helper()
	id, err := db.CreateFollower(context.Background(), f)
	if err != nil {
		t.Fatalf("seed follower %s/%s for %s: %v", f.Model, f.ObjectPK, f.Username, err)
	}
	return id
}

// SeedEvent inserts an unprocessed change event and returns its id.
func (db *TestDB) SeedEvent(t *testing.T, ev *store.Event) int64 {
	t.Helper()
	id, err := db.InsertEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("seed event on %s/%s: %v", ev.Model, ev.ObjectPK, err)
	}
	return id
}

// SeedTask enqueues a Waiting job record and returns its id.
func (db *TestDB) SeedTask(t *testing.T, name, arguments, username string) int64 {
	t.Helper()
	id, err := db.CreateTask(context.Background(), name, arguments, username)
	if err != nil {
		t.Fatalf("seed task %s: %v", name, err)
	}
	return id
}

// TaskStatus reads back a record's status and fails the test on error.
func (db *TestDB) TaskStatus(t *testing.T, id int64) string {
	t.Helper()
	task, err := db.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %d: %v", id, err)
	}
	if task == nil {
		t.Fatalf("task %d not found", id)
	}
	return task.Status
}
