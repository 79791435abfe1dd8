package worker

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func TestEnforceLogRetention(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("removes oldest first", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		oldest := writeLog(t, dir, "runplan_1.log", 1<<20, 3*time.Hour)
		middle := writeLog(t, dir, "runplan_2.log", 1<<20, 2*time.Hour)
		newest := writeLog(t, dir, "runplan_3.log", 1<<20, time.Hour)
		keep := writeLog(t, dir, "notes.txt", 1<<20, 4*time.Hour)

		// Cap of 2 MB: 3 MB of logs means the single oldest log goes.
		if err := EnforceLogRetention(dir, 2, logger); err != nil {
			t.Fatalf("EnforceLogRetention: %v", err)
		}
		if _, err := os.Stat(oldest); !os.IsNotExist(err) {
			t.Errorf("oldest log should be removed, stat err = %v", err)
		}
		for _, path := range []string{middle, newest, keep} {
			if _, err := os.Stat(path); err != nil {
				t.Errorf("%s should survive: %v", filepath.Base(path), err)
			}
		}
	})

	t.Run("under limit is a no-op", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		path := writeLog(t, dir, "export_9.log", 512, time.Hour)
		if err := EnforceLogRetention(dir, 1, logger); err != nil {
			t.Fatalf("EnforceLogRetention: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("log under limit should survive: %v", err)
		}
	})

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()
		if err := EnforceLogRetention(filepath.Join(t.TempDir(), "absent"), 1, logger); err != nil {
			t.Fatalf("missing dir should not error: %v", err)
		}
	})
}
