package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Heartbeat parameter keys. The queue worker and the notification worker
// keep separate liveness markers.
const (
	QueueWorkerHeartbeat        = "Worker alive"
	NotificationWorkerHeartbeat = "Notification worker alive"
)

// HeartbeatStale is the age beyond which a heartbeat no longer counts as a
// live worker.
const HeartbeatStale = 5 * time.Second

// GetParameter returns the value of a parameter, or def when absent.
func (s *Store) GetParameter(ctx context.Context, name, def string) (string, error) {
	var value *string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM parameter WHERE name = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("get parameter %q: %w", name, err)
	}
	if value == nil {
		return def, nil
	}
	return *value, nil
}

// SetParameter upserts a parameter value.
func (s *Store) SetParameter(ctx context.Context, name, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO parameter (name, value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET value = $2, last_modified = now()`,
		name, value)
	if err != nil {
		return fmt.Errorf("set parameter %q: %w", name, err)
	}
	return nil
}

// DeleteParameter removes a parameter. Deleting an absent parameter is not
// an error.
func (s *Store) DeleteParameter(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM parameter WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete parameter %q: %w", name, err)
	}
	return nil
}

// RefreshHeartbeat stamps the named heartbeat with the current wall clock.
func (s *Store) RefreshHeartbeat(ctx context.Context, key string) error {
	return s.SetParameter(ctx, key, time.Now().Format(time.RFC3339))
}

// HeartbeatFresh reports whether the named heartbeat was refreshed within
// HeartbeatStale. This is an advisory liveness signal for launchers, not a
// lock — mutual exclusion comes from the session advisory locks.
func (s *Store) HeartbeatFresh(ctx context.Context, key string) (bool, error) {
	raw, err := s.GetParameter(ctx, key, "")
	if err != nil || raw == "" {
		return false, err
	}
	stamp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// An unparsable heartbeat counts as stale.
		return false, nil
	}
	return time.Since(stamp) <= HeartbeatStale, nil
}
