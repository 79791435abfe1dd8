// Package store provides the data access layer for one tenant database.
// All claim operations (job records, due schedules, change-event batches)
// use pgx native transactions with FOR UPDATE SKIP LOCKED; worker
// exclusivity uses session-scoped advisory locks held on a dedicated
// connection for the lifetime of the worker.
package store

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the data access object for a single tenant database.
type Store struct {
	pool   *pgxpool.Pool
	tenant string
}

// New creates a Store backed by pool for the named tenant.
func New(pool *pgxpool.Pool, tenant string) *Store {
	return &Store{pool: pool, tenant: tenant}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (tests, migrations).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Tenant returns the tenant name this store is bound to.
func (s *Store) Tenant() string { return s.tenant }

// WithTx runs fn inside a pgx transaction. The transaction is committed if
// fn returns nil, rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on panic or fn error
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// advisoryKey returns a stable int64 advisory lock key for the given domain
// and tenant. The domain prefix keeps the queue worker and the notification
// worker in disjoint lock spaces even though they guard the same tenant.
func advisoryKey(domain, tenant string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(domain + ":" + tenant))
	// Intentional uint64→int64 reinterpretation: advisory lock keys use the
	// full int64 range.
	return int64(h.Sum64()) //nolint:gosec // G115: full-range reinterpretation
}

// QueueWorkerLockKey returns the advisory lock key guarding the single queue
// worker slot of a tenant.
func QueueWorkerLockKey(tenant string) int64 {
	return advisoryKey("worker", tenant)
}

// NotificationWorkerLockKey returns the advisory lock key guarding the single
// notification worker slot of a tenant.
func NotificationWorkerLockKey(tenant string) int64 {
	return advisoryKey("notify", tenant)
}

// SessionLock is a session-scoped advisory lock held on a dedicated pool
// connection. It remains held until Release is called or the connection dies,
// which makes it a reliable "exactly one worker per tenant" guard: a crashed
// worker releases the lock with its connection.
type SessionLock struct {
	conn *pgxpool.Conn
	key  int64
}

// TryAcquireLock attempts to take the advisory lock for key without blocking.
// Returns (nil, nil) when another session already holds it.
func (s *Store) TryAcquireLock(ctx context.Context, key int64) (*SessionLock, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&got); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		conn.Release()
		return nil, nil
	}
	return &SessionLock{conn: conn, key: key}, nil
}

// Release unlocks the advisory lock and returns the connection to the pool.
func (l *SessionLock) Release(ctx context.Context) {
	_, _ = l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", l.key)
	l.conn.Release()
}
