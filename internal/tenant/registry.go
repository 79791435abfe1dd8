// Package tenant maps tenant names to per-tenant database pools.
//
// Each tenant ("scenario") is a separate database on the same server as the
// default one, named after the tenant. The registry hands out lazily opened
// pools and is passed explicitly into every component that needs tenant
// access — there is no ambient global state.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// ErrUnknownTenant is returned for tenant names outside the configured set.
var ErrUnknownTenant = errors.New("unknown tenant")

// Registry hands out per-tenant stores backed by lazily opened pgx pools.
type Registry struct {
	cfg           *config.Config
	defaultTenant string

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewRegistry builds a Registry from cfg. The default tenant's name is the
// database named in DATABASE_URL; cfg.Tenants lists the others.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	def, err := cfg.DefaultTenant()
	if err != nil {
		return nil, err
	}
	return &Registry{
		cfg:           cfg,
		defaultTenant: def,
		pools:         make(map[string]*pgxpool.Pool),
	}, nil
}

// DefaultTenant returns the name of the default tenant.
func (r *Registry) DefaultTenant() string { return r.defaultTenant }

// Tenants returns all configured tenant names, default first.
func (r *Registry) Tenants() []string {
	out := []string{r.defaultTenant}
	for _, t := range r.cfg.Tenants {
		if t != r.defaultTenant {
			out = append(out, t)
		}
	}
	return out
}

// Known reports whether name is a configured tenant.
func (r *Registry) Known(name string) bool {
	if name == r.defaultTenant {
		return true
	}
	for _, t := range r.cfg.Tenants {
		if t == name {
			return true
		}
	}
	return false
}

// Store returns the store for the named tenant, opening its pool on first
// use. Returns ErrUnknownTenant for names outside the configured set.
func (r *Registry) Store(ctx context.Context, name string) (*store.Store, error) {
	if !r.Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[name]; ok {
		return store.New(pool, name), nil
	}

	poolCfg, err := pgxpool.ParseConfig(r.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.ConnConfig.Database = name
	if r.cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = r.cfg.DBMaxConns
	}
	if r.cfg.DBMaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = r.cfg.DBMaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool for tenant %q: %w", name, err)
	}
	r.pools[name] = pool
	return store.New(pool, name), nil
}

// Reset closes the idle connections of a tenant's pool. The task runner
// calls this before spawning a child process so parent and child never share
// database state.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pool, ok := r.pools[name]; ok {
		pool.Reset()
	}
}

// Close closes every open pool.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, pool := range r.pools {
		pool.Close()
		delete(r.pools, name)
	}
}
