// Package task executes job records. The parent-side Runner isolates each
// record in a child process; Execute is the child-side entry point that
// resolves the record's name against an explicit handler registry.
package task

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/frePPLe/frepple-data-admin/internal/config"
	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// ErrUnknownTask is returned when a job record names a task that no handler
// is registered for.
var ErrUnknownTask = errors.New("unknown task")

// Env is the execution environment handed to a task handler.
type Env struct {
	Tenant string
	Store  *store.Store
	Task   *store.Task
	// Args are the positional arguments parsed out of the record's argument
	// string; Options the --key=value pairs.
	Args    []string
	Options map[string]string
	Config  *config.Config
}

// Handler is one named task entry point. A returned error marks the record
// Failed with the error text; handlers report progress through
// Env.Store.SetTaskProgress.
type Handler func(ctx context.Context, env *Env) error

// Registry maps task names to handlers. It is built once during process
// initialization and passed by reference into the worker and the runner —
// registration is a deployment concern wired up in main.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with name, replacing any previous handler.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler for name, or nil when none is registered.
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Has reports whether a handler is registered for name.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns the registered task names sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Noop is a built-in handler that does nothing. It exists so deployments and
// tests always have at least one runnable task.
func Noop(_ context.Context, _ *Env) error {
	return nil
}

// EmptyTable erases change-event history, subscriptions and notifications.
// A --models=a,b option restricts the erase to those models; without it all
// models are emptied. Users, parameters, job records, schedules and
// scenarios are never touched.
func EmptyTable(ctx context.Context, env *Env) error {
	var models []string
	if v := env.Options["models"]; v != "" {
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				models = append(models, m)
			}
		}
	}
	return env.Store.EmptyModelData(ctx, models)
}
