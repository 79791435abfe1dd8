// Package notify implements the follower notification dispatch engine: a
// per-tenant worker that turns unprocessed change events into notification
// rows and batched emails, driven by pluggable per-model matchers.
package notify

import (
	"sort"
	"sync"

	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// Matcher decides whether a follower of one entity type is interested in a
// change event. Domain models contribute matchers at process start through a
// MatcherRegistry; the engine never hard-codes entity knowledge.
type Matcher interface {
	// FollowerModel is the entity type whose follower rows this matcher
	// evaluates.
	FollowerModel() string
	// Accepts reports whether events on eventModel can ever interest a
	// follower of FollowerModel. The engine uses it to prune the follower
	// list before running Matches.
	Accepts(eventModel string) bool
	// Matches reports whether f is interested in ev. f.Model is always
	// FollowerModel and ev.Model always satisfies Accepts.
	Matches(f *store.Follower, ev *store.Event) bool
}

// ModelMatcher is the standard Matcher for an entity type with optional child
// types. A follower of the type matches events on the type itself (own pk or
// the "all" wildcard) and events on child types whose related payload points
// back at the followed object. The follower's args.sub list, when present,
// restricts which child types are forwarded.
type ModelMatcher struct {
	// Model is the followed entity type.
	Model string
	// Children maps a child event model to the key in the event's related
	// payload that carries the parent object's primary key.
	Children map[string]string
}

func (m *ModelMatcher) FollowerModel() string { return m.Model }

func (m *ModelMatcher) Accepts(eventModel string) bool {
	if eventModel == m.Model {
		return true
	}
	_, ok := m.Children[eventModel]
	return ok
}

func (m *ModelMatcher) Matches(f *store.Follower, ev *store.Event) bool {
	if ev.Model == m.Model {
		return f.ObjectPK == store.FollowerAll || f.ObjectPK == ev.ObjectPK
	}
	key, ok := m.Children[ev.Model]
	if !ok {
		return false
	}
	if !subIncluded(f.Args, ev.Model) {
		return false
	}
	parent, ok := ev.Related[key]
	if !ok || parent == "" {
		return false
	}
	return f.ObjectPK == store.FollowerAll || f.ObjectPK == parent
}

// ChildModels returns the child event models this matcher forwards, sorted.
func (m *ModelMatcher) ChildModels() []string {
	out := make([]string, 0, len(m.Children))
	for model := range m.Children {
		out = append(out, model)
	}
	sort.Strings(out)
	return out
}

// subIncluded applies the follower's sub-entity filter. A nil args or empty
// sub list means the follower wants all child types.
func subIncluded(args *store.FollowerArgs, model string) bool {
	if args == nil || len(args.Sub) == 0 {
		return true
	}
	for _, sub := range args.Sub {
		if sub == model {
			return true
		}
	}
	return false
}

// MatcherRegistry collects the matchers and view permissions contributed by
// domain models. It is built during process initialization and passed into
// the engine, mirroring the task handler registry.
type MatcherRegistry struct {
	mu       sync.RWMutex
	matchers []Matcher
	perms    map[string]string
}

// NewMatcherRegistry returns an empty MatcherRegistry.
func NewMatcherRegistry() *MatcherRegistry {
	return &MatcherRegistry{perms: make(map[string]string)}
}

// Register adds a matcher. Matchers are consulted in registration order.
func (r *MatcherRegistry) Register(m Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matchers = append(r.matchers, m)
}

// RegisterPermission declares that notifications about eventModel require the
// named view permission. Models without a registered permission are visible
// to every active user.
func (r *MatcherRegistry) RegisterPermission(eventModel, perm string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms[eventModel] = perm
}

// ForEvent returns the matchers whose Accepts covers eventModel, in
// registration order.
func (r *MatcherRegistry) ForEvent(eventModel string) []Matcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Matcher
	for _, m := range r.matchers {
		if m.Accepts(eventModel) {
			out = append(out, m)
		}
	}
	return out
}

// ForFollowerModel returns the matchers serving followers of model.
func (r *MatcherRegistry) ForFollowerModel(model string) []Matcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Matcher
	for _, m := range r.matchers {
		if m.FollowerModel() == model {
			out = append(out, m)
		}
	}
	return out
}

// ViewPermission returns the permission gating eventModel, or "" when the
// model is unrestricted.
func (r *MatcherRegistry) ViewPermission(eventModel string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perms[eventModel]
}

// Allowed reports whether u may see notifications about eventModel.
func (r *MatcherRegistry) Allowed(u *store.User, eventModel string) bool {
	if u == nil {
		return false
	}
	perm := r.ViewPermission(eventModel)
	if perm == "" {
		return true
	}
	return u.HasPerm(perm)
}
