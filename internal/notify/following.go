package notify

import (
	"context"
	"fmt"
	"sort"

	"github.com/frePPLe/frepple-data-admin/internal/store"
)

// matchesAny reports whether any registered matcher serving f's model
// considers f interested in an event on (model, pk) with the given related
// payload.
func matchesAny(matchers *MatcherRegistry, f *store.Follower, model, pk string, related map[string]string) bool {
	ev := &store.Event{Model: model, ObjectPK: pk, Related: related}
	for _, m := range matchers.ForFollowerModel(f.Model) {
		if m.Accepts(model) && m.Matches(f, ev) {
			return true
		}
	}
	return false
}

// IsFollowing reports whether username currently follows the object
// identified by (model, pk). related carries the object's parent keys so
// follows on a containing parent count too.
func IsFollowing(ctx context.Context, st *store.Store, matchers *MatcherRegistry, username, model, pk string, related map[string]string) (bool, error) {
	followers, err := st.FollowersOfUser(ctx, username)
	if err != nil {
		return false, fmt.Errorf("followers of %q: %w", username, err)
	}
	for i := range followers {
		if matchesAny(matchers, &followers[i], model, pk, related) {
			return true, nil
		}
	}
	return false, nil
}

// SubType is one child entity type a follower can subscribe to.
type SubType struct {
	Model   string
	Checked bool
}

// FollowingStatus describes how one object relates to a user's follows. Sub
// is empty when the user follows a containing parent instead: the UI then
// shows the parent indicator rather than direct sub-type selection.
type FollowingStatus struct {
	Model     string
	ObjectPK  string
	Following bool
	// Sub lists the selectable child entity types and their current state.
	Sub []SubType
	// Users are the other users who would be notified about this object.
	Users []string
	// ParentModel and ParentPK name the followed parent when the user's
	// interest comes from a containing object rather than this one.
	ParentModel string
	ParentPK    string
}

// Status builds the full following status of (model, pk) for username.
func Status(ctx context.Context, st *store.Store, matchers *MatcherRegistry, username, model, pk string, related map[string]string) (*FollowingStatus, error) {
	fs := &FollowingStatus{Model: model, ObjectPK: pk}

	mine, err := st.FollowersOfUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("followers of %q: %w", username, err)
	}
	var direct *store.Follower
	for i := range mine {
		f := &mine[i]
		if f.Model == model && (f.ObjectPK == pk || f.ObjectPK == store.FollowerAll) {
			fs.Following = true
			if direct == nil || f.ObjectPK == pk {
				direct = f
			}
			continue
		}
		if fs.ParentModel == "" && matchesAny(matchers, f, model, pk, related) {
			fs.Following = true
			fs.ParentModel = f.Model
			fs.ParentPK = f.ObjectPK
		}
	}

	// Direct sub-type selection is hidden when the interest comes from a
	// parent follow.
	if fs.ParentModel == "" {
		fs.Sub = subTypes(matchers, model, direct)
	}

	all, err := st.ActiveFollowers(ctx)
	if err != nil {
		return nil, fmt.Errorf("active followers: %w", err)
	}
	seen := make(map[string]struct{})
	for i := range all {
		f := &all[i]
		if f.Username == username {
			continue
		}
		if _, dup := seen[f.Username]; dup {
			continue
		}
		if matchesAny(matchers, f, model, pk, related) {
			seen[f.Username] = struct{}{}
			fs.Users = append(fs.Users, f.Username)
		}
	}
	sort.Strings(fs.Users)
	return fs, nil
}

// subTypes lists the child types of model with their selection state. A
// direct follower without an explicit sub filter follows everything; a user
// not yet following gets everything preselected.
func subTypes(matchers *MatcherRegistry, model string, direct *store.Follower) []SubType {
	var models []string
	seen := make(map[string]struct{})
	for _, m := range matchers.ForFollowerModel(model) {
		mm, ok := m.(*ModelMatcher)
		if !ok {
			continue
		}
		for _, child := range mm.ChildModels() {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			models = append(models, child)
		}
	}
	sort.Strings(models)

	out := make([]SubType, 0, len(models))
	for _, child := range models {
		checked := true
		if direct != nil {
			checked = subIncluded(direct.Args, child)
		}
		out = append(out, SubType{Model: child, Checked: checked})
	}
	return out
}
