// Package notifytest provides a ready-made matcher registry for a small
// planning domain (items, locations, customers, demands). Tests and the demo
// wiring use it; real deployments register their own matchers.
package notifytest

import "github.com/frePPLe/frepple-data-admin/internal/notify"

// NewRegistry returns a matcher registry where demand events roll up to the
// followed item, location and customer, each gated by a view permission on
// the event's model.
func NewRegistry() *notify.MatcherRegistry {
	r := notify.NewMatcherRegistry()
	r.Register(&notify.ModelMatcher{Model: "item", Children: map[string]string{
		"demand": "item",
	}})
	r.Register(&notify.ModelMatcher{Model: "location", Children: map[string]string{
		"demand": "location",
	}})
	r.Register(&notify.ModelMatcher{Model: "customer", Children: map[string]string{
		"demand": "customer",
	}})
	r.Register(&notify.ModelMatcher{Model: "demand"})

	r.RegisterPermission("item", "view_item")
	r.RegisterPermission("location", "view_location")
	r.RegisterPermission("customer", "view_customer")
	r.RegisterPermission("demand", "view_demand")
	return r
}
