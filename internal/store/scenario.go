package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Scenario lifecycle statuses.
const (
	ScenarioFree  = "free"
	ScenarioInUse = "in use"
	ScenarioBusy  = "busy"
)

// Scenario is one tenant registry row. The registry lives in the default
// tenant's database only.
type Scenario struct {
	Name        string
	Description string
	Status      string
	LastRefresh *time.Time
}

// GetScenario returns the named tenant registry row, or nil when absent.
func (s *Store) GetScenario(ctx context.Context, name string) (*Scenario, error) {
	var sc Scenario
	err := s.pool.QueryRow(ctx,
		`SELECT name, COALESCE(description, ''), status, last_refresh
		 FROM scenario WHERE name = $1`, name).
		Scan(&sc.Name, &sc.Description, &sc.Status, &sc.LastRefresh)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scenario %q: %w", name, err)
	}
	return &sc, nil
}

// ListScenarios returns all tenant registry rows ordered by name.
func (s *Store) ListScenarios(ctx context.Context) ([]Scenario, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, COALESCE(description, ''), status, last_refresh
		 FROM scenario ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scenarios: %w", err)
	}
	defer rows.Close()

	var out []Scenario
	for rows.Next() {
		var sc Scenario
		if err := rows.Scan(&sc.Name, &sc.Description, &sc.Status, &sc.LastRefresh); err != nil {
			return nil, fmt.Errorf("scan scenario: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetScenarioStatus updates the lifecycle status of a tenant registry row.
func (s *Store) SetScenarioStatus(ctx context.Context, name, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE scenario SET status = $1, last_refresh = now() WHERE name = $2`,
		status, name)
	if err != nil {
		return fmt.Errorf("set scenario %q status: %w", name, err)
	}
	return nil
}

// SyncScenarios brings the registry table in line with the configured tenant
// list: the default tenant is always "in use", configured tenants are added
// as "free", and rows for tenants no longer configured are removed.
func (s *Store) SyncScenarios(ctx context.Context, defaultTenant string, tenants []string) error {
	known := map[string]bool{defaultTenant: true}
	for _, t := range tenants {
		known[t] = true
	}
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT name FROM scenario`)
		if err != nil {
			return fmt.Errorf("list scenario names: %w", err)
		}
		var existing []string
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				rows.Close()
				return fmt.Errorf("scan scenario name: %w", err)
			}
			existing = append(existing, name)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		have := map[string]bool{}
		for _, name := range existing {
			if !known[name] {
				if _, err := tx.Exec(ctx, `DELETE FROM scenario WHERE name = $1`, name); err != nil {
					return fmt.Errorf("delete scenario %q: %w", name, err)
				}
				continue
			}
			have[name] = true
		}
		for name := range known {
			if have[name] {
				continue
			}
			status := ScenarioFree
			description := ""
			if name == defaultTenant {
				status = ScenarioInUse
				description = "Production"
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO scenario (name, description, status) VALUES ($1, NULLIF($2, ''), $3)`,
				name, description, status); err != nil {
				return fmt.Errorf("insert scenario %q: %w", name, err)
			}
		}
		return nil
	})
}
