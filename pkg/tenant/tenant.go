// Package tenant lists active tenant ids for RuleEngine's per-tick
// fan-out (pkg/rules.TenantLister). It no longer resolves per-request
// tenant identity via ambient context variables or a schema-per-tenant
// connection: internal/scope.Scope now carries that binding explicitly
// (see SPEC_FULL.md's Design Notes on why), so this package is reduced to
// the one thing nothing else replaces — a global, scope-less list of which
// tenants exist and are active.
package tenant

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is a tenant's billing/provisioning lifecycle state.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// Lister lists active tenant ids against the global (non-RLS) tenants
// table. It satisfies pkg/rules.TenantLister.
type Lister struct {
	pool *pgxpool.Pool
}

// NewLister creates a Lister bound to the global connection pool. Unlike
// every other store in this module, tenant listing runs before any
// per-tenant Scope exists, so it takes the pool directly rather than a
// Scope.
func NewLister(pool *pgxpool.Pool) *Lister {
	return &Lister{pool: pool}
}

// ActiveTenantIDs returns the ids of every tenant whose status is ACTIVE,
// for RuleEngine's per-tick fan-out (spec §4.5 step 1).
func (l *Lister) ActiveTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx, `SELECT id FROM tenants WHERE status = $1`, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
