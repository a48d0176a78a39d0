package rules

import (
	"context"
	"fmt"

	"github.com/fieldmesh/platform/internal/scope"
)

// Store provides read access to a tenant's threshold rules. Rule CRUD
// itself is out of scope (spec §6.2's control-plane carve-out); this repo
// only reads the enabled rules RuleEngine needs to evaluate.
type Store struct{}

// NewStore creates a Store. It satisfies RuleSource.
func NewStore() *Store { return &Store{} }

// EnabledRules lists a tenant's enabled threshold rules.
func (st *Store) EnabledRules(ctx context.Context, s *scope.Scope) ([]Rule, error) {
	rows, err := s.Query(ctx, `
		SELECT id, tenant_id, metric_name, operator, threshold, severity, COALESCE(site_filter, '')
		FROM rules
		WHERE enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled rules: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.TenantID, &r.MetricName, &r.Operator, &r.Threshold, &r.Severity, &r.SiteFilter); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
