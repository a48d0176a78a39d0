package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldmesh/platform/internal/scope"
)

// Store provides read access to a tenant's integrations. It satisfies
// IntegrationLister.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store { return &Store{} }

// EnabledIntegrations lists the enabled integrations for the scope's
// tenant.
func (st *Store) EnabledIntegrations(ctx context.Context, s *scope.Scope) ([]Integration, error) {
	rows, err := s.Query(ctx, `
		SELECT id, kind, enabled, config
		FROM integrations
		WHERE enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("listing enabled integrations: %w", err)
	}
	defer rows.Close()

	var out []Integration
	for rows.Next() {
		var in Integration
		var configJSON []byte
		if err := rows.Scan(&in.ID, &in.Kind, &in.Enabled, &configJSON); err != nil {
			return nil, fmt.Errorf("scanning integration: %w", err)
		}
		if len(configJSON) > 0 {
			if err := json.Unmarshal(configJSON, &in.Config); err != nil {
				return nil, fmt.Errorf("decoding config for integration %s: %w", in.ID, err)
			}
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
