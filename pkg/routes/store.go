package routes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldmesh/platform/internal/scope"
)

// Store provides read access to a tenant's routes. Route CRUD itself is out
// of scope (spec §6.2's control-plane carve-out); this repo only reads the
// enabled routes RouteEngine needs to evaluate. It satisfies Lister.
type Store struct{}

// NewStore creates a Store.
func NewStore() *Store { return &Store{} }

// EnabledRoutes lists every route for the scope's tenant, enabled or not —
// Engine filters on Enabled itself so a route flipped off mid-cache-window
// still Invalidate()s cleanly rather than vanishing from the result set.
func (st *Store) EnabledRoutes(ctx context.Context, s *scope.Scope) ([]Route, error) {
	rows, err := s.Query(ctx, `
		SELECT id, tenant_id, enabled, topic_filter, payload_filter, destination_type, destination_config
		FROM routes
	`)
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	var out []Route
	for rows.Next() {
		var r Route
		var payloadFilterJSON, destConfigJSON []byte
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Enabled, &r.TopicFilter, &payloadFilterJSON, &r.DestinationType, &destConfigJSON); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}

		filter, err := decodePayloadFilter(payloadFilterJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding payload filter for route %s: %w", r.ID, err)
		}
		r.PayloadFilter = filter

		if len(destConfigJSON) > 0 {
			if err := json.Unmarshal(destConfigJSON, &r.DestinationConfig); err != nil {
				return nil, fmt.Errorf("decoding destination config for route %s: %w", r.ID, err)
			}
		}

		out = append(out, r)
	}
	return out, rows.Err()
}

// decodePayloadFilter turns the stored JSON object into a map[string]Predicate:
// a scalar value means exact match, an object means an operator comparison
// (each key a PredicateOp), matching the grammar MatchPayload expects.
func decodePayloadFilter(raw []byte) (map[string]Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}

	out := make(map[string]Predicate, len(fields))
	for key, val := range fields {
		obj, ok := val.(map[string]any)
		if !ok {
			out[key] = Predicate{Scalar: val}
			continue
		}
		ops := make(map[PredicateOp]any, len(obj))
		for opKey, operand := range obj {
			ops[PredicateOp(opKey)] = operand
		}
		out[key] = Predicate{Ops: ops}
	}
	return out, nil
}
