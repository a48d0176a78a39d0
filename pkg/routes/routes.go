// Package routes implements component J, RouteEngine (spec §4.9): per-tenant
// MQTT-topic-and-payload-predicate matching against enabled routes, cached
// 30s, dispatching matches to postgresql (no-op)/webhook/mqtt_republish
// destinations.
package routes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
)

// DestinationType is a route's dispatch target kind.
type DestinationType string

const (
	DestinationPostgreSQL    DestinationType = "postgresql"
	DestinationWebhook       DestinationType = "webhook"
	DestinationMQTTRepublish DestinationType = "mqtt_republish"
)

// PredicateOp is one of the six comparison operators a payload filter value
// may carry when expressed as an operator-object rather than a scalar.
type PredicateOp string

const (
	OpGT  PredicateOp = "$gt"
	OpGTE PredicateOp = "$gte"
	OpLT  PredicateOp = "$lt"
	OpLTE PredicateOp = "$lte"
	OpEQ  PredicateOp = "$eq"
	OpNE  PredicateOp = "$ne"
)

// Predicate is one key's matching rule: either an exact scalar or an
// operator-keyed comparison.
type Predicate struct {
	Scalar any                 // non-nil means exact match
	Ops    map[PredicateOp]any // non-nil means operator comparison; all must hold
}

// Route is a per-tenant routing rule.
type Route struct {
	ID                string
	TenantID          string
	Enabled           bool
	TopicFilter       string
	PayloadFilter     map[string]Predicate
	DestinationType   DestinationType
	DestinationConfig map[string]any
}

// MatchTopic reports whether topic satisfies the MQTT topic filter grammar:
// '+' matches exactly one segment, '#' matches zero or more remaining
// segments and may only appear as the last segment, other segments must
// match byte-exactly.
func MatchTopic(filter, topic string) bool {
	fSegs := strings.Split(filter, "/")
	tSegs := strings.Split(topic, "/")

	for i, fs := range fSegs {
		if fs == "#" {
			return i == len(fSegs)-1 // '#' only valid as the final segment
		}
		if i >= len(tSegs) {
			return false
		}
		if fs == "+" {
			continue
		}
		if fs != tSegs[i] {
			return false
		}
	}
	return len(fSegs) == len(tSegs)
}

// MatchPayload evaluates a route's payload filter (spec §4.9 step 2) against
// an envelope's metrics map and its root fields. An empty filter always
// matches. Resolution order for a key: metrics first, then root; if absent
// from both, the predicate fails.
func MatchPayload(filter map[string]Predicate, metrics map[string]any, root map[string]any) bool {
	for key, pred := range filter {
		val, ok := metrics[key]
		if !ok {
			val, ok = root[key]
		}
		if !ok {
			return false
		}
		if !pred.matches(val) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(val any) bool {
	if p.Ops == nil {
		return scalarEqual(p.Scalar, val)
	}
	fv, ok := toFloat(val)
	if !ok {
		return false
	}
	for op, operand := range p.Ops {
		threshold, ok := toFloat(operand)
		if !ok {
			return false
		}
		if !evalOp(fv, op, threshold) {
			return false
		}
	}
	return true
}

func evalOp(v float64, op PredicateOp, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpGTE:
		return v >= threshold
	case OpLT:
		return v < threshold
	case OpLTE:
		return v <= threshold
	case OpEQ:
		return v == threshold
	case OpNE:
		return v != threshold
	default:
		return false
	}
}

func scalarEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Substitute replaces {tenantId}/{deviceId} placeholders in an
// mqtt_republish target topic template.
func Substitute(template, tenantID, deviceID string) string {
	r := strings.NewReplacer("{tenantId}", tenantID, "{deviceId}", deviceID)
	return r.Replace(template)
}

// Lister fetches the enabled routes for the scope's tenant from storage.
type Lister interface {
	EnabledRoutes(ctx context.Context, s *scope.Scope) ([]Route, error)
}

type cacheEntry struct {
	routes    []Route
	cachedAt  time.Time
}

// Engine caches enabled routes per tenant for 30s (spec §4.9) and evaluates
// them against accepted envelopes.
type Engine struct {
	lister Lister
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates an Engine with the given cache TTL (spec default 30s).
func New(lister Lister, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Engine{lister: lister, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Routes returns the cached (or freshly loaded) enabled routes for the
// scope's tenant.
func (e *Engine) Routes(ctx context.Context, s *scope.Scope) ([]Route, error) {
	tenantID := s.TenantID()

	e.mu.Lock()
	entry, ok := e.cache[tenantID]
	e.mu.Unlock()
	if ok && time.Since(entry.cachedAt) < e.ttl {
		return entry.routes, nil
	}

	fresh, err := e.lister.EnabledRoutes(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("listing enabled routes: %w", err)
	}

	e.mu.Lock()
	e.cache[tenantID] = cacheEntry{routes: fresh, cachedAt: time.Now()}
	e.mu.Unlock()
	return fresh, nil
}

// Match is one route that matched an envelope, ready for dispatch.
type Match struct {
	Route Route
}

// Evaluate returns the routes among the scope's enabled set whose topic and
// payload filter both match, per spec §8's invariant: "the number of
// DeliveryJobs created equals the number of enabled routes whose topic and
// payload filter both match — no more, no less."
func (e *Engine) Evaluate(ctx context.Context, s *scope.Scope, topic string, metrics map[string]any, root map[string]any) ([]Match, error) {
	enabled, err := e.Routes(ctx, s)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, r := range enabled {
		if !r.Enabled {
			continue
		}
		if !MatchTopic(r.TopicFilter, topic) {
			continue
		}
		if !MatchPayload(r.PayloadFilter, metrics, root) {
			continue
		}
		matches = append(matches, Match{Route: r})
	}
	return matches, nil
}

// DryRun evaluates a hypothetical envelope against the tenant's current
// routes without enqueuing anything, letting an operator verify a route
// change before it goes live. Supplemental feature (SPEC_FULL.md), not a
// distinct component of the base spec.
func (e *Engine) DryRun(ctx context.Context, s *scope.Scope, topic string, metrics map[string]any, root map[string]any) ([]Match, error) {
	return e.Evaluate(ctx, s, topic, metrics, root)
}

// Invalidate drops the cached route set for tenantID, e.g. after a route is
// created, updated, or deleted.
func (e *Engine) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()
}
