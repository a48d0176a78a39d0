// Package rules implements component H, RuleEngine (spec §4.5): a
// per-tenant periodic evaluator of threshold rules against the latest
// telemetry point for each device, opening and auto-closing FleetAlerts via
// the AlertStore's fingerprint-keyed dedup.
//
// Grounded on the donor's escalation engine (pkg/escalation/engine.go): a
// ticker loop that lists tenants, then processes each tenant independently,
// logging and continuing past a single tenant's failure rather than
// aborting the whole tick — the same per-tenant isolation spec §4.5
// requires ("errors in one tenant must never propagate to another").
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/alertstore"
	"github.com/fieldmesh/platform/pkg/timeseries"
)

// Operator is a threshold rule comparison operator.
type Operator string

const (
	OpGT  Operator = "GT"
	OpGTE Operator = "GTE"
	OpLT  Operator = "LT"
	OpLTE Operator = "LTE"
	OpEQ  Operator = "EQ"
	OpNE  Operator = "NE"
)

// Rule is a per-tenant threshold rule.
type Rule struct {
	ID         string
	TenantID   string
	MetricName string
	Operator   Operator
	Threshold  float64
	Severity   int
	SiteFilter string // empty means no site filter
}

func cmp(value float64, op Operator, threshold float64) bool {
	if math.IsNaN(value) {
		return false
	}
	switch op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return value == threshold
	case OpNE:
		return value != threshold
	default:
		return false
	}
}

// RuleSource lists the enabled rules for a tenant, keyed by tenant so the
// RuleEngine never needs a scope-less global query.
type RuleSource interface {
	EnabledRules(ctx context.Context, s *scope.Scope) ([]Rule, error)
}

// TenantLister lists active tenant ids for the per-tick fan-out.
type TenantLister interface {
	ActiveTenantIDs(ctx context.Context) ([]string, error)
}

// ScopeOpener opens a tenant scope for one tick's worth of work.
type ScopeOpener func(ctx context.Context, tenantID string) (*scope.Scope, error)

// Engine evaluates rules on a fixed interval across all active tenants.
type Engine struct {
	openScope   ScopeOpener
	tenants     TenantLister
	rules       RuleSource
	store       timeseries.Store
	alerts      *alertstore.Store
	logger      *slog.Logger
	interval    time.Duration
	freshWindow time.Duration
}

// New creates an Engine. interval defaults to 15s, freshWindow to
// 3*interval per spec §4.5/§6.4 if either is zero.
func New(openScope ScopeOpener, tenants TenantLister, rules RuleSource, store timeseries.Store, alerts *alertstore.Store, logger *slog.Logger, interval, freshWindow time.Duration) *Engine {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if freshWindow <= 0 {
		freshWindow = 3 * interval
	}
	return &Engine{openScope: openScope, tenants: tenants, rules: rules, store: store, alerts: alerts, logger: logger, interval: interval, freshWindow: freshWindow}
}

// Run blocks, evaluating every interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("rule engine started", "interval", e.interval)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rule engine stopped")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	tenantIDs, err := e.tenants.ActiveTenantIDs(ctx)
	if err != nil {
		e.logger.Error("listing active tenants", "error", err)
		return
	}
	for _, tenantID := range tenantIDs {
		if err := e.processTenant(ctx, tenantID); err != nil {
			e.logger.Error("processing tenant rules", "tenant", tenantID, "error", err)
		}
	}
}

func (e *Engine) processTenant(ctx context.Context, tenantID string) error {
	s, err := e.openScope(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("opening scope: %w", err)
	}
	defer s.Release(ctx)

	tenantRules, err := e.rules.EnabledRules(ctx, s)
	if err != nil {
		return fmt.Errorf("listing enabled rules: %w", err)
	}

	for _, r := range tenantRules {
		if err := e.evaluateRule(ctx, s, r); err != nil {
			e.logger.Error("evaluating rule", "tenant", tenantID, "rule", r.ID, "error", err)
		}
	}
	return nil
}

func (e *Engine) evaluateRule(ctx context.Context, s *scope.Scope, r Rule) error {
	now := time.Now()
	points, err := e.store.QueryLatestFleet(ctx, s, r.MetricName, r.SiteFilter)
	if err != nil {
		return fmt.Errorf("querying latest points for rule %s: %w", r.ID, err)
	}

	for _, pt := range points {
		if now.Sub(pt.TS) > e.freshWindow {
			continue // missing-data policy: stale data neither opens nor closes
		}

		fp := alertstore.Fingerprint(r.TenantID, pt.DeviceID, r.ID)
		matches := cmp(pt.Value, r.Operator, r.Threshold)

		if matches {
			active, err := e.alerts.ActiveByFingerprint(ctx, s, fp)
			if err != nil {
				return fmt.Errorf("checking active alert for %s: %w", fp, err)
			}
			if !active {
				_, err := e.alerts.Open(ctx, s, alertstore.Alert{
					DeviceID:    pt.DeviceID,
					RuleID:      r.ID,
					Fingerprint: fp,
					AlertType:   "THRESHOLD",
					Severity:    r.Severity,
					Summary:     fmt.Sprintf("%s %s %g (value=%g)", r.MetricName, r.Operator, r.Threshold, pt.Value),
					Details: map[string]any{
						"rule":        r.ID,
						"observation": pt.Value,
					},
				})
				if err != nil && err != alertstore.ErrDuplicateFingerprint {
					return fmt.Errorf("opening alert for %s: %w", fp, err)
				}
			}
		} else {
			if _, err := e.alerts.Close(ctx, s, fp); err != nil {
				return fmt.Errorf("closing alert for %s: %w", fp, err)
			}
		}
	}
	return nil
}
