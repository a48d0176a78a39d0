// Package seed provisions a demo tenant with a handful of devices, an
// alert rule, a route, and a webhook integration — enough to exercise the
// whole ingest-to-delivery path (spec §4's full pipeline) against a fresh
// database without needing the operator control plane this repo doesn't
// mount. It is idempotent: re-running against an already-seeded database
// logs and returns nil rather than erroring on the unique tenant slug.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/device"
)

// DemoTenantID is the fixed id of the seeded tenant, so repeated runs and
// dependent tooling (demo dashboards, smoke tests) can refer to it by
// constant rather than looking it up.
const DemoTenantID = "demo"

// Run provisions the demo tenant if it doesn't already exist.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, DemoTenantID).Scan(&exists); err != nil {
		return fmt.Errorf("checking for existing demo tenant: %w", err)
	}
	if exists {
		logger.Info("seed: tenant already exists, skipping", "tenant_id", DemoTenantID)
		return nil
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO tenants (id, name, status) VALUES ($1, $2, $3)
	`, DemoTenantID, "Demo Tenant", "ACTIVE"); err != nil {
		return fmt.Errorf("creating demo tenant: %w", err)
	}
	logger.Info("seed: created tenant", "tenant_id", DemoTenantID)

	s, err := scope.EnterTenant(ctx, pool, DemoTenantID)
	if err != nil {
		return fmt.Errorf("entering demo tenant scope: %w", err)
	}
	defer s.Release(ctx)

	registry := device.NewRegistry()
	for _, deviceID := range []string{"demo-sensor-01", "demo-sensor-02"} {
		raw, rec, err := registry.Provision(ctx, s, deviceID, "demo-site")
		if err != nil {
			return fmt.Errorf("provisioning device %s: %w", deviceID, err)
		}
		logger.Info("seed: provisioned device", "device_id", rec.DeviceID, "site_id", rec.SiteID, "provisioning_secret", raw)
	}

	if _, err := s.Exec(ctx, `
		INSERT INTO rules (id, tenant_id, metric_name, operator, threshold, severity, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, true)
	`, "demo-high-temp", DemoTenantID, "temperature_c", "GT", 80.0, 2); err != nil {
		return fmt.Errorf("seeding demo rule: %w", err)
	}
	logger.Info("seed: created rule", "rule_id", "demo-high-temp")

	if _, err := s.Exec(ctx, `
		INSERT INTO routes (id, tenant_id, enabled, topic_filter, payload_filter, destination_type, destination_config)
		VALUES ($1, $2, true, $3, '{}', $4, $5)
	`, "demo-route", DemoTenantID, "tenant/demo/device/+/telemetry", "webhook", []byte(`{"url":"https://example.invalid/webhook"}`)); err != nil {
		return fmt.Errorf("seeding demo route: %w", err)
	}
	logger.Info("seed: created route", "route_id", "demo-route")

	if _, err := s.Exec(ctx, `
		INSERT INTO integrations (id, tenant_id, kind, enabled, config)
		VALUES ($1, $2, $3, true, $4)
	`, "demo-webhook", DemoTenantID, "webhook", []byte(`{"url":"https://example.invalid/webhook"}`)); err != nil {
		return fmt.Errorf("seeding demo integration: %w", err)
	}
	logger.Info("seed: created integration", "integration_id", "demo-webhook")

	logger.Info("seed: completed successfully", "tenant_id", DemoTenantID, "devices", 2, "rules", 1, "routes", 1, "integrations", 1)
	return nil
}
