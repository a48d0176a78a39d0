// Package devicestate implements the DeviceState entity (spec §3): the
// latest observed snapshot per device, plus a sweeper that transitions
// devices to STALE/OFFLINE based on elapsed time since last ingest. This is
// a supplemental component: the distilled spec names DeviceState as an
// entity and its transition thresholds (§6.4) but leaves the sweep loop
// itself implicit; SPEC_FULL.md's SUPPLEMENTED FEATURES section adds it,
// grounded on the donor pack's periodic-loop idiom.
package devicestate

import (
	"context"
	"log/slog"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
)

// Status is a DeviceState lifecycle state.
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusStale    Status = "STALE"
	StatusOffline  Status = "OFFLINE"
	StatusRevoked  Status = "REVOKED"
)

// Snapshot is the DeviceState entity.
type Snapshot struct {
	TenantID        string
	DeviceID        string
	Status          Status
	LastHeartbeatAt *time.Time
	LastTelemetryAt *time.Time
	LatestMetrics   map[string]float64
}

// Store persists and sweeps DeviceState snapshots.
type Store struct {
	staleThreshold   time.Duration
	offlineThreshold time.Duration
	logger           *slog.Logger
}

// New creates a Store with the given transition thresholds (spec §6.4
// defaults: stale=120s, offline=600s).
func New(staleThreshold, offlineThreshold time.Duration, logger *slog.Logger) *Store {
	return &Store{staleThreshold: staleThreshold, offlineThreshold: offlineThreshold, logger: logger}
}

// OnIngest marks a device ONLINE and records its latest metrics on a
// successfully accepted envelope. isHeartbeat distinguishes a heartbeat-only
// message (no metrics) from telemetry.
func (st *Store) OnIngest(ctx context.Context, s *scope.Scope, deviceID string, metrics map[string]float64, isHeartbeat bool, at time.Time) error {
	if isHeartbeat {
		_, err := s.Exec(ctx, `
			INSERT INTO device_state (tenant_id, device_id, status, last_heartbeat_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, device_id) DO UPDATE SET
				status = $3, last_heartbeat_at = $4
		`, s.TenantID(), deviceID, StatusOnline, at)
		return err
	}
	_, err := s.Exec(ctx, `
		INSERT INTO device_state (tenant_id, device_id, status, last_telemetry_at, latest_metrics)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, device_id) DO UPDATE SET
			status = $3, last_telemetry_at = $4, latest_metrics = $5
	`, s.TenantID(), deviceID, StatusOnline, at, metrics)
	return err
}

// OnRevoke marks a device REVOKED, independent of ingest activity.
func (st *Store) OnRevoke(ctx context.Context, s *scope.Scope, deviceID string) error {
	_, err := s.Exec(ctx, `
		UPDATE device_state SET status = $1 WHERE tenant_id = $2 AND device_id = $3
	`, StatusRevoked, s.TenantID(), deviceID)
	return err
}

// Get fetches a device's current snapshot.
func (st *Store) Get(ctx context.Context, s *scope.Scope, deviceID string) (*Snapshot, error) {
	row := s.QueryRow(ctx, `
		SELECT tenant_id, device_id, status, last_heartbeat_at, last_telemetry_at, latest_metrics
		FROM device_state WHERE device_id = $1
	`, deviceID)
	var snap Snapshot
	if err := row.Scan(&snap.TenantID, &snap.DeviceID, &snap.Status, &snap.LastHeartbeatAt, &snap.LastTelemetryAt, &snap.LatestMetrics); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Sweep transitions devices whose last activity has aged past
// staleThreshold or offlineThreshold into STALE/OFFLINE. It operates across
// all tenants in a single statement via an operator scope, since the sweep
// is a platform-wide maintenance task rather than a per-tenant request.
func (st *Store) Sweep(ctx context.Context, s *scope.Scope, now time.Time) error {
	offlineCutoff := now.Add(-st.offlineThreshold)
	staleCutoff := now.Add(-st.staleThreshold)

	if _, err := s.Exec(ctx, `
		UPDATE device_state SET status = $1
		WHERE status != $1 AND status != $2
		  AND COALESCE(last_telemetry_at, last_heartbeat_at) < $3
	`, StatusOffline, StatusRevoked, offlineCutoff); err != nil {
		return err
	}
	if _, err := s.Exec(ctx, `
		UPDATE device_state SET status = $1
		WHERE status = $2
		  AND COALESCE(last_telemetry_at, last_heartbeat_at) < $3
		  AND COALESCE(last_telemetry_at, last_heartbeat_at) >= $4
	`, StatusStale, StatusOnline, staleCutoff, offlineCutoff); err != nil {
		return err
	}
	return nil
}

// RunSweepLoop runs Sweep periodically until ctx is cancelled, the same
// ticker-plus-initial-run idiom the roster scheduler uses for its top-up
// loop.
func RunSweepLoop(ctx context.Context, s *scope.Scope, st *Store, interval time.Duration) {
	st.logger.Info("device state sweep loop started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := st.Sweep(ctx, s, time.Now()); err != nil {
		st.logger.Error("initial device state sweep", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			st.logger.Info("device state sweep loop stopped")
			return
		case <-ticker.C:
			if err := st.Sweep(ctx, s, time.Now()); err != nil {
				st.logger.Error("device state sweep", "error", err)
			}
		}
	}
}
