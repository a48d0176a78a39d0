// Package alertstore implements component I, AlertStore (spec §4.6): the
// FleetAlert lifecycle (OPEN/ACKNOWLEDGED/CLOSED, SILENCED as an orthogonal
// flag) with fingerprint-based dedup enforced at the store level via a
// unique partial constraint, not merely by the caller's own check-then-act.
package alertstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/internal/telemetry"
)

// Status is a FleetAlert lifecycle state.
type Status string

const (
	StatusOpen         Status = "OPEN"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusClosed       Status = "CLOSED"
)

// ErrDuplicateFingerprint is returned when Open is rejected by the store's
// unique partial constraint because an OPEN or ACKNOWLEDGED alert for the
// same fingerprint already exists.
var ErrDuplicateFingerprint = errors.New("alertstore: duplicate fingerprint for active alert")

// Alert is the FleetAlert entity.
type Alert struct {
	ID          int64
	TenantID    string
	DeviceID    string
	RuleID      string
	Fingerprint string
	AlertType   string
	Severity    int
	Summary     string
	Details     map[string]any
	Status      Status
	Silenced    bool
	OpenedAt    time.Time
	ClosedAt    *time.Time
}

// Fingerprint computes the stable hash of (tenantId, deviceId, ruleId) used
// to deduplicate active alerts, the same sha256-of-joined-fields idiom the
// donor's alert package uses for its own fingerprint (pkg/alert/alert.go's
// generateFingerprint), applied to the (tenant, device, rule) triple instead
// of (title, labels).
func Fingerprint(tenantID, deviceID, ruleID string) string {
	h := sha256.Sum256([]byte(tenantID + "\x00" + deviceID + "\x00" + ruleID))
	return hex.EncodeToString(h[:])
}

// Store persists FleetAlerts.
type Store struct{}

// NewStore creates a Store. Every call takes an explicit Scope.
func NewStore() *Store { return &Store{} }

// Open inserts a new OPEN alert. The INSERT relies on a unique partial
// index over (tenant_id, fingerprint) WHERE status IN ('OPEN',
// 'ACKNOWLEDGED') to guarantee at-most-one active alert per fingerprint even
// under concurrent evaluators (spec §4.6 invariant) — ON CONFLICT DO
// NOTHING turns a constraint violation into ErrDuplicateFingerprint rather
// than a raw database error.
func (st *Store) Open(ctx context.Context, s *scope.Scope, a Alert) (*Alert, error) {
	row := s.QueryRow(ctx, `
		INSERT INTO fleet_alerts (tenant_id, device_id, rule_id, fingerprint, alert_type, severity, summary, details, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (tenant_id, fingerprint) WHERE status IN ('OPEN', 'ACKNOWLEDGED') DO NOTHING
		RETURNING id, opened_at
	`, s.TenantID(), a.DeviceID, a.RuleID, a.Fingerprint, a.AlertType, a.Severity, a.Summary, a.Details, StatusOpen)

	var id int64
	var openedAt time.Time
	if err := row.Scan(&id, &openedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			telemetry.AlertsOpenedTotal.WithLabelValues("duplicate").Inc()
			return nil, ErrDuplicateFingerprint
		}
		return nil, fmt.Errorf("opening alert: %w", err)
	}

	a.ID = id
	a.TenantID = s.TenantID()
	a.Status = StatusOpen
	a.OpenedAt = openedAt
	telemetry.AlertsOpenedTotal.WithLabelValues(severityLabel(a.Severity)).Inc()
	return &a, nil
}

// Close transitions the OPEN or ACKNOWLEDGED alert with fingerprint to
// CLOSED. A no-op (returns false, nil) if no active alert for fingerprint
// exists — the RuleEngine calls this unconditionally each evaluation when
// its comparison goes false.
func (st *Store) Close(ctx context.Context, s *scope.Scope, fingerprint string) (bool, error) {
	n, err := s.Exec(ctx, `
		UPDATE fleet_alerts SET status = $1, closed_at = now()
		WHERE fingerprint = $2 AND status IN ($3, $4)
	`, StatusClosed, fingerprint, StatusOpen, StatusAcknowledged)
	if err != nil {
		return false, fmt.Errorf("closing alert: %w", err)
	}
	if n > 0 {
		telemetry.AlertsClosedTotal.Inc()
		return true, nil
	}
	return false, nil
}

// Acknowledge transitions an OPEN alert to ACKNOWLEDGED.
func (st *Store) Acknowledge(ctx context.Context, s *scope.Scope, alertID int64) error {
	n, err := s.Exec(ctx, `
		UPDATE fleet_alerts SET status = $1 WHERE id = $2 AND status = $3
	`, StatusAcknowledged, alertID, StatusOpen)
	if err != nil {
		return fmt.Errorf("acknowledging alert %d: %w", alertID, err)
	}
	if n == 0 {
		return fmt.Errorf("alert %d not found or not OPEN", alertID)
	}
	return nil
}

// SetSilenced toggles the orthogonal suppression flag, which disables
// dispatch (component K/RouteEngine fan-out) but not visibility.
func (st *Store) SetSilenced(ctx context.Context, s *scope.Scope, alertID int64, silenced bool) error {
	_, err := s.Exec(ctx, `UPDATE fleet_alerts SET silenced = $1 WHERE id = $2`, silenced, alertID)
	if err != nil {
		return fmt.Errorf("setting silenced on alert %d: %w", alertID, err)
	}
	return nil
}

// ActiveByFingerprint reports whether an OPEN or ACKNOWLEDGED alert exists
// for fingerprint, the check the RuleEngine performs before deciding to
// open (the store-level constraint in Open is the authoritative guard;
// this is the fast pre-check that avoids a failed insert on the common
// path).
func (st *Store) ActiveByFingerprint(ctx context.Context, s *scope.Scope, fingerprint string) (bool, error) {
	row := s.QueryRow(ctx, `
		SELECT count(*) FROM fleet_alerts WHERE fingerprint = $1 AND status IN ($2, $3)
	`, fingerprint, StatusOpen, StatusAcknowledged)
	var n int64
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("checking active fingerprint: %w", err)
	}
	return n > 0, nil
}

func severityLabel(sev int) string {
	return fmt.Sprintf("%d", sev)
}
