// Package device implements the DeviceRegistryRecord entity (spec §3) and
// its provisioning/lookup, the registry AuthCache (component A) reads
// through to.
package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
)

// Status is the lifecycle state of a device registry record.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusRevoked     Status = "REVOKED"
	StatusDecommissioned Status = "DELETED"
)

// Record is a DeviceRegistryRecord: key (TenantID, DeviceID).
type Record struct {
	TenantID           string
	DeviceID           string
	SiteID             string
	Status             Status
	ProvisioningSecretHash string // never returned to callers after creation
	CreatedAt          time.Time
	DecommissionedAt   *time.Time
}

// Registry provides CRUD and lookup for device registry records.
type Registry struct{}

// NewRegistry creates a Registry. It takes no collaborators because every
// call is parameterized by an explicit Scope.
func NewRegistry() *Registry { return &Registry{} }

// Lookup fetches a device registry record by (tenantID, deviceID). It is the
// load path AuthCache's single-flight refresh calls on miss/stale.
func (r *Registry) Lookup(ctx context.Context, s *scope.Scope, deviceID string) (*Record, error) {
	row := s.QueryRow(ctx, `
		SELECT tenant_id, device_id, site_id, status, provisioning_secret_hash, created_at, decommissioned_at
		FROM device_registry
		WHERE device_id = $1
	`, deviceID)

	var rec Record
	var decommissionedAt *time.Time
	if err := row.Scan(&rec.TenantID, &rec.DeviceID, &rec.SiteID, &rec.Status, &rec.ProvisioningSecretHash, &rec.CreatedAt, &decommissionedAt); err != nil {
		return nil, fmt.Errorf("looking up device %s: %w", deviceID, err)
	}
	rec.DecommissionedAt = decommissionedAt
	return &rec, nil
}

// Provision creates a new device registry record and returns its raw
// provisioning secret — shown to the caller exactly once, the way API-key
// creation does.
func (r *Registry) Provision(ctx context.Context, s *scope.Scope, deviceID, siteID string) (rawSecret string, rec *Record, err error) {
	raw, hash := generateProvisioningSecret()

	row := s.QueryRow(ctx, `
		INSERT INTO device_registry (tenant_id, device_id, site_id, status, provisioning_secret_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING tenant_id, device_id, site_id, status, provisioning_secret_hash, created_at, decommissioned_at
	`, s.TenantID(), deviceID, siteID, StatusActive, hash)

	var out Record
	var decommissionedAt *time.Time
	if err := row.Scan(&out.TenantID, &out.DeviceID, &out.SiteID, &out.Status, &out.ProvisioningSecretHash, &out.CreatedAt, &decommissionedAt); err != nil {
		return "", nil, fmt.Errorf("provisioning device %s: %w", deviceID, err)
	}
	out.DecommissionedAt = decommissionedAt
	return raw, &out, nil
}

// SetStatus mutates a device's status (e.g. revoking it). Callers owning an
// AuthCache must invalidate the corresponding cache entry after this call
// succeeds — the registry itself has no knowledge of the cache.
func (r *Registry) SetStatus(ctx context.Context, s *scope.Scope, deviceID string, status Status) error {
	var decommissionedAt any
	if status != StatusActive {
		decommissionedAt = time.Now().UTC()
	}
	n, err := s.Exec(ctx, `
		UPDATE device_registry SET status = $1, decommissioned_at = COALESCE(decommissioned_at, $2)
		WHERE device_id = $3
	`, status, decommissionedAt, deviceID)
	if err != nil {
		return fmt.Errorf("updating device %s status: %w", deviceID, err)
	}
	if n == 0 {
		return fmt.Errorf("device %s not found", deviceID)
	}
	return nil
}

// VerifySecret hashes candidate and reports whether it matches rec's stored hash.
func (rec *Record) VerifySecret(candidate string) bool {
	h := sha256.Sum256([]byte(candidate))
	return hex.EncodeToString(h[:]) == rec.ProvisioningSecretHash
}

func generateProvisioningSecret() (raw, hash string) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	raw = fmt.Sprintf("fm_%x", b)
	h := sha256.Sum256([]byte(raw))
	hash = hex.EncodeToString(h[:])
	return
}
