// Package quarantine implements component E: an append-only sink for
// rejected envelopes and failed batch writes, each record carrying a
// machine-readable reason code (spec §4.4, §3).
package quarantine

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
)

// Record is a QuarantineRecord: a rejected envelope with its reason.
// Payload is truncated to 8 KiB at capture time, matching the envelope
// size ceiling itself.
type Record struct {
	ID         int64
	TenantID   string
	Topic      string
	Reason     string
	Payload    []byte
	CapturedAt time.Time
}

const maxCapturedPayload = 8 * 1024

// Sink appends QuarantineRecords and lists them for operator inspection.
type Sink struct{}

// NewSink creates a Sink. Every call takes an explicit Scope.
func NewSink() *Sink { return &Sink{} }

// Append records a rejection. tenantID may be empty when the envelope's
// tenant could not even be determined (e.g. an unknown device on an
// unauthenticated topic).
func (k *Sink) Append(ctx context.Context, s *scope.Scope, tenantID, topic, reason string, payload []byte) error {
	if len(payload) > maxCapturedPayload {
		payload = payload[:maxCapturedPayload]
	}
	_, err := s.Exec(ctx, `
		INSERT INTO quarantine_records (tenant_id, topic, reason, payload, captured_at)
		VALUES ($1, $2, $3, $4, now())
	`, tenantID, topic, reason, payload)
	if err != nil {
		return fmt.Errorf("appending quarantine record: %w", err)
	}
	return nil
}

// List returns quarantine records for the scope's tenant (or all tenants in
// operator mode), newest first, bounded by limit starting after afterID.
func (k *Sink) List(ctx context.Context, s *scope.Scope, afterID int64, limit int) ([]Record, error) {
	rows, err := s.Query(ctx, `
		SELECT id, tenant_id, topic, reason, payload, captured_at
		FROM quarantine_records
		WHERE id > $1
		ORDER BY id DESC
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing quarantine records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Topic, &r.Reason, &r.Payload, &r.CapturedAt); err != nil {
			return nil, fmt.Errorf("scanning quarantine record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating quarantine records: %w", err)
	}
	return out, nil
}
