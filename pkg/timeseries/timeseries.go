// Package timeseries implements the TimeSeriesStore contract (spec §4.2)
// against Postgres, the store BatchWriter, RuleEngine, and the query API
// all checkout through a *scope.Scope. The batch write path uses pgx's
// CopyFrom for throughput, the way the donor pack's orchestrix-api metric
// repository batches inserts (internal/adapter/driven/postgres/metric.go),
// adapted here to go through an explicit Scope rather than a package-level
// sqlc Queries struct bound once to a pool.
package timeseries

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldmesh/platform/internal/scope"
)

// Point is a TelemetryPoint: (tenantId, deviceId, ts, metricName) -> numeric.
type Point struct {
	DeviceID   string
	TS         time.Time
	MetricName string
	Value      float64
}

// RejectedPoint names a point WritePoints could not persist and why.
type RejectedPoint struct {
	Point Point
	Err   error
}

// Store is the TimeSeriesStore contract.
type Store interface {
	WritePoints(ctx context.Context, s *scope.Scope, batch []Point) ([]RejectedPoint, error)
	QueryLatest(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, count int) ([]Point, error)
	QueryRange(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, start, end time.Time, limit int) ([]Point, error)
	CountSince(ctx context.Context, s *scope.Scope, deviceID, metricName string, since time.Time) (int64, error)
	// QueryLatestFleet returns, for every device in the tenant's scope, the
	// single most recent point for metricName (optionally restricted to
	// siteID). It backs RuleEngine's per-tick evaluation (spec §4.5 step 1),
	// which scans "every device" rather than one known device.
	QueryLatestFleet(ctx context.Context, s *scope.Scope, metricName, siteID string) ([]Point, error)
}

// PostgresStore is the Postgres-backed Store implementation.
type PostgresStore struct{}

// NewPostgresStore creates a PostgresStore. It takes no collaborators: every
// call is parameterized by the caller's Scope.
func NewPostgresStore() *PostgresStore { return &PostgresStore{} }

// WritePoints persists batch atomically per spec §4.2. CopyFrom either
// inserts the whole batch or returns an error for the whole batch — there is
// no partial-row outcome from Postgres's COPY protocol, so on failure every
// point in batch is reported rejected with the same underlying error, and
// BatchWriter's retry-then-quarantine logic (spec §4.3 at the batch layer)
// decides what happens next.
func (p *PostgresStore) WritePoints(ctx context.Context, s *scope.Scope, batch []Point) ([]RejectedPoint, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	rows := make([][]any, len(batch))
	for i, pt := range batch {
		rows[i] = []any{s.TenantID(), pt.DeviceID, pt.TS, pt.MetricName, pt.Value}
	}

	_, err := s.Conn().CopyFrom(ctx,
		pgx.Identifier{"telemetry_points"},
		[]string{"tenant_id", "device_id", "ts", "metric_name", "value"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		rejected := make([]RejectedPoint, len(batch))
		for i, pt := range batch {
			rejected[i] = RejectedPoint{Point: pt, Err: err}
		}
		return rejected, fmt.Errorf("writing telemetry batch: %w", err)
	}
	return nil, nil
}

// QueryLatest returns the most recent count points per metric, newest first.
// An empty metricNames means all metrics for the device.
func (p *PostgresStore) QueryLatest(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, count int) ([]Point, error) {
	var rows pgx.Rows
	var err error
	if len(metricNames) == 0 {
		rows, err = s.Query(ctx, `
			SELECT device_id, ts, metric_name, value
			FROM telemetry_points
			WHERE device_id = $1
			ORDER BY ts DESC
			LIMIT $2
		`, deviceID, count)
	} else {
		rows, err = s.Query(ctx, `
			SELECT device_id, ts, metric_name, value
			FROM telemetry_points
			WHERE device_id = $1 AND metric_name = ANY($2)
			ORDER BY ts DESC
			LIMIT $3
		`, deviceID, metricNames, count)
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest points: %w", err)
	}
	return scanPoints(rows)
}

// QueryRange returns points in [start, end], ordered ascending.
func (p *PostgresStore) QueryRange(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, start, end time.Time, limit int) ([]Point, error) {
	var rows pgx.Rows
	var err error
	if len(metricNames) == 0 {
		rows, err = s.Query(ctx, `
			SELECT device_id, ts, metric_name, value
			FROM telemetry_points
			WHERE device_id = $1 AND ts BETWEEN $2 AND $3
			ORDER BY ts ASC
			LIMIT $4
		`, deviceID, start, end, limit)
	} else {
		rows, err = s.Query(ctx, `
			SELECT device_id, ts, metric_name, value
			FROM telemetry_points
			WHERE device_id = $1 AND metric_name = ANY($2) AND ts BETWEEN $3 AND $4
			ORDER BY ts ASC
			LIMIT $5
		`, deviceID, metricNames, start, end, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying point range: %w", err)
	}
	return scanPoints(rows)
}

// CountSince counts points for (deviceID, metricName) with ts >= since.
// Nothing in this module calls it; RuleEngine's rules are threshold-only.
func (p *PostgresStore) CountSince(ctx context.Context, s *scope.Scope, deviceID, metricName string, since time.Time) (int64, error) {
	row := s.QueryRow(ctx, `
		SELECT count(*) FROM telemetry_points
		WHERE device_id = $1 AND metric_name = $2 AND ts >= $3
	`, deviceID, metricName, since)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting points since %s: %w", since, err)
	}
	return n, nil
}

// QueryLatestFleet returns the most recent point per device for metricName
// across the scope's tenant, via Postgres's DISTINCT ON ordered-by-device
// then timestamp-descending idiom, joined against the device registry when
// siteID narrows the scan.
func (p *PostgresStore) QueryLatestFleet(ctx context.Context, s *scope.Scope, metricName, siteID string) ([]Point, error) {
	var rows pgx.Rows
	var err error
	if siteID == "" {
		rows, err = s.Query(ctx, `
			SELECT DISTINCT ON (device_id) device_id, ts, metric_name, value
			FROM telemetry_points
			WHERE metric_name = $1
			ORDER BY device_id, ts DESC
		`, metricName)
	} else {
		rows, err = s.Query(ctx, `
			SELECT DISTINCT ON (tp.device_id) tp.device_id, tp.ts, tp.metric_name, tp.value
			FROM telemetry_points tp
			JOIN device_registry dr ON dr.device_id = tp.device_id
			WHERE tp.metric_name = $1 AND dr.site_id = $2
			ORDER BY tp.device_id, tp.ts DESC
		`, metricName, siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest fleet points: %w", err)
	}
	return scanPoints(rows)
}

func scanPoints(rows pgx.Rows) ([]Point, error) {
	defer rows.Close()
	var out []Point
	for rows.Next() {
		var pt Point
		if err := rows.Scan(&pt.DeviceID, &pt.TS, &pt.MetricName, &pt.Value); err != nil {
			return nil, fmt.Errorf("scanning point row: %w", err)
		}
		out = append(out, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating point rows: %w", err)
	}
	return out, nil
}
