// Package deadletter implements component O, DeadLetterStore: a writer-only
// append log of delivery jobs that exhausted retries, with operator
// inspect/replay/discard/purge operations. Grounded on the teacher's own
// append-then-list pattern in pkg/quarantine (spec sibling: quarantine is
// the ingest-side dead-letter queue, this is the delivery-side one).
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/senders"
)

// ReplayState is a dead-letter record's disposition.
type ReplayState string

const (
	StateQueued    ReplayState = "QUEUED"
	StateDelivered ReplayState = "DELIVERED"
	StateDiscarded ReplayState = "DISCARDED"
)

// ErrDiscarded is returned by Replay when the record was already discarded;
// replaying a discarded record is rejected outright rather than silently
// re-queuing it (spec §4.10's invariant on dead-letter replay).
var ErrDiscarded = errors.New("deadletter: record is discarded, replay rejected")

// Record is one dead-lettered delivery job with its full context snapshot.
type Record struct {
	ID         int64
	TenantID   string
	JobID      int64
	Kind       string
	Request    senders.Request
	Attempts   int
	LastError  string
	State      ReplayState
	CreatedAt  time.Time
}

// Store is the append-only dead-letter log.
type Store struct{}

func NewStore() *Store { return &Store{} }

// Append records a job that exhausted its retry budget. Writer-only: no
// delivery-path code ever mutates an existing row, only inspect/replay/
// discard/purge (operator-initiated) do.
func (st *Store) Append(ctx context.Context, s *scope.Scope, r Record) error {
	tenantID := r.TenantID
	if tenantID == "" {
		tenantID = s.TenantID()
	}
	_, err := s.Exec(ctx, `
		INSERT INTO dead_letter_records (tenant_id, job_id, kind, request, attempts, last_error, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tenantID, r.JobID, r.Kind, r.Request, r.Attempts, r.LastError, StateQueued)
	if err != nil {
		return fmt.Errorf("appending dead-letter record: %w", err)
	}
	return nil
}

// ListAfter returns up to limit dead-letter records for the scope's tenant
// older than afterID (0 means start from the most recent), newest first,
// for operator inspection and keyset pagination (internal/httpserver's
// Cursor).
func (st *Store) ListAfter(ctx context.Context, s *scope.Scope, afterID int64, limit int) ([]Record, error) {
	rows, err := s.Query(ctx, `
		SELECT id, tenant_id, job_id, kind, request, attempts, last_error, state, created_at
		FROM dead_letter_records
		WHERE tenant_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`, s.TenantID(), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead-letter records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Kind, &r.Request, &r.Attempts, &r.LastError, &r.State, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning dead-letter record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get fetches a single dead-letter record by id.
func (st *Store) Get(ctx context.Context, s *scope.Scope, id int64) (*Record, error) {
	row := s.QueryRow(ctx, `
		SELECT id, tenant_id, job_id, kind, request, attempts, last_error, state, created_at
		FROM dead_letter_records
		WHERE tenant_id = $1 AND id = $2
	`, s.TenantID(), id)

	var r Record
	if err := row.Scan(&r.ID, &r.TenantID, &r.JobID, &r.Kind, &r.Request, &r.Attempts, &r.LastError, &r.State, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching dead-letter record %d: %w", id, err)
	}
	return &r, nil
}

// Replayer re-enqueues a dead-lettered job's request for another delivery
// attempt; it is supplied by the caller (pkg/delivery's ReplayAdapter, wired
// in by internal/app) so this package does not need to import pkg/delivery.
type Replayer interface {
	Enqueue(ctx context.Context, s *scope.Scope, tenantID, kind string, req senders.Request) (int64, error)
}

// Replay re-submits a dead-lettered record for delivery. A DISCARDED record
// is rejected with ErrDiscarded. Re-submitting an already-DELIVERED record
// is a no-op returning its existing job id, not a duplicate send.
func (st *Store) Replay(ctx context.Context, s *scope.Scope, id int64, r Replayer) (int64, error) {
	rec, err := st.Get(ctx, s, id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, fmt.Errorf("dead-letter record %d: not found", id)
	}
	if rec.State == StateDiscarded {
		return 0, ErrDiscarded
	}
	if rec.State == StateDelivered {
		return rec.JobID, nil
	}

	jobID, err := r.Enqueue(ctx, s, rec.TenantID, rec.Kind, rec.Request)
	if err != nil {
		return 0, fmt.Errorf("replaying dead-letter record %d: %w", id, err)
	}

	if _, err := s.Exec(ctx, `
		UPDATE dead_letter_records SET state = $1, job_id = $2 WHERE id = $3
	`, StateDelivered, jobID, id); err != nil {
		return 0, fmt.Errorf("marking dead-letter record %d replayed: %w", id, err)
	}
	return jobID, nil
}

// Discard marks a dead-letter record as permanently abandoned; it will
// never again be eligible for replay.
func (st *Store) Discard(ctx context.Context, s *scope.Scope, id int64) error {
	n, err := s.Exec(ctx, `
		UPDATE dead_letter_records SET state = $1 WHERE tenant_id = $2 AND id = $3
	`, StateDiscarded, s.TenantID(), id)
	if err != nil {
		return fmt.Errorf("discarding dead-letter record %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("dead-letter record %d: not found", id)
	}
	return nil
}

// Purge permanently deletes dead-letter records older than olderThan,
// regardless of state. Intended for scheduled retention cleanup.
func (st *Store) Purge(ctx context.Context, s *scope.Scope, olderThan time.Time) (int64, error) {
	n, err := s.Exec(ctx, `
		DELETE FROM dead_letter_records WHERE tenant_id = $1 AND created_at < $2
	`, s.TenantID(), olderThan)
	if err != nil {
		return 0, fmt.Errorf("purging dead-letter records: %w", err)
	}
	return n, nil
}
