// Package delivery implements components L and M: DeliveryQueue (durable
// PENDING→IN_FLIGHT claim with a token and deadline, reaped back to PENDING
// on expiry) and DeliveryWorkers (claim, send via a Sender, retry with
// exponential backoff, hand off to the dead-letter store on exhaustion).
//
// The claim-token CAS idiom is grounded on TenantScope's own
// acquire-then-bind-then-release discipline (internal/scope/scope.go): a
// job row is "checked out" to exactly one worker the same way a connection
// is checked out to exactly one Scope.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldmesh/platform/internal/health"
	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/internal/telemetry"
	"github.com/fieldmesh/platform/pkg/deadletter"
	"github.com/fieldmesh/platform/pkg/senders"
)

// Status is a DeliveryJob lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed   Status = "FAILED"
)

const (
	maxAttempts  = 5
	backoffBase  = 2 * time.Second
	backoffCap   = 300 * time.Second
	jitterFrac   = 0.2
	claimTTL     = 60 * time.Second
)

// Job is a DeliveryJob.
type Job struct {
	ID         int64
	TenantID   string
	Kind       string // sender kind: webhook, snmp, smtp, mqtt
	Request    senders.Request
	Attempts   int
	Status     Status
	ClaimToken string
	ClaimDeadline time.Time
	NextAttemptAt time.Time
	LastError  string
}

// Queue persists DeliveryJobs and mediates claim/release/complete
// transitions via atomic CAS on (status, claim_token).
type Queue struct{}

func NewQueue() *Queue { return &Queue{} }

// ReplayAdapter satisfies pkg/deadletter's Replayer by wrapping Queue.Enqueue,
// so a dead-lettered record can be resubmitted without pkg/deadletter
// importing pkg/delivery (delivery already imports deadletter the other way).
type ReplayAdapter struct {
	Queue *Queue
}

func (a ReplayAdapter) Enqueue(ctx context.Context, s *scope.Scope, tenantID, kind string, req senders.Request) (int64, error) {
	return a.Queue.Enqueue(ctx, s, Job{TenantID: tenantID, Kind: kind, Request: req})
}

// Enqueue inserts a new PENDING job, persisted before any network call is
// attempted (spec §4.10: "Jobs are persisted before any network call.").
func (q *Queue) Enqueue(ctx context.Context, s *scope.Scope, j Job) (int64, error) {
	row := s.QueryRow(ctx, `
		INSERT INTO delivery_jobs (tenant_id, kind, request, attempts, status, next_attempt_at)
		VALUES ($1, $2, $3, 0, $4, now())
		RETURNING id
	`, s.TenantID(), j.Kind, j.Request, StatusPending)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueuing delivery job: %w", err)
	}
	return id, nil
}

// Claim atomically transitions one due PENDING job to IN_FLIGHT with a
// fresh claim token and deadline, returning nil if none is due.
func (q *Queue) Claim(ctx context.Context, s *scope.Scope) (*Job, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(claimTTL)

	row := s.QueryRow(ctx, `
		UPDATE delivery_jobs SET status = $1, claim_token = $2, claim_deadline = $3
		WHERE id = (
			SELECT id FROM delivery_jobs
			WHERE status = $4 AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, kind, request, attempts
	`, StatusInFlight, token, deadline, StatusPending)

	var j Job
	if err := row.Scan(&j.ID, &j.TenantID, &j.Kind, &j.Request, &j.Attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming delivery job: %w", err)
	}
	j.Status = StatusInFlight
	j.ClaimToken = token
	j.ClaimDeadline = deadline
	return &j, nil
}

// CompleteDelivered transitions an IN_FLIGHT job to DELIVERED, verifying
// the caller still holds claimToken (a worker whose claim expired and was
// reaped must not be able to complete a job another worker now owns).
func (q *Queue) CompleteDelivered(ctx context.Context, s *scope.Scope, jobID int64, claimToken string) error {
	n, err := s.Exec(ctx, `
		UPDATE delivery_jobs SET status = $1, claim_token = NULL
		WHERE id = $2 AND claim_token = $3 AND status = $4
	`, StatusDelivered, jobID, claimToken, StatusInFlight)
	if err != nil {
		return fmt.Errorf("completing delivery job %d: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: claim token mismatch or not in flight", jobID)
	}
	return nil
}

// RetryLater releases an IN_FLIGHT job back to PENDING with attempts
// incremented and the next eligible time set per the exponential-backoff
// schedule.
func (q *Queue) RetryLater(ctx context.Context, s *scope.Scope, jobID int64, claimToken string, attempts int, lastErr error) error {
	next := time.Now().Add(nextBackoff(attempts))
	n, err := s.Exec(ctx, `
		UPDATE delivery_jobs SET status = $1, claim_token = NULL, attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $5 AND claim_token = $6 AND status = $7
	`, StatusPending, attempts, next, errString(lastErr), jobID, claimToken, StatusInFlight)
	if err != nil {
		return fmt.Errorf("retrying delivery job %d: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: claim token mismatch or not in flight", jobID)
	}
	return nil
}

// Fail transitions an IN_FLIGHT job to terminal FAILED.
func (q *Queue) Fail(ctx context.Context, s *scope.Scope, jobID int64, claimToken string, lastErr error) error {
	n, err := s.Exec(ctx, `
		UPDATE delivery_jobs SET status = $1, claim_token = NULL, last_error = $2
		WHERE id = $3 AND claim_token = $4 AND status = $5
	`, StatusFailed, errString(lastErr), jobID, claimToken, StatusInFlight)
	if err != nil {
		return fmt.Errorf("failing delivery job %d: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: claim token mismatch or not in flight", jobID)
	}
	return nil
}

// ReapExpired resets any IN_FLIGHT job whose claim_deadline has passed back
// to PENDING, available for any worker to claim.
func (q *Queue) ReapExpired(ctx context.Context, s *scope.Scope, now time.Time) (int64, error) {
	n, err := s.Exec(ctx, `
		UPDATE delivery_jobs SET status = $1, claim_token = NULL
		WHERE status = $2 AND claim_deadline < $3
	`, StatusPending, StatusInFlight, now)
	if err != nil {
		return 0, fmt.Errorf("reaping expired claims: %w", err)
	}
	return n, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// nextBackoff computes the delay before the next attempt given attempts
// already made, base 2s, cap 300s, jitter +/-20% (spec §4.10). The
// exponent/cap schedule is driven by cenkalti/backoff/v5's
// ExponentialBackOff (stepped attempts-1 times from its own zero state);
// the +/-20% symmetric jitter is applied on top since that differs from
// the library's default randomization-factor semantics.
func nextBackoff(attempts int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = backoffBase
	eb.MaxInterval = backoffCap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0

	delay := backoffBase
	for i := 1; i < attempts; i++ {
		d := eb.NextBackOff()
		if d == backoff.Stop {
			break
		}
		delay = d
	}
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := (rand.Float64()*2 - 1) * jitterFrac * float64(delay)
	return delay + time.Duration(jitter)
}

// Worker claims and processes jobs against queue until ctx is cancelled.
type Worker struct {
	queue   *Queue
	senders map[string]senders.Sender
	dlq     *deadletter.Store
	health  *health.Counters
	logger  *slog.Logger
}

// NewWorker creates a Worker dispatching by Job.Kind to the given Sender map.
// health is optional; pass nil to disable liveness counters.
func NewWorker(queue *Queue, senderMap map[string]senders.Sender, dlq *deadletter.Store, h *health.Counters, logger *slog.Logger) *Worker {
	return &Worker{queue: queue, senders: senderMap, dlq: dlq, health: h, logger: logger}
}

// ProcessOne claims and processes a single due job, returning false if none
// was available.
func (w *Worker) ProcessOne(ctx context.Context, s *scope.Scope) (bool, error) {
	job, err := w.queue.Claim(ctx, s)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	sender, ok := w.senders[job.Kind]
	if !ok {
		_ = w.queue.Fail(ctx, s, job.ID, job.ClaimToken, fmt.Errorf("no sender registered for kind %q", job.Kind))
		return true, nil
	}

	result := sender.Send(ctx, job.Request)
	telemetry.DeliveryAttemptsTotal.WithLabelValues(job.Kind, outcome(result)).Inc()

	if result.Success {
		if err := w.queue.CompleteDelivered(ctx, s, job.ID, job.ClaimToken); err != nil {
			w.logger.Error("completing delivered job", "job_id", job.ID, "error", err)
		}
		if w.health != nil {
			w.health.IncDeliverySent()
		}
		return true, nil
	}

	attempts := job.Attempts + 1
	if !result.Retryable || attempts >= maxAttempts {
		if err := w.dlq.Append(ctx, s, deadletter.Record{
			TenantID:  job.TenantID,
			JobID:     job.ID,
			Kind:      job.Kind,
			Request:   job.Request,
			Attempts:  attempts,
			LastError: errString(result.Error),
		}); err != nil {
			w.logger.Error("appending to dead-letter store", "job_id", job.ID, "error", err)
		}
		telemetry.DeadLetterTotal.Inc()
		if w.health != nil {
			w.health.IncDeadLettered()
		}
		if err := w.queue.Fail(ctx, s, job.ID, job.ClaimToken, result.Error); err != nil {
			w.logger.Error("marking job failed", "job_id", job.ID, "error", err)
		}
		return true, nil
	}

	if err := w.queue.RetryLater(ctx, s, job.ID, job.ClaimToken, attempts, result.Error); err != nil {
		w.logger.Error("scheduling retry", "job_id", job.ID, "error", err)
	}
	return true, nil
}

func outcome(r senders.Result) string {
	if r.Success {
		return "sent"
	}
	return "error"
}

// RunReaperLoop periodically reaps expired claims until ctx is cancelled.
func RunReaperLoop(ctx context.Context, s *scope.Scope, q *Queue, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.ReapExpired(ctx, s, time.Now())
			if err != nil {
				logger.Error("reaping expired delivery claims", "error", err)
				continue
			}
			if n > 0 {
				logger.Warn("reaped expired delivery claims", "count", n)
			}
		}
	}
}
