// Package audit implements component R: an append-only, never-tenant-scoped
// log of operator access. General domain audit events are written async and
// batched for throughput; operator scope entry (§4.13) requires a
// synchronous write that must complete before the scope becomes usable, so
// Writer exposes both paths.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is a single audit log entry. Per spec §3, AuditRecord is
// append-only and never scoped by tenant — TargetTenant is carried as a
// plain field, not a row-level-security dimension.
type Record struct {
	Timestamp    time.Time
	OperatorID   string
	Action       string
	TargetTenant string // empty for actions with no single-tenant target
	RequestIP    netip.Addr
	ResultCode   int
}

// Writer is an async, buffered audit log writer with a synchronous
// escape hatch for operator-scope entry.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan Record
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin background flushing.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan Record, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. It returns when the context is cancelled and pending entries
// have been flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues a record for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning is logged. This path
// is for routine domain audit events (e.g. alert acknowledgement) where a
// few milliseconds of durability lag is acceptable.
func (w *Writer) Log(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case w.entries <- rec:
	default:
		w.logger.Warn("audit log buffer full, dropping entry", "action", rec.Action)
	}
}

// LogFromRequest is a convenience wrapper that fills RequestIP from the HTTP
// request before enqueueing.
func (w *Writer) LogFromRequest(r *http.Request, operatorID, action, targetTenant string, resultCode int) {
	w.Log(Record{
		OperatorID:   operatorID,
		Action:       action,
		TargetTenant: targetTenant,
		RequestIP:    clientIP(r),
		ResultCode:   resultCode,
	})
}

// WriteSync writes a single audit record directly, bypassing the channel and
// background batching. Per spec §4.13, every entry into operator scope must
// complete a synchronous audit write before the scope is usable — this is
// that write. It satisfies scope.AuditWriter.
func (w *Writer) WriteSync(ctx context.Context, operatorID, action, targetTenant, requestIP string, resultCode int) error {
	var ip netip.Addr
	if requestIP != "" {
		ip, _ = netip.ParseAddr(requestIP)
	}
	return w.insert(ctx, Record{
		Timestamp:    time.Now().UTC(),
		OperatorID:   operatorID,
		Action:       action,
		TargetTenant: targetTenant,
		RequestIP:    ip,
		ResultCode:   resultCode,
	})
}

// run drains the entries channel, flushing on a timer, on batch-size
// threshold, and on shutdown.
func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, rec := range batch {
		if err := w.insert(ctx, rec); err != nil {
			w.logger.Error("writing audit record", "error", err, "action", rec.Action)
		}
	}
}

func (w *Writer) insert(ctx context.Context, rec Record) error {
	var ip *string
	if rec.RequestIP.IsValid() {
		s := rec.RequestIP.String()
		ip = &s
	}
	var target *string
	if rec.TargetTenant != "" {
		target = &rec.TargetTenant
	}

	_, err := w.pool.Exec(ctx, `
		INSERT INTO audit_log (ts, operator_id, action, target_tenant, request_ip, result_code)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rec.Timestamp, rec.OperatorID, rec.Action, target, ip, rec.ResultCode)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}
	return nil
}

// clientIP extracts the client IP address from the request, preferring
// X-Forwarded-For and X-Real-IP headers over RemoteAddr.
func clientIP(r *http.Request) netip.Addr {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if addr, err := netip.ParseAddr(strings.TrimSpace(parts[0])); err == nil {
			return addr
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, _ := netip.ParseAddr(host)
	return addr
}
