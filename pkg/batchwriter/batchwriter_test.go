package batchwriter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/timeseries"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]timeseries.Point
	failN   int // fail the first failN calls
	calls   int
}

func (f *fakeStore) WritePoints(ctx context.Context, s *scope.Scope, batch []timeseries.Point) ([]timeseries.RejectedPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return nil, errFake
	}
	cp := append([]timeseries.Point(nil), batch...)
	f.batches = append(f.batches, cp)
	return nil, nil
}

func (f *fakeStore) QueryLatest(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, count int) ([]timeseries.Point, error) {
	return nil, nil
}
func (f *fakeStore) QueryRange(ctx context.Context, s *scope.Scope, deviceID string, metricNames []string, start, end time.Time, limit int) ([]timeseries.Point, error) {
	return nil, nil
}
func (f *fakeStore) CountSince(ctx context.Context, s *scope.Scope, deviceID, metricName string, since time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) QueryLatestFleet(ctx context.Context, s *scope.Scope, metricName, siteID string) ([]timeseries.Point, error) {
	return nil, nil
}

var errFake = fakeErr("store unavailable")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nopOpener hands back a scope bound to tenantID but with no live
// connection, sufficient since fakeStore never dereferences it.
func nopOpener(ctx context.Context, tenantID string) (*scope.Scope, error) {
	return &scope.Scope{}, nil
}

func TestWriter_FlushesOnByteThreshold(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, nopOpener, discardLogger(), 3*approxPointBytes, time.Hour)

	for i := 0; i < 3; i++ {
		if err := w.Enqueue(context.Background(), "T1", timeseries.Point{DeviceID: "D1", MetricName: "temp_c", Value: 1}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 || len(store.batches[0]) != 3 {
		t.Fatalf("expected one flushed batch of 3 points, got %+v", store.batches)
	}
}

func TestWriter_FlushesOnAgeThreshold(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, nopOpener, discardLogger(), defaultMaxBytes, 10*time.Millisecond)

	if err := w.Enqueue(context.Background(), "T1", timeseries.Point{DeviceID: "D1", MetricName: "temp_c", Value: 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if err := w.Enqueue(context.Background(), "T1", timeseries.Point{DeviceID: "D1", MetricName: "temp_c", Value: 2}); err != nil {
		t.Fatalf("enqueue after age threshold: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 1 {
		t.Fatalf("expected a flush once the oldest point aged out, got %+v", store.batches)
	}
}

func TestWriter_BufferResetsAfterFlush(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, nopOpener, discardLogger(), 1*approxPointBytes, time.Hour)

	_ = w.Enqueue(context.Background(), "T1", timeseries.Point{DeviceID: "D1", MetricName: "m", Value: 1})

	w.mu.Lock()
	tb, ok := w.byTenant["T1"]
	n := 0
	if ok {
		n = len(tb.points)
	}
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected buffer to be empty after flush, got %d pending points", n)
	}
}

func TestWriter_SeparatesTenantsIntoDistinctBatches(t *testing.T) {
	store := &fakeStore{}
	w := New(store, nil, nopOpener, discardLogger(), 1*approxPointBytes, time.Hour)

	if err := w.Enqueue(context.Background(), "T1", timeseries.Point{DeviceID: "D1", MetricName: "m", Value: 1}); err != nil {
		t.Fatalf("enqueue T1: %v", err)
	}
	if err := w.Enqueue(context.Background(), "T2", timeseries.Point{DeviceID: "D2", MetricName: "m", Value: 2}); err != nil {
		t.Fatalf("enqueue T2: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.batches) != 2 {
		t.Fatalf("expected each tenant's single-point batch to flush independently, got %+v", store.batches)
	}
	for _, b := range store.batches {
		if len(b) != 1 {
			t.Fatalf("expected no cross-tenant mixing within a flushed batch, got %+v", b)
		}
	}
}
