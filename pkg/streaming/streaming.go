// Package streaming implements component P, StreamingBus: in-process
// publish/subscribe fan-out of accepted envelopes to live-stream clients.
// Each subscriber gets a bounded SPSC channel (default 100); publish is
// non-blocking and drops-and-counts on a full queue. Per-tenant subscriber
// count is capped (default 10). Not durable — grounded on the teacher's
// pkg/roster handoff channel idiom (roster/handoff.go), generalized from a
// single-consumer handoff to many independently-filtered subscribers.
package streaming

import (
	"fmt"
	"sync"

	"github.com/fieldmesh/platform/internal/telemetry"
)

const (
	defaultQueueSize    = 100
	defaultTenantCap    = 10
)

// Event is a published envelope, already accepted by the ingest pipeline.
type Event struct {
	TenantID   string
	DeviceID   string
	MetricName string
	Metrics    map[string]float64
}

// Filter restricts which events a subscriber receives. A nil/empty slice
// means "no restriction on this dimension".
type Filter struct {
	DeviceIDs   []string
	MetricNames []string
}

func (f Filter) matches(e Event) bool {
	if len(f.DeviceIDs) > 0 && !contains(f.DeviceIDs, e.DeviceID) {
		return false
	}
	if len(f.MetricNames) > 0 && !contains(f.MetricNames, e.MetricName) {
		return false
	}
	return true
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// Subscription is a live handle a subscriber reads from and eventually
// closes via Bus.Unsubscribe.
type Subscription struct {
	ID       string
	TenantID string
	Filter   Filter
	ch       chan Event
}

// Events returns the receive-only channel of matched events.
func (s *Subscription) Events() <-chan Event { return s.ch }

// ErrTenantAtCapacity is returned by Subscribe when a tenant already has
// the maximum number of live subscribers.
type ErrTenantAtCapacity struct{ TenantID string }

func (e ErrTenantAtCapacity) Error() string {
	return fmt.Sprintf("streaming: tenant %s is at subscriber capacity", e.TenantID)
}

// Bus is the in-process StreamingBus.
type Bus struct {
	queueSize int
	tenantCap int

	mu          sync.Mutex
	bySubID     map[string]*Subscription
	byTenant    map[string][]string // tenantID -> subscription IDs
	nextID      int64
}

// New creates a Bus. queueSize and tenantCap default to 100 and 10
// respectively (spec §4.14) when zero.
func New(queueSize, tenantCap int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if tenantCap <= 0 {
		tenantCap = defaultTenantCap
	}
	return &Bus{
		queueSize: queueSize,
		tenantCap: tenantCap,
		bySubID:   make(map[string]*Subscription),
		byTenant:  make(map[string][]string),
	}
}

// Subscribe registers a new subscriber for tenantID with the given filter,
// rejecting the request if the tenant is already at its subscriber cap.
func (b *Bus) Subscribe(tenantID string, filter Filter) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.byTenant[tenantID]) >= b.tenantCap {
		return nil, ErrTenantAtCapacity{TenantID: tenantID}
	}

	b.nextID++
	sub := &Subscription{
		ID:       fmt.Sprintf("sub-%d", b.nextID),
		TenantID: tenantID,
		Filter:   filter,
		ch:       make(chan Event, b.queueSize),
	}
	b.bySubID[sub.ID] = sub
	b.byTenant[tenantID] = append(b.byTenant[tenantID], sub.ID)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.bySubID[sub.ID]; !ok {
		return
	}
	delete(b.bySubID, sub.ID)
	ids := b.byTenant[sub.TenantID]
	for i, id := range ids {
		if id == sub.ID {
			b.byTenant[sub.TenantID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Publish fans e out to every matching subscriber of e.TenantID,
// non-blocking: a subscriber whose queue is full has this event dropped
// for it and the drop counter incremented, rather than publish blocking on
// a slow consumer (spec §4.14).
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	ids := append([]string(nil), b.byTenant[e.TenantID]...)
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		if s, ok := b.bySubID[id]; ok {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.Filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			telemetry.StreamingDroppedTotal.Inc()
		}
	}
}

// SubscriberCount reports the current live subscriber count for a tenant,
// primarily for tests and operator introspection.
func (b *Bus) SubscriberCount(tenantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byTenant[tenantID])
}
