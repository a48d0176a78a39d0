// Package authcache implements component A: a TTL cache mapping
// (tenantId, deviceId) to a device registry record, with stale-while-
// revalidate refresh and single-flight deduplication of concurrent loads.
// It mirrors the donor system's Redis-backed dedup cache (pkg/alert/dedup.go)
// but in-memory, since spec §4.1/§5 specifies per-process, lock-free-read
// counters with a single load-flight per key — a property an external Redis
// round trip cannot give as cheaply.
package authcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/internal/telemetry"
	"github.com/fieldmesh/platform/pkg/device"
)

// ErrDeviceUnknown is returned when the registry has no row for the device.
var ErrDeviceUnknown = errors.New("DEVICE_UNKNOWN")

// ErrDeviceRevoked is returned when the device's registry status is not ACTIVE.
var ErrDeviceRevoked = errors.New("DEVICE_REVOKED")

// Loader fetches a device registry record given a scope already bound to the
// device's tenant. Satisfied by *device.Registry in production.
type Loader interface {
	Lookup(ctx context.Context, s *scope.Scope, deviceID string) (*device.Record, error)
}

// ScopeFactory opens a tenant Scope for a background refresh, since the
// refresh goroutine owns no caller-supplied scope.
type ScopeFactory func(ctx context.Context, tenantID string) (*scope.Scope, error)

type entry struct {
	mu       sync.RWMutex
	record   *device.Record
	cachedAt time.Time
	err      error // sticky negative result (unknown/revoked), also TTL'd
}

// Cache is the AuthCache.
type Cache struct {
	ttl     time.Duration
	loader  Loader
	openScope ScopeFactory
	lru     *lru.Cache[key, *entry]
	flight  singleflight.Group
}

type key struct {
	tenantID string
	deviceID string
}

// New creates a Cache with the given TTL (stale-while-revalidate horizon)
// and LRU capacity.
func New(ttl time.Duration, capacity int, loader Loader, openScope ScopeFactory) (*Cache, error) {
	l, err := lru.New[key, *entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating authcache LRU: %w", err)
	}
	return &Cache{ttl: ttl, loader: loader, openScope: openScope, lru: l}, nil
}

// Get resolves the device registry record for (tenantID, deviceID). On a
// cold miss it loads synchronously. On a stale hit (older than ttl) it
// returns the prior value immediately and kicks off an async refresh,
// coalescing concurrent refreshes for the same key via singleflight.
func (c *Cache) Get(ctx context.Context, tenantID, deviceID string) (*device.Record, error) {
	k := key{tenantID, deviceID}

	if e, ok := c.lru.Get(k); ok {
		e.mu.RLock()
		rec, cachedAt, err := e.record, e.cachedAt, e.err
		e.mu.RUnlock()

		if cachedAt.IsZero() {
			// The entry's first load has not completed: join that flight
			// instead of returning the still-empty entry.
			_, _, _ = c.flight.Do(flightKeyFor(k), func() (any, error) {
				return nil, c.load(ctx, k, e)
			})
			e.mu.RLock()
			defer e.mu.RUnlock()
			return e.record, e.err
		}

		age := time.Since(cachedAt)
		if age < c.ttl {
			telemetry.AuthCacheHitsTotal.WithLabelValues("hit").Inc()
			return rec, err
		}

		telemetry.AuthCacheHitsTotal.WithLabelValues("stale").Inc()
		go c.refresh(context.Background(), k, e)
		return rec, err
	}

	telemetry.AuthCacheHitsTotal.WithLabelValues("miss").Inc()
	e := &entry{}
	c.lru.Add(k, e)
	// Single-flighted like refresh below: concurrent cold misses for the
	// same key must coalesce into one registry load, not stampede it
	// (spec §4.1/§5: "single load-flight per key").
	if _, err, _ := c.flight.Do(flightKeyFor(k), func() (any, error) {
		return nil, c.load(ctx, k, e)
	}); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.record, e.err
}

// Invalidate evicts a cache entry, e.g. on a device status change.
func (c *Cache) Invalidate(tenantID, deviceID string) {
	c.lru.Remove(key{tenantID, deviceID})
}

func (c *Cache) refresh(ctx context.Context, k key, e *entry) {
	_, _, _ = c.flight.Do(flightKeyFor(k), func() (any, error) {
		_ = c.load(ctx, k, e)
		return nil, nil
	})
}

func flightKeyFor(k key) string {
	return fmt.Sprintf("%s/%s", k.tenantID, k.deviceID)
}

func (c *Cache) load(ctx context.Context, k key, e *entry) error {
	s, err := c.openScope(ctx, k.tenantID)
	if err != nil {
		e.mu.Lock()
		e.err = fmt.Errorf("opening scope for authcache load: %w", err)
		e.mu.Unlock()
		return e.err
	}
	defer s.Release(ctx)

	rec, lookupErr := c.loader.Lookup(ctx, s, k.deviceID)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cachedAt = time.Now()

	if lookupErr != nil {
		e.record = nil
		e.err = ErrDeviceUnknown
		return e.err
	}
	if rec.Status != device.StatusActive {
		e.record = rec
		e.err = ErrDeviceRevoked
		return e.err
	}
	e.record = rec
	e.err = nil
	return nil
}
