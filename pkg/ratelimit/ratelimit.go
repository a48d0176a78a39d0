// Package ratelimit implements component B: a per-(tenantId, deviceId)
// fixed-window rate limit, fail-closed on exhaustion. It is not a sliding
// window: each window starts at the first message after the previous one
// expired, so up to twice the quota can pass within one window length
// across a window boundary. Unlike the donor
// system's Redis INCR+EXPIRE login limiter (internal/auth/ratelimit.go),
// spec §4.3/§5 requires O(1) in-memory per-worker counters — each device is
// already pinned to exactly one ingest worker lane by hash(deviceId), so a
// shared-nothing in-memory counter is both correct and cheaper than a round
// trip to Redis.
package ratelimit

import (
	"sync"
	"time"

	"github.com/fieldmesh/platform/internal/telemetry"
)

// Limiter enforces quota messages per window, per (tenantID, deviceID).
type Limiter struct {
	window time.Duration
	quota  int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
}

// New creates a Limiter with the given window and quota (spec §6.4 defaults:
// window=1s, quota=10).
func New(window time.Duration, quota int) *Limiter {
	return &Limiter{
		window:  window,
		quota:   quota,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether a message for (tenantID, deviceID) may proceed,
// incrementing the window counter as a side effect. Fixed-window
// implementation: the first message in a new window starts it; the window
// resets once window has elapsed since it started. This satisfies the
// boundary behavior in spec §8 ("10 messages in under a second accepted;
// 11th rejected; 1.0s later a fresh 10 accepted").
func (l *Limiter) Allow(tenantID, deviceID string) bool {
	key := tenantID + "/" + deviceID
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true
	}

	if b.count >= l.quota {
		telemetry.RateLimitRejectedTotal.Inc()
		return false
	}
	b.count++
	return true
}

// Reset clears the counter for a device, e.g. after a provisioning change.
func (l *Limiter) Reset(tenantID, deviceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, tenantID+"/"+deviceID)
}

// Sweep removes buckets whose window has long since expired, bounding
// memory for devices that stop sending. Intended to be called periodically
// (e.g. alongside the device-state sweeper) rather than on every Allow call.
func (l *Limiter) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.windowStart.Before(cutoff) {
			delete(l.buckets, k)
		}
	}
}
