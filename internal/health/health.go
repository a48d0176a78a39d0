// Package health implements component T: a set of per-process atomic
// counters exposed over HTTP, independent of the Prometheus registry so a
// minimal /health check never depends on the metrics stack being reachable.
package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Counters tracks coarse, process-lifetime activity counts. All fields are
// safe for concurrent use from any goroutine.
type Counters struct {
	envelopesIngested  atomic.Int64
	envelopesRejected  atomic.Int64
	alertsOpen         atomic.Int64
	deliveriesSent     atomic.Int64
	deliveriesDeadLettered atomic.Int64
}

// New returns a zeroed Counters.
func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncIngested()      { c.envelopesIngested.Add(1) }
func (c *Counters) IncRejected()      { c.envelopesRejected.Add(1) }
func (c *Counters) IncDeliverySent()  { c.deliveriesSent.Add(1) }
func (c *Counters) IncDeadLettered()  { c.deliveriesDeadLettered.Add(1) }

// SetAlertsOpen records the current count of OPEN|ACKNOWLEDGED alerts.
// Nothing in this module calls it, so alerts_open reports 0.
func (c *Counters) SetAlertsOpen(n int64) { c.alertsOpen.Store(n) }

type snapshot struct {
	EnvelopesIngested     int64 `json:"envelopes_ingested"`
	EnvelopesRejected     int64 `json:"envelopes_rejected"`
	AlertsOpen            int64 `json:"alerts_open"`
	DeliveriesSent        int64 `json:"deliveries_sent"`
	DeliveriesDeadLettered int64 `json:"deliveries_dead_lettered"`
}

// Snapshot returns the current values of every counter.
func (c *Counters) Snapshot() snapshot {
	return snapshot{
		EnvelopesIngested:      c.envelopesIngested.Load(),
		EnvelopesRejected:      c.envelopesRejected.Load(),
		AlertsOpen:             c.alertsOpen.Load(),
		DeliveriesSent:         c.deliveriesSent.Load(),
		DeliveriesDeadLettered: c.deliveriesDeadLettered.Load(),
	}
}

// Handler serves the counter snapshot as JSON at /health.
func (c *Counters) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	}
}
