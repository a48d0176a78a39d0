package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the device-ingest and
// operator-facing endpoints alike.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fieldmesh",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var IngestAcceptedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "ingest",
		Name:      "accepted_total",
		Help:      "Total number of envelopes accepted by the ingest pipeline.",
	},
	[]string{"transport"},
)

var IngestRejectedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "ingest",
		Name:      "rejected_total",
		Help:      "Total number of envelopes quarantined by the ingest pipeline, by reason.",
	},
	[]string{"reason"},
)

var IngestSeqRegressionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "ingest",
		Name:      "seq_regression_total",
		Help:      "Total number of envelopes observed with a non-monotonic seq (advisory only).",
	},
)

var AuthCacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "authcache",
		Name:      "lookups_total",
		Help:      "AuthCache lookups by outcome.",
	},
	[]string{"outcome"},
)

var RateLimitRejectedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Total number of messages rejected for exceeding the per-device rate limit.",
	},
)

var BatchFlushDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fieldmesh",
		Subsystem: "batchwriter",
		Name:      "flush_duration_seconds",
		Help:      "Time to flush a batch of telemetry points to the time-series store.",
		Buckets:   prometheus.DefBuckets,
	},
)

var AlertsOpenedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "alerts",
		Name:      "opened_total",
		Help:      "Total number of alerts opened by the rule engine, by severity.",
	},
	[]string{"severity"},
)

var AlertsClosedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "alerts",
		Name:      "closed_total",
		Help:      "Total number of alerts auto-closed by the rule engine.",
	},
)

var DeliveryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Total delivery attempts by destination kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var DeadLetterTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "delivery",
		Name:      "dead_lettered_total",
		Help:      "Total number of jobs that exhausted retries and were dead-lettered.",
	},
)

var StreamingDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fieldmesh",
		Subsystem: "streaming",
		Name:      "dropped_total",
		Help:      "Total number of streaming events dropped because a subscriber queue was full.",
	},
)

// All returns the fieldmesh-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		IngestAcceptedTotal,
		IngestRejectedTotal,
		IngestSeqRegressionTotal,
		AuthCacheHitsTotal,
		RateLimitRejectedTotal,
		BatchFlushDuration,
		AlertsOpenedTotal,
		AlertsClosedTotal,
		DeliveryAttemptsTotal,
		DeadLetterTotal,
		StreamingDroppedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metric, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
