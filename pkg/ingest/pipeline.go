// Package ingest implements component F, IngestPipeline: one broker
// subscription plus one HTTP handler feed N deviceId-hash-pinned worker
// lanes, each running auth lookup (A) -> rate limit (B) -> validation (C),
// quarantining rejects (E) and, on accept, fanning out to BatchWriter (D),
// StreamingBus (P), and RouteEngine (J)-derived DeliveryJobs (L).
//
// Grounded on the teacher's internal/app.runWorker/runAPI split for the
// overall mode wiring, generalized from a single incident-processing path
// to N hash-pinned lanes per spec §4.7/§5's in-order-per-device
// requirement.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldmesh/platform/internal/health"
	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/internal/telemetry"
	"github.com/fieldmesh/platform/pkg/authcache"
	"github.com/fieldmesh/platform/pkg/batchwriter"
	"github.com/fieldmesh/platform/pkg/dispatch"
	"github.com/fieldmesh/platform/pkg/envelope"
	"github.com/fieldmesh/platform/pkg/quarantine"
	"github.com/fieldmesh/platform/pkg/ratelimit"
	"github.com/fieldmesh/platform/pkg/routes"
	"github.com/fieldmesh/platform/pkg/streaming"
	"github.com/fieldmesh/platform/pkg/timeseries"
)

// Kind is the MQTT-topic-derived message kind.
type Kind string

const (
	KindTelemetry Kind = "telemetry"
	KindHeartbeat Kind = "heartbeat"
	KindShadow    Kind = "shadow"
)

const defaultLaneQueueDepth = 256

// message is one unit of ingest work, pinned to a lane by deviceID hash.
type message struct {
	tenantID   string
	deviceID   string
	topic      string
	kind       Kind
	payload    []byte
	transport  string // "mqtt" or "http"
	receivedAt time.Time

	// validated is set only for HTTP-originated messages, whose auth/rate-
	// limit/validation gate already ran synchronously in HandleHTTP so the
	// caller can observe a 400/401/403/429 response (spec §6.1). A lane
	// that sees this set skips straight to accept() instead of redoing the
	// gate.
	validated *validatedEnvelope
}

// validatedEnvelope carries a message's already-validated Envelope and its
// registry site ID from HandleHTTP into the lane that will fan it out.
type validatedEnvelope struct {
	env    *envelope.Envelope
	siteID string
}

// ScopeOpener opens a tenant-bound Scope for a worker lane's duration of
// processing one message.
type ScopeOpener func(ctx context.Context, tenantID string) (*scope.Scope, error)

// DeviceStateSink is the subset of pkg/devicestate.Store the pipeline
// updates on every accepted message.
type DeviceStateSink interface {
	OnIngest(ctx context.Context, s *scope.Scope, deviceID string, metrics map[string]float64, isHeartbeat bool, at time.Time) error
}

// Pipeline is component F. Construct with New, then Start, feed it via
// HandleHTTP and HandleMQTTMessage, and Shutdown when done.
type Pipeline struct {
	numWorkers int
	lanes      []chan message

	authCache   *authcache.Cache
	rateLimiter *ratelimit.Limiter
	quarantine  *quarantine.Sink
	batch       *batchwriter.Writer
	streaming   *streaming.Bus
	routes      *routes.Engine
	dispatcher  *dispatch.Dispatcher
	deviceState DeviceStateSink
	openScope   ScopeOpener
	health      *health.Counters
	logger      *slog.Logger

	wg sync.WaitGroup

	seqMu   sync.Mutex
	lastSeq map[string]int64 // deviceID -> last observed seq, advisory only
}

// Config bundles Pipeline's collaborators.
type Config struct {
	NumWorkers  int // default max(4, runtime.NumCPU())
	QueueDepth  int // default 256 per lane
	AuthCache   *authcache.Cache
	RateLimiter *ratelimit.Limiter
	Quarantine  *quarantine.Sink
	Batch       *batchwriter.Writer
	Streaming   *streaming.Bus
	Routes      *routes.Engine
	Dispatcher  *dispatch.Dispatcher
	DeviceState DeviceStateSink
	OpenScope   ScopeOpener
	Health      *health.Counters // optional; nil disables liveness counters
	Logger      *slog.Logger
}

// New creates a Pipeline. N worker lanes default to max(4, NumCPU) per
// spec §4.7.
func New(cfg Config) *Pipeline {
	n := cfg.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU()
		if n < 4 {
			n = 4
		}
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = defaultLaneQueueDepth
	}

	lanes := make([]chan message, n)
	for i := range lanes {
		lanes[i] = make(chan message, depth)
	}

	return &Pipeline{
		numWorkers:  n,
		lanes:       lanes,
		authCache:   cfg.AuthCache,
		rateLimiter: cfg.RateLimiter,
		quarantine:  cfg.Quarantine,
		batch:       cfg.Batch,
		streaming:   cfg.Streaming,
		routes:      cfg.Routes,
		dispatcher:  cfg.Dispatcher,
		deviceState: cfg.DeviceState,
		openScope:   cfg.OpenScope,
		health:      cfg.Health,
		logger:      cfg.Logger,
		lastSeq:     make(map[string]int64),
	}
}

// Start spawns one goroutine per worker lane, each consuming its channel
// until it is closed by Shutdown.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runLane(ctx, i)
	}
}

func (p *Pipeline) runLane(ctx context.Context, idx int) {
	defer p.wg.Done()
	for msg := range p.lanes[idx] {
		p.process(ctx, msg)
	}
}

// laneFor hash-pins a deviceID to one lane so that all messages for one
// device are processed strictly in order (spec §4.7).
func (p *Pipeline) laneFor(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(p.numWorkers))
}

// enqueue hands msg to its lane, blocking if that lane's queue is full
// (backpressure, spec §4.7: "producer blocks when full").
func (p *Pipeline) enqueue(ctx context.Context, msg message) error {
	lane := p.lanes[p.laneFor(msg.deviceID)]
	select {
	case lane <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, msg message) {
	s, err := p.openScope(ctx, msg.tenantID)
	if err != nil {
		p.logger.Error("opening scope for ingest", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "error", err)
		return
	}
	defer s.Release(ctx)

	// HTTP messages already ran the auth/rate-limit/validate gate
	// synchronously in HandleHTTP; only the accept-side fan-out remains.
	if msg.validated != nil {
		p.checkSeqRegression(msg.deviceID, msg.validated.env.Seq)
		p.accept(ctx, s, msg, msg.validated.env, msg.validated.siteID)
		return
	}

	rec, err := p.authCache.Get(ctx, msg.tenantID, msg.deviceID)
	if err != nil {
		p.reject(ctx, s, msg, reasonFor(err), msg.payload)
		return
	}

	if !p.rateLimiter.Allow(msg.tenantID, msg.deviceID) {
		p.reject(ctx, s, msg, envelope.ReasonRateLimited, msg.payload)
		return
	}

	env, err := envelope.Validate(msg.payload, msg.tenantID, msg.deviceID, rec.SiteID, msg.receivedAt)
	if err != nil {
		var rerr *envelope.RejectError
		if !errors.As(err, &rerr) {
			p.logger.Error("validator returned a non-RejectError", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "error", err)
			return
		}
		p.reject(ctx, s, msg, rerr.Reason, msg.payload)
		return
	}

	p.checkSeqRegression(msg.deviceID, env.Seq)
	p.accept(ctx, s, msg, env, rec.SiteID)
}

func (p *Pipeline) checkSeqRegression(deviceID string, seq int64) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()
	if last, ok := p.lastSeq[deviceID]; ok && seq < last {
		telemetry.IngestSeqRegressionTotal.Inc()
	}
	p.lastSeq[deviceID] = seq
}

func (p *Pipeline) reject(ctx context.Context, s *scope.Scope, msg message, reason envelope.ReasonCode, payload []byte) {
	telemetry.IngestRejectedTotal.WithLabelValues(string(reason)).Inc()
	if p.health != nil {
		p.health.IncRejected()
	}
	if err := p.quarantine.Append(ctx, s, msg.tenantID, msg.topic, string(reason), payload); err != nil {
		p.logger.Error("appending to quarantine", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "error", err)
	}
}

func (p *Pipeline) accept(ctx context.Context, s *scope.Scope, msg message, env *envelope.Envelope, siteID string) {
	telemetry.IngestAcceptedTotal.WithLabelValues(msg.transport).Inc()
	if p.health != nil {
		p.health.IncIngested()
	}

	metrics := numericMetrics(env)

	for name, m := range env.Metrics {
		v, ok := metricFloat(m)
		if !ok {
			continue
		}
		pt := timeseries.Point{DeviceID: msg.deviceID, TS: msg.receivedAt, MetricName: name, Value: v}
		if err := p.batch.Enqueue(ctx, msg.tenantID, pt); err != nil {
			p.logger.Error("enqueuing telemetry point", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "metric", name, "error", err)
		}
	}

	isHeartbeat := msg.kind == KindHeartbeat
	if p.deviceState != nil {
		if err := p.deviceState.OnIngest(ctx, s, msg.deviceID, metrics, isHeartbeat, msg.receivedAt); err != nil {
			p.logger.Error("updating device state", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "error", err)
		}
	}

	p.streaming.Publish(streaming.Event{
		TenantID: msg.tenantID,
		DeviceID: msg.deviceID,
		Metrics:  metrics,
	})

	if p.routes == nil || p.dispatcher == nil {
		return
	}

	root := map[string]any{"siteId": siteID, "deviceId": msg.deviceID, "seq": env.Seq}
	metricsAny := make(map[string]any, len(metrics))
	for k, v := range metrics {
		metricsAny[k] = v
	}

	matches, err := p.routes.Evaluate(ctx, s, msg.topic, metricsAny, root)
	if err != nil {
		p.logger.Error("evaluating routes", "tenant_id", msg.tenantID, "device_id", msg.deviceID, "error", err)
		return
	}
	for _, m := range matches {
		if _, err := p.dispatcher.DispatchRoute(ctx, s, msg.tenantID, m, metricsAny); err != nil {
			p.logger.Error("dispatching matched route", "tenant_id", msg.tenantID, "route_id", m.Route.ID, "error", err)
		}
	}
}

func reasonFor(err error) envelope.ReasonCode {
	switch {
	case errors.Is(err, authcache.ErrDeviceUnknown):
		return envelope.ReasonDeviceUnknown
	case errors.Is(err, authcache.ErrDeviceRevoked):
		return envelope.ReasonDeviceRevoked
	default:
		return envelope.ReasonDeviceUnknown
	}
}

func numericMetrics(env *envelope.Envelope) map[string]float64 {
	out := make(map[string]float64, len(env.Metrics))
	for name, m := range env.Metrics {
		if v, ok := metricFloat(m); ok {
			out[name] = v
		}
	}
	return out
}

func metricFloat(m envelope.Metric) (float64, bool) {
	if m.Number != nil {
		return *m.Number, true
	}
	if m.Bool != nil {
		if *m.Bool {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// HandleHTTP serves the device-facing HTTPS ingest endpoint (spec §6.1):
// POST /ingest/v1/tenant/{tenantId}/device/{deviceId}/telemetry
// with header X-Provision-Token: <secret>. Unlike MQTT ingest, the HTTP
// path runs auth, rate-limit, and validation synchronously so the response
// can carry the real outcome: 202 on enqueue, 400 on validation reject,
// 401 on token failure, 403 on revoked/site-mismatch, 429 on rate limit.
// Only a successfully-gated message is handed to a lane, and only for the
// accept-side fan-out (batch write, stream publish, route dispatch).
func (p *Pipeline) HandleHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	deviceID := chi.URLParam(r, "deviceId")

	if tenantID == "" || deviceID == "" {
		http.Error(w, "missing tenantId/deviceId", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 16*1024)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	receivedAt := time.Now().UTC()
	msg := message{
		tenantID:   tenantID,
		deviceID:   deviceID,
		topic:      fmt.Sprintf("tenant/%s/device/%s/%s", tenantID, deviceID, KindTelemetry),
		kind:       KindTelemetry,
		payload:    payload,
		transport:  "http",
		receivedAt: receivedAt,
	}

	s, err := p.openScope(ctx, tenantID)
	if err != nil {
		p.logger.Error("opening scope for http ingest", "tenant_id", tenantID, "device_id", deviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer s.Release(ctx)

	rec, err := p.authCache.Get(ctx, tenantID, deviceID)
	if err != nil {
		reason := reasonFor(err)
		p.reject(ctx, s, msg, reason, payload)
		writeRejectResponse(w, reason)
		return
	}

	token := r.Header.Get("X-Provision-Token")
	switch {
	case token == "":
		p.reject(ctx, s, msg, envelope.ReasonTokenMissing, payload)
		writeRejectResponse(w, envelope.ReasonTokenMissing)
		return
	case !rec.VerifySecret(token):
		p.reject(ctx, s, msg, envelope.ReasonTokenInvalid, payload)
		writeRejectResponse(w, envelope.ReasonTokenInvalid)
		return
	}

	if !p.rateLimiter.Allow(tenantID, deviceID) {
		p.reject(ctx, s, msg, envelope.ReasonRateLimited, payload)
		w.Header().Set("Retry-After", "1")
		writeRejectResponse(w, envelope.ReasonRateLimited)
		return
	}

	env, err := envelope.Validate(payload, tenantID, deviceID, rec.SiteID, receivedAt)
	if err != nil {
		var rerr *envelope.RejectError
		if !errors.As(err, &rerr) {
			p.logger.Error("validator returned a non-RejectError", "tenant_id", tenantID, "device_id", deviceID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		p.reject(ctx, s, msg, rerr.Reason, payload)
		writeRejectResponse(w, rerr.Reason)
		return
	}

	p.checkSeqRegression(deviceID, env.Seq)
	msg.validated = &validatedEnvelope{env: env, siteID: rec.SiteID}

	if err := p.enqueue(ctx, msg); err != nil {
		http.Error(w, "ingest pipeline shutting down", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// statusForReason maps a rejection reason code to the HTTP status spec
// §6.1 assigns it.
func statusForReason(reason envelope.ReasonCode) int {
	switch reason {
	case envelope.ReasonTokenMissing, envelope.ReasonTokenInvalid, envelope.ReasonDeviceUnknown:
		return http.StatusUnauthorized
	case envelope.ReasonDeviceRevoked, envelope.ReasonSiteMismatch:
		return http.StatusForbidden
	case envelope.ReasonRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func writeRejectResponse(w http.ResponseWriter, reason envelope.ReasonCode) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForReason(reason))
	_ = json.NewEncoder(w).Encode(map[string]string{"reason": string(reason)})
}

// topicPattern is tenant/{tenantId}/device/{deviceId}/{telemetry|heartbeat|shadow}.
func parseTopic(topic string) (tenantID, deviceID string, kind Kind, ok bool) {
	segs := strings.Split(topic, "/")
	if len(segs) != 5 || segs[0] != "tenant" || segs[2] != "device" {
		return "", "", "", false
	}
	switch Kind(segs[4]) {
	case KindTelemetry, KindHeartbeat, KindShadow:
		return segs[1], segs[3], Kind(segs[4]), true
	default:
		return "", "", "", false
	}
}

// HandleMQTTMessage is the callback a Broker invokes for every message
// received on the wildcard subscription tenant/+/device/+/{telemetry|
// heartbeat|shadow} (spec §4.7/§6.1).
func (p *Pipeline) HandleMQTTMessage(topic string, payload []byte) {
	tenantID, deviceID, kind, ok := parseTopic(topic)
	if !ok {
		p.logger.Warn("ignoring message on unrecognized topic", "topic", topic)
		return
	}

	msg := message{
		tenantID:   tenantID,
		deviceID:   deviceID,
		topic:      topic,
		kind:       kind,
		payload:    payload,
		transport:  "mqtt",
		receivedAt: time.Now().UTC(),
	}

	if err := p.enqueue(context.Background(), msg); err != nil {
		p.logger.Error("enqueuing mqtt message", "topic", topic, "error", err)
	}
}

// Shutdown stops accepting new work, drains each lane's queue up to
// drainDeadline, then force-flushes the BatchWriter (spec §4.7/§5's
// shutdown ordering: "stop broker subscription, drain per-worker queues
// with a 30s deadline, force-flush BatchWriter, then exit").
func (p *Pipeline) Shutdown(ctx context.Context, drainDeadline time.Duration) error {
	for _, lane := range p.lanes {
		close(lane)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainDeadline):
		p.logger.Warn("ingest pipeline drain deadline exceeded, forcing flush")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.batch.Flush(flushCtx)
}
