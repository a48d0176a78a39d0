// Package dispatch implements component K, Dispatcher: binds a new alert or
// a routed message to configured delivery destinations and persists the
// resulting DeliveryJobs before any network call is made (spec §4.10).
// Grounded on the teacher's pkg/escalation engine's "decide then persist
// then let workers do the networking" split between engine and worker.
package dispatch

import (
	"context"
	"fmt"

	"github.com/fieldmesh/platform/internal/scope"
	"github.com/fieldmesh/platform/pkg/alertstore"
	"github.com/fieldmesh/platform/pkg/delivery"
	"github.com/fieldmesh/platform/pkg/routes"
	"github.com/fieldmesh/platform/pkg/senders"
)

// IntegrationKind mirrors an Integration row's "kind" column. The Job.Kind a
// delivery.Worker uses to pick a Sender is the built Request's Kind: the
// same string for webhook, snmp and mqtt, and "smtp" for email.
type IntegrationKind string

const (
	KindWebhook IntegrationKind = "webhook"
	KindEmail   IntegrationKind = "email"
	KindSNMP    IntegrationKind = "snmp"
	KindMQTT    IntegrationKind = "mqtt"
)

// Integration is the subset of the (externally CRUD'd, §6.2) Integration
// row Dispatcher needs to turn an event into a delivery Request.
type Integration struct {
	ID      string
	Kind    IntegrationKind
	Enabled bool
	Config  map[string]any
}

// IntegrationLister resolves the integrations applicable to a new alert.
// Integration CRUD itself is out of scope (spec §1's explicit control-plane
// carve-out); this repo only reads the rows it needs to dispatch.
type IntegrationLister interface {
	EnabledIntegrations(ctx context.Context, s *scope.Scope) ([]Integration, error)
}

// Dispatcher converts alerts and routed messages into persisted
// DeliveryJobs.
type Dispatcher struct {
	integrations IntegrationLister
	queue        *delivery.Queue
}

func New(integrations IntegrationLister, queue *delivery.Queue) *Dispatcher {
	return &Dispatcher{integrations: integrations, queue: queue}
}

// DispatchAlert enqueues one DeliveryJob per enabled integration for a
// newly opened alert. Every job is persisted (via queue.Enqueue) before
// this function returns; no network call happens here (spec §4.10: "Jobs
// are persisted before any network call").
func (d *Dispatcher) DispatchAlert(ctx context.Context, s *scope.Scope, a alertstore.Alert) ([]int64, error) {
	ints, err := d.integrations.EnabledIntegrations(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("resolving integrations for alert %s: %w", a.Fingerprint, err)
	}

	var jobIDs []int64
	for _, in := range ints {
		req, err := requestForAlert(in, a)
		if err != nil {
			// invalid destination config is terminal, not retryable, and
			// must never block dispatch to the tenant's other integrations.
			continue
		}
		id, err := d.queue.Enqueue(ctx, s, delivery.Job{
			TenantID: a.TenantID,
			Kind:     req.Kind,
			Request:  req,
		})
		if err != nil {
			return jobIDs, fmt.Errorf("enqueuing delivery job for integration %s: %w", in.ID, err)
		}
		jobIDs = append(jobIDs, id)
	}
	return jobIDs, nil
}

// DispatchRoute enqueues DeliveryJobs for a RouteEngine match against a
// routed message (spec §4.9 step 3). `postgresql` destinations are a no-op
// (default persistence already occurred); `mqtt_republish` is handled
// synchronously by the caller via a Publisher, not through this queue,
// since spec §4.9 specifies synchronous republish rather than a durable
// job; only `webhook` goes through the DeliveryQueue here.
func (d *Dispatcher) DispatchRoute(ctx context.Context, s *scope.Scope, tenantID string, m routes.Match, payload map[string]any) (int64, error) {
	switch m.Route.DestinationType {
	case routes.DestinationPostgreSQL:
		return 0, nil
	case routes.DestinationWebhook:
		req := senders.Request{
			Kind:    "webhook",
			Payload: payload,
		}
		if url, ok := m.Route.DestinationConfig["url"].(string); ok {
			req.URL = url
		}
		if secret, ok := m.Route.DestinationConfig["hmacSecret"].(string); ok {
			req.HMACSecret = secret
		}
		return d.queue.Enqueue(ctx, s, delivery.Job{
			TenantID: tenantID,
			Kind:     "webhook",
			Request:  req,
		})
	case routes.DestinationMQTTRepublish:
		// Synchronous republish is the caller's (RouteEngine integration
		// point's) responsibility; Dispatcher only owns durable job
		// creation for destinations that need retry/DLQ semantics.
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown destination type %q", m.Route.DestinationType)
	}
}

func requestForAlert(in Integration, a alertstore.Alert) (senders.Request, error) {
	payload := map[string]any{
		"tenantId":   a.TenantID,
		"deviceId":   a.DeviceID,
		"ruleId":     a.RuleID,
		"alertType":  a.AlertType,
		"severity":   a.Severity,
		"summary":    a.Summary,
		"details":    a.Details,
		"fingerprint": a.Fingerprint,
		"openedAt":   a.OpenedAt,
	}

	switch in.Kind {
	case KindWebhook:
		url, _ := in.Config["url"].(string)
		if url == "" {
			return senders.Request{}, fmt.Errorf("webhook integration %s: missing url", in.ID)
		}
		secret, _ := in.Config["hmacSecret"].(string)
		return senders.Request{Kind: "webhook", URL: url, HMACSecret: secret, Payload: payload}, nil

	case KindEmail:
		req := senders.Request{
			Kind:        "smtp",
			Severity:    severityLabel(a.Severity),
			AlertType:   a.AlertType,
			DeviceID:    a.DeviceID,
			Message:     a.Summary,
			Timestamp:   a.OpenedAt,
			SubjectTmpl: "[{severity}] {alert_type} on {device_id}",
			BodyTmpl:    "{message}\n\nTriggered at {timestamp}.",
		}
		if host, ok := in.Config["smtpHost"].(string); ok {
			req.SMTPHost = host
		}
		if port, ok := in.Config["smtpPort"].(float64); ok {
			req.SMTPPort = int(port)
		}
		if from, ok := in.Config["from"].(string); ok {
			req.SMTPFrom = from
		}
		switch to := in.Config["to"].(type) {
		case []string:
			req.SMTPTo = to
		case []any:
			for _, v := range to {
				if addr, ok := v.(string); ok {
					req.SMTPTo = append(req.SMTPTo, addr)
				}
			}
		}
		if req.SMTPHost == "" || req.SMTPFrom == "" || len(req.SMTPTo) == 0 {
			return senders.Request{}, fmt.Errorf("email integration %s: incomplete config", in.ID)
		}
		return req, nil

	case KindSNMP:
		req := senders.Request{Kind: "snmp", Payload: payload}
		if host, ok := in.Config["host"].(string); ok {
			req.SNMPHost = host
		}
		if version, ok := in.Config["version"].(string); ok {
			req.SNMPVersion = version
		}
		if oid, ok := in.Config["oid"].(string); ok {
			req.SNMPOID = oid
		}
		if community, ok := in.Config["community"].(string); ok {
			req.SNMPCommunity = community
		}
		if req.SNMPHost == "" || req.SNMPOID == "" {
			return senders.Request{}, fmt.Errorf("snmp integration %s: incomplete config", in.ID)
		}
		return req, nil

	case KindMQTT:
		req := senders.Request{Kind: "mqtt", Payload: payload}
		if topic, ok := in.Config["topic"].(string); ok {
			req.MQTTTopic = topic
		}
		if req.MQTTTopic == "" {
			return senders.Request{}, fmt.Errorf("mqtt integration %s: missing topic", in.ID)
		}
		return req, nil

	default:
		return senders.Request{}, fmt.Errorf("integration %s: unknown kind %q", in.ID, in.Kind)
	}
}

func severityLabel(sev int) string {
	switch {
	case sev >= 5:
		return "critical"
	case sev >= 4:
		return "high"
	case sev >= 3:
		return "medium"
	case sev >= 2:
		return "low"
	default:
		return "info"
	}
}
