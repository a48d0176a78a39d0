package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/fieldmesh/platform/pkg/alertstore"
	"github.com/fieldmesh/platform/pkg/routes"
)

func TestRequestForAlert_WebhookMissingURL(t *testing.T) {
	in := Integration{ID: "i1", Kind: KindWebhook, Config: map[string]any{}}
	a := alertstore.Alert{TenantID: "T1", DeviceID: "D1", OpenedAt: time.Now()}

	if _, err := requestForAlert(in, a); err == nil {
		t.Fatal("expected error for webhook integration missing url")
	}
}

func TestRequestForAlert_WebhookOK(t *testing.T) {
	in := Integration{ID: "i1", Kind: KindWebhook, Config: map[string]any{"url": "https://example.com/hook", "hmacSecret": "s3cr3t"}}
	a := alertstore.Alert{TenantID: "T1", DeviceID: "D1", Severity: 4, OpenedAt: time.Now()}

	req, err := requestForAlert(in, a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.URL != "https://example.com/hook" || req.HMACSecret != "s3cr3t" {
		t.Fatalf("unexpected request built: %+v", req)
	}
	if req.Payload["tenantId"] != "T1" {
		t.Fatalf("expected payload to carry tenantId, got %+v", req.Payload)
	}
}

func TestRequestForAlert_EmailIncompleteConfig(t *testing.T) {
	in := Integration{ID: "i1", Kind: KindEmail, Config: map[string]any{"smtpHost": "smtp.example.com"}}
	a := alertstore.Alert{TenantID: "T1", OpenedAt: time.Now()}

	if _, err := requestForAlert(in, a); err == nil {
		t.Fatal("expected error for incomplete email integration config")
	}
}

func TestSeverityLabel(t *testing.T) {
	cases := map[int]string{5: "critical", 4: "high", 3: "medium", 2: "low", 1: "info", 0: "info"}
	for sev, want := range cases {
		if got := severityLabel(sev); got != want {
			t.Errorf("severityLabel(%d) = %q, want %q", sev, got, want)
		}
	}
}

func TestDispatchRoute_PostgreSQLAndMQTTRepublishAreNoOps(t *testing.T) {
	d := New(nil, nil)
	ctx := context.Background()

	for _, dt := range []routes.DestinationType{routes.DestinationPostgreSQL, routes.DestinationMQTTRepublish} {
		id, err := d.DispatchRoute(ctx, nil, "T1", routes.Match{Route: routes.Route{DestinationType: dt}}, nil)
		if err != nil {
			t.Fatalf("destination %q: unexpected error %v", dt, err)
		}
		if id != 0 {
			t.Fatalf("destination %q: expected no job id, got %d", dt, id)
		}
	}
}
