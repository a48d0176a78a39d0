package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func validPayload(t *testing.T, metrics map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"siteId":  "S1",
		"seq":     1,
		"ts":      "2026-02-16T00:00:00Z",
		"metrics": metrics,
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

func reasonOf(t *testing.T, err error) ReasonCode {
	t.Helper()
	var rej *RejectError
	if !errors.As(err, &rej) {
		t.Fatalf("expected RejectError, got %T: %v", err, err)
	}
	return rej.Reason
}

func TestValidate_Happy(t *testing.T) {
	raw := validPayload(t, map[string]any{"temp_c": 22.5})
	now := time.Now()

	env, err := Validate(raw, "T1", "D1", "S1", now)
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if env.SiteID != "S1" || env.Seq != 1 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Metrics["temp_c"].Number == nil || *env.Metrics["temp_c"].Number != 22.5 {
		t.Fatalf("unexpected metric value: %+v", env.Metrics["temp_c"])
	}
}

func TestValidate_PayloadSizeBoundary(t *testing.T) {
	now := time.Now()

	base := validPayload(t, map[string]any{"m": 1.0})

	// Build a payload whose size lands exactly at the 8KiB boundary by
	// padding an unused metric value's key length, then one byte over.
	big := bytes.Repeat([]byte{' '}, maxPayloadBytes-len(base))
	atLimit := append(append([]byte{}, base[:len(base)-1]...), append(big, base[len(base)-1])...)
	if len(atLimit) != maxPayloadBytes {
		t.Fatalf("fixture size = %d, want %d", len(atLimit), maxPayloadBytes)
	}
	if _, err := Validate(atLimit, "T1", "D1", "S1", now); err != nil {
		t.Fatalf("8192-byte payload should be accepted, got %v", err)
	}

	overLimit := append(atLimit, ' ')
	if _, err := Validate(overLimit, "T1", "D1", "S1", now); reasonOf(t, err) != ReasonPayloadTooLarge {
		t.Fatalf("8193-byte payload should be PAYLOAD_TOO_LARGE")
	}
}

func TestValidate_SiteMismatch(t *testing.T) {
	raw := validPayload(t, map[string]any{"temp_c": 1.0})
	_, err := Validate(raw, "T1", "D1", "S2", time.Now())
	if reasonOf(t, err) != ReasonSiteMismatch {
		t.Fatalf("expected SITE_MISMATCH")
	}
}

func TestValidate_TooManyMetrics(t *testing.T) {
	metrics := make(map[string]any, 51)
	for i := 0; i < 50; i++ {
		metrics[fmt.Sprintf("metric_%d", i)] = 1.0
	}
	raw := validPayload(t, metrics)
	if _, err := Validate(raw, "T1", "D1", "S1", time.Now()); err != nil {
		t.Fatalf("50 metrics should be accepted, got %v", err)
	}

	metrics["metric_50"] = 1.0
	raw = validPayload(t, metrics)
	if _, err := Validate(raw, "T1", "D1", "S1", time.Now()); reasonOf(t, err) != ReasonTooManyMetrics {
		t.Fatalf("51 metrics should be TOO_MANY_METRICS")
	}
}

func TestValidate_MetricKeyTooLong(t *testing.T) {
	key128 := "a" + strings.Repeat("b", 127)
	raw := validPayload(t, map[string]any{key128: 1.0})
	if _, err := Validate(raw, "T1", "D1", "S1", time.Now()); err != nil {
		t.Fatalf("128-byte key should be accepted, got %v", err)
	}

	key129 := "a" + strings.Repeat("b", 128)
	raw = validPayload(t, map[string]any{key129: 1.0})
	if reasonOf(t, mustErr(t, raw)) != ReasonMetricKeyTooLong {
		t.Fatalf("129-byte key should be METRIC_KEY_TOO_LONG")
	}
}

func mustErr(t *testing.T, raw []byte) error {
	t.Helper()
	_, err := Validate(raw, "T1", "D1", "S1", time.Now())
	if err == nil {
		t.Fatal("expected rejection, got none")
	}
	return err
}

func TestValidate_MetricKeyInvalidGrammar(t *testing.T) {
	raw := validPayload(t, map[string]any{"1bad": 1.0})
	if reasonOf(t, mustErr(t, raw)) != ReasonMetricKeyInvalid {
		t.Fatalf("leading-digit key should be METRIC_KEY_INVALID")
	}
}

func TestValidate_MetricValueNonFinite(t *testing.T) {
	for _, bad := range []string{`"NaN"`, `"Infinity"`, `"-Infinity"`} {
		raw := []byte(`{"siteId":"S1","seq":1,"metrics":{"temp_c":` + bad + `}}`)
		if reasonOf(t, mustErr(t, raw)) != ReasonMetricValueInvalid {
			t.Fatalf("value %s should be METRIC_VALUE_INVALID", bad)
		}
	}
}

func TestValidate_BooleanMetric(t *testing.T) {
	raw := []byte(`{"siteId":"S1","seq":1,"metrics":{"online":true}}`)
	env, err := Validate(raw, "T1", "D1", "S1", time.Now())
	if err != nil {
		t.Fatalf("boolean metric should be accepted: %v", err)
	}
	if env.Metrics["online"].Bool == nil || !*env.Metrics["online"].Bool {
		t.Fatalf("unexpected boolean metric: %+v", env.Metrics["online"])
	}
}

func TestValidate_MissingTimestampFallsBackToIngestTime(t *testing.T) {
	raw := []byte(`{"siteId":"S1","seq":1,"metrics":{"temp_c":1.0}}`)
	ingest := time.Date(2026, 2, 16, 0, 0, 0, 0, time.UTC)
	env, err := Validate(raw, "T1", "D1", "S1", ingest)
	if err != nil {
		t.Fatalf("missing ts should fall back, not reject: %v", err)
	}
	if !env.TS.Equal(ingest) {
		t.Fatalf("TS = %v, want ingest time %v", env.TS, ingest)
	}
}

func TestValidate_UnsupportedVersion(t *testing.T) {
	raw := []byte(`{"version":"2","siteId":"S1","seq":1,"metrics":{"temp_c":1.0}}`)
	if reasonOf(t, mustErr(t, raw)) != ReasonUnsupportedVersion {
		t.Fatalf("version 2 should be UNSUPPORTED_VERSION")
	}
}

func TestValidate_NegativeSeqRejected(t *testing.T) {
	raw := []byte(`{"siteId":"S1","seq":-1,"metrics":{"temp_c":1.0}}`)
	if reasonOf(t, mustErr(t, raw)) != ReasonSeqMissing {
		t.Fatalf("negative seq should be SEQ_MISSING")
	}
}
