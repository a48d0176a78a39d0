package routes

import "testing"

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/telemetry", true},
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/heartbeat", false},
		{"tenant/T1/#", "tenant/T1/device/D1/telemetry", true},
		{"tenant/T1/device/D1/telemetry", "tenant/T1/device/D1/telemetry", true},
		{"tenant/+/device/+/telemetry", "tenant/T1/device/D1/telemetry/extra", false},
	}
	for _, c := range cases {
		if got := MatchTopic(c.filter, c.topic); got != c.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestMatchTopic_HashMatchesZeroRemaining(t *testing.T) {
	if !MatchTopic("tenant/T1/device/D1/#", "tenant/T1/device/D1") {
		t.Error("'#' should match zero remaining segments")
	}
}

func TestMatchPayload_ScalarExactMatch(t *testing.T) {
	filter := map[string]Predicate{"siteId": {Scalar: "S1"}}
	if !MatchPayload(filter, nil, map[string]any{"siteId": "S1"}) {
		t.Error("expected scalar match to pass")
	}
	if MatchPayload(filter, nil, map[string]any{"siteId": "S2"}) {
		t.Error("expected scalar mismatch to fail")
	}
}

func TestMatchPayload_OperatorAND(t *testing.T) {
	filter := map[string]Predicate{
		"temp_c": {Ops: map[PredicateOp]any{OpGT: 80.0, OpLT: 100.0}},
	}
	if !MatchPayload(filter, map[string]any{"temp_c": 90.0}, nil) {
		t.Error("90 should satisfy GT 80 AND LT 100")
	}
	if MatchPayload(filter, map[string]any{"temp_c": 110.0}, nil) {
		t.Error("110 should fail LT 100")
	}
}

func TestMatchPayload_MetricsResolvedBeforeRoot(t *testing.T) {
	filter := map[string]Predicate{"siteId": {Scalar: "FROM_METRICS"}}
	metrics := map[string]any{"siteId": "FROM_METRICS"}
	root := map[string]any{"siteId": "FROM_ROOT"}
	if !MatchPayload(filter, metrics, root) {
		t.Error("metrics should be resolved before root")
	}
}

func TestMatchPayload_AbsentKeyFails(t *testing.T) {
	filter := map[string]Predicate{"missing": {Scalar: "x"}}
	if MatchPayload(filter, nil, nil) {
		t.Error("absent key should fail the predicate")
	}
}

func TestSubstitute(t *testing.T) {
	got := Substitute("out/{tenantId}/{deviceId}", "T1", "D1")
	if got != "out/T1/D1" {
		t.Errorf("Substitute = %q, want out/T1/D1", got)
	}
}
