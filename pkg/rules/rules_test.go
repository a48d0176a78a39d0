package rules

import (
	"math"
	"testing"
)

func TestCmp_Operators(t *testing.T) {
	cases := []struct {
		value, threshold float64
		op               Operator
		want             bool
	}{
		{90, 80, OpGT, true},
		{80, 80, OpGT, false},
		{80, 80, OpGTE, true},
		{70, 80, OpLT, true},
		{80, 80, OpLTE, true},
		{80, 80, OpEQ, true},
		{81, 80, OpEQ, false},
		{81, 80, OpNE, true},
	}
	for _, c := range cases {
		if got := cmp(c.value, c.op, c.threshold); got != c.want {
			t.Errorf("cmp(%g, %s, %g) = %v, want %v", c.value, c.op, c.threshold, got, c.want)
		}
	}
}

func TestCmp_NaNNeverMatches(t *testing.T) {
	for _, op := range []Operator{OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE} {
		if cmp(math.NaN(), op, 80) {
			t.Errorf("cmp(NaN, %s, 80) should be false, observation must be ignored", op)
		}
	}
}
