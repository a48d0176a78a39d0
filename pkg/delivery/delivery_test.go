package delivery

import "testing"

// TestNextBackoff_GrowsThenCaps is a unit-level smoke test of the backoff
// schedule itself; exercising Claim/RetryLater/Fail requires a database
// connection, same limit the donor's own engine_test.go notes for its
// DB-backed paths.
func TestNextBackoff_GrowsThenCaps(t *testing.T) {
	prev := nextBackoff(1)
	if prev < backoffBase*8/10 || prev > backoffBase*12/10 {
		t.Fatalf("first attempt backoff %v should be close to base %v", prev, backoffBase)
	}

	for attempt := 2; attempt <= 20; attempt++ {
		d := nextBackoff(attempt)
		if d > backoffCap*12/10 {
			t.Fatalf("attempt %d backoff %v exceeds cap %v beyond jitter tolerance", attempt, d, backoffCap)
		}
		if d <= 0 {
			t.Fatalf("attempt %d backoff must be positive, got %v", attempt, d)
		}
	}
}

func TestNextBackoff_EventuallyCaps(t *testing.T) {
	d := nextBackoff(10)
	if d < backoffCap*8/10 {
		t.Fatalf("backoff at attempt 10 should have reached near the cap %v, got %v", backoffCap, d)
	}
}
