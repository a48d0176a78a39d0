package deadletter

import "testing"

// TestReplayState_Values is a smoke test pinning the three replay states;
// Get/Replay/Discard/Purge themselves require a database connection, the
// same limit the donor's own engine_test.go notes for its DB-backed paths.
func TestReplayState_Values(t *testing.T) {
	if StateQueued == StateDelivered || StateQueued == StateDiscarded || StateDelivered == StateDiscarded {
		t.Fatal("replay states must be distinct")
	}
}

func TestErrDiscarded_IsStable(t *testing.T) {
	if ErrDiscarded == nil {
		t.Fatal("ErrDiscarded must be a non-nil sentinel")
	}
	if ErrDiscarded.Error() == "" {
		t.Fatal("ErrDiscarded must carry a message")
	}
}
