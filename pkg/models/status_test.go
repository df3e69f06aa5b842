package models

import "testing"

// TestStatusForwardChain verifies the forward chain is strictly ordered and
// never allows a backward hop.
func TestStatusForwardChain(t *testing.T) {
	chain := []Status{StatusComposing, StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusRead}
	for i, from := range chain {
		for j, to := range chain {
			got := from.CanAdvance(to)
			want := j > i
			if from == StatusSending && to == StatusQueued {
				// the park edge: dispatch fell through to the durable queue
				want = true
			}
			if got != want {
				t.Fatalf("CanAdvance(%s -> %s) = %v; want %v", from, to, got, want)
			}
		}
	}
}

// TestStatusFailedEdges verifies failed is reachable from every non-terminal
// status and leaves only toward queued.
func TestStatusFailedEdges(t *testing.T) {
	for _, s := range []Status{StatusComposing, StatusQueued, StatusSending, StatusSent, StatusDelivered} {
		if !s.CanAdvance(StatusFailed) {
			t.Fatalf("expected %s -> failed to be legal", s)
		}
	}
	if StatusRead.CanAdvance(StatusFailed) {
		t.Fatalf("read is terminal; read -> failed must be illegal")
	}
	if StatusFailed.CanAdvance(StatusFailed) {
		t.Fatalf("failed -> failed must be illegal")
	}
	if !StatusFailed.CanAdvance(StatusQueued) {
		t.Fatalf("retry edge failed -> queued must be legal")
	}
	for _, s := range []Status{StatusComposing, StatusSending, StatusSent, StatusDelivered, StatusRead} {
		if StatusFailed.CanAdvance(s) {
			t.Fatalf("failed -> %s must be illegal", s)
		}
	}
}

// TestStatusTerminal confirms read is the only terminal status.
func TestStatusTerminal(t *testing.T) {
	if !StatusRead.Terminal() {
		t.Fatalf("read must be terminal")
	}
	for _, s := range []Status{StatusComposing, StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusFailed} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}
