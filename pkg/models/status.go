package models

// Status is the delivery state of a message. Statuses only move forward
// along the chain composing -> queued -> sending -> sent -> delivered ->
// read; any non-terminal status may drop to failed, failed may be
// resubmitted back to queued (and only to queued), and sending may park
// back to queued when no transport is available.
type Status string

const (
	StatusComposing Status = "composing"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the forward chain. Failed sits outside the chain.
var statusRank = map[Status]int{
	StatusComposing: 0,
	StatusQueued:    1,
	StatusSending:   2,
	StatusSent:      3,
	StatusDelivered: 4,
	StatusRead:      5,
}

// Rank returns the position of s on the forward chain, or -1 for failed
// and unknown statuses.
func (s Status) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Terminal reports whether no further transition is possible. Read is the
// only terminal status; failed is recoverable via retry.
func (s Status) Terminal() bool { return s == StatusRead }

// CanAdvance reports whether a transition from s to next is legal. It
// encodes the partial order used by the cache to reject regressions and by
// the coordinator to validate retries.
func (s Status) CanAdvance(next Status) bool {
	if s == next {
		return false
	}
	if next == StatusFailed {
		// any non-terminal status may fail
		return s != StatusRead && s != StatusFailed
	}
	if s == StatusFailed {
		// resubmission re-enters the chain at queued, never further along
		return next == StatusQueued
	}
	if s == StatusSending && next == StatusQueued {
		// a dispatch with no live transport parks the message back in the
		// durable queue
		return true
	}
	sr, nr := s.Rank(), next.Rank()
	return sr >= 0 && nr >= 0 && nr > sr
}
