package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatsync/pkg/connectivity"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/queue"
)

// PermanentError marks a server-side rejection that must never be retried:
// the action itself is invalid, not the network.
type PermanentError struct {
	Code   int
	Reason string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent rejection (%d): %s", e.Code, e.Reason)
}

// Permanent satisfies the queue's structural retry classifier.
func (e *PermanentError) Permanent() bool { return true }

// Channel is the real-time transport tier. Send must respect ctx and return
// the server-assigned message ID on success.
type Channel interface {
	Live() bool
	Send(ctx context.Context, a models.QueuedAction) (string, error)
}

// API is the HTTP fallback tier.
type API interface {
	Do(ctx context.Context, a models.QueuedAction) (string, error)
}

// Disposition is the final routing outcome of one dispatch.
type Disposition int

const (
	// Delivered means the server accepted the action on this call.
	Delivered Disposition = iota
	// Queued means no transport was available and the action was persisted
	// to the durable queue for replay on reconnect.
	Queued
	// Deferred means every tier failed transiently while the network looked
	// reachable; the action was persisted and will be retried shortly.
	Deferred
	// Failed means the server rejected the action permanently.
	Failed
	// Dropped applies only to ephemeral actions (typing): no transport was
	// available and the action was discarded, never queued.
	Dropped
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Queued:
		return "queued"
	case Deferred:
		return "deferred"
	case Failed:
		return "failed"
	case Dropped:
		return "dropped"
	}
	return "unknown"
}

// Result carries the outcome of one Dispatch call. ServerID is set only for
// Delivered. Err is set for Failed (the rejection) and may be set alongside
// Queued when the hard cap evicted an older action.
type Result struct {
	Disposition Disposition
	ServerID    string
	Err         error
}

// Options bound each tier's attempt. ChannelTimeout must be shorter than
// APITimeout; config.Validate enforces that.
type Options struct {
	ChannelTimeout time.Duration
	APITimeout     time.Duration
}

// Selector routes actions through the cheapest transport that works:
// real-time channel first, HTTP fallback second, durable queue last. It is
// stateless between calls; connectivity is consulted fresh each time.
type Selector struct {
	channel Channel
	api     API
	queue   *queue.Queue
	monitor *connectivity.Monitor
	opts    Options
}

func NewSelector(ch Channel, api API, q *queue.Queue, mon *connectivity.Monitor, opts Options) *Selector {
	return &Selector{channel: ch, api: api, queue: q, monitor: mon, opts: opts}
}

// Dispatch routes one action. Ephemeral actions are attempted only on a live
// channel and otherwise dropped. Durable actions fall through the tiers and
// land in the queue whenever no tier accepts them; a send whose conversation
// already holds queued actions is enqueued directly so replay order is kept.
func (s *Selector) Dispatch(ctx context.Context, a models.QueuedAction) Result {
	if !a.Kind.Durable() {
		return s.dispatchEphemeral(ctx, a)
	}

	if a.Kind == models.ActionSendMessage && s.queue.Pending(a.Conversation) {
		// older sends for this conversation still await replay; delivering
		// live now would reorder them. Fall in line behind the queue.
		logger.Debug("dispatch_held_for_queue", "id", a.ID, "conversation", a.Conversation)
		return s.park(a, Queued, nil)
	}

	serverID, err := s.Attempt(ctx, a)
	switch {
	case err == nil:
		return Result{Disposition: Delivered, ServerID: serverID}
	case errors.Is(err, queue.ErrDefer):
		return s.park(a, Queued, nil)
	case queue.IsPermanent(err):
		metrics.DispatchTotal.WithLabelValues("api", "failed").Inc()
		logger.Warn("dispatch_rejected", "id", a.ID, "kind", a.Kind, "error", err)
		return Result{Disposition: Failed, Err: err}
	default:
		// every tier failed transiently while the network looked up
		logger.Warn("dispatch_deferred", "id", a.ID, "kind", a.Kind, "error", err)
		return s.park(a, Deferred, err)
	}
}

// park persists a durable action for later replay.
func (s *Selector) park(a models.QueuedAction, d Disposition, cause error) Result {
	err := s.queue.Enqueue(a)
	switch {
	case err == nil:
		metrics.DispatchTotal.WithLabelValues("queue", d.String()).Inc()
		logger.Info("dispatch_queued", "id", a.ID, "kind", a.Kind, "conversation", a.Conversation, "disposition", d.String())
		return Result{Disposition: d}
	case errors.Is(err, queue.ErrOverflow):
		// the new action is persisted; surface the eviction to the caller
		metrics.DispatchTotal.WithLabelValues("queue", d.String()).Inc()
		return Result{Disposition: d, Err: err}
	default:
		metrics.DispatchTotal.WithLabelValues("queue", "failed").Inc()
		logger.Error("dispatch_enqueue_failed", "id", a.ID, "error", err)
		return Result{Disposition: Failed, Err: err}
	}
}

func (s *Selector) dispatchEphemeral(ctx context.Context, a models.QueuedAction) Result {
	if s.channel == nil || !s.channel.Live() {
		// typing indicators are worthless once stale
		logger.Debug("ephemeral_dropped", "kind", a.Kind, "conversation", a.Conversation)
		metrics.DispatchTotal.WithLabelValues("channel", "dropped").Inc()
		return Result{Disposition: Dropped}
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.ChannelTimeout)
	defer cancel()
	if _, err := s.channel.Send(cctx, a); err != nil {
		metrics.DispatchTotal.WithLabelValues("channel", "dropped").Inc()
		return Result{Disposition: Dropped}
	}
	metrics.DispatchTotal.WithLabelValues("channel", "delivered").Inc()
	return Result{Disposition: Delivered}
}

// Attempt tries the channel then the HTTP fallback without ever touching the
// queue. It is the drain executor: nil means accepted, queue.ErrDefer means
// no transport is available, a PermanentError means reject, anything else is
// a transient failure worth one retry.
func (s *Selector) Attempt(ctx context.Context, a models.QueuedAction) (string, error) {
	var lastErr error

	if s.channel != nil && s.channel.Live() {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, s.opts.ChannelTimeout)
		serverID, err := s.channel.Send(cctx, a)
		cancel()
		metrics.DispatchSeconds.WithLabelValues("channel").Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.DispatchTotal.WithLabelValues("channel", "delivered").Inc()
			return serverID, nil
		}
		metrics.DispatchTotal.WithLabelValues("channel", "deferred").Inc()
		logger.Debug("channel_attempt_failed", "id", a.ID, "error", err)
		lastErr = err
	}

	if !s.monitor.Current().NetworkReachable {
		return "", queue.ErrDefer
	}

	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, s.opts.APITimeout)
	serverID, err := s.api.Do(actx, a)
	cancel()
	metrics.DispatchSeconds.WithLabelValues("api").Observe(time.Since(start).Seconds())
	if err == nil {
		metrics.DispatchTotal.WithLabelValues("api", "delivered").Inc()
		return serverID, nil
	}
	if queue.IsPermanent(err) {
		return "", err
	}
	metrics.DispatchTotal.WithLabelValues("api", "deferred").Inc()
	logger.Debug("api_attempt_failed", "id", a.ID, "error", err)
	if lastErr != nil {
		return "", fmt.Errorf("channel: %v; api: %w", lastErr, err)
	}
	return "", err
}
