package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/time/rate"

	"chatsync/pkg/connectivity"
	"chatsync/pkg/delivery"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/queue"
	"chatsync/pkg/transport"
)

// Options tune the scheduler. Cron is the safety-net schedule that drains
// even when no connectivity transition was observed; DrainRPS/DrainBurst
// pace replay so a long queue does not hammer a freshly recovered server.
type Options struct {
	Cron       string
	DrainRPS   float64
	DrainBurst int
}

// Reconciler refreshes server truth for the conversations touched by a
// drain (lost receipts, messages sent from other devices).
type Reconciler func(ctx context.Context, conversations []string)

// Scheduler decides when the durable queue drains: on connectivity restore,
// on a cron safety net, or on an explicit kick. All triggers funnel into one
// loop; the queue's own reentrancy guard makes overlapping triggers safe.
type Scheduler struct {
	queue     *queue.Queue
	selector  *transport.Selector
	coord     *delivery.Coordinator
	monitor   *connectivity.Monitor
	limiter   *rate.Limiter
	reconcile Reconciler
	opts      Options

	kicks chan string
}

func New(q *queue.Queue, sel *transport.Selector, coord *delivery.Coordinator, mon *connectivity.Monitor, rec Reconciler, opts Options) (*Scheduler, error) {
	if !gronx.IsValid(opts.Cron) {
		return nil, fmt.Errorf("invalid sync cron expression %q", opts.Cron)
	}
	return &Scheduler{
		queue:     q,
		selector:  sel,
		coord:     coord,
		monitor:   mon,
		limiter:   rate.NewLimiter(rate.Limit(opts.DrainRPS), opts.DrainBurst),
		reconcile: rec,
		opts:      opts,
		kicks:     make(chan string, 4),
	}, nil
}

// Kick requests a drain; if one is already pending the request coalesces.
func (s *Scheduler) Kick(trigger string) {
	select {
	case s.kicks <- trigger:
	default:
	}
}

// Run services triggers until ctx is done. It registers the restore
// listener itself and tears it down on exit.
func (s *Scheduler) Run(ctx context.Context) {
	unsub := s.monitor.OnRestored(func() { s.Kick("restored") })
	defer unsub()
	go s.cronLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("syncer_stopping")
			return
		case trigger := <-s.kicks:
			s.drain(ctx, trigger)
		}
	}
}

// cronLoop sleeps until each next cron tick and kicks a drain. The cron is
// a safety net against missed restore events and slow server recoveries.
func (s *Scheduler) cronLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(s.opts.Cron, now, false)
		if err != nil {
			logger.Error("syncer_nexttick_failed", "cron", s.opts.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			s.Kick("cron")
		case <-ctx.Done():
			return
		}
	}
}

// drain replays the queue through the transport tiers. Conversations with
// pending actions are reconciled afterwards so receipts lost during the
// offline window are recovered.
func (s *Scheduler) drain(ctx context.Context, trigger string) {
	if s.queue.Len() == 0 {
		return
	}
	metrics.DrainTotal.WithLabelValues(trigger).Inc()

	pending, err := s.queue.PeekAll()
	if err != nil {
		logger.Error("drain_peek_failed", "error", err)
		return
	}
	touched := map[string]struct{}{}
	for _, a := range pending {
		touched[a.Conversation] = struct{}{}
	}

	out, err := s.queue.Drain(ctx, s.execute)
	if err != nil {
		logger.Warn("drain_aborted", "trigger", trigger, "error", err)
		return
	}
	logger.Info("sync_drain", "trigger", trigger, "processed", out.Processed, "failed", out.Failed)

	if out.Processed > 0 && s.reconcile != nil {
		convs := make([]string, 0, len(touched))
		for conv := range touched {
			convs = append(convs, conv)
		}
		s.reconcile(ctx, convs)
	}
}

// execute is the drain executor: rate-limited, routed through the selector,
// with successful replays folded back into the message cache.
func (s *Scheduler) execute(ctx context.Context, a models.QueuedAction) error {
	if err := s.limiter.Wait(ctx); err != nil {
		// shutdown mid-drain must not burn a retry
		return queue.ErrDefer
	}
	serverID, err := s.selector.Attempt(ctx, a)
	if err != nil {
		if ctx.Err() != nil {
			return queue.ErrDefer
		}
		return err
	}
	s.coord.OnActionReplayed(a, serverID)
	return nil
}
