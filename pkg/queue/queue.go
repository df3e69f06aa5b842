package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/utils"
)

// Key layout. The global sequence lives under "queue!seq": '!' sorts before
// ':' so the counter never shows up in action scans.
const (
	keyPrefix = "queue:"
	seqKey    = "queue!seq"
)

var (
	// ErrOverflow is returned by Enqueue when the hard cap forced the oldest
	// action out. The new action IS persisted; the caller must surface the
	// loss to the user instead of silently dropping it.
	ErrOverflow = errors.New("durable queue overflow: oldest action evicted")
	// ErrPayloadTooLarge rejects oversized payloads before they reach disk.
	ErrPayloadTooLarge = errors.New("action payload exceeds configured maximum")
	// ErrDefer is returned by drain executors to leave the current action in
	// place without consuming a retry (e.g. still offline). The drain stops
	// that conversation's partition and moves on to the next conversation.
	ErrDefer = errors.New("action deferred; still queued")
)

// permanenter matches errors that must not be retried (server rejected the
// action outright). Declared structurally so this package does not depend on
// the transport layer.
type permanenter interface{ Permanent() bool }

// IsPermanent reports whether err marks a non-retryable failure.
func IsPermanent(err error) bool {
	var p permanenter
	return errors.As(err, &p) && p.Permanent()
}

// Options tune the durable queue. All fields must be set; config.Validate
// applies the canonical defaults.
type Options struct {
	HardCap    int
	MaxRetries int
	MaxPayload int64
}

// Outcome summarizes one drain pass.
type Outcome struct {
	Processed int
	Failed    int
}

// Executor replays one action toward the server. nil retires the action,
// ErrDefer leaves it queued without burning a retry, a permanent error
// removes it immediately, anything else consumes one retry.
type Executor func(ctx context.Context, a models.QueuedAction) error

// PermanentFunc is invoked for every action that will never be retried
// again, whether from exhausted retries, a permanent rejection or a hard-cap
// eviction.
type PermanentFunc func(a models.QueuedAction, err error)

// Queue persists pending actions through a KV store so they survive process
// restarts, and replays them in per-conversation order. Ordering across
// conversations is not defined: a stalled conversation cannot block others.
type Queue struct {
	kv   store.KV
	opts Options

	mu    sync.Mutex
	seq   uint64
	depth int64

	draining    int32
	onPermanent PermanentFunc
}

// New opens the queue over kv, recovering the sequence counter and depth
// from persisted state.
func New(kv store.KV, opts Options, onPermanent PermanentFunc) (*Queue, error) {
	q := &Queue{kv: kv, opts: opts, onPermanent: onPermanent}

	if raw, err := kv.Get(seqKey); err == nil {
		if n, perr := strconv.ParseUint(string(raw), 10, 64); perr == nil {
			q.seq = n
		}
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("recover queue sequence: %w", err)
	}

	pairs, err := kv.Scan(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("recover queue depth: %w", err)
	}
	q.depth = int64(len(pairs))
	// a crash between action write and counter write can leave seq behind
	for _, p := range pairs {
		var a models.QueuedAction
		if json.Unmarshal(p.Value, &a) == nil && a.Seq > q.seq {
			q.seq = a.Seq
		}
	}
	metrics.QueueDepth.Set(float64(q.depth))
	logger.Info("queue_recovered", "depth", q.depth, "seq", q.seq)
	return q, nil
}

// Len returns the number of persisted pending actions.
func (q *Queue) Len() int {
	return int(atomic.LoadInt64(&q.depth))
}

// Pending reports whether any persisted action awaits replay for the
// conversation. Dispatchers consult it so a fresh send cannot jump ahead of
// older actions still queued for the same conversation.
func (q *Queue) Pending(conversation string) bool {
	pairs, err := q.kv.Scan(keyPrefix + conversation + ":")
	if err != nil {
		logger.Warn("queue_pending_scan_failed", "conversation", conversation, "error", err)
		// fail toward queuing: callers treat unknown as pending
		return true
	}
	return len(pairs) > 0
}

// Enqueue persists an action. The only capacity refusal is the hard cap:
// past it the oldest action is evicted, reported through the
// permanent-failure callback, and ErrOverflow is returned so the caller can
// surface the loss. The new action is persisted either way.
//
// ErrPayloadTooLarge is a corruption guard, not a second refusal path for
// user sends: outbound content is already bounded upstream by
// validation.ValidateOutbound, which caps content well below MaxPayload, so
// an oversized payload can only come from a caller bypassing validation.
func (q *Queue) Enqueue(a models.QueuedAction) error {
	if int64(len(a.Payload)) > q.opts.MaxPayload {
		return ErrPayloadTooLarge
	}
	if a.ID == "" {
		a.ID = utils.GenActionID()
	}
	if a.CreatedTS == 0 {
		a.CreatedTS = time.Now().UTC().UnixNano()
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = q.opts.MaxRetries
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	a.Seq = q.seq

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := json.NewEncoder(bb).Encode(&a); err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	if err := q.kv.Set(actionKey(a.Conversation, a.Seq), bb.B); err != nil {
		return fmt.Errorf("persist action: %w", err)
	}
	if err := q.kv.Set(seqKey, []byte(strconv.FormatUint(q.seq, 10))); err != nil {
		logger.Warn("queue_seq_persist_failed", "error", err)
	}
	atomic.AddInt64(&q.depth, 1)
	metrics.QueueDepth.Set(float64(atomic.LoadInt64(&q.depth)))
	logger.Debug("action_enqueued", "id", a.ID, "kind", a.Kind, "conversation", a.Conversation, "seq", a.Seq)

	if int(atomic.LoadInt64(&q.depth)) > q.opts.HardCap {
		if err := q.evictOldestLocked(); err != nil {
			logger.Error("queue_evict_failed", "error", err)
			return err
		}
		metrics.QueueOverflowTotal.Inc()
		return ErrOverflow
	}
	return nil
}

// evictOldestLocked removes the globally oldest action (minimum sequence).
func (q *Queue) evictOldestLocked() error {
	pairs, err := q.kv.Scan(keyPrefix)
	if err != nil {
		return err
	}
	var oldest *models.QueuedAction
	oldestKey := ""
	for _, p := range pairs {
		var a models.QueuedAction
		if err := json.Unmarshal(p.Value, &a); err != nil {
			continue
		}
		if oldest == nil || a.Seq < oldest.Seq {
			c := a
			oldest = &c
			oldestKey = p.Key
		}
	}
	if oldest == nil {
		return nil
	}
	if err := q.kv.Delete(oldestKey); err != nil {
		return err
	}
	atomic.AddInt64(&q.depth, -1)
	metrics.QueueDepth.Set(float64(atomic.LoadInt64(&q.depth)))
	logger.Warn("queue_overflow_evicted", "id", oldest.ID, "conversation", oldest.Conversation, "seq", oldest.Seq)
	if q.onPermanent != nil {
		q.onPermanent(*oldest, ErrOverflow)
	}
	return nil
}

// PeekAll returns a read-only snapshot of pending actions ordered by
// enqueue sequence ("n messages waiting to send").
func (q *Queue) PeekAll() ([]models.QueuedAction, error) {
	pairs, err := q.kv.Scan(keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]models.QueuedAction, 0, len(pairs))
	for _, p := range pairs {
		var a models.QueuedAction
		if err := json.Unmarshal(p.Value, &a); err != nil {
			logger.Warn("queue_corrupt_record", "key", p.Key, "error", err)
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Drain replays pending actions through executor in per-conversation order.
// It is reentrant-safe: a call while another drain runs is a no-op returning
// a zero Outcome, so the same action can never be dispatched twice
// concurrently. A failing action stops only its own conversation's
// partition; other conversations continue.
func (q *Queue) Drain(ctx context.Context, executor Executor) (Outcome, error) {
	if !atomic.CompareAndSwapInt32(&q.draining, 0, 1) {
		logger.Debug("drain_already_running")
		return Outcome{}, nil
	}
	defer atomic.StoreInt32(&q.draining, 0)

	all, err := q.PeekAll()
	if err != nil {
		return Outcome{}, err
	}
	// partition by conversation; PeekAll's seq order is preserved per slice
	partitions := map[string][]models.QueuedAction{}
	var convs []string
	for _, a := range all {
		if _, ok := partitions[a.Conversation]; !ok {
			convs = append(convs, a.Conversation)
		}
		partitions[a.Conversation] = append(partitions[a.Conversation], a)
	}
	sort.Strings(convs)

	var out Outcome
	for _, conv := range convs {
	partition:
		for _, a := range partitions[conv] {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			err := executor(ctx, a)
			switch {
			case err == nil:
				q.remove(a)
				out.Processed++
				metrics.DrainProcessed.Inc()
			case errors.Is(err, ErrDefer):
				// no transport available; try this conversation next drain
				break partition
			case IsPermanent(err):
				q.remove(a)
				out.Failed++
				metrics.QueuePermanentFailTotal.Inc()
				logger.Warn("action_rejected_permanently", "id", a.ID, "conversation", conv, "error", err)
				if q.onPermanent != nil {
					q.onPermanent(a, err)
				}
			default:
				a.RetryCount++
				metrics.QueueRetryTotal.Inc()
				if a.RetryCount >= a.MaxRetries {
					q.remove(a)
					out.Failed++
					metrics.QueuePermanentFailTotal.Inc()
					logger.Warn("action_retries_exhausted", "id", a.ID, "conversation", conv, "retries", a.RetryCount)
					if q.onPermanent != nil {
						q.onPermanent(a, err)
					}
					continue
				}
				q.update(a)
				logger.Debug("action_retry_pending", "id", a.ID, "conversation", conv, "retries", a.RetryCount, "error", err)
				break partition
			}
		}
	}
	logger.Info("drain_complete", "processed", out.Processed, "failed", out.Failed, "remaining", q.Len())
	return out, nil
}

// remove deletes a persisted action and adjusts the depth counter.
func (q *Queue) remove(a models.QueuedAction) {
	if err := q.kv.Delete(actionKey(a.Conversation, a.Seq)); err != nil {
		logger.Error("queue_remove_failed", "id", a.ID, "error", err)
		return
	}
	atomic.AddInt64(&q.depth, -1)
	metrics.QueueDepth.Set(float64(atomic.LoadInt64(&q.depth)))
}

// update rewrites a persisted action in place (retry bookkeeping).
func (q *Queue) update(a models.QueuedAction) {
	b, err := json.Marshal(&a)
	if err != nil {
		logger.Error("queue_update_encode_failed", "id", a.ID, "error", err)
		return
	}
	if err := q.kv.Set(actionKey(a.Conversation, a.Seq), b); err != nil {
		logger.Error("queue_update_failed", "id", a.ID, "error", err)
	}
}

func actionKey(conversation string, seq uint64) string {
	return fmt.Sprintf("%s%s:%020d", keyPrefix, conversation, seq)
}
