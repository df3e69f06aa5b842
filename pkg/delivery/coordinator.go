package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatsync/pkg/cache"
	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/queue"
	"chatsync/pkg/transport"
	"chatsync/pkg/utils"
	"chatsync/pkg/validation"
)

// ErrNotRetryable is returned by Retry for messages that are not in the
// failed state.
var ErrNotRetryable = errors.New("message is not in a failed state")

// EventKind tags coordinator events consumed by the notification layer.
type EventKind string

const (
	EventMessageReceived EventKind = "message_received"
	EventMessageFailed   EventKind = "message_failed"
	EventQueueOverflow   EventKind = "queue_overflow"
)

// Event is one externally interesting occurrence. The cache's subscriber
// fan-out covers per-message status updates; these events cover the cases a
// notification surface cares about.
type Event struct {
	Kind         EventKind
	Conversation string
	Message      models.Message
	Reason       string
}

// Coordinator owns the outbound message lifecycle: it assigns IDs, applies
// optimistic status updates to the cache, routes through the transport
// selector and folds receipts back in. A per-conversation mutex serializes
// submissions so sent timestamps always respect submission order within a
// conversation, even when dispatches complete out of order.
type Coordinator struct {
	selector *transport.Selector
	cache    *cache.Cache
	sender   string

	mu     sync.Mutex
	convMu map[string]*sync.Mutex

	events chan Event
}

func NewCoordinator(sel *transport.Selector, c *cache.Cache, sender string) *Coordinator {
	return &Coordinator{
		selector: sel,
		cache:    c,
		sender:   sender,
		convMu:   map[string]*sync.Mutex{},
		events:   make(chan Event, 64),
	}
}

// Events exposes the notification stream. The channel is buffered; events
// are dropped, not blocked on, when no consumer keeps up.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		logger.Warn("event_dropped", "kind", ev.Kind, "conversation", ev.Conversation)
	}
}

func (c *Coordinator) lockConv(conversation string) *sync.Mutex {
	c.mu.Lock()
	m, ok := c.convMu[conversation]
	if !ok {
		m = &sync.Mutex{}
		c.convMu[conversation] = m
	}
	c.mu.Unlock()
	return m
}

// Submit sends one message. The message appears in the cache as queued
// before any network activity so the UI shows it immediately; the final
// status reflects the transport outcome.
func (c *Coordinator) Submit(ctx context.Context, conversation, content string, kind models.MessageKind) (models.Message, error) {
	if err := validation.ValidateOutbound(content, kind); err != nil {
		return models.Message{}, err
	}
	m := models.Message{
		ID:           utils.GenMsgID(),
		Conversation: conversation,
		Sender:       c.sender,
		Content:      content,
		Kind:         kind,
		Status:       models.StatusQueued,
		CreatedTS:    time.Now().UTC().UnixNano(),
	}
	c.cache.Upsert(m)
	return c.dispatchSend(ctx, m, 0)
}

// Retry resubmits a failed message. Only failed messages are eligible; the
// status chain re-enters at queued.
func (c *Coordinator) Retry(ctx context.Context, conversation, id string) (models.Message, error) {
	m, ok := c.cache.Get(conversation, id)
	if !ok || m.Status != models.StatusFailed {
		return models.Message{}, ErrNotRetryable
	}
	m.Status = models.StatusQueued
	m.RetryCount++
	c.cache.Upsert(m)
	return c.dispatchSend(ctx, m, m.RetryCount)
}

// dispatchSend routes the send under the conversation lock. Holding the
// lock across the dispatch is what makes sent timestamps monotone per
// conversation.
func (c *Coordinator) dispatchSend(ctx context.Context, m models.Message, retry int) (models.Message, error) {
	payload, err := json.Marshal(models.SendPayload{MessageID: m.ID, Content: m.Content, Kind: m.Kind, Meta: m.Meta})
	if err != nil {
		return models.Message{}, err
	}
	a := models.QueuedAction{
		Kind:         models.ActionSendMessage,
		Conversation: m.Conversation,
		Payload:      payload,
		RetryCount:   retry,
	}

	lock := c.lockConv(m.Conversation)
	lock.Lock()
	defer lock.Unlock()

	m.Status = models.StatusSending
	c.cache.Upsert(m)

	res := c.selector.Dispatch(ctx, a)
	switch res.Disposition {
	case transport.Delivered:
		m.Status = models.StatusSent
		m.ServerID = res.ServerID
		m.SentTS = time.Now().UTC().UnixNano()
	case transport.Queued, transport.Deferred:
		// parked for replay via the sanctioned sending -> queued edge
		m.Status = models.StatusQueued
		if errors.Is(res.Err, queue.ErrOverflow) {
			c.emit(Event{Kind: EventQueueOverflow, Conversation: m.Conversation, Reason: res.Err.Error()})
		}
	case transport.Failed:
		m.Status = models.StatusFailed
		if res.Err != nil {
			if m.Meta == nil {
				m.Meta = map[string]string{}
			}
			m.Meta["failure_reason"] = res.Err.Error()
		}
		c.cache.Upsert(m)
		c.emit(Event{Kind: EventMessageFailed, Conversation: m.Conversation, Message: m, Reason: reasonOf(res.Err)})
		return m, res.Err
	}
	c.cache.Upsert(m)
	return m, nil
}

func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MarkRead records the local user's read position and pushes it to the
// server as a durable action.
func (c *Coordinator) MarkRead(ctx context.Context, conversation, serverID string) error {
	payload, err := json.Marshal(models.ReadPayload{ServerID: serverID})
	if err != nil {
		return err
	}
	res := c.selector.Dispatch(ctx, models.QueuedAction{
		Kind:         models.ActionMarkRead,
		Conversation: conversation,
		Payload:      payload,
	})
	if res.Disposition == transport.Failed {
		return res.Err
	}
	return nil
}

// Typing sends an ephemeral typing indicator; silently dropped offline.
func (c *Coordinator) Typing(ctx context.Context, conversation string) {
	c.selector.Dispatch(ctx, models.QueuedAction{
		Kind:         models.ActionTyping,
		Conversation: conversation,
	})
}

// OnInboundMessage folds a server-pushed message into the cache and raises
// a notification event.
func (c *Coordinator) OnInboundMessage(m models.Message) {
	if m.Status == "" {
		m.Status = models.StatusDelivered
	}
	if c.cache.Upsert(m) {
		c.emit(Event{Kind: EventMessageReceived, Conversation: m.Conversation, Message: m})
	}
}

// OnDeliveryReceipt advances a sent message to delivered. Receipts are
// idempotent: a replay finds the message already at or past delivered and
// leaves it untouched, timestamps included.
func (c *Coordinator) OnDeliveryReceipt(conversation, serverID string) {
	m, ok := c.cache.GetByServerID(conversation, serverID)
	if !ok {
		logger.Debug("receipt_unknown_message", "conversation", conversation, "server_id", serverID)
		return
	}
	if m.Status.Rank() >= models.StatusDelivered.Rank() {
		logger.Debug("receipt_replay_ignored", "conversation", conversation, "server_id", serverID, "status", m.Status)
		return
	}
	m.Status = models.StatusDelivered
	m.DeliveredTS = time.Now().UTC().UnixNano()
	if c.cache.Upsert(m) {
		metrics.ReceiptTotal.WithLabelValues("delivered").Inc()
	}
}

// OnReadReceipt advances a message to read, the terminal status.
func (c *Coordinator) OnReadReceipt(conversation, serverID string) {
	m, ok := c.cache.GetByServerID(conversation, serverID)
	if !ok {
		logger.Debug("receipt_unknown_message", "conversation", conversation, "server_id", serverID)
		return
	}
	if m.Status == models.StatusRead {
		logger.Debug("receipt_replay_ignored", "conversation", conversation, "server_id", serverID, "status", m.Status)
		return
	}
	m.Status = models.StatusRead
	m.ReadTS = time.Now().UTC().UnixNano()
	if m.DeliveredTS == 0 {
		// read implies delivered even when the delivery receipt was lost
		m.DeliveredTS = m.ReadTS
	}
	if c.cache.Upsert(m) {
		metrics.ReceiptTotal.WithLabelValues("read").Inc()
	}
}

// OnActionReplayed is the drain success hook: a queued send that finally
// reached the server advances its message to sent.
func (c *Coordinator) OnActionReplayed(a models.QueuedAction, serverID string) {
	if a.Kind != models.ActionSendMessage {
		return
	}
	var p models.SendPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		logger.Warn("replay_payload_undecodable", "action", a.ID, "error", err)
		return
	}
	c.cache.Upsert(models.Message{
		ID:           p.MessageID,
		Conversation: a.Conversation,
		Status:       models.StatusSent,
		ServerID:     serverID,
		SentTS:       time.Now().UTC().UnixNano(),
	})
}

// OnActionAbandoned is the queue's permanent-failure hook: the message
// behind the action is marked failed and surfaced to the user.
func (c *Coordinator) OnActionAbandoned(a models.QueuedAction, cause error) {
	if a.Kind != models.ActionSendMessage {
		logger.Warn("action_abandoned", "action", a.ID, "kind", a.Kind, "error", cause)
		return
	}
	var p models.SendPayload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		logger.Warn("replay_payload_undecodable", "action", a.ID, "error", err)
		return
	}
	m, ok := c.cache.Get(a.Conversation, p.MessageID)
	if !ok {
		m = models.Message{ID: p.MessageID, Conversation: a.Conversation, Content: p.Content, Kind: p.Kind}
	}
	m.Status = models.StatusFailed
	c.cache.Upsert(m)
	kind := EventMessageFailed
	if errors.Is(cause, queue.ErrOverflow) {
		kind = EventQueueOverflow
	}
	c.emit(Event{Kind: kind, Conversation: a.Conversation, Message: m, Reason: reasonOf(cause)})
}
