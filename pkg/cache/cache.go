package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/metrics"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

// Key layout: conv:<conversation>:msg:<created_ts 20-padded>-<message id>.
// Keys sort by creation time so warm-start scans arrive oldest-first.
const keyPrefix = "conv:"

// HistoryFetcher pulls older messages from the server, oldest-first.
type HistoryFetcher func(ctx context.Context, conversation string, beforeTS int64, limit int) ([]models.Message, error)

// Event is one cache mutation fanned out to subscribers (the UI layer).
type Event struct {
	Conversation string
	Message      models.Message
}

type Options struct {
	PerConversation  int
	MaxConversations int
	HistoryTTL       time.Duration
}

type convCache struct {
	byID       map[string]*models.Message
	serverIdx  map[string]string // server ID -> client ID
	lastAccess time.Time
	fetchedAt  time.Time // zero until history has been pulled once
}

// Cache is the bounded in-memory message store backing the conversation
// view, optionally written through to a KV store so restarts begin warm.
// Status transitions are guarded: a stale update can never regress a
// message that already advanced.
type Cache struct {
	mu    sync.Mutex
	convs map[string]*convCache
	opts  Options
	kv    store.KV // nil disables persistence

	subMu  sync.Mutex
	subSeq int
	subs   map[int]func(Event)
}

// New builds the cache and, when kv is non-nil, warm-starts from it.
func New(opts Options, kv store.KV) (*Cache, error) {
	c := &Cache{convs: map[string]*convCache{}, opts: opts, kv: kv, subs: map[int]func(Event){}}
	if kv == nil {
		return c, nil
	}
	pairs, err := kv.Scan(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cache warm start: %w", err)
	}
	loaded := 0
	for _, p := range pairs {
		var m models.Message
		if err := json.Unmarshal(p.Value, &m); err != nil {
			logger.Warn("cache_corrupt_record", "key", p.Key, "error", err)
			continue
		}
		c.insert(m, false)
		loaded++
	}
	logger.Info("cache_warm_start", "messages", loaded, "conversations", len(c.convs))
	return c, nil
}

// Subscribe registers a mutation listener and returns its cancel func.
func (c *Cache) Subscribe(fn func(Event)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subSeq++
	id := c.subSeq
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Cache) notify(ev Event) {
	c.subMu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Upsert merges a message into its conversation. New messages are inserted;
// known ones are updated field-wise with the status regression guard
// applied. Returns false when the update was a stale no-op.
func (c *Cache) Upsert(m models.Message) bool {
	changed := c.insert(m, true)
	if changed {
		c.notify(Event{Conversation: m.Conversation, Message: m})
	}
	return changed
}

// insert does the merge under the lock. persist=false is the warm-start
// path: no write-through, no eviction bookkeeping side effects beyond caps.
func (c *Cache) insert(m models.Message, persist bool) bool {
	if m.ID == "" {
		// inbound server messages may carry only the server ID
		m.ID = m.ServerID
	}
	if m.ID == "" {
		return false
	}

	c.mu.Lock()
	cc, ok := c.convs[m.Conversation]
	if !ok {
		cc = &convCache{byID: map[string]*models.Message{}, serverIdx: map[string]string{}}
		c.convs[m.Conversation] = cc
		c.enforceConvCapLocked(m.Conversation)
	}
	cc.lastAccess = time.Now()

	id := m.ID
	if existing, seen := cc.serverIdx[m.ServerID]; m.ServerID != "" && seen {
		id = existing
	}
	cur, exists := cc.byID[id]
	var merged models.Message
	if !exists {
		merged = m
		cc.byID[id] = &merged
		if m.ServerID != "" {
			cc.serverIdx[m.ServerID] = id
		}
		c.enforceMsgCapLocked(m.Conversation, cc)
	} else {
		if m.Status != cur.Status && !cur.Status.CanAdvance(m.Status) {
			logger.Debug("cache_stale_status_ignored", "id", id, "have", cur.Status, "got", m.Status)
			c.mu.Unlock()
			return false
		}
		if !mergeInto(cur, m) {
			c.mu.Unlock()
			return false
		}
		if m.ServerID != "" {
			cc.serverIdx[m.ServerID] = id
		}
		merged = *cur
	}
	c.mu.Unlock()

	if persist && c.kv != nil {
		b, err := json.Marshal(&merged)
		if err == nil {
			err = c.kv.Set(msgKey(merged.Conversation, merged.CreatedTS, merged.ID), b)
		}
		if err != nil {
			logger.Warn("cache_persist_failed", "id", merged.ID, "error", err)
		}
	}
	return true
}

// mergeInto applies non-zero fields of src over dst, status already vetted.
// It reports whether anything actually changed so duplicate deliveries do
// not wake subscribers.
func mergeInto(dst *models.Message, src models.Message) bool {
	changed := false
	set := func(cur *string, v string) {
		if v != "" && v != *cur {
			*cur = v
			changed = true
		}
	}
	setTS := func(cur *int64, v int64) {
		// timestamps are write-once: a replayed receipt must not re-stamp
		if v != 0 && *cur == 0 {
			*cur = v
			changed = true
		}
	}
	if src.Status != "" && src.Status != dst.Status {
		dst.Status = src.Status
		changed = true
	}
	set(&dst.ServerID, src.ServerID)
	set(&dst.Content, src.Content)
	setTS(&dst.SentTS, src.SentTS)
	setTS(&dst.DeliveredTS, src.DeliveredTS)
	setTS(&dst.ReadTS, src.ReadTS)
	if src.RetryCount != 0 && src.RetryCount != dst.RetryCount {
		dst.RetryCount = src.RetryCount
		changed = true
	}
	for k, v := range src.Meta {
		if dst.Meta == nil {
			dst.Meta = map[string]string{}
		}
		if dst.Meta[k] != v {
			dst.Meta[k] = v
			changed = true
		}
	}
	return changed
}

// enforceConvCapLocked drops the least recently used conversation when over
// the conversation cap. Persisted copies go with it.
func (c *Cache) enforceConvCapLocked(justAdded string) {
	if c.opts.MaxConversations <= 0 || len(c.convs) <= c.opts.MaxConversations {
		return
	}
	victim := ""
	var oldest time.Time
	for conv, cc := range c.convs {
		if conv == justAdded {
			continue
		}
		if victim == "" || cc.lastAccess.Before(oldest) {
			victim = conv
			oldest = cc.lastAccess
		}
	}
	if victim == "" {
		return
	}
	vc := c.convs[victim]
	delete(c.convs, victim)
	metrics.CacheEvictions.Inc()
	logger.Info("cache_conversation_evicted", "conversation", victim, "messages", len(vc.byID))
	if c.kv != nil {
		for id, m := range vc.byID {
			if err := c.kv.Delete(msgKey(victim, m.CreatedTS, id)); err != nil {
				logger.Warn("cache_evict_delete_failed", "key", id, "error", err)
			}
		}
	}
}

// enforceMsgCapLocked drops the oldest message once a conversation exceeds
// its per-conversation bound.
func (c *Cache) enforceMsgCapLocked(conv string, cc *convCache) {
	if c.opts.PerConversation <= 0 || len(cc.byID) <= c.opts.PerConversation {
		return
	}
	victimID := ""
	var victim *models.Message
	for id, m := range cc.byID {
		if victim == nil || m.CreatedTS < victim.CreatedTS {
			victimID = id
			victim = m
		}
	}
	if victim == nil {
		return
	}
	delete(cc.byID, victimID)
	if victim.ServerID != "" {
		delete(cc.serverIdx, victim.ServerID)
	}
	metrics.CacheEvictions.Inc()
	if c.kv != nil {
		if err := c.kv.Delete(msgKey(conv, victim.CreatedTS, victimID)); err != nil {
			logger.Warn("cache_evict_delete_failed", "id", victimID, "error", err)
		}
	}
}

// Get returns one message by client ID.
func (c *Cache) Get(conversation, id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.convs[conversation]
	if !ok {
		return models.Message{}, false
	}
	cc.lastAccess = time.Now()
	m, ok := cc.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// GetByServerID resolves a server-assigned ID (receipt correlation).
func (c *Cache) GetByServerID(conversation, serverID string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.convs[conversation]
	if !ok {
		return models.Message{}, false
	}
	id, ok := cc.serverIdx[serverID]
	if !ok {
		return models.Message{}, false
	}
	m, ok := cc.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return *m, true
}

// Messages returns a conversation's messages ordered by creation time.
func (c *Cache) Messages(conversation string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.convs[conversation]
	if !ok {
		return nil
	}
	cc.lastAccess = time.Now()
	out := make([]models.Message, 0, len(cc.byID))
	for _, m := range cc.byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedTS != out[j].CreatedTS {
			return out[i].CreatedTS < out[j].CreatedTS
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History is the read-through view: cached messages when they are fresh
// within the TTL, otherwise a fetch is attempted and merged first. A failed
// fetch degrades to whatever is cached rather than erroring the UI.
func (c *Cache) History(ctx context.Context, conversation string, fetch HistoryFetcher) []models.Message {
	c.mu.Lock()
	cc, ok := c.convs[conversation]
	fresh := ok && !cc.fetchedAt.IsZero() && time.Since(cc.fetchedAt) < c.opts.HistoryTTL
	c.mu.Unlock()

	if !fresh && fetch != nil {
		metrics.CacheHistoryMisses.Inc()
		msgs, err := fetch(ctx, conversation, 0, c.opts.PerConversation)
		if err != nil {
			logger.Warn("history_fetch_failed", "conversation", conversation, "error", err)
		} else {
			for _, m := range msgs {
				if m.Status == "" {
					m.Status = models.StatusDelivered
				}
				c.insert(m, true)
			}
			c.mu.Lock()
			if cc2, ok := c.convs[conversation]; ok {
				cc2.fetchedAt = time.Now()
			}
			c.mu.Unlock()
		}
	}
	return c.Messages(conversation)
}

func msgKey(conversation string, createdTS int64, id string) string {
	return fmt.Sprintf("%s%s:msg:%020d-%s", keyPrefix, conversation, createdTS, id)
}
