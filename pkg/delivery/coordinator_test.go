package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/cache"
	"chatsync/pkg/connectivity"
	"chatsync/pkg/models"
	"chatsync/pkg/queue"
	"chatsync/pkg/store"
	"chatsync/pkg/transport"
)

type fakeChannel struct {
	mu   sync.Mutex
	live bool
	send func(models.QueuedAction) (string, error)
}

func (c *fakeChannel) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *fakeChannel) Send(_ context.Context, a models.QueuedAction) (string, error) {
	c.mu.Lock()
	fn := c.send
	c.mu.Unlock()
	if fn == nil {
		return "srv-" + a.ID, nil
	}
	return fn(a)
}

type fakeAPI struct {
	do func(models.QueuedAction) (string, error)
}

func (f *fakeAPI) Do(_ context.Context, a models.QueuedAction) (string, error) {
	if f.do == nil {
		return "srv-api", nil
	}
	return f.do(a)
}

type rig struct {
	coord *Coordinator
	cache *cache.Cache
	queue *queue.Queue
	mon   *connectivity.Monitor
}

func newRig(t *testing.T, ch *fakeChannel, api *fakeAPI, reachable bool) *rig {
	t.Helper()
	c, err := cache.New(cache.Options{PerConversation: 100, MaxConversations: 8, HistoryTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	mon := connectivity.NewMonitor(nil, time.Second)
	mon.SetNetworkState(reachable)
	var coord *Coordinator
	q, err := queue.New(store.NewMemory(), queue.Options{HardCap: 100, MaxRetries: 3, MaxPayload: 1 << 20}, func(a models.QueuedAction, cause error) {
		if coord != nil {
			coord.OnActionAbandoned(a, cause)
		}
	})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	sel := transport.NewSelector(ch, api, q, mon, transport.Options{ChannelTimeout: 500 * time.Millisecond, APITimeout: time.Second})
	coord = NewCoordinator(sel, c, "user-1")
	return &rig{coord: coord, cache: c, queue: q, mon: mon}
}

func TestSubmitDelivered(t *testing.T) {
	r := newRig(t, &fakeChannel{live: true, send: func(models.QueuedAction) (string, error) { return "srv-77", nil }}, &fakeAPI{}, true)

	m, err := r.coord.Submit(context.Background(), "conv-1", "hello", models.KindText)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Status != models.StatusSent || m.ServerID != "srv-77" || m.SentTS == 0 {
		t.Fatalf("message = %+v", m)
	}
	got, ok := r.cache.Get("conv-1", m.ID)
	if !ok || got.Status != models.StatusSent {
		t.Fatalf("cache view = %+v ok=%v", got, ok)
	}
	if r.queue.Len() != 0 {
		t.Fatalf("nothing should be queued")
	}
}

func TestSubmitOfflineParksAsQueued(t *testing.T) {
	r := newRig(t, &fakeChannel{live: false}, &fakeAPI{}, false)

	m, err := r.coord.Submit(context.Background(), "conv-1", "later", models.KindText)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m.Status != models.StatusQueued {
		t.Fatalf("status = %s", m.Status)
	}
	if r.queue.Len() != 1 {
		t.Fatalf("queue depth = %d", r.queue.Len())
	}
	got, _ := r.cache.Get("conv-1", m.ID)
	if got.Status != models.StatusQueued {
		t.Fatalf("cache status = %s", got.Status)
	}
}

func TestSubmitPermanentRejection(t *testing.T) {
	api := &fakeAPI{do: func(models.QueuedAction) (string, error) {
		return "", &transport.PermanentError{Code: 422, Reason: "too long"}
	}}
	r := newRig(t, &fakeChannel{live: false}, api, true)

	m, err := r.coord.Submit(context.Background(), "conv-1", "nope", models.KindText)
	if err == nil {
		t.Fatal("expected error")
	}
	if m.Status != models.StatusFailed {
		t.Fatalf("status = %s", m.Status)
	}
	got, _ := r.cache.Get("conv-1", m.ID)
	if got.Meta["failure_reason"] == "" {
		t.Fatal("failure reason not recorded")
	}
	if r.queue.Len() != 0 {
		t.Fatal("permanently rejected message must not be queued")
	}
	select {
	case ev := <-r.coord.Events():
		if ev.Kind != EventMessageFailed {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("failure event not emitted")
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	ch := &fakeChannel{live: false}
	api := &fakeAPI{do: func(models.QueuedAction) (string, error) {
		return "", &transport.PermanentError{Code: 400, Reason: "bad"}
	}}
	r := newRig(t, ch, api, true)

	m, _ := r.coord.Submit(context.Background(), "conv-1", "flaky", models.KindText)
	if m.Status != models.StatusFailed {
		t.Fatalf("setup: status = %s", m.Status)
	}

	// the server recovers; retry should go through
	api.do = nil
	got, err := r.coord.Retry(context.Background(), "conv-1", m.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != models.StatusSent || got.RetryCount != 1 {
		t.Fatalf("retried message = %+v", got)
	}

	// a sent message is not retryable
	if _, err := r.coord.Retry(context.Background(), "conv-1", m.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("expected ErrNotRetryable, got %v", err)
	}
}

func TestSentOrderFollowsSubmissionOrder(t *testing.T) {
	firstEntered := make(chan struct{})
	release := make(chan struct{})
	ch := &fakeChannel{live: true}
	ch.send = func(a models.QueuedAction) (string, error) {
		// stall the first send until the second submission is waiting
		select {
		case <-firstEntered:
		default:
			close(firstEntered)
			<-release
		}
		return "srv-" + a.ID, nil
	}
	r := newRig(t, ch, &fakeAPI{}, true)

	var first, second models.Message
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		first, _ = r.coord.Submit(context.Background(), "conv-1", "first", models.KindText)
	}()
	<-firstEntered
	go func() {
		defer wg.Done()
		second, _ = r.coord.Submit(context.Background(), "conv-1", "second", models.KindText)
	}()
	time.Sleep(20 * time.Millisecond) // let the second submission park on the conversation lock
	close(release)
	wg.Wait()

	if first.SentTS == 0 || second.SentTS == 0 {
		t.Fatalf("timestamps missing: %d %d", first.SentTS, second.SentTS)
	}
	if first.SentTS > second.SentTS {
		t.Fatalf("sent order inverted: first=%d second=%d", first.SentTS, second.SentTS)
	}
}

func TestReceiptsIdempotent(t *testing.T) {
	r := newRig(t, &fakeChannel{live: true, send: func(models.QueuedAction) (string, error) { return "srv-1", nil }}, &fakeAPI{}, true)
	m, _ := r.coord.Submit(context.Background(), "conv-1", "hi", models.KindText)

	r.coord.OnDeliveryReceipt("conv-1", "srv-1")
	got, _ := r.cache.Get("conv-1", m.ID)
	deliveredAt := got.DeliveredTS
	if got.Status != models.StatusDelivered || deliveredAt == 0 {
		t.Fatalf("after delivery receipt: %+v", got)
	}

	// replayed receipt must not change anything
	r.coord.OnDeliveryReceipt("conv-1", "srv-1")
	got, _ = r.cache.Get("conv-1", m.ID)
	if got.DeliveredTS != deliveredAt {
		t.Fatal("duplicate receipt mutated the message")
	}

	r.coord.OnReadReceipt("conv-1", "srv-1")
	got, _ = r.cache.Get("conv-1", m.ID)
	if got.Status != models.StatusRead || got.ReadTS == 0 {
		t.Fatalf("after read receipt: %+v", got)
	}
	readAt := got.ReadTS

	r.coord.OnReadReceipt("conv-1", "srv-1")
	got, _ = r.cache.Get("conv-1", m.ID)
	if got.ReadTS != readAt {
		t.Fatal("duplicate read receipt re-stamped ReadTS")
	}

	// a late delivery receipt must not regress read
	r.coord.OnDeliveryReceipt("conv-1", "srv-1")
	got, _ = r.cache.Get("conv-1", m.ID)
	if got.Status != models.StatusRead {
		t.Fatalf("regressed to %s", got.Status)
	}
}

func TestReadImpliesDelivered(t *testing.T) {
	r := newRig(t, &fakeChannel{live: true, send: func(models.QueuedAction) (string, error) { return "srv-1", nil }}, &fakeAPI{}, true)
	r.coord.Submit(context.Background(), "conv-1", "hi", models.KindText)

	// the delivery receipt was lost; only the read receipt arrives
	r.coord.OnReadReceipt("conv-1", "srv-1")
	got, _ := r.cache.GetByServerID("conv-1", "srv-1")
	if got.Status != models.StatusRead || got.DeliveredTS == 0 {
		t.Fatalf("read must imply delivered: %+v", got)
	}
}

func TestInboundMessage(t *testing.T) {
	r := newRig(t, &fakeChannel{live: true}, &fakeAPI{}, true)
	r.coord.OnInboundMessage(models.Message{ServerID: "srv-9", Conversation: "conv-1", Sender: "user-2", Content: "yo", CreatedTS: 100})

	got, ok := r.cache.GetByServerID("conv-1", "srv-9")
	if !ok || got.Status != models.StatusDelivered {
		t.Fatalf("inbound not cached: %+v ok=%v", got, ok)
	}
	select {
	case ev := <-r.coord.Events():
		if ev.Kind != EventMessageReceived || ev.Message.Content != "yo" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("received event not emitted")
	}
}

func TestTypingNeverPersisted(t *testing.T) {
	r := newRig(t, &fakeChannel{live: false}, &fakeAPI{}, false)
	r.coord.Typing(context.Background(), "conv-1")
	if r.queue.Len() != 0 {
		t.Fatal("typing indicator leaked into the durable queue")
	}
}

func TestRetryWaitsBehindQueuedSends(t *testing.T) {
	reject := true
	api := &fakeAPI{do: func(a models.QueuedAction) (string, error) {
		if reject {
			return "", &transport.PermanentError{Code: 422, Reason: "flagged"}
		}
		return "srv-api", nil
	}}
	ch := &fakeChannel{live: false}
	r := newRig(t, ch, api, true)

	// m2 is rejected outright while the API is reachable
	m2, err := r.coord.Submit(context.Background(), "conv-1", "second", models.KindText)
	if err == nil {
		t.Fatal("expected rejection")
	}

	// connectivity drops; m1 lands in the durable queue
	reject = false
	r.mon.SetNetworkState(false)
	m1, err := r.coord.Submit(context.Background(), "conv-1", "first", models.KindText)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if m1.Status != models.StatusQueued {
		t.Fatalf("m1 status = %s", m1.Status)
	}

	// the network returns before any drain runs; resubmitting m2 must fall
	// in line behind m1, not reach the server ahead of it
	r.mon.SetNetworkState(true)
	got, err := r.coord.Retry(context.Background(), "conv-1", m2.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != models.StatusQueued || got.SentTS != 0 {
		t.Fatalf("resubmitted message jumped the queue: %+v", got)
	}

	pending, err := r.queue.PeekAll()
	if err != nil {
		t.Fatalf("PeekAll: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("queue depth = %d", len(pending))
	}
	ids := make([]string, 0, 2)
	for _, a := range pending {
		var p models.SendPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		ids = append(ids, p.MessageID)
	}
	if ids[0] != m1.ID || ids[1] != m2.ID {
		t.Fatalf("replay order broken: %v (m1=%s m2=%s)", ids, m1.ID, m2.ID)
	}
}
