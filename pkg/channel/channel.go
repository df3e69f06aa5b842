package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"chatsync/pkg/connectivity"
	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// ErrNotLive is returned by Send when no websocket session is established.
var ErrNotLive = errors.New("channel not live")

// frame is the websocket wire envelope, both directions.
type frame struct {
	Type         string          `json:"type"` // send|ack|message|receipt|typing
	Token        string          `json:"token,omitempty"`
	Conversation string          `json:"conversation,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ServerID     string          `json:"server_id,omitempty"`
	Receipt      string          `json:"receipt,omitempty"` // delivered|read
	Sender       string          `json:"sender,omitempty"`
	Error        string          `json:"error,omitempty"`
	Code         int             `json:"code,omitempty"`
	Message      *models.Message `json:"message,omitempty"`
}

// Handlers receive inbound server pushes. Nil handlers are skipped.
type Handlers struct {
	OnMessage         func(models.Message)
	OnDeliveryReceipt func(conversation, serverID string)
	OnReadReceipt     func(conversation, serverID string)
	OnTyping          func(conversation, sender string)
}

type Options struct {
	URL            string
	Token          string
	AttemptTimeout time.Duration
	PingInterval   time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// Client maintains one websocket session to the chat backend, reconnecting
// with capped exponential backoff, and reports liveness to the connectivity
// monitor. Sends are correlated per attempt so a response arriving after the
// attempt timed out is discarded rather than matched to a new attempt.
type Client struct {
	opts     Options
	monitor  *connectivity.Monitor
	handlers Handlers

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	tokenSeq uint64
	live     atomic.Bool
}

func New(opts Options, mon *connectivity.Monitor, handlers Handlers) *Client {
	return &Client{opts: opts, monitor: mon, handlers: handlers, pending: map[string]chan frame{}}
}

// Live reports whether a session is currently established.
func (c *Client) Live() bool { return c.live.Load() }

// Run dials and re-dials until ctx is done. Each established session is
// serviced by a read loop plus a ping loop; any error tears the session down
// and backs off before the next dial.
func (c *Client) Run(ctx context.Context) {
	backoff := c.opts.ReconnectMin
	for ctx.Err() == nil {
		start := time.Now()
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("channel_session_ended", "error", err, "retry_in", backoff.String())
		}
		// a session that lived long enough to be useful resets the backoff
		if time.Since(start) > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	conn, _, err := websocket.Dial(dctx, c.dialURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.live.Store(true)
	c.monitor.ReportChannelState(true)
	logger.Info("channel_connected", "url", c.opts.URL)

	sctx, stop := context.WithCancel(ctx)
	go c.pingLoop(sctx, conn)
	err = c.readLoop(sctx, conn)
	stop()

	c.live.Store(false)
	c.monitor.ReportChannelState(false)
	c.teardown(conn)
	return err
}

func (c *Client) dialURL() string {
	if c.opts.Token == "" {
		return c.opts.URL
	}
	return c.opts.URL + "?token=" + c.opts.Token
}

// teardown closes the session and fails every in-flight send so callers
// fall back to HTTP instead of hanging.
func (c *Client) teardown(conn *websocket.Conn) {
	conn.Close(websocket.StatusNormalClosure, "session ended")
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for token, ch := range c.pending {
		close(ch)
		delete(c.pending, token)
	}
	c.mu.Unlock()
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				logger.Warn("channel_ping_failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		c.handle(f)
	}
}

func (c *Client) handle(f frame) {
	switch f.Type {
	case "ack":
		c.mu.Lock()
		ch, ok := c.pending[f.Token]
		if ok {
			delete(c.pending, f.Token)
		}
		c.mu.Unlock()
		if !ok {
			// attempt already timed out; this response must not leak into a
			// newer attempt
			logger.Debug("channel_late_ack_discarded", "token", f.Token)
			return
		}
		ch <- f
	case "message":
		if f.Message != nil && c.handlers.OnMessage != nil {
			c.handlers.OnMessage(*f.Message)
		}
	case "receipt":
		switch f.Receipt {
		case "delivered":
			if c.handlers.OnDeliveryReceipt != nil {
				c.handlers.OnDeliveryReceipt(f.Conversation, f.ServerID)
			}
		case "read":
			if c.handlers.OnReadReceipt != nil {
				c.handlers.OnReadReceipt(f.Conversation, f.ServerID)
			}
		default:
			logger.Debug("channel_unknown_receipt", "receipt", f.Receipt)
		}
	case "typing":
		if c.handlers.OnTyping != nil {
			c.handlers.OnTyping(f.Conversation, f.Sender)
		}
	default:
		logger.Debug("channel_unknown_frame", "type", f.Type)
	}
}

// Send writes one action and waits for its correlated ack. The token is
// unique per attempt: if ctx expires, the pending slot is withdrawn and a
// late ack for it is dropped in handle.
func (c *Client) Send(ctx context.Context, a models.QueuedAction) (string, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.live.Load() {
		return "", ErrNotLive
	}

	token := "t" + strconv.FormatUint(atomic.AddUint64(&c.tokenSeq, 1), 10)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[token] = ch
	c.mu.Unlock()

	out := frame{Type: "send", Token: token, Conversation: a.Conversation, Kind: string(a.Kind), Payload: a.Payload}
	if err := wsjson.Write(ctx, conn, &out); err != nil {
		c.withdraw(token)
		return "", fmt.Errorf("channel write: %w", err)
	}

	select {
	case <-ctx.Done():
		c.withdraw(token)
		return "", ctx.Err()
	case ack, ok := <-ch:
		if !ok {
			return "", ErrNotLive
		}
		if ack.Error != "" {
			if ack.Code >= 400 && ack.Code < 500 {
				return "", &transport.PermanentError{Code: ack.Code, Reason: ack.Error}
			}
			return "", errors.New(ack.Error)
		}
		return ack.ServerID, nil
	}
}

func (c *Client) withdraw(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}
