package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/transport"
)

// Client is the HTTP fallback tier over the chat backend's REST surface.
// It exists for when the real-time channel is down but the network is not.
type Client struct {
	base    string
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		base:    baseURL,
		token:   token,
		timeout: timeout,
		http: &fasthttp.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}
}

// Do implements the transport API tier: decode the action payload and call
// the matching endpoint. Typing actions are not supported over HTTP.
func (c *Client) Do(ctx context.Context, a models.QueuedAction) (string, error) {
	switch a.Kind {
	case models.ActionSendMessage:
		var p models.SendPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return "", &transport.PermanentError{Code: 0, Reason: "undecodable send payload"}
		}
		return c.SendMessage(ctx, a.Conversation, p)
	case models.ActionMarkRead:
		var p models.ReadPayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return "", &transport.PermanentError{Code: 0, Reason: "undecodable read payload"}
		}
		return "", c.MarkRead(ctx, a.Conversation, p.ServerID)
	default:
		return "", &transport.PermanentError{Code: 0, Reason: fmt.Sprintf("kind %q has no HTTP mapping", a.Kind)}
	}
}

type sendResponse struct {
	ID string `json:"id"`
}

// SendMessage posts one message and returns the server-assigned ID.
func (c *Client) SendMessage(ctx context.Context, conversation string, p models.SendPayload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode send payload: %w", err)
	}
	status, resp, err := c.do(ctx, fasthttp.MethodPost, "/v1/conversations/"+url.PathEscape(conversation)+"/messages", body)
	if err != nil {
		return "", err
	}
	if err := classify(status); err != nil {
		return "", err
	}
	var out sendResponse
	if err := json.Unmarshal(resp, &out); err != nil || out.ID == "" {
		return "", fmt.Errorf("malformed send response (status %d)", status)
	}
	return out.ID, nil
}

// MarkRead reports everything up to serverID as read.
func (c *Client) MarkRead(ctx context.Context, conversation, serverID string) error {
	body, err := json.Marshal(models.ReadPayload{ServerID: serverID})
	if err != nil {
		return fmt.Errorf("encode read payload: %w", err)
	}
	status, _, err := c.do(ctx, fasthttp.MethodPost, "/v1/conversations/"+url.PathEscape(conversation)+"/read", body)
	if err != nil {
		return err
	}
	return classify(status)
}

// FetchHistory pulls up to limit messages at or before beforeTS (0 means
// newest). Results arrive oldest-first.
func (c *Client) FetchHistory(ctx context.Context, conversation string, beforeTS int64, limit int) ([]models.Message, error) {
	path := "/v1/conversations/" + url.PathEscape(conversation) + "/messages?limit=" + strconv.Itoa(limit)
	if beforeTS > 0 {
		path += "&before=" + strconv.FormatInt(beforeTS, 10)
	}
	status, resp, err := c.do(ctx, fasthttp.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if err := classify(status); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := json.Unmarshal(resp, &msgs); err != nil {
		return nil, fmt.Errorf("malformed history response: %w", err)
	}
	return msgs, nil
}

// Probe is the connectivity prober: any HTTP response at all, even an error
// status, proves the network path works.
func (c *Client) Probe(ctx context.Context) (bool, error) {
	if _, _, err := c.do(ctx, fasthttp.MethodGet, "/v1/ping", nil); err != nil {
		return false, err
	}
	return true, nil
}

// do issues one request honoring ctx's deadline via fasthttp's DoDeadline.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.SetBody(body)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		logger.Debug("api_request_failed", "method", method, "path", path, "error", err)
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	// resp body is pooled; copy before release
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, nil
}

// classify maps status codes onto the retry taxonomy: 2xx ok, most 4xx are
// permanent rejections, everything else is transient.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == fasthttp.StatusRequestTimeout, status == fasthttp.StatusTooManyRequests:
		return fmt.Errorf("transient server response %d", status)
	case status >= 400 && status < 500:
		return &transport.PermanentError{Code: status, Reason: fasthttp.StatusMessage(status)}
	default:
		return fmt.Errorf("server error %d", status)
	}
}
