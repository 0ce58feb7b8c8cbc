// Package client is the Go SDK for fifogate.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Enqueue
//	id, err := c.Enqueue(ctx, []byte(`{"amount":42}`))
//
//	// Check where it sits in the queue
//	st, err := c.Status(ctx, id)
//
//	// Take the oldest item, or exactly this one
//	item, err := c.Deliver(ctx)
//	item, err := c.DeliverByID(ctx, id)
//
//	// Receive items as they arrive
//	err := c.Stream(ctx, func(it *client.Item) error { … })
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. IsNotFound, IsForbidden and IsUnavailable cover the common
// cases.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "message" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fifogate: server returned %d: %s", e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// IsNotFound reports whether the queue was empty or the identifier is no
// longer queued.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsForbidden reports whether the caller is not on the delivery allow-list.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsBadRequest reports a rejected payload or malformed identifier.
func IsBadRequest(err error) bool { return hasStatus(err, http.StatusBadRequest) }

// IsUnavailable reports a transient server-side store fault. Safe to retry.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the fifogate API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("https://fifo.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// Item is a delivered payload.
type Item struct {
	ID   int64
	Data []byte
}

// State is the lifecycle state reported by Status.
type State string

const (
	StateQueued             State = "queued"
	StateDeliveredOrUnknown State = "delivered_or_unknown"
)

// Status is the result of a status lookup.
type Status struct {
	State    State `json:"state"`
	Position int64 `json:"position"`
}

// HealthInfo is the decoded /health response.
type HealthInfo struct {
	Status string
	Driver string
	Depth  int64
	Uptime string
}

// ─── Queue operations ─────────────────────────────────────────────────────────

// Enqueue stores data and returns its delivery identifier.
func (c *Client) Enqueue(ctx context.Context, data []byte) (string, error) {
	var resp struct {
		Identifier string `json:"identifier"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/save", savePayload{Data: string(data)}, &resp); err != nil {
		return "", err
	}
	return resp.Identifier, nil
}

// Deliver removes and returns the oldest queued item.
func (c *Client) Deliver(ctx context.Context) (*Item, error) {
	return c.deliver(ctx, "/api/deliver")
}

// DeliverByID removes and returns exactly the item named by identifier.
func (c *Client) DeliverByID(ctx context.Context, identifier string) (*Item, error) {
	return c.deliver(ctx, "/api/deliver?identifier="+url.QueryEscape(identifier))
}

func (c *Client) deliver(ctx context.Context, path string) (*Item, error) {
	var resp wireItem
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toItem(), nil
}

// Status reports whether identifier is still queued and its position.
func (c *Client) Status(ctx context.Context, identifier string) (*Status, error) {
	var resp Status
	if err := c.do(ctx, http.MethodGet, "/api/status?identifier="+url.QueryEscape(identifier), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's /health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status string `json:"status"`
		Driver string `json:"driver"`
		Depth  int64  `json:"depth"`
		Uptime string `json:"uptime"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{Status: resp.Status, Driver: resp.Driver, Depth: resp.Depth, Uptime: resp.Uptime}, nil
}

// ─── Push delivery ────────────────────────────────────────────────────────────

// Stream opens the push-delivery WebSocket and calls fn for every item, in
// order, until ctx is cancelled, fn returns an error, or the connection
// drops. Items are removed from the queue before fn sees them.
func (c *Client) Stream(ctx context.Context, fn func(*Item) error) error {
	wsURL, err := c.wsURL("/api/deliver/ws")
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-Api-Key", c.apiKey)
	}

	dialer := *gorillaws.DefaultDialer
	if t, ok := c.http.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
		dialer.TLSClientConfig = t.TLSClientConfig
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return apiError(resp.StatusCode, resp.Body)
		}
		return fmt.Errorf("fifogate: dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var w struct {
			Type string `json:"type"`
			wireItem
		}
		if err := conn.ReadJSON(&w); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fifogate: stream read: %w", err)
		}
		if w.Type != "item" {
			continue
		}
		if err := fn(w.toItem()); err != nil {
			return err
		}
	}
}

func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("fifogate: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fifogate: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("fifogate: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fifogate: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return apiError(httpResp.StatusCode, httpResp.Body)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("fifogate: read response body: %w", err)
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("fifogate: decode response: %w", err)
		}
	}
	return nil
}

func apiError(code int, body io.Reader) error {
	var errResp struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	_ = json.Unmarshal(raw, &errResp)
	msg := errResp.Message
	if msg == "" {
		msg = http.StatusText(code)
	}
	return &APIError{StatusCode: code, Message: msg}
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type savePayload struct {
	Data string `json:"data"`
}

type wireItem struct {
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

func (w *wireItem) toItem() *Item {
	return &Item{ID: w.ID, Data: []byte(w.Data)}
}
