package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nkkko/lookout/pkg/proto"
)

// Client is an HTTP client for the lookout admin API and notification
// stream
type Client struct {
	baseURL         string
	streamURL       string
	httpClient      *http.Client
	headers         http.Header
	websocketDialer *websocket.Dialer
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithStreamURL sets the base URL of the notification stream server,
// which listens apart from the admin API
func WithStreamURL(streamURL string) ClientOption {
	return func(c *Client) {
		c.streamURL = streamURL
	}
}

// New creates a new lookout API client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")

	client := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		streamURL:       strings.TrimRight(baseURL, "/"),
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		headers:         headers,
		websocketDialer: websocket.DefaultDialer,
	}

	for _, option := range options {
		option(client)
	}
	client.streamURL = strings.TrimRight(client.streamURL, "/")

	return client
}

// APIError is a failed admin API call
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d) %s: %s", e.StatusCode, e.Code, e.Message)
}

// envelope mirrors the admin API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

// ListWatchers lists the configured watchers
func (c *Client) ListWatchers(ctx context.Context) ([]*proto.WatcherInfo, error) {
	var out proto.ListWatchersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/watchers/", nil, &out); err != nil {
		return nil, err
	}
	return out.Watchers, nil
}

// EventPool returns the sorted event pool of a watcher
func (c *Client) EventPool(ctx context.Context, watcher string) ([]proto.EventKey, error) {
	var out proto.EventPoolResponse
	path := fmt.Sprintf("/v1/watchers/%s/pool", url.PathEscape(watcher))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Registrants returns the registrants subscribed to event
func (c *Client) Registrants(ctx context.Context, watcher string, event proto.EventKey) ([]proto.Registrant, error) {
	var out proto.RegistrantsResponse
	path := fmt.Sprintf("/v1/watchers/%s/events/%s/registrants",
		url.PathEscape(watcher), url.PathEscape(string(event)))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Registrants, nil
}

// Register merges events into the subscriptions of registrant
func (c *Client) Register(ctx context.Context, watcher string, registrant proto.Registrant, events []proto.EventKey) (*proto.RegisterResponse, error) {
	var out proto.RegisterResponse
	path := fmt.Sprintf("/v1/watchers/%s/registrants/%s",
		url.PathEscape(watcher), url.PathEscape(string(registrant)))
	if err := c.do(ctx, http.MethodPost, path, &proto.RegisterRequest{Events: events}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplaceSubscriptions replaces the subscriptions of every registrant in
// relation. An empty event list removes the registrant.
func (c *Client) ReplaceSubscriptions(ctx context.Context, watcher string, relation map[proto.Registrant][]proto.EventKey) (int, error) {
	var out proto.ReplaceSubscriptionsResponse
	path := fmt.Sprintf("/v1/watchers/%s/subscriptions", url.PathEscape(watcher))
	req := &proto.ReplaceSubscriptionsRequest{Subscriptions: relation}
	if err := c.do(ctx, http.MethodPut, path, req, &out); err != nil {
		return 0, err
	}
	return out.Registrants, nil
}

// Healthy reports whether the admin API answers its health check. The
// health endpoints reply in plain text, so only the status is checked.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	}
	return nil
}

// do makes an HTTP request and decodes the data of the response envelope
// into out
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	for k, v := range c.headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !env.Success {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: resp.Status}
		}
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// Subscribe opens a notification stream for registrant
func (c *Client) Subscribe(ctx context.Context, registrant proto.Registrant) (*Subscription, error) {
	u, err := url.Parse(c.streamURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/stream"
	q := u.Query()
	q.Set("registrant", string(registrant))
	u.RawQuery = q.Encode()

	conn, _, err := c.websocketDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	sub := &Subscription{
		Conn:          conn,
		Notifications: make(chan *proto.Notification, 100),
		Done:          make(chan struct{}),
		registrant:    registrant,
	}
	go sub.receive()

	return sub, nil
}

// Subscription is a WebSocket notification stream of one registrant
type Subscription struct {
	Conn          *websocket.Conn
	Notifications chan *proto.Notification
	Done          chan struct{}
	registrant    proto.Registrant
}

// Registrant returns the registrant the stream was opened for
func (s *Subscription) Registrant() proto.Registrant {
	return s.registrant
}

// receive reads stream frames until the connection closes
func (s *Subscription) receive() {
	defer func() {
		close(s.Notifications)
		close(s.Done)
		s.Conn.Close()
	}()

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			return
		}

		var msg proto.StreamMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		// Heartbeats and the greeting carry no notification
		if msg.Type != proto.StreamMessageNotification || msg.Notification == nil {
			continue
		}

		select {
		case s.Notifications <- msg.Notification:
		default:
			// Channel is full, drop notification
		}
	}
}

// Close closes the subscription
func (s *Subscription) Close() error {
	err := s.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	select {
	case <-s.Done:
	case <-time.After(time.Second):
		s.Conn.Close()
	}

	return err
}
