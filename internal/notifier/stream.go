package notifier

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// StreamConfig contains stream server configuration
type StreamConfig struct {
	// Listen address; empty keeps the server unbound (tests use App)
	Addr string

	// Maximum idle time before dropping a connection
	MaxIdleTime time.Duration

	// Interval between heartbeat frames
	HeartbeatInterval time.Duration

	// Per-client outgoing buffer
	ClientBuffer int
}

// DefaultStreamConfig returns a default configuration
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Addr:              ":8081",
		MaxIdleTime:       2 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		ClientBuffer:      64,
	}
}

// Client is one connected stream consumer
type Client struct {
	ID         string
	Registrant proto.Registrant
	LastActive time.Time
	conn       *websocket.Conn
	send       chan []byte
	isSSE      bool
	mu         sync.Mutex
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActive = time.Now()
	c.mu.Unlock()
}

func (c *Client) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.LastActive
}

func (c *Client) protocol() string {
	if c.isSSE {
		return "sse"
	}
	return "websocket"
}

// StreamNotifier pushes notifications to registrants connected over
// WebSocket or Server-Sent Events
type StreamNotifier struct {
	config       StreamConfig
	clients      map[string]*Client
	byRegistrant map[proto.Registrant]map[string]struct{}
	mu           sync.RWMutex
	app          *fiber.App
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// NewStreamNotifier creates a stream notifier with its routes registered
func NewStreamNotifier(config StreamConfig) *StreamNotifier {
	defaults := DefaultStreamConfig()
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = defaults.MaxIdleTime
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = defaults.ClientBuffer
	}

	n := &StreamNotifier{
		config:       config,
		clients:      make(map[string]*Client),
		byRegistrant: make(map[proto.Registrant]map[string]struct{}),
		logger:       log.With().Str("component", "notifier").Str("transport", "stream").Logger(),
		metrics:      metrics.GetMetrics(),
	}

	n.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "lookout-stream",
	})
	n.RegisterWebSocketHandler(n.app)
	n.RegisterSSEHandler(n.app)

	return n
}

// App exposes the fiber app, mainly for in-process tests
func (n *StreamNotifier) App() *fiber.App {
	return n.app
}

// Start runs housekeeping and, when an address is configured, the
// listener. It blocks until ctx is cancelled.
func (n *StreamNotifier) Start(ctx context.Context) error {
	go n.cleanupIdleClients(ctx)
	go n.sendHeartbeats(ctx)

	errCh := make(chan error, 1)
	if n.config.Addr != "" {
		n.logger.Info().Str("addr", n.config.Addr).Msg("Starting notification stream server")
		go func() {
			errCh <- n.app.Listen(n.config.Addr)
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return n.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("stream server failed: %w", err)
		}
		return nil
	}
}

// RegisterWebSocketHandler registers /stream on app
func (n *StreamNotifier) RegisterWebSocketHandler(app *fiber.App) {
	app.Use("/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/stream", websocket.New(func(c *websocket.Conn) {
		registrant := proto.Registrant(c.Query("registrant", ""))
		if registrant == "" {
			_ = c.WriteJSON(fiber.Map{"error": "registrant is required"})
			return
		}
		n.handleWebSocketClient(c, registrant)
	}))
}

// RegisterSSEHandler registers /stream-sse on app
func (n *StreamNotifier) RegisterSSEHandler(app *fiber.App) {
	app.Get("/stream-sse", func(c *fiber.Ctx) error {
		registrant := proto.Registrant(c.Query("registrant", ""))
		if registrant == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "registrant is required",
			})
		}

		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")

		client := n.addClient(registrant, nil, true)
		connected := n.frame(proto.StreamMessage{Type: proto.StreamMessageConnected, ClientId: client.ID})

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer n.removeClient(client.ID)

			fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
			if err := w.Flush(); err != nil {
				return
			}

			for msg := range client.send {
				fmt.Fprintf(w, "data: %s\n\n", msg)
				// A failed flush means the consumer went away
				if err := w.Flush(); err != nil {
					n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("SSE write error")
					return
				}
				client.touch()
			}
		}))

		return nil
	})
}

// Send pushes n to every client connected for registrant
func (n *StreamNotifier) Send(ctx context.Context, registrant proto.Registrant, notification *proto.Notification) error {
	data, err := json.Marshal(proto.StreamMessage{
		Type:         proto.StreamMessageNotification,
		Notification: notification,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	ids := n.byRegistrant[registrant]
	if len(ids) == 0 {
		return ErrNoRecipient
	}

	delivered := 0
	for id := range ids {
		client := n.clients[id]
		select {
		case client.send <- data:
			delivered++
			n.metrics.NotifierEventsPublished.WithLabelValues(client.protocol()).Inc()
		default:
			n.logger.Warn().
				Str("client_id", id).
				Str("registrant", string(registrant)).
				Msg("Client buffer full, dropping notification")
		}
	}

	if delivered == 0 {
		return fmt.Errorf("all %d stream clients of %s are saturated", len(ids), registrant)
	}
	return nil
}

// ClientCount returns the number of clients connected for registrant
func (n *StreamNotifier) ClientCount(registrant proto.Registrant) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.byRegistrant[registrant])
}

// handleWebSocketClient serves one WebSocket connection until it closes.
// All writes go through the client's send channel so a single goroutine
// owns the connection's write side.
func (n *StreamNotifier) handleWebSocketClient(conn *websocket.Conn, registrant proto.Registrant) {
	client := n.addClient(registrant, conn, false)
	defer n.removeClient(client.ID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		_ = conn.WriteMessage(websocket.TextMessage,
			n.frame(proto.StreamMessage{Type: proto.StreamMessageConnected, ClientId: client.ID}))

		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket write error")
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			n.logger.Debug().Err(err).Str("client_id", client.ID).Msg("WebSocket read error")
			break
		}
		client.touch()
	}

	n.removeClient(client.ID)
	<-writerDone
}

func (n *StreamNotifier) addClient(registrant proto.Registrant, conn *websocket.Conn, isSSE bool) *Client {
	client := &Client{
		ID:         generateID(),
		Registrant: registrant,
		LastActive: time.Now(),
		conn:       conn,
		send:       make(chan []byte, n.config.ClientBuffer),
		isSSE:      isSSE,
	}

	n.mu.Lock()
	n.clients[client.ID] = client
	ids, ok := n.byRegistrant[registrant]
	if !ok {
		ids = make(map[string]struct{})
		n.byRegistrant[registrant] = ids
	}
	ids[client.ID] = struct{}{}
	n.mu.Unlock()

	n.metrics.NotifierConnectionsActive.Inc()
	n.logger.Debug().
		Str("client_id", client.ID).
		Str("registrant", string(registrant)).
		Str("protocol", client.protocol()).
		Msg("Client connected")
	return client
}

// removeClient drops a client; it is safe to call more than once
func (n *StreamNotifier) removeClient(clientID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	client, exists := n.clients[clientID]
	if !exists {
		return
	}

	close(client.send)
	delete(n.clients, clientID)
	if ids := n.byRegistrant[client.Registrant]; ids != nil {
		delete(ids, clientID)
		if len(ids) == 0 {
			delete(n.byRegistrant, client.Registrant)
		}
	}

	n.metrics.NotifierConnectionsActive.Dec()
	n.logger.Debug().Str("client_id", clientID).Msg("Client removed")
}

// cleanupIdleClients periodically removes idle clients
func (n *StreamNotifier) cleanupIdleClients(ctx context.Context) {
	ticker := time.NewTicker(n.config.MaxIdleTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.performClientCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// performClientCleanup removes clients idle for longer than MaxIdleTime
func (n *StreamNotifier) performClientCleanup() {
	now := time.Now()
	var idle []*Client

	n.mu.RLock()
	for _, client := range n.clients {
		if now.Sub(client.lastActive()) > n.config.MaxIdleTime {
			idle = append(idle, client)
		}
	}
	n.mu.RUnlock()

	for _, client := range idle {
		n.removeClient(client.ID)
		if client.conn != nil {
			_ = client.conn.Close()
		}
		n.logger.Debug().Str("client_id", client.ID).Msg("Removed idle client")
	}
}

// sendHeartbeats periodically enqueues heartbeat frames
func (n *StreamNotifier) sendHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			heartbeat := n.frame(proto.StreamMessage{Type: proto.StreamMessageHeartbeat})

			n.mu.RLock()
			for _, client := range n.clients {
				select {
				case client.send <- heartbeat:
				default:
					// Buffer full, the next notification will do
				}
			}
			n.mu.RUnlock()

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown closes all client connections and stops the server
func (n *StreamNotifier) Shutdown(ctx context.Context) error {
	n.logger.Info().Msg("Shutting down notification stream server")

	n.mu.RLock()
	ids := make([]string, 0, len(n.clients))
	conns := make([]*websocket.Conn, 0, len(n.clients))
	for id, client := range n.clients {
		ids = append(ids, id)
		if client.conn != nil {
			conns = append(conns, client.conn)
		}
	}
	n.mu.RUnlock()

	for _, id := range ids {
		n.removeClient(id)
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	n.logger.Info().Int("closed_clients", len(ids)).Msg("All client connections closed")

	if err := n.app.ShutdownWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to shut down stream server: %w", err)
	}
	return nil
}

func (n *StreamNotifier) frame(msg proto.StreamMessage) []byte {
	if msg.Timestamp == nil {
		msg.Timestamp = timestamppb.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal stream frame")
		return []byte(`{"type":"` + msg.Type + `"}`)
	}
	return data
}
