package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebhookConfig contains webhook delivery configuration
type WebhookConfig struct {
	// Per-registrant endpoints
	URLs map[proto.Registrant]string

	// Endpoint used for registrants without their own URL
	DefaultURL string

	// Request timeout
	Timeout time.Duration
}

// WebhookNotifier POSTs each notification as JSON
type WebhookNotifier struct {
	config WebhookConfig
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: log.With().Str("component", "notifier").Str("transport", "webhook").Logger(),
	}
}

// Send delivers n to the registrant's endpoint
func (w *WebhookNotifier) Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error {
	url, ok := w.config.URLs[registrant]
	if !ok || url == "" {
		url = w.config.DefaultURL
	}
	if url == "" {
		return ErrNoRecipient
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lookout-Registrant", string(registrant))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery to %s failed: %w", registrant, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook for %s answered %d", registrant, resp.StatusCode)
	}

	metrics.GetMetrics().NotifierEventsPublished.WithLabelValues("webhook").Inc()
	w.logger.Debug().
		Str("registrant", string(registrant)).
		Str("notification_id", n.Id).
		Msg("Webhook delivered")
	return nil
}
