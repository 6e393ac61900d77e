package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrNoRecipient is returned when a transport has nowhere to deliver a
// notification for the registrant
var ErrNoRecipient = errors.New("notifier: no recipient for registrant")

// Notifier delivers rendered notifications to registrants. Failures are
// reported to the caller and never retried here.
type Notifier interface {
	Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error
}

// Func adapts a function to the Notifier interface
type Func func(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error

// Send calls f
func (f Func) Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error {
	return f(ctx, registrant, n)
}

// Stamp fills the id and timestamp of a notification when missing
func Stamp(n *proto.Notification) *proto.Notification {
	if n.Id == "" {
		n.Id = generateID()
	}
	if n.Ts == nil {
		n.Ts = timestamppb.New(time.Now())
	}
	return n
}

// LogNotifier writes notifications to the log instead of delivering them
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.With().Str("component", "notifier").Str("transport", "log").Logger()}
}

// Send logs the notification
func (l *LogNotifier) Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error {
	l.logger.Info().
		Str("registrant", string(registrant)).
		Str("watcher", n.Watcher).
		Str("event_key", string(n.EventKey)).
		Str("kind", n.Kind.String()).
		Str("title", n.Title).
		Str("text", n.Text).
		Msg("Notification")
	metrics.GetMetrics().NotifierEventsPublished.WithLabelValues("log").Inc()
	return nil
}

// Multi delivers through several notifiers. Delivery succeeds when at
// least one transport accepted the notification.
type Multi []Notifier

// Send tries every notifier and joins the errors when none succeeded
func (m Multi) Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error {
	if len(m) == 0 {
		return ErrNoRecipient
	}

	var errs []error
	delivered := false
	for _, target := range m {
		if err := target.Send(ctx, registrant, n); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return fmt.Errorf("all transports failed for %s: %w", registrant, errors.Join(errs...))
}

// generateID creates a unique notification or client ID
var generateID = func() string {
	return uuid.NewString()
}
