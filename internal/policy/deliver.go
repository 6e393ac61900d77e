package policy

import (
	"context"
	"maps"

	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/watcher"
	"github.com/nkkko/lookout/pkg/proto"
)

// Delivery stages reported by the per-key error counter
const (
	stagePoll   = "poll"
	stageCache  = "cache"
	stageLookup = "lookup"
)

// deliver sends a copy of tmpl to every registrant of key. Failures are
// isolated per registrant and never retried. It returns the number of
// successful deliveries.
func deliver[S any](ctx context.Context, wctx *watcher.Context[S], key proto.EventKey, tmpl *proto.Notification) int {
	logger := logging.FromContext(ctx).With().Str("event_key", string(key)).Logger()
	m := metrics.GetMetrics()

	registrants, err := wctx.Registry.FindRegistrantsByEvent(ctx, key)
	if err != nil {
		m.PolicyKeyErrors.WithLabelValues(wctx.Name, stageLookup).Inc()
		logger.Error().Err(err).Msg("Failed to look up registrants")
		return 0
	}
	if len(registrants) == 0 {
		logger.Debug().Msg("No registrants left for event")
		return 0
	}

	sent := 0
	for _, registrant := range registrants {
		n := *tmpl
		n.Id = ""
		n.Ts = nil
		n.Watcher = wctx.Name
		n.EventKey = key
		n.Registrant = registrant
		n.Meta = maps.Clone(tmpl.Meta)
		notifier.Stamp(&n)

		err := wctx.Notifier.Send(ctx, registrant, &n)
		m.NotificationsTotal.WithLabelValues(wctx.Name, metrics.Success(err)).Inc()
		if err != nil {
			logger.Warn().Err(err).
				Str("registrant", string(registrant)).
				Str("kind", n.Kind.String()).
				Msg("Failed to deliver notification")
			continue
		}
		sent++
	}

	logger.Debug().Int("sent", sent).Int("registrants", len(registrants)).Msg("Notification delivered")
	return sent
}
