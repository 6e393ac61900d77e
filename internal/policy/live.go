package policy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/internal/watcher"
	"github.com/nkkko/lookout/pkg/proto"
)

const (
	// LiveStatusDomain prefixes the status cache keys of the live watcher
	LiveStatusDomain = "LIVE"

	// DefaultRoomURL prefixes the room id in notification links
	DefaultRoomURL = "https://live.bilibili.com/"
)

// LiveStatus is the domain configuration of a live status watcher
type LiveStatus struct {
	Poller  StatusPoller
	Cache   *statecache.StatusCache
	RoomURL string
}

// LiveStatusTask polls every room in the event pool in one batch and
// notifies registrants when a room goes on or off air. The first
// observation of a room only records the baseline.
func LiveStatusTask(ctx context.Context, wctx *watcher.Context[LiveStatus]) error {
	logger := logging.FromContext(ctx)
	m := metrics.GetMetrics()
	st := wctx.State

	keys, err := wctx.Registry.EventPool(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event pool: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	rooms, err := st.Poller.FetchBatch(ctx, keys)
	if err != nil {
		m.PolicyKeyErrors.WithLabelValues(wctx.Name, stagePoll).Inc()
		return fmt.Errorf("failed to poll %d rooms: %w", len(keys), err)
	}

	for _, key := range keys {
		room, ok := rooms[key]
		if !ok {
			logger.Debug().Str("event_key", string(key)).Msg("Room missing from poll result")
			continue
		}

		next := room.Status()
		prev, err := st.Cache.UpdateStatus(ctx, key, next)
		if err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stageCache).Inc()
			logger.Error().Err(err).Str("event_key", string(key)).Msg("Failed to update room status")
			continue
		}
		if !statecache.Changed(prev, next) {
			continue
		}

		m.StatusTransitions.WithLabelValues(wctx.Name, next.String()).Inc()
		logger.Info().
			Str("event_key", string(key)).
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Room status changed")

		deliver(ctx, wctx, key, LiveNotification(room, st.RoomURL))
	}
	return nil
}

// LiveNotification renders the notification for a room that just changed
// state. A live room shows the streamer's cover, an offline room its last
// keyframe.
func LiveNotification(room RoomStatus, roomURL string) *proto.Notification {
	if roomURL == "" {
		roomURL = DefaultRoomURL
	}

	n := &proto.Notification{
		EventKey: room.UID,
		Meta: map[string]string{
			"room_id": strconv.FormatInt(room.RoomID, 10),
			"area":    room.Area,
		},
	}
	if room.RoomID > 0 {
		n.Link = roomURL + strconv.FormatInt(room.RoomID, 10)
	}

	if room.Status() == statecache.StatusOn {
		n.Kind = proto.NotificationKind_LIVE_ON
		n.Title = fmt.Sprintf("%s is live!", room.Username)
		n.Text = fmt.Sprintf("%s is live! %d watching\n%s\n%s", room.Username, room.Online, room.Title, room.Area)
		n.ImageUrl = room.Cover
		return n
	}

	n.Kind = proto.NotificationKind_LIVE_OFF
	n.Title = fmt.Sprintf("%s went offline", room.Username)
	n.Text = n.Title
	n.ImageUrl = room.Keyframe
	return n
}
