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

// ActivityDomain prefixes the offset cache keys of the activity watcher
const ActivityDomain = "ACTIVITY"

// RecentActivity is the domain configuration of an activity watcher
type RecentActivity struct {
	Poller  ActivityPoller
	Offsets *statecache.OffsetCache

	// Beatmaps is optional. When set, notifications carry the beatmap
	// cover and difficulty.
	Beatmaps BeatmapLookup
}

// ActivityTask fetches the recent activities of each key in the pool and
// reports the ones newer than the stored mark. The mark is advanced
// before delivery, so an activity is reported at most once.
func ActivityTask(ctx context.Context, wctx *watcher.Context[RecentActivity]) error {
	logger := logging.FromContext(ctx)
	m := metrics.GetMetrics()
	st := wctx.State

	keys, err := wctx.Registry.EventPool(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event pool: %w", err)
	}

	for _, key := range keys {
		klog := logger.With().Str("event_key", string(key)).Logger()

		items, err := st.Poller.FetchRecent(ctx, key)
		if err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stagePoll).Inc()
			klog.Warn().Err(err).Msg("Failed to fetch recent activity")
			continue
		}

		mark, hasMark, err := st.Offsets.Mark(ctx, key)
		if err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stageCache).Inc()
			klog.Error().Err(err).Msg("Failed to read activity offset")
			continue
		}

		unreported, _ := statecache.Partition(items, mark, hasMark)
		if len(unreported) == 0 {
			continue
		}

		high := statecache.HighWater(unreported, mark)
		if err := st.Offsets.Advance(ctx, key, high); err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stageCache).Inc()
			klog.Error().Err(err).Msg("Failed to advance activity offset, skipping delivery")
			continue
		}

		klog.Info().Int("unreported", len(unreported)).Int64("mark", high).Msg("New activity")

		// Oldest first
		for i := len(unreported) - 1; i >= 0; i-- {
			n := ActivityNotification(unreported[i])
			if b := lookupBeatmap(ctx, st.Beatmaps, unreported[i]); b != nil {
				WithBeatmap(n, b)
			}
			deliver(ctx, wctx, key, n)
		}
	}
	return nil
}

// ActivityNotification renders one activity
func ActivityNotification(a Activity) *proto.Notification {
	n := &proto.Notification{
		EventKey: a.Key,
		Kind:     proto.NotificationKind_ACTIVITY,
		Text:     a.Text,
		Link:     a.Link,
		Meta: map[string]string{
			"at": strconv.FormatInt(a.At.Unix(), 10),
		},
	}
	if a.UserLink != "" {
		n.Meta["user_link"] = a.UserLink
	}
	if a.BeatmapID != "" {
		n.Meta["beatmap_id"] = a.BeatmapID
	}
	if a.Link != "" {
		n.Text = fmt.Sprintf("%s\n%s", a.Text, a.Link)
	}
	return n
}

// lookupBeatmap returns nil when there is no lookup, no beatmap or the
// lookup failed; the activity is still reported without it
func lookupBeatmap(ctx context.Context, lookup BeatmapLookup, a Activity) *Beatmap {
	if lookup == nil || a.BeatmapID == "" {
		return nil
	}
	b, err := lookup.LookupBeatmap(ctx, a.BeatmapID)
	if err != nil {
		logger := logging.FromContext(ctx)
		logger.Warn().
			Err(err).
			Str("event_key", string(a.Key)).
			Str("beatmap_id", a.BeatmapID).
			Msg("Failed to look up beatmap")
		return nil
	}
	return b
}

// WithBeatmap adds the beatmap cover and difficulty to n
func WithBeatmap(n *proto.Notification, b *Beatmap) *proto.Notification {
	name := b.Title
	if b.Version != "" {
		name = fmt.Sprintf("%s [%s]", b.Title, b.Version)
	}
	n.Text = fmt.Sprintf("%s\n\nName: %s\nStars: %.2f\nCS: %s | OD: %s | AR: %s | HP: %s",
		n.Text, name, b.Stars, formatStat(b.CS), formatStat(b.OD), formatStat(b.AR), formatStat(b.HP))
	if b.CoverURL != "" {
		n.ImageUrl = b.CoverURL
	}

	if n.Meta == nil {
		n.Meta = map[string]string{}
	}
	n.Meta["beatmap_id"] = b.ID
	n.Meta["beatmap_title"] = name
	n.Meta["stars"] = strconv.FormatFloat(b.Stars, 'f', 2, 64)
	n.Meta["cs"] = formatStat(b.CS)
	n.Meta["od"] = formatStat(b.OD)
	n.Meta["ar"] = formatStat(b.AR)
	n.Meta["hp"] = formatStat(b.HP)
	return n
}

func formatStat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
