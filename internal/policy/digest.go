package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/nkkko/lookout/internal/logging"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/internal/watcher"
	"github.com/nkkko/lookout/pkg/proto"
)

const (
	// DigestDomain prefixes the dedup cache keys of the digest watcher
	DigestDomain = "DIGEST"

	// DefaultDigestLimit is the number of entries rendered per digest
	DefaultDigestLimit = 10
)

// DigestList is the domain configuration of a digest watcher
type DigestList struct {
	Poller DigestPoller
	Dedup  *statecache.DedupCache
	Limit  int
}

// DigestTask renders the top entries of every subscribed list and sends
// the result to its registrants. An identical rendering seen within the
// dedup window is not sent again.
func DigestTask(ctx context.Context, wctx *watcher.Context[DigestList]) error {
	logger := logging.FromContext(ctx)
	m := metrics.GetMetrics()
	st := wctx.State

	lists, err := wctx.Registry.EventPool(ctx)
	if err != nil {
		return fmt.Errorf("failed to read event pool: %w", err)
	}

	for _, list := range lists {
		klog := logger.With().Str("event_key", string(list)).Logger()

		digest, err := st.Poller.FetchDigest(ctx, list)
		if err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stagePoll).Inc()
			klog.Warn().Err(err).Msg("Failed to fetch digest")
			continue
		}
		if len(digest.Entries) == 0 {
			continue
		}

		n := DigestNotification(digest, st.Limit)
		fresh, err := st.Dedup.Remember(ctx, []byte(string(list)+"\n"+n.Text))
		if err != nil {
			m.PolicyKeyErrors.WithLabelValues(wctx.Name, stageCache).Inc()
			klog.Error().Err(err).Msg("Failed to record digest, skipping delivery")
			continue
		}
		if !fresh {
			klog.Debug().Msg("Digest unchanged")
			continue
		}

		deliver(ctx, wctx, list, n)
	}
	return nil
}

// DigestNotification renders the first limit entries of d
func DigestNotification(d *Digest, limit int) *proto.Notification {
	if limit <= 0 {
		limit = DefaultDigestLimit
	}
	entries := d.Entries
	if len(entries) > limit {
		entries = entries[:limit]
	}

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", e.Rank, e.Title)
		if e.Hot != "" {
			fmt.Fprintf(&b, " (%s)", e.Hot)
		}
	}

	n := &proto.Notification{
		EventKey: d.List,
		Kind:     proto.NotificationKind_DIGEST,
		Title:    fmt.Sprintf("Top %d of %s", len(entries), d.List),
		Text:     b.String(),
		Meta:     map[string]string{},
	}
	if d.UpdatedAt != "" {
		n.Meta["updated_at"] = d.UpdatedAt
	}
	if len(entries) > 0 {
		n.Link = entries[0].URL
	}
	return n
}
