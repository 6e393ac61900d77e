package statecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/pkg/proto"
)

// Marked is an item carrying a monotonically increasing marker such as a
// unix timestamp
type Marked interface {
	Marker() int64
}

// OffsetCache implements the novelty discipline: one high-water mark per
// key, written before the unreported items are delivered
type OffsetCache struct {
	store  store.Store
	domain string
}

// NewOffsetCache creates an offset cache writing {domain}_OFFSET:{key}
func NewOffsetCache(s store.Store, domain string) *OffsetCache {
	return &OffsetCache{store: s, domain: domain}
}

// Key returns the store key holding the mark of event
func (c *OffsetCache) Key(event proto.EventKey) string {
	return fmt.Sprintf("%s_OFFSET:%s", c.domain, event)
}

// Mark returns the stored high-water mark; ok is false when unset
func (c *OffsetCache) Mark(ctx context.Context, event proto.EventKey) (mark int64, ok bool, err error) {
	raw, err := c.store.Get(ctx, c.Key(event))
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read offset of %s: %w", event, err)
	}
	mark, err = strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt offset for %s: %w", event, err)
	}
	return mark, true, nil
}

// Advance stores mark as the new high-water mark of event
func (c *OffsetCache) Advance(ctx context.Context, event proto.EventKey, mark int64) error {
	if err := c.store.Set(ctx, c.Key(event), []byte(strconv.FormatInt(mark, 10))); err != nil {
		return fmt.Errorf("failed to advance offset of %s: %w", event, err)
	}
	return nil
}

// Partition splits a newest-first batch at the first item not newer than
// mark. Everything before that point is unreported. Without a mark every
// item is unreported.
func Partition[T Marked](items []T, mark int64, hasMark bool) (unreported, seen []T) {
	if !hasMark {
		return items, nil
	}
	for i, item := range items {
		if item.Marker() <= mark {
			return items[:i], items[i:]
		}
	}
	return items, nil
}

// HighWater returns the largest marker of items, never lower than floor
func HighWater[T Marked](items []T, floor int64) int64 {
	high := floor
	for _, item := range items {
		if m := item.Marker(); m > high {
			high = m
		}
	}
	return high
}
