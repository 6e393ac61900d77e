package statecache

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/pkg/proto"
)

// Status is a small integer state code of a watched entity
type Status int

const (
	// StatusUnknown is returned for a key that was never observed. It is
	// never written to the store.
	StatusUnknown Status = -1

	StatusOff Status = 0
	StatusOn  Status = 1
)

// String returns the lowercase name of the status
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusOff:
		return "off"
	case StatusOn:
		return "on"
	default:
		return strconv.Itoa(int(s))
	}
}

// Changed reports whether moving from prev to next is a transition worth
// a notification. The first observation only establishes the baseline.
func Changed(prev, next Status) bool {
	return prev != StatusUnknown && prev != next
}

// StatusCache implements the status-diff discipline over a store
type StatusCache struct {
	store  store.Store
	domain string
}

// NewStatusCache creates a status cache writing {domain}_STATUS:{key}
func NewStatusCache(s store.Store, domain string) *StatusCache {
	return &StatusCache{store: s, domain: domain}
}

// Key returns the store key holding the status of event
func (c *StatusCache) Key(event proto.EventKey) string {
	return fmt.Sprintf("%s_STATUS:%s", c.domain, event)
}

// UpdateStatus stores status for event and returns the previous status,
// or StatusUnknown when event was never observed
func (c *StatusCache) UpdateStatus(ctx context.Context, event proto.EventKey, status Status) (Status, error) {
	if status == StatusUnknown {
		return StatusUnknown, fmt.Errorf("cannot store unknown status for %s", event)
	}

	prev, existed, err := c.store.Swap(ctx, c.Key(event), []byte(strconv.Itoa(int(status))))
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to update status of %s: %w", event, err)
	}
	if !existed {
		return StatusUnknown, nil
	}
	return parseStatus(event, prev)
}

// Status returns the last stored status of event
func (c *StatusCache) Status(ctx context.Context, event proto.EventKey) (Status, error) {
	raw, err := c.store.Get(ctx, c.Key(event))
	if errors.Is(err, store.ErrNotFound) {
		return StatusUnknown, nil
	}
	if err != nil {
		return StatusUnknown, fmt.Errorf("failed to read status of %s: %w", event, err)
	}
	return parseStatus(event, raw)
}

func parseStatus(event proto.EventKey, raw []byte) (Status, error) {
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return StatusUnknown, fmt.Errorf("corrupt status for %s: %w", event, err)
	}
	return Status(n), nil
}
