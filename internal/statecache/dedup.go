package statecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nkkko/lookout/internal/store"
)

// DedupCache remembers content hashes for a limited time so identical
// content is reported at most once per window
type DedupCache struct {
	store  store.Store
	domain string
	ttl    time.Duration
}

// NewDedupCache creates a dedup cache writing {domain}_SEEN:{hash}
func NewDedupCache(s store.Store, domain string, ttl time.Duration) *DedupCache {
	return &DedupCache{store: s, domain: domain, ttl: ttl}
}

// Key returns the store key marking content as seen
func (c *DedupCache) Key(content []byte) string {
	return fmt.Sprintf("%s_SEEN:%s", c.domain, strconv.FormatUint(xxhash.Sum64(content), 16))
}

// Remember records content and reports whether it was new
func (c *DedupCache) Remember(ctx context.Context, content []byte) (bool, error) {
	fresh, err := c.store.SetIfAbsent(ctx, c.Key(content), []byte{1}, c.ttl)
	if err != nil {
		return false, fmt.Errorf("failed to record content hash: %w", err)
	}
	return fresh, nil
}
