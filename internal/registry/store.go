package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure StoreRegistry implements Registry
var _ Registry = (*StoreRegistry)(nil)

// DefaultLookupCacheSize bounds the reverse lookup cache
const DefaultLookupCacheSize = 1024

// StoreRegistry is a Registry persisted in a store.Store with a bounded
// cache of reverse lookups. Writers hold mu exclusively until their
// invalidations are done, so a lookup can never cache an answer computed
// from a state older than the last write.
type StoreRegistry struct {
	name    string
	store   store.Store
	lookups *lru.TwoQueueCache
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStoreRegistry creates a registry named name over s
func NewStoreRegistry(name string, s store.Store, cacheSize int) (*StoreRegistry, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultLookupCacheSize
	}
	lookups, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}

	return &StoreRegistry{
		name:    name,
		store:   s,
		lookups: lookups,
		logger:  log.With().Str("component", "registry").Str("registry", name).Logger(),
		metrics: metrics.GetMetrics(),
	}, nil
}

// Name returns the watcher name
func (r *StoreRegistry) Name() string {
	return r.name
}

// Register merges events into the registrant's subscriptions
func (r *StoreRegistry) Register(ctx context.Context, registrant proto.Registrant, events []proto.EventKey) error {
	if err := validate(registrant, events); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Invalidate even on partial failure; some writes may have landed
	defer r.invalidate(events)

	for _, e := range events {
		if err := r.store.SAdd(ctx, SubscribeKey(r.name, e), string(registrant)); err != nil {
			return fmt.Errorf("failed to subscribe %s to %s: %w", registrant, e, err)
		}
		if err := r.store.SAdd(ctx, PoolKey(r.name), string(e)); err != nil {
			return fmt.Errorf("failed to add %s to event pool: %w", e, err)
		}
	}

	r.logger.Debug().
		Str("registrant", string(registrant)).
		Int("events", len(events)).
		Msg("Registrant subscriptions merged")
	return nil
}

// ReplaceAll replaces the subscriptions of each listed registrant. The old
// key space is read once; every reverse index set that still holds a
// registrant but is not part of its new declaration loses that member.
func (r *StoreRegistry) ReplaceAll(ctx context.Context, relation map[proto.Registrant][]proto.EventKey) error {
	if err := validateRelation(relation); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[proto.EventKey]struct{})
	defer func() {
		events := make([]proto.EventKey, 0, len(touched))
		for e := range touched {
			events = append(events, e)
		}
		r.invalidate(events)
	}()

	prefix := subscribePrefix(r.name)
	oldKeys, err := r.store.SetKeys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	oldMembers := make(map[string]map[string]struct{}, len(oldKeys))
	for _, key := range oldKeys {
		members, err := r.store.SMembers(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		set := make(map[string]struct{}, len(members))
		for _, m := range members {
			set[m] = struct{}{}
		}
		oldMembers[key] = set
	}

	for registrant, events := range relation {
		wanted := make(map[string]struct{}, len(events))
		for _, e := range events {
			key := SubscribeKey(r.name, e)
			wanted[key] = struct{}{}
			touched[e] = struct{}{}

			if err := r.store.SAdd(ctx, key, string(registrant)); err != nil {
				return fmt.Errorf("failed to subscribe %s to %s: %w", registrant, e, err)
			}
			if err := r.store.SAdd(ctx, PoolKey(r.name), string(e)); err != nil {
				return fmt.Errorf("failed to add %s to event pool: %w", e, err)
			}
		}

		for key, members := range oldMembers {
			if _, ok := members[string(registrant)]; !ok {
				continue
			}
			if _, ok := wanted[key]; ok {
				continue
			}
			if err := r.store.SRem(ctx, key, string(registrant)); err != nil {
				return fmt.Errorf("failed to unsubscribe %s from %s: %w", registrant, key, err)
			}
			touched[proto.EventKey(strings.TrimPrefix(key, prefix))] = struct{}{}
		}
	}

	poolSize, err := r.prunePool(ctx)
	if err != nil {
		return err
	}

	r.logger.Info().
		Int("registrants", len(relation)).
		Int("pool_size", poolSize).
		Msg("Registry subscriptions replaced")
	return nil
}

// FindRegistrantsByEvent returns the registrants subscribed to event
func (r *StoreRegistry) FindRegistrantsByEvent(ctx context.Context, event proto.EventKey) ([]proto.Registrant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cached, ok := r.lookups.Get(event); ok {
		r.metrics.RegistryLookups.WithLabelValues(r.name, "hit").Inc()
		return append([]proto.Registrant(nil), cached.([]proto.Registrant)...), nil
	}
	r.metrics.RegistryLookups.WithLabelValues(r.name, "miss").Inc()

	members, err := r.store.SMembers(ctx, SubscribeKey(r.name, event))
	if err != nil {
		return nil, fmt.Errorf("failed to look up registrants of %s: %w", event, err)
	}
	if len(members) == 0 {
		return []proto.Registrant{}, nil
	}

	found := make([]proto.Registrant, len(members))
	for i, m := range members {
		found[i] = proto.Registrant(m)
	}
	found = sortRegistrants(found)

	r.lookups.Add(event, found)
	return append([]proto.Registrant(nil), found...), nil
}

// EventPool returns the sorted union of all subscribed events
func (r *StoreRegistry) EventPool(ctx context.Context) ([]proto.EventKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, err := r.store.SMembers(ctx, PoolKey(r.name))
	if err != nil {
		return nil, fmt.Errorf("failed to read event pool: %w", err)
	}

	events := make([]proto.EventKey, len(members))
	for i, m := range members {
		events[i] = proto.EventKey(m)
	}
	return SortEvents(events), nil
}

// prunePool drops pool entries whose reverse index set is gone; callers
// hold mu
func (r *StoreRegistry) prunePool(ctx context.Context) (int, error) {
	live, err := r.store.SetKeys(ctx, subscribePrefix(r.name))
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	liveSet := make(map[string]struct{}, len(live))
	for _, key := range live {
		liveSet[key] = struct{}{}
	}

	pool, err := r.store.SMembers(ctx, PoolKey(r.name))
	if err != nil {
		return 0, fmt.Errorf("failed to read event pool: %w", err)
	}

	var stale []string
	for _, e := range pool {
		if _, ok := liveSet[SubscribeKey(r.name, proto.EventKey(e))]; !ok {
			stale = append(stale, e)
		}
	}
	if len(stale) > 0 {
		if err := r.store.SRem(ctx, PoolKey(r.name), stale...); err != nil {
			return 0, fmt.Errorf("failed to prune event pool: %w", err)
		}
		r.logger.Debug().Strs("events", stale).Msg("Pruned events without subscribers")
	}

	size := len(pool) - len(stale)
	r.metrics.RegistryPoolSize.WithLabelValues(r.name).Set(float64(size))
	return size, nil
}

// invalidate drops cached lookups for events; callers hold mu
func (r *StoreRegistry) invalidate(events []proto.EventKey) {
	for _, e := range events {
		if r.lookups.Contains(e) {
			r.lookups.Remove(e)
			r.metrics.RegistryInvalidations.WithLabelValues(r.name).Inc()
		}
	}
}
