package registry

import (
	"context"
	"sync"

	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure MemoryRegistry implements Registry
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is a process-local Registry. A single mutex guards the
// relation, the pool and the lookup cache together because lookups
// populate the cache.
type MemoryRegistry struct {
	name     string
	relation map[proto.Registrant]map[proto.EventKey]struct{}
	pool     []proto.EventKey
	lookups  map[proto.EventKey][]proto.Registrant
	mu       sync.Mutex
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry(name string) *MemoryRegistry {
	return &MemoryRegistry{
		name:     name,
		relation: make(map[proto.Registrant]map[proto.EventKey]struct{}),
		lookups:  make(map[proto.EventKey][]proto.Registrant),
		logger:   log.With().Str("component", "registry").Str("registry", name).Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Name returns the watcher name
func (r *MemoryRegistry) Name() string {
	return r.name
}

// Register merges events into the registrant's subscriptions
func (r *MemoryRegistry) Register(ctx context.Context, registrant proto.Registrant, events []proto.EventKey) error {
	if err := validate(registrant, events); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.relation[registrant]
	if !ok {
		subs = make(map[proto.EventKey]struct{}, len(events))
		r.relation[registrant] = subs
	}
	for _, e := range events {
		subs[e] = struct{}{}
	}

	r.pool = SortEvents(append(r.pool, events...))
	r.metrics.RegistryPoolSize.WithLabelValues(r.name).Set(float64(len(r.pool)))
	r.invalidate(events)

	r.logger.Debug().
		Str("registrant", string(registrant)).
		Int("events", len(events)).
		Msg("Registrant subscriptions merged")
	return nil
}

// ReplaceAll replaces the subscriptions of each listed registrant
func (r *MemoryRegistry) ReplaceAll(ctx context.Context, relation map[proto.Registrant][]proto.EventKey) error {
	if err := validateRelation(relation); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var touched []proto.EventKey
	for registrant, events := range relation {
		for e := range r.relation[registrant] {
			touched = append(touched, e)
		}
		touched = append(touched, events...)

		if len(events) == 0 {
			delete(r.relation, registrant)
			continue
		}
		subs := make(map[proto.EventKey]struct{}, len(events))
		for _, e := range events {
			subs[e] = struct{}{}
		}
		r.relation[registrant] = subs
	}

	r.rebuildPool()
	r.invalidate(touched)

	r.logger.Info().
		Int("registrants", len(relation)).
		Int("pool_size", len(r.pool)).
		Msg("Registry subscriptions replaced")
	return nil
}

// FindRegistrantsByEvent returns the registrants subscribed to event
func (r *MemoryRegistry) FindRegistrantsByEvent(ctx context.Context, event proto.EventKey) ([]proto.Registrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.lookups[event]; ok {
		r.metrics.RegistryLookups.WithLabelValues(r.name, "hit").Inc()
		return append([]proto.Registrant(nil), cached...), nil
	}
	r.metrics.RegistryLookups.WithLabelValues(r.name, "miss").Inc()

	var found []proto.Registrant
	for registrant, subs := range r.relation {
		if _, ok := subs[event]; ok {
			found = append(found, registrant)
		}
	}
	if len(found) == 0 {
		return []proto.Registrant{}, nil
	}

	found = sortRegistrants(found)
	r.lookups[event] = found
	return append([]proto.Registrant(nil), found...), nil
}

// EventPool returns the sorted union of all subscribed events
func (r *MemoryRegistry) EventPool(ctx context.Context) ([]proto.EventKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.EventKey{}, r.pool...), nil
}

// rebuildPool recomputes the pool from the relation; callers hold mu
func (r *MemoryRegistry) rebuildPool() {
	var all []proto.EventKey
	for _, subs := range r.relation {
		for e := range subs {
			all = append(all, e)
		}
	}
	r.pool = SortEvents(all)
	r.metrics.RegistryPoolSize.WithLabelValues(r.name).Set(float64(len(r.pool)))
}

// invalidate drops cached lookups for events; callers hold mu
func (r *MemoryRegistry) invalidate(events []proto.EventKey) {
	for _, e := range events {
		if _, ok := r.lookups[e]; ok {
			delete(r.lookups, e)
			r.metrics.RegistryInvalidations.WithLabelValues(r.name).Inc()
		}
	}
}
