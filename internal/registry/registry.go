package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/naturalsort"
	"github.com/nkkko/lookout/pkg/proto"
)

var (
	// ErrEmptyRegistrant is returned when a write names an empty registrant
	ErrEmptyRegistrant = errors.New("registry: empty registrant")

	// ErrEmptyEventKey is returned when a write names an empty event key
	ErrEmptyEventKey = errors.New("registry: empty event key")
)

// Registry maps registrants to the event keys they want to hear about,
// scoped to one watcher
type Registry interface {
	// Name returns the watcher name scoping this registry
	Name() string

	// Register merges events into the registrant's subscriptions
	Register(ctx context.Context, registrant proto.Registrant, events []proto.EventKey) error

	// ReplaceAll declares the full subscription set of every listed
	// registrant, dropping memberships absent from the new declaration.
	// Registrants not listed are left untouched.
	ReplaceAll(ctx context.Context, relation map[proto.Registrant][]proto.EventKey) error

	// FindRegistrantsByEvent returns the registrants subscribed to event
	FindRegistrantsByEvent(ctx context.Context, event proto.EventKey) ([]proto.Registrant, error)

	// EventPool returns the sorted, deduplicated union of all event keys
	EventPool(ctx context.Context) ([]proto.EventKey, error)
}

const (
	poolKeyPrefix      = "REGISTRY_EVENT_POOL:"
	subscribeKeyPrefix = "SUBSCRIBE_REGISTRY:"
)

// PoolKey is the set of all event keys of a registry
func PoolKey(name string) string {
	return poolKeyPrefix + name
}

// SubscribeKey is the reverse index set of registrants for one event
func SubscribeKey(name string, event proto.EventKey) string {
	return subscribePrefix(name) + string(event)
}

func subscribePrefix(name string) string {
	return subscribeKeyPrefix + name + ":"
}

// SortEvents returns events deduplicated and in natural order, so numeric
// keys compare by value ("9" before "10")
func SortEvents(events []proto.EventKey) []proto.EventKey {
	seen := make(map[proto.EventKey]struct{}, len(events))
	keys := make([]string, 0, len(events))
	for _, e := range events {
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		keys = append(keys, string(e))
	}

	naturalsort.Sort(keys)

	out := make([]proto.EventKey, len(keys))
	for i, k := range keys {
		out[i] = proto.EventKey(k)
	}
	return out
}

// sortRegistrants orders registrants the same way as events
func sortRegistrants(registrants []proto.Registrant) []proto.Registrant {
	keys := make([]string, len(registrants))
	for i, r := range registrants {
		keys[i] = string(r)
	}
	naturalsort.Sort(keys)

	out := make([]proto.Registrant, len(keys))
	for i, k := range keys {
		out[i] = proto.Registrant(k)
	}
	return out
}

func validate(registrant proto.Registrant, events []proto.EventKey) error {
	if registrant == "" {
		return ErrEmptyRegistrant
	}
	for _, e := range events {
		if e == "" {
			return fmt.Errorf("registrant %s: %w", registrant, ErrEmptyEventKey)
		}
	}
	return nil
}

func validateRelation(relation map[proto.Registrant][]proto.EventKey) error {
	for r, events := range relation {
		if err := validate(r, events); err != nil {
			return err
		}
	}
	return nil
}
