package models

import (
	"github.com/nkkko/lookout/internal/api/errors"
	"github.com/nkkko/lookout/internal/api/validation"
	"github.com/nkkko/lookout/pkg/proto"
)

const (
	// MaxKeyLength bounds registrant names and event keys
	MaxKeyLength = 256

	// MaxEventsPerRequest bounds the events of one registrant in a request
	MaxEventsPerRequest = 10000
)

// RegisterRequest merges events into one registrant's subscriptions
type RegisterRequest struct {
	Events []string `json:"events"`
}

// Validate validates the request
func (r *RegisterRequest) Validate() error {
	if len(r.Events) == 0 {
		return errors.ValidationError("missing_events", "At least one event is required")
	}
	return validateEvents("events", r.Events)
}

// ToEvents converts the request to event keys
func (r *RegisterRequest) ToEvents() []proto.EventKey {
	return toEventKeys(r.Events)
}

// ReplaceSubscriptionsRequest replaces the subscriptions of every listed
// registrant. An empty list removes the registrant.
type ReplaceSubscriptionsRequest struct {
	Subscriptions map[string][]string `json:"subscriptions"`
}

// Validate validates the request
func (r *ReplaceSubscriptionsRequest) Validate() error {
	if len(r.Subscriptions) == 0 {
		return errors.ValidationError("missing_subscriptions", "At least one registrant is required")
	}
	for registrant, events := range r.Subscriptions {
		if err := ValidateRegistrant(registrant); err != nil {
			return err
		}
		if err := validateEvents("subscriptions."+registrant, events); err != nil {
			return err
		}
	}
	return nil
}

// ToRelation converts the request to registry form
func (r *ReplaceSubscriptionsRequest) ToRelation() map[proto.Registrant][]proto.EventKey {
	relation := make(map[proto.Registrant][]proto.EventKey, len(r.Subscriptions))
	for registrant, events := range r.Subscriptions {
		relation[proto.Registrant(registrant)] = toEventKeys(events)
	}
	return relation
}

// ValidateRegistrant checks a registrant taken from a path or body
func ValidateRegistrant(registrant string) error {
	if err := validation.Required("registrant", registrant); err != nil {
		return err
	}
	return validation.MaxLength("registrant", registrant, MaxKeyLength)
}

func validateEvents(field string, events []string) error {
	if err := validation.MaxItems(field, len(events), MaxEventsPerRequest); err != nil {
		return err
	}
	for _, e := range events {
		if err := validation.Required(field+" entry", e); err != nil {
			return err
		}
		if err := validation.MaxLength(field+" entry", e, MaxKeyLength); err != nil {
			return err
		}
	}
	return nil
}

func toEventKeys(events []string) []proto.EventKey {
	keys := make([]proto.EventKey, len(events))
	for i, e := range events {
		keys[i] = proto.EventKey(e)
	}
	return keys
}
