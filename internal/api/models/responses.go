package models

import (
	"github.com/nkkko/lookout/pkg/proto"
)

// CountMeta carries the size of a list response
type CountMeta struct {
	Count int `json:"count"`
}

// HealthResponse reports readiness per component
type HealthResponse struct {
	Status     string          `json:"status"`
	Components map[string]bool `json:"components,omitempty"`
}

// EventPoolFromKeys builds the pool response of a watcher
func EventPoolFromKeys(watcher string, events []proto.EventKey) *proto.EventPoolResponse {
	if events == nil {
		events = []proto.EventKey{}
	}
	return &proto.EventPoolResponse{Watcher: watcher, Events: events}
}

// RegistrantsFromLookup builds the reverse lookup response of an event
func RegistrantsFromLookup(watcher string, event proto.EventKey, registrants []proto.Registrant) *proto.RegistrantsResponse {
	if registrants == nil {
		registrants = []proto.Registrant{}
	}
	return &proto.RegistrantsResponse{Watcher: watcher, EventKey: event, Registrants: registrants}
}
