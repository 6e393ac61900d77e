package proto

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Registrant is an opaque identity of a notification recipient, for
// example a chat group id
type Registrant string

// EventKey is an opaque identity of a watched entity, for example a room
// uid or a user id on an external service
type EventKey string

// NotificationKind defines what kind of change a notification reports
type NotificationKind int32

const (
	NotificationKind_UNKNOWN  NotificationKind = 0
	NotificationKind_LIVE_ON  NotificationKind = 1
	NotificationKind_LIVE_OFF NotificationKind = 2
	NotificationKind_ACTIVITY NotificationKind = 3
	NotificationKind_DIGEST   NotificationKind = 4
)

// String returns the lowercase name of the kind
func (k NotificationKind) String() string {
	switch k {
	case NotificationKind_LIVE_ON:
		return "live_on"
	case NotificationKind_LIVE_OFF:
		return "live_off"
	case NotificationKind_ACTIVITY:
		return "activity"
	case NotificationKind_DIGEST:
		return "digest"
	default:
		return "unknown"
	}
}

// Notification is a single message delivered to one registrant
type Notification struct {
	Id         string                 `json:"id"`
	Watcher    string                 `json:"watcher"`
	Registrant Registrant             `json:"registrant"`
	EventKey   EventKey               `json:"event_key"`
	Kind       NotificationKind       `json:"kind"`
	Title      string                 `json:"title,omitempty"`
	Text       string                 `json:"text"`
	ImageUrl   string                 `json:"image_url,omitempty"`
	Link       string                 `json:"link,omitempty"`
	Meta       map[string]string      `json:"meta,omitempty"`
	Ts         *timestamppb.Timestamp `json:"ts,omitempty"`
}

// Stream message types
const (
	StreamMessageNotification = "notification"
	StreamMessageHeartbeat    = "heartbeat"
	StreamMessageConnected    = "connected"
)

// StreamMessage is one frame on the notification stream
type StreamMessage struct {
	Type         string                 `json:"type"`
	ClientId     string                 `json:"client_id,omitempty"`
	Notification *Notification          `json:"notification,omitempty"`
	Timestamp    *timestamppb.Timestamp `json:"timestamp,omitempty"`
}

// WatcherInfo describes a running watcher
type WatcherInfo struct {
	Name            string `json:"name"`
	IntervalSeconds int64  `json:"interval_seconds"`
	Persistent      bool   `json:"persistent"`
	Running         bool   `json:"running"`
}

// ListWatchersResponse returns all configured watchers
type ListWatchersResponse struct {
	Watchers []*WatcherInfo `json:"watchers"`
}

// EventPoolResponse returns the event pool of a watcher registry
type EventPoolResponse struct {
	Watcher string     `json:"watcher"`
	Events  []EventKey `json:"events"`
}

// RegistrantsResponse returns the registrants subscribed to one event
type RegistrantsResponse struct {
	Watcher     string       `json:"watcher"`
	EventKey    EventKey     `json:"event_key"`
	Registrants []Registrant `json:"registrants"`
}

// RegisterRequest merges event subscriptions for a single registrant
type RegisterRequest struct {
	Events []EventKey `json:"events"`
}

// RegisterResponse confirms a merged registration
type RegisterResponse struct {
	Registrant Registrant `json:"registrant"`
	Events     []EventKey `json:"events"`
}

// ReplaceSubscriptionsRequest replaces the subscriptions of every
// listed registrant
type ReplaceSubscriptionsRequest struct {
	Subscriptions map[Registrant][]EventKey `json:"subscriptions"`
}

// ReplaceSubscriptionsResponse confirms a replacement
type ReplaceSubscriptionsResponse struct {
	Registrants int `json:"registrants"`
}
