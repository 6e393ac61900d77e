package policy

import (
	"context"
	"time"

	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/pkg/proto"
)

// RoomStatus is the current state of one live room, keyed by the owner's uid
type RoomStatus struct {
	UID        proto.EventKey
	RoomID     int64
	Title      string
	Username   string
	Area       string
	Cover      string
	Keyframe   string
	Online     int64
	LiveStatus int
}

// Status maps the raw live status onto the status-diff states. Only an
// active broadcast counts as on; rotation and offline are both off.
func (r RoomStatus) Status() statecache.Status {
	if r.LiveStatus == 1 {
		return statecache.StatusOn
	}
	return statecache.StatusOff
}

// StatusPoller polls the live status of many rooms in one request
type StatusPoller interface {
	FetchBatch(ctx context.Context, keys []proto.EventKey) (map[proto.EventKey]RoomStatus, error)
}

// Activity is one recent event of a watched user
type Activity struct {
	Key       proto.EventKey
	At        time.Time
	Text      string
	UserLink  string
	Link      string
	BeatmapID string
}

// Marker orders activities by time
func (a Activity) Marker() int64 {
	return a.At.Unix()
}

// ActivityPoller returns the recent activities of one user, newest first
type ActivityPoller interface {
	FetchRecent(ctx context.Context, key proto.EventKey) ([]Activity, error)
}

// Beatmap describes the map an activity happened on
type Beatmap struct {
	ID       string
	Title    string
	Version  string
	Stars    float64
	CS       float64
	OD       float64
	AR       float64
	HP       float64
	CoverURL string
}

// BeatmapLookup resolves a beatmap id to its details
type BeatmapLookup interface {
	LookupBeatmap(ctx context.Context, id string) (*Beatmap, error)
}

// DigestEntry is one ranked line of a digest list
type DigestEntry struct {
	Rank  int
	Title string
	Hot   string
	URL   string
}

// Digest is a ranked list published by an external source
type Digest struct {
	List      proto.EventKey
	UpdatedAt string
	Entries   []DigestEntry
}

// DigestPoller returns the current contents of one list
type DigestPoller interface {
	FetchDigest(ctx context.Context, list proto.EventKey) (*Digest, error)
}
