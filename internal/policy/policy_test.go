package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/lookout/internal/notifier"
	"github.com/nkkko/lookout/internal/registry"
	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/watcher"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered notifications and fails for chosen registrants
type recorder struct {
	mu      sync.Mutex
	sent    []*proto.Notification
	failFor map[proto.Registrant]bool
}

func (r *recorder) Send(ctx context.Context, registrant proto.Registrant, n *proto.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[registrant] {
		return errors.New("unreachable")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) notifications() []*proto.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*proto.Notification(nil), r.sent...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fakeStatusPoller struct {
	rooms map[proto.EventKey]RoomStatus
	err   error
	calls int
}

func (f *fakeStatusPoller) FetchBatch(ctx context.Context, keys []proto.EventKey) (map[proto.EventKey]RoomStatus, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[proto.EventKey]RoomStatus)
	for _, k := range keys {
		if room, ok := f.rooms[k]; ok {
			out[k] = room
		}
	}
	return out, nil
}

func (f *fakeStatusPoller) set(key proto.EventKey, live int) {
	f.rooms[key] = RoomStatus{UID: key, RoomID: 7, Username: "alice", Title: "t", LiveStatus: live, Cover: "cover", Keyframe: "frame"}
}

type fakeActivityPoller struct {
	items map[proto.EventKey][]Activity
	errs  map[proto.EventKey]error
}

func (f *fakeActivityPoller) FetchRecent(ctx context.Context, key proto.EventKey) ([]Activity, error) {
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.items[key], nil
}

type fakeBeatmaps struct {
	maps  map[string]*Beatmap
	calls int
}

func (f *fakeBeatmaps) LookupBeatmap(ctx context.Context, id string) (*Beatmap, error) {
	f.calls++
	b, ok := f.maps[id]
	if !ok {
		return nil, errors.New("no beatmap")
	}
	return b, nil
}

type fakeDigestPoller struct {
	digests map[proto.EventKey]*Digest
}

func (f *fakeDigestPoller) FetchDigest(ctx context.Context, list proto.EventKey) (*Digest, error) {
	d, ok := f.digests[list]
	if !ok {
		return nil, errors.New("unknown list")
	}
	return d, nil
}

func activitiesAt(key proto.EventKey, ts ...int64) []Activity {
	out := make([]Activity, len(ts))
	for i, t := range ts {
		out[i] = Activity{Key: key, At: time.Unix(t, 0), Text: "event"}
	}
	return out
}

func newContext[S any](t *testing.T, name string, state S, n notifier.Notifier) (*watcher.Context[S], store.Store) {
	s := store.NewMemoryStore()
	return &watcher.Context[S]{
		Name:     name,
		Interval: time.Minute,
		Notifier: n,
		Store:    s,
		Registry: registry.NewMemoryRegistry(name),
		State:    state,
	}, s
}

func TestLiveStatusFiresOnTransitionsOnly(t *testing.T) {
	ctx := context.Background()
	poller := &fakeStatusPoller{rooms: map[proto.EventKey]RoomStatus{}}
	rec := &recorder{}
	wctx, s := newContext(t, "live_status", LiveStatus{Poller: poller}, rec)
	wctx.State.Cache = statecache.NewStatusCache(s, LiveStatusDomain)
	require.NoError(t, wctx.Registry.Register(ctx, "group-1", []proto.EventKey{"100"}))

	// Baseline On, repeated On, Off, On
	sequence := []int{1, 1, 0, 1}
	var kinds []proto.NotificationKind
	for _, live := range sequence {
		poller.set("100", live)
		require.NoError(t, LiveStatusTask(ctx, wctx))
	}
	for _, n := range rec.notifications() {
		kinds = append(kinds, n.Kind)
	}
	assert.Equal(t, []proto.NotificationKind{proto.NotificationKind_LIVE_OFF, proto.NotificationKind_LIVE_ON}, kinds)

	last := rec.notifications()[1]
	assert.Equal(t, proto.Registrant("group-1"), last.Registrant)
	assert.Equal(t, proto.EventKey("100"), last.EventKey)
	assert.Equal(t, "live_status", last.Watcher)
	assert.Equal(t, "cover", last.ImageUrl)
	assert.NotEmpty(t, last.Id)

	status, err := wctx.State.Cache.Status(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, statecache.StatusOn, status)
}

func TestLiveStatusPollFailureAbortsTick(t *testing.T) {
	ctx := context.Background()
	poller := &fakeStatusPoller{rooms: map[proto.EventKey]RoomStatus{}, err: errors.New("down")}
	wctx, s := newContext(t, "live_status", LiveStatus{Poller: poller}, &recorder{})
	wctx.State.Cache = statecache.NewStatusCache(s, LiveStatusDomain)

	// Empty pool does not poll at all
	require.NoError(t, LiveStatusTask(ctx, wctx))
	assert.Equal(t, 0, poller.calls)

	require.NoError(t, wctx.Registry.Register(ctx, "g", []proto.EventKey{"1"}))
	assert.Error(t, LiveStatusTask(ctx, wctx))
}

func TestLiveStatusDeliveryFailureIsPerRegistrant(t *testing.T) {
	ctx := context.Background()
	poller := &fakeStatusPoller{rooms: map[proto.EventKey]RoomStatus{}}
	rec := &recorder{failFor: map[proto.Registrant]bool{"broken": true}}
	wctx, s := newContext(t, "live_status", LiveStatus{Poller: poller}, rec)
	wctx.State.Cache = statecache.NewStatusCache(s, LiveStatusDomain)
	require.NoError(t, wctx.Registry.ReplaceAll(ctx, map[proto.Registrant][]proto.EventKey{
		"broken": {"5"},
		"ok":     {"5"},
	}))

	poller.set("5", 0)
	require.NoError(t, LiveStatusTask(ctx, wctx))
	poller.set("5", 1)
	require.NoError(t, LiveStatusTask(ctx, wctx))

	sent := rec.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, proto.Registrant("ok"), sent[0].Registrant)
}

func TestLiveNotification(t *testing.T) {
	on := LiveNotification(RoomStatus{UID: "1", RoomID: 9, Username: "alice", Title: "speedrun", Area: "games", Online: 12, LiveStatus: 1, Cover: "c", Keyframe: "k"}, "")
	assert.Equal(t, proto.NotificationKind_LIVE_ON, on.Kind)
	assert.Equal(t, "alice is live! 12 watching\nspeedrun\ngames", on.Text)
	assert.Equal(t, "c", on.ImageUrl)
	assert.Equal(t, DefaultRoomURL+"9", on.Link)

	off := LiveNotification(RoomStatus{UID: "1", Username: "alice", LiveStatus: 2, Cover: "c", Keyframe: "k"}, "https://rooms/")
	assert.Equal(t, proto.NotificationKind_LIVE_OFF, off.Kind)
	assert.Equal(t, "alice went offline", off.Text)
	assert.Equal(t, "k", off.ImageUrl)
	assert.Empty(t, off.Link)
}

func TestActivityNoveltyScenario(t *testing.T) {
	ctx := context.Background()
	poller := &fakeActivityPoller{items: map[proto.EventKey][]Activity{}}
	rec := &recorder{}
	wctx, s := newContext(t, "activity", RecentActivity{Poller: poller}, rec)
	wctx.State.Offsets = statecache.NewOffsetCache(s, ActivityDomain)
	require.NoError(t, wctx.Registry.Register(ctx, "g", []proto.EventKey{"u"}))

	poller.items["u"] = activitiesAt("u", 5, 3, 1)
	require.NoError(t, ActivityTask(ctx, wctx))

	var markers []string
	for _, n := range rec.notifications() {
		markers = append(markers, n.Meta["at"])
	}
	assert.Equal(t, []string{"1", "3", "5"}, markers, "delivered oldest first")

	mark, ok, err := wctx.State.Offsets.Mark(ctx, "u")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), mark)

	rec.reset()
	poller.items["u"] = activitiesAt("u", 7, 5, 3)
	require.NoError(t, ActivityTask(ctx, wctx))
	sent := rec.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "7", sent[0].Meta["at"])

	// Nothing new
	rec.reset()
	require.NoError(t, ActivityTask(ctx, wctx))
	assert.Empty(t, rec.notifications())
}

func TestActivityMarkAdvancesEvenWhenDeliveryFails(t *testing.T) {
	ctx := context.Background()
	poller := &fakeActivityPoller{items: map[proto.EventKey][]Activity{"u": activitiesAt("u", 10)}}
	rec := &recorder{failFor: map[proto.Registrant]bool{"g": true}}
	wctx, s := newContext(t, "activity", RecentActivity{Poller: poller}, rec)
	wctx.State.Offsets = statecache.NewOffsetCache(s, ActivityDomain)
	require.NoError(t, wctx.Registry.Register(ctx, "g", []proto.EventKey{"u"}))

	require.NoError(t, ActivityTask(ctx, wctx))

	mark, ok, err := wctx.State.Offsets.Mark(ctx, "u")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), mark)

	// The failed delivery is not retried
	rec.failFor = nil
	require.NoError(t, ActivityTask(ctx, wctx))
	assert.Empty(t, rec.notifications())
}

func TestActivityNotificationsCarryBeatmap(t *testing.T) {
	ctx := context.Background()
	items := activitiesAt("u", 20, 10, 5)
	items[0].BeatmapID = "55"
	items[1].BeatmapID = "404"

	beatmaps := &fakeBeatmaps{maps: map[string]*Beatmap{
		"55": {ID: "55", Title: "Song", Version: "Hard", Stars: 5.234, CS: 4, OD: 8.5, AR: 9, HP: 6, CoverURL: "https://img/55.jpg"},
	}}
	rec := &recorder{}
	poller := &fakeActivityPoller{items: map[proto.EventKey][]Activity{"u": items}}
	wctx, s := newContext(t, "activity", RecentActivity{Poller: poller, Beatmaps: beatmaps}, rec)
	wctx.State.Offsets = statecache.NewOffsetCache(s, ActivityDomain)
	require.NoError(t, wctx.Registry.Register(ctx, "g", []proto.EventKey{"u"}))

	require.NoError(t, ActivityTask(ctx, wctx))

	sent := rec.notifications()
	require.Len(t, sent, 3)
	// Only activities with a beatmap id are looked up
	assert.Equal(t, 2, beatmaps.calls)

	// Oldest first: no beatmap, failed lookup, found beatmap
	assert.Empty(t, sent[0].ImageUrl)
	assert.Empty(t, sent[1].ImageUrl)
	assert.Equal(t, "404", sent[1].Meta["beatmap_id"])

	found := sent[2]
	assert.Equal(t, "https://img/55.jpg", found.ImageUrl)
	assert.Equal(t, "Song [Hard]", found.Meta["beatmap_title"])
	assert.Equal(t, "5.23", found.Meta["stars"])
	assert.Equal(t, "8.5", found.Meta["od"])
	assert.Contains(t, found.Text, "CS: 4 | OD: 8.5 | AR: 9 | HP: 6")
}

func TestActivityPollErrorsAreIsolatedPerKey(t *testing.T) {
	ctx := context.Background()
	poller := &fakeActivityPoller{
		items: map[proto.EventKey][]Activity{"good": activitiesAt("good", 1)},
		errs:  map[proto.EventKey]error{"bad": errors.New("timeout")},
	}
	rec := &recorder{}
	wctx, s := newContext(t, "activity", RecentActivity{Poller: poller}, rec)
	wctx.State.Offsets = statecache.NewOffsetCache(s, ActivityDomain)
	require.NoError(t, wctx.Registry.Register(ctx, "g", []proto.EventKey{"bad", "good"}))

	require.NoError(t, ActivityTask(ctx, wctx))
	sent := rec.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, proto.EventKey("good"), sent[0].EventKey)
}

func TestDigestDeduplicatesIdenticalLists(t *testing.T) {
	ctx := context.Background()
	digest := &Digest{List: "wbHot", UpdatedAt: "10:00", Entries: []DigestEntry{
		{Rank: 1, Title: "first", Hot: "99", URL: "https://a"},
		{Rank: 2, Title: "second"},
		{Rank: 3, Title: "third"},
	}}
	poller := &fakeDigestPoller{digests: map[proto.EventKey]*Digest{"wbHot": digest}}
	rec := &recorder{}
	wctx, s := newContext(t, "digest", DigestList{Poller: poller, Limit: 2}, rec)
	wctx.State.Dedup = statecache.NewDedupCache(s, DigestDomain, time.Hour)
	require.NoError(t, wctx.Registry.ReplaceAll(ctx, map[proto.Registrant][]proto.EventKey{
		"a": {"wbHot", "missing"},
		"b": {"wbHot"},
	}))

	require.NoError(t, DigestTask(ctx, wctx))
	sent := rec.notifications()
	require.Len(t, sent, 2)
	assert.Equal(t, "1. first (99)\n2. second", sent[0].Text)
	assert.Equal(t, "https://a", sent[0].Link)
	assert.NotEqual(t, sent[0].Id, sent[1].Id)

	// Same content, only the update time moved
	rec.reset()
	digest.UpdatedAt = "10:30"
	require.NoError(t, DigestTask(ctx, wctx))
	assert.Empty(t, rec.notifications())

	rec.reset()
	digest.Entries[1].Title = "new second"
	require.NoError(t, DigestTask(ctx, wctx))
	assert.Len(t, rec.notifications(), 2)
}

func TestDigestNotificationDefaults(t *testing.T) {
	entries := make([]DigestEntry, 15)
	for i := range entries {
		entries[i] = DigestEntry{Rank: i + 1, Title: "x"}
	}
	n := DigestNotification(&Digest{List: "l", Entries: entries}, 0)
	assert.Equal(t, "Top 10 of l", n.Title)
	assert.Equal(t, proto.NotificationKind_DIGEST, n.Kind)
}

func TestTasksRunUnderWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := &fakeStatusPoller{rooms: map[proto.EventKey]RoomStatus{}}
	s := store.NewMemoryStore()
	reg := registry.NewMemoryRegistry("live_status")
	require.NoError(t, reg.Register(ctx, "g", []proto.EventKey{"1"}))
	poller.set("1", 1)

	w, err := watcher.New(watcher.Options[LiveStatus]{
		Name:     "live_status",
		Interval: time.Hour,
		Notifier: &recorder{},
		Store:    s,
		Registry: reg,
		State:    LiveStatus{Poller: poller, Cache: statecache.NewStatusCache(s, LiveStatusDomain)},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx, LiveStatusTask))

	require.Eventually(t, func() bool { return w.Ticks() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-w.Done()

	// The tick's write must be visible after shutdown
	status, err := statecache.NewStatusCache(s, LiveStatusDomain).Status(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, statecache.StatusOn, status)
}
