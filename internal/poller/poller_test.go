package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nkkko/lookout/internal/statecache"
	"github.com/nkkko/lookout/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient() *Client {
	return NewClient(Config{
		Timeout:        2 * time.Second,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, testClient().GetJSON(context.Background(), "test", srv.URL, nil, &out))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var out map[string]any
	err := testClient().GetJSON(context.Background(), "test", srv.URL, nil, &out)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var out map[string]any
	require.Error(t, testClient().GetJSON(context.Background(), "test", srv.URL, nil, &out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestLiveRoomPoller(t *testing.T) {
	var got roomStatusRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{
			"code": 0,
			"msg": "success",
			"message": "success",
			"data": {
				"100": {"title": "speedruns", "uname": "alice", "live_status": 1, "room_id": 7, "uid": 100,
					"online": 321, "area_v2_name": "games", "cover_from_user": "https://img/cover.jpg",
					"keyframe": "https://img/key.jpg"},
				"200": {"title": "idle", "uname": "bob", "live_status": 2, "room_id": 8, "uid": 200}
			}
		}`))
	}))
	defer srv.Close()

	p := NewLiveRoomPoller(testClient(), srv.URL)
	rooms, err := p.FetchBatch(context.Background(), []proto.EventKey{"100", "200", "not-a-uid"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200}, got.UIDs)

	require.Len(t, rooms, 2)
	alice := rooms["100"]
	assert.Equal(t, "alice", alice.Username)
	assert.Equal(t, int64(321), alice.Online)
	assert.Equal(t, "https://img/cover.jpg", alice.Cover)
	assert.Equal(t, statecache.StatusOn, alice.Status())

	// Rotation is not live
	assert.Equal(t, statecache.StatusOff, rooms["200"].Status())
}

func TestLiveRoomPollerKeepsCallerKeys(t *testing.T) {
	var got roomStatusRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"code":0,"data":{"100":{"uname":"alice","live_status":1,"uid":100}}}`))
	}))
	defer srv.Close()

	rooms, err := NewLiveRoomPoller(testClient(), srv.URL).FetchBatch(context.Background(), []proto.EventKey{"0100", "100"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, got.UIDs)

	require.Len(t, rooms, 2)
	assert.Equal(t, proto.EventKey("0100"), rooms["0100"].UID)
	assert.Equal(t, "alice", rooms["0100"].Username)
	assert.Equal(t, proto.EventKey("100"), rooms["100"].UID)
}

func TestBeatmapPoller(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "secret", r.URL.Query().Get("k"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		if r.URL.Query().Get("b") != "55" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"beatmap_id":"55","beatmapset_id":"12","title":"Song","version":"Hard",
			"difficultyrating":"5.25","diff_size":"4","diff_overall":"8.5","diff_approach":"9","diff_drain":"6"}]`))
	}))
	defer srv.Close()

	p, err := NewBeatmapPoller(testClient(), srv.URL, "secret", 0)
	require.NoError(t, err)

	b, err := p.LookupBeatmap(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, "Song", b.Title)
	assert.Equal(t, "Hard", b.Version)
	assert.Equal(t, 5.25, b.Stars)
	assert.Equal(t, 8.5, b.OD)
	assert.Equal(t, "https://assets.ppy.sh/beatmaps/12/covers/cover.jpg", b.CoverURL)

	// Served from cache; callers get their own copy
	b.Title = "mutated"
	again, err := p.LookupBeatmap(context.Background(), "55")
	require.NoError(t, err)
	assert.Equal(t, "Song", again.Title)
	assert.Equal(t, int32(1), calls.Load())

	_, err = p.LookupBeatmap(context.Background(), "1")
	assert.ErrorIs(t, err, ErrBeatmapNotFound)
}

func TestLiveRoomPollerEmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"message":"success","data":[]}`))
	}))
	defer srv.Close()

	rooms, err := NewLiveRoomPoller(testClient(), srv.URL).FetchBatch(context.Background(), []proto.EventKey{"1"})
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestLiveRoomPollerSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":-400,"message":"bad request"}`))
	}))
	defer srv.Close()

	_, err := NewLiveRoomPoller(testClient(), srv.URL).FetchBatch(context.Background(), []proto.EventKey{"1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad request")
}

func TestLiveRoomPollerWithoutValidKeys(t *testing.T) {
	p := NewLiveRoomPoller(testClient(), "http://127.0.0.1:0")
	rooms, err := p.FetchBatch(context.Background(), []proto.EventKey{"abc"})
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestActivityPoller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("k"))
		assert.Equal(t, "peppy", r.URL.Query().Get("u"))
		_, _ = w.Write([]byte(`[{"events":[
			{"display_html":"<img src='/images/A_small.png'/> <b><a href='/u/2'>peppy</a></b> achieved rank #7 on <a href='/b/55?m=0'>Song [Hard]</a> (osu!)","beatmap_id":"55","date":"2024-03-01 10:00:05"},
			{"display_html":"<b><a href='/u/2'>peppy</a></b> has submitted a new beatmap","beatmap_id":"","date":"2024-03-01 09:00:00"},
			{"display_html":"broken","beatmap_id":"1","date":"yesterday"}
		]}]`))
	}))
	defer srv.Close()

	p := NewActivityPoller(testClient(), srv.URL, "https://osu.example", "secret")
	activities, err := p.FetchRecent(context.Background(), "peppy")
	require.NoError(t, err)
	require.Len(t, activities, 2)

	first := activities[0]
	assert.Equal(t, "peppy achieved rank #7 on Song [Hard] (osu!)", first.Text)
	assert.Equal(t, "https://osu.example/u/2", first.UserLink)
	assert.Equal(t, "https://osu.example/b/55?m=0", first.Link)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC), first.At)
	assert.Greater(t, first.Marker(), activities[1].Marker())

	assert.Equal(t, "peppy has submitted a new beatmap", activities[1].Text)
	assert.Empty(t, activities[1].Link)
}

func TestActivityPollerUnknownUser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := NewActivityPoller(testClient(), srv.URL, "", "t").FetchRecent(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRenderHTML(t *testing.T) {
	text, links := RenderHTML("<b><a href='/u/1'>a</a></b>\n  got   <i>rank</i> <a href=\"https://x/y\">#1</a>")
	assert.Equal(t, "a got rank #1", text)
	assert.Equal(t, []string{"/u/1", "https://x/y"}, links)

	text, links = RenderHTML("plain")
	assert.Equal(t, "plain", text)
	assert.Empty(t, links)
}

func TestDigestPoller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wbHot", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"success":true,"update_time":"2024-03-01 10:00:00","data":[
			{"index":1,"title":"first","hot":"1.2万","url":"https://a"},
			{"index":2,"title":"second","hot":9876,"url":"https://b"},
			{"title":"third","url":"https://c"}
		]}`))
	}))
	defer srv.Close()

	digest, err := NewDigestPoller(testClient(), srv.URL).FetchDigest(context.Background(), "wbHot")
	require.NoError(t, err)
	assert.Equal(t, proto.EventKey("wbHot"), digest.List)
	assert.Equal(t, "2024-03-01 10:00:00", digest.UpdatedAt)
	require.Len(t, digest.Entries, 3)
	assert.Equal(t, "1.2万", digest.Entries[0].Hot)
	assert.Equal(t, "9876", digest.Entries[1].Hot)
	assert.Equal(t, 3, digest.Entries[2].Rank)
	assert.Empty(t, digest.Entries[2].Hot)
}

func TestDigestPollerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"message":"unknown type"}`))
	}))
	defer srv.Close()

	_, err := NewDigestPoller(testClient(), srv.URL).FetchDigest(context.Background(), "nope")
	require.Error(t, err)
}
