package statecache

import (
	"context"
	"testing"
	"time"

	"github.com/nkkko/lookout/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item int64

func (i item) Marker() int64 { return int64(i) }

func TestUpdateStatusReturnsSentinelFirst(t *testing.T) {
	ctx := context.Background()
	c := NewStatusCache(store.NewMemoryStore(), "LIVE_ROOM")

	prev, err := c.UpdateStatus(ctx, "42", StatusOn)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, prev)

	prev, err = c.UpdateStatus(ctx, "42", StatusOff)
	require.NoError(t, err)
	assert.Equal(t, StatusOn, prev)

	prev, err = c.UpdateStatus(ctx, "42", StatusOff)
	require.NoError(t, err)
	assert.Equal(t, StatusOff, prev)

	// Other keys start fresh
	prev, err = c.UpdateStatus(ctx, "43", StatusOff)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, prev)
}

func TestStatusSequenceProducesTwoTransitions(t *testing.T) {
	ctx := context.Background()
	c := NewStatusCache(store.NewMemoryStore(), "LIVE_ROOM")

	// Unknown is the implicit starting state; the first write is a baseline
	sequence := []Status{StatusOn, StatusOn, StatusOff, StatusOn}
	var fired []Status
	for _, s := range sequence {
		prev, err := c.UpdateStatus(ctx, "room", s)
		require.NoError(t, err)
		if Changed(prev, s) {
			fired = append(fired, s)
		}
	}
	assert.Equal(t, []Status{StatusOff, StatusOn}, fired)
}

func TestStatusReadAndKey(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := NewStatusCache(s, "LIVE_ROOM")

	assert.Equal(t, "LIVE_ROOM_STATUS:7", c.Key("7"))

	got, err := c.Status(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, got)

	_, err = c.UpdateStatus(ctx, "7", StatusOn)
	require.NoError(t, err)
	raw, err := s.Get(ctx, "LIVE_ROOM_STATUS:7")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), raw)

	got, err = c.Status(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, StatusOn, got)
}

func TestUpdateStatusRejectsSentinel(t *testing.T) {
	c := NewStatusCache(store.NewMemoryStore(), "X")
	_, err := c.UpdateStatus(context.Background(), "k", StatusUnknown)
	assert.Error(t, err)
}

func TestCorruptStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	c := NewStatusCache(s, "X")
	require.NoError(t, s.Set(ctx, c.Key("k"), []byte("garbage")))

	_, err := c.UpdateStatus(ctx, "k", StatusOn)
	assert.Error(t, err)
}

func TestChanged(t *testing.T) {
	assert.False(t, Changed(StatusUnknown, StatusOn))
	assert.False(t, Changed(StatusUnknown, StatusOff))
	assert.False(t, Changed(StatusOn, StatusOn))
	assert.True(t, Changed(StatusOn, StatusOff))
	assert.True(t, Changed(StatusOff, StatusOn))
}

func TestNoveltyScenario(t *testing.T) {
	ctx := context.Background()
	c := NewOffsetCache(store.NewMemoryStore(), "ACTIVITY")

	poll := func(batch []item) []item {
		mark, ok, err := c.Mark(ctx, "u")
		require.NoError(t, err)
		unreported, _ := Partition(batch, mark, ok)
		if len(unreported) > 0 {
			require.NoError(t, c.Advance(ctx, "u", HighWater(unreported, mark)))
		}
		return unreported
	}

	assert.Equal(t, []item{5, 3, 1}, poll([]item{5, 3, 1}))
	mark, ok, err := c.Mark(ctx, "u")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), mark)

	assert.Equal(t, []item{7}, poll([]item{7, 5, 3}))
	assert.Empty(t, poll([]item{7, 5, 3}))
}

func TestPartition(t *testing.T) {
	unreported, seen := Partition([]item{9, 8, 4, 2}, 4, true)
	assert.Equal(t, []item{9, 8}, unreported)
	assert.Equal(t, []item{4, 2}, seen)

	unreported, seen = Partition([]item{3, 2}, 10, true)
	assert.Empty(t, unreported)
	assert.Equal(t, []item{3, 2}, seen)

	unreported, seen = Partition([]item{}, 0, false)
	assert.Empty(t, unreported)
	assert.Empty(t, seen)
}

func TestHighWater(t *testing.T) {
	assert.Equal(t, int64(9), HighWater([]item{3, 9, 1}, 0))
	assert.Equal(t, int64(12), HighWater([]item{3, 9, 1}, 12))
}

func TestOffsetKey(t *testing.T) {
	c := NewOffsetCache(store.NewMemoryStore(), "OSU_USER")
	assert.Equal(t, "OSU_USER_OFFSET:cookiezi", c.Key("cookiezi"))
}

func TestDedupRemember(t *testing.T) {
	ctx := context.Background()
	c := NewDedupCache(store.NewMemoryStore(), "DIGEST", time.Hour)

	fresh, err := c.Remember(ctx, []byte("hot list #1"))
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = c.Remember(ctx, []byte("hot list #1"))
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = c.Remember(ctx, []byte("hot list #2"))
	require.NoError(t, err)
	assert.True(t, fresh)

	assert.Contains(t, c.Key([]byte("x")), "DIGEST_SEEN:")
}
