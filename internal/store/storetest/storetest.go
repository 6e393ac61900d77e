// Package storetest holds a behavioural suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/lookout/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore in every subtest
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("SetGetDelete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Set(ctx, "k", []byte("v1")))
		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)

		require.NoError(t, s.Delete(ctx, "k"))
		_, err = s.Get(ctx, "k")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// Deleting twice is fine
		assert.NoError(t, s.Delete(ctx, "k"))
	})

	t.Run("SwapReturnsPrevious", func(t *testing.T) {
		s := newStore(t)
		prev, existed, err := s.Swap(ctx, "status", []byte("1"))
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Nil(t, prev)

		prev, existed, err = s.Swap(ctx, "status", []byte("0"))
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Equal(t, []byte("1"), prev)

		got, err := s.Get(ctx, "status")
		require.NoError(t, err)
		assert.Equal(t, []byte("0"), got)
	})

	t.Run("ConcurrentSwapsLoseNothing", func(t *testing.T) {
		s := newStore(t)
		const writers = 16

		var wg sync.WaitGroup
		seen := make(chan string, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				prev, existed, err := s.Swap(ctx, "counter", []byte(fmt.Sprint(i)))
				assert.NoError(t, err)
				if existed {
					seen <- string(prev)
				} else {
					seen <- "none"
				}
			}(i)
		}
		wg.Wait()
		close(seen)

		// Exactly one writer observed the empty key and each previous
		// value was handed out once
		counts := map[string]int{}
		for v := range seen {
			counts[v]++
		}
		assert.Equal(t, 1, counts["none"])
		for v, n := range counts {
			assert.Equal(t, 1, n, v)
		}
	})

	t.Run("SetIfAbsent", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.SetIfAbsent(ctx, "seen", []byte{1}, time.Hour)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetIfAbsent(ctx, "seen", []byte{2}, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(ctx, "seen")
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, got)
	})

	t.Run("TTLExpires", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetWithTTL(ctx, "short", []byte("x"), time.Second))
		_, err := s.Get(ctx, "short")
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			_, err := s.Get(ctx, "short")
			return err == store.ErrNotFound
		}, 5*time.Second, 100*time.Millisecond)

		ok, err := s.SetIfAbsent(ctx, "short", []byte("y"), 0)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Sets", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SAdd(ctx, "POOL:a", "3", "1", "2"))
		require.NoError(t, s.SAdd(ctx, "POOL:a", "1"))

		members, err := s.SMembers(ctx, "POOL:a")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "2", "3"}, members)

		require.NoError(t, s.SRem(ctx, "POOL:a", "2", "9"))
		members, err = s.SMembers(ctx, "POOL:a")
		require.NoError(t, err)
		assert.Equal(t, []string{"1", "3"}, members)

		empty, err := s.SMembers(ctx, "POOL:none")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("SetKeys", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SAdd(ctx, "SUB:w:1", "g1"))
		require.NoError(t, s.SAdd(ctx, "SUB:w:10", "g1", "g2"))
		require.NoError(t, s.SAdd(ctx, "SUB:w:2", "g2"))
		require.NoError(t, s.SAdd(ctx, "SUB:other:1", "g3"))
		require.NoError(t, s.Set(ctx, "SUB:w:plain", []byte("not a set")))

		keys, err := s.SetKeys(ctx, "SUB:w:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"SUB:w:1", "SUB:w:10", "SUB:w:2"}, keys)

		// Emptied sets disappear from the listing
		require.NoError(t, s.SRem(ctx, "SUB:w:2", "g2"))
		keys, err = s.SetKeys(ctx, "SUB:w:")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"SUB:w:1", "SUB:w:10"}, keys)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, s.Set(cctx, "k", []byte("v")), context.Canceled)
		_, err := s.SMembers(cctx, "k")
		assert.ErrorIs(t, err, context.Canceled)
	})
}
