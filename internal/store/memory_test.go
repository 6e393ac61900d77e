package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/nkkko/lookout/internal/store"
	"github.com/nkkko/lookout/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	value := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", value))
	value[0] = 'x'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'y'
	again, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestDefaultConfig(t *testing.T) {
	cfg := store.DefaultConfig()
	assert.Equal(t, store.BackendBadger, cfg.Backend)
	assert.Equal(t, 10*time.Minute, cfg.GCInterval)
}
