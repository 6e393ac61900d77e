package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired
var ErrNotFound = errors.New("store: key not found")

// Store is the shared key/value and set store backing registries and
// dedup state. Every single-key operation is atomic.
type Store interface {
	// Get returns the value at key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value at key, clearing any TTL
	Set(ctx context.Context, key string, value []byte) error

	// SetWithTTL writes value at key; the key disappears after ttl
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent writes value with ttl only when key does not exist and
	// reports whether it wrote. A zero ttl never expires.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Swap writes value at key and returns the previous value. existed is
	// false when there was no previous value.
	Swap(ctx context.Context, key string, value []byte) (prev []byte, existed bool, err error)

	// Delete removes a plain key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds members to the set at key
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key; empty sets vanish
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns the members of the set at key in byte order
	SMembers(ctx context.Context, key string) ([]string, error)

	// SetKeys returns every non-empty set key starting with prefix
	SetKeys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store
	Close() error
}

// Config contains store configuration
type Config struct {
	// Backend selects the implementation: "badger" or "memory"
	Backend string

	// Base directory for data files
	DataDir string

	// Interval for value log garbage collection, zero disables it
	GCInterval time.Duration
}

const (
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Backend:    BackendBadger,
		DataDir:    "./data",
		GCInterval: 10 * time.Minute,
	}
}
