package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Expired values are dropped lazily
// on access.
type MemoryStore struct {
	values map[string]memoryValue
	sets   map[string]map[string]struct{}
	mu     sync.RWMutex
	now    func() time.Time
}

type memoryValue struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && !now.Before(v.expiresAt)
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryValue),
		sets:   make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

// Get returns the value at key
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()

	if !ok || v.expired(s.now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

// Set writes value at key
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL writes value at key with an expiry
func (s *MemoryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = s.newValue(value, ttl)
	return nil
}

// SetIfAbsent writes value only when key is missing or expired
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.values[key]; ok && !v.expired(s.now()) {
		return false, nil
	}
	s.values[key] = s.newValue(value, ttl)
	return true, nil
}

// Swap writes value at key and returns what was there before
func (s *MemoryStore) Swap(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.values[key]
	s.values[key] = s.newValue(value, 0)
	if !ok || prev.expired(s.now()) {
		return nil, false, nil
	}
	return prev.data, true, nil
}

// Delete removes a plain key
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	return nil
}

// SAdd adds members to a set
func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{}, len(members))
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

// SRem removes members from a set
func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

// SMembers returns the sorted members of a set
func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// SetKeys returns all set keys with the given prefix
func (s *MemoryStore) SetKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.sets {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) newValue(value []byte, ttl time.Duration) memoryValue {
	v := memoryValue{data: append([]byte(nil), value...)}
	if ttl > 0 {
		v.expiresAt = s.now().Add(ttl)
	}
	return v
}
