package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/nkkko/lookout/internal/metrics"
	"github.com/nkkko/lookout/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure Store implements store.Store
var _ store.Store = (*Store)(nil)

const (
	// Prefix keys separate plain values from set members
	prefixValue = "v:"
	prefixSet   = "s:"

	// memberSep splits a set key from its member
	memberSep = byte(0)

	// maxConflictRetries bounds read-modify-write retries
	maxConflictRetries = 5

	gcDiscardRatio = 0.5
)

// Store is a store.Store persisted in Badger. Set members are stored as
// individual keys so membership changes never rewrite a whole set.
type Store struct {
	config store.Config
	db     *badger.DB
	logger zerolog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// rmwMu serializes read-modify-write operations within this process;
	// conflict retries still cover other writers
	rmwMu sync.Mutex
}

// Open opens or creates a Badger database under config.DataDir
func Open(config store.Config) (*Store, error) {
	logger := log.With().Str("component", "store-badger").Logger()

	dbPath := filepath.Join(config.DataDir, "badger")
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create badger data directory: %w", err)
	}

	opts := badger.DefaultOptions(dbPath).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Store{
		config: config,
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}

	if config.GCInterval > 0 {
		s.wg.Add(1)
		go s.runPeriodicGC(config.GCInterval)
	}

	logger.Info().Str("path", dbPath).Msg("Badger store opened")
	return s, nil
}

// Get returns the value at key
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("get"))
	defer timer.ObserveDuration()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(valueKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		m.StorageOperations.WithLabelValues("get", "true").Inc()
		return nil, store.ErrNotFound
	}
	m.StorageOperations.WithLabelValues("get", metrics.Success(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

// Set writes value at key
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

// SetWithTTL writes value at key with an optional expiry
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("set"))
	defer timer.ObserveDuration()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	m.StorageOperations.WithLabelValues("set", metrics.Success(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent writes value only when key does not exist
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("set_if_absent"))
	defer timer.ObserveDuration()

	var written bool
	err := s.update(func(txn *badger.Txn) error {
		written = false
		_, err := txn.Get(valueKey(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	m.StorageOperations.WithLabelValues("set_if_absent", metrics.Success(err)).Inc()
	if err != nil {
		return false, fmt.Errorf("failed to set %s: %w", key, err)
	}
	return written, nil
}

// Swap writes value at key and returns the previous value
func (s *Store) Swap(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("swap"))
	defer timer.ObserveDuration()

	var (
		prev    []byte
		existed bool
	)
	err := s.update(func(txn *badger.Txn) error {
		prev, existed = nil, false
		item, err := txn.Get(valueKey(key))
		switch {
		case err == nil:
			if prev, err = item.ValueCopy(nil); err != nil {
				return err
			}
			existed = true
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(valueKey(key), value)
	})
	m.StorageOperations.WithLabelValues("swap", metrics.Success(err)).Inc()
	if err != nil {
		return nil, false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	return prev, existed, nil
}

// Delete removes a plain key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(valueKey(key))
	})
	metrics.GetMetrics().StorageOperations.WithLabelValues("delete", metrics.Success(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// SAdd adds members to the set at key
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("sadd"))
	defer timer.ObserveDuration()

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, member := range members {
			if err := txn.Set(memberKey(key, member), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
	m.StorageOperations.WithLabelValues("sadd", metrics.Success(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to add members to %s: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("srem"))
	defer timer.ObserveDuration()

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, member := range members {
			if err := txn.Delete(memberKey(key, member)); err != nil {
				return err
			}
		}
		return nil
	})
	m.StorageOperations.WithLabelValues("srem", metrics.Success(err)).Inc()
	if err != nil {
		return fmt.Errorf("failed to remove members from %s: %w", key, err)
	}
	return nil
}

// SMembers returns the members of the set at key
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("smembers"))
	defer timer.ObserveDuration()

	prefix := memberPrefix(key)
	members := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			members = append(members, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	m.StorageOperations.WithLabelValues("smembers", metrics.Success(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of %s: %w", key, err)
	}
	return members, nil
}

// SetKeys returns every non-empty set key starting with prefix
func (s *Store) SetKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := metrics.GetMetrics()
	timer := prometheus.NewTimer(m.StorageOperationDuration.WithLabelValues("set_keys"))
	defer timer.ObserveDuration()

	seek := []byte(prefixSet + prefix)
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			raw := it.Item().Key()[len(prefixSet):]
			sep := bytes.IndexByte(raw, memberSep)
			if sep < 0 {
				continue
			}
			// Members of one set are adjacent, so comparing with the last
			// emitted key is enough to deduplicate
			setKey := string(raw[:sep])
			if n := len(keys); n == 0 || keys[n-1] != setKey {
				keys = append(keys, setKey)
			}
		}
		return nil
	})
	m.StorageOperations.WithLabelValues("set_keys", metrics.Success(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("failed to list set keys under %s: %w", prefix, err)
	}
	return keys, nil
}

// Close stops background GC and closes the database
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.db.Close()
		s.logger.Info().Msg("Badger store closed")
	})
	return err
}

// update runs fn in a read-write transaction, retrying on conflicts with
// concurrent writers of the same keys
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	s.rmwMu.Lock()
	defer s.rmwMu.Unlock()

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug().Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
	}
	return err
}

// runPeriodicGC reclaims value log space and refreshes the size gauge
func (s *Store) runPeriodicGC(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(gcDiscardRatio)
			switch {
			case err == nil:
				s.logger.Debug().Msg("Value log garbage collection completed")
			case errors.Is(err, badger.ErrNoRewrite):
				// nothing to reclaim
			default:
				s.logger.Error().Err(err).Msg("Error during value log garbage collection")
			}
			lsm, vlog := s.db.Size()
			metrics.GetMetrics().DBSize.Set(float64(lsm + vlog))
		case <-s.done:
			return
		}
	}
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry(valueKey(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}

func valueKey(key string) []byte {
	return []byte(prefixValue + key)
}

func memberPrefix(key string) []byte {
	p := make([]byte, 0, len(prefixSet)+len(key)+1)
	p = append(p, prefixSet...)
	p = append(p, key...)
	return append(p, memberSep)
}

func memberKey(key, member string) []byte {
	return append(memberPrefix(key), member...)
}
