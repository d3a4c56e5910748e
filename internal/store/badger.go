// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/metrics"
)

// Key prefixes keep the stores in one Badger instance.
var (
	prefixArticle = []byte("article:")
	prefixClaim   = []byte("claim:")
	prefixBucket  = []byte("bucket:")
	prefixRollup  = []byte("rollup:")
)

// maxTxnRetries bounds retries of transactions aborted by Badger's
// conflict detection. Conflicts are expected under concurrent redelivery
// and resolve by re-running the transaction against the new state.
const maxTxnRetries = 10

// BadgerConfig holds BadgerDB store configuration.
type BadgerConfig struct {
	// Path is the on-disk database directory.
	Path string

	// InMemory runs Badger without disk persistence. Test use only.
	InMemory bool

	// GCInterval is how often value-log garbage collection runs.
	// Default: 10m.
	GCInterval time.Duration
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:       path,
		GCInterval: 10 * time.Minute,
	}
}

// BadgerStore implements ArticleStore, RollupStore, and ClaimStore on a
// single BadgerDB instance. Badger's serializable transactions provide
// the conditional-create and conditional-increment primitives; no other
// locking is used.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (creating if needed) the store at cfg.Path.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}

	s := &BadgerStore{
		db:     db,
		gcStop: make(chan struct{}),
		gcDone: make(chan struct{}),
	}

	gcInterval := cfg.GCInterval
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}
	go s.gcLoop(gcInterval)

	return s, nil
}

// Close stops background GC and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStop)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) gcLoop(interval time.Duration) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Warn().Err(err).Msg("badger value log GC failed")
			}
		}
	}
}

func (s *BadgerStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// update runs fn in a read-write transaction, retrying on conflict.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) || attempt >= maxTxnRetries {
			return err
		}
		metrics.StoreConflicts.Inc()
	}
}

func articleKey(key string) []byte {
	return append(append([]byte{}, prefixArticle...), key...)
}

func claimKey(key string) []byte {
	return append(append([]byte{}, prefixClaim...), key...)
}

func bucketKey(key BucketKey) []byte {
	return append(append([]byte{}, prefixBucket...), key.String()...)
}

func rollupKey(key string) []byte {
	return append(append([]byte{}, prefixRollup...), key...)
}

func counterValue(item *badger.Item) (uint64, error) {
	var value uint64
	err := item.Value(func(val []byte) error {
		if len(val) != 8 {
			return errors.New("malformed counter value")
		}
		value = binary.BigEndian.Uint64(val)
		return nil
	})
	return value, err
}

// Create implements ArticleStore.
func (s *BadgerStore) Create(ctx context.Context, rec *event.ArticleRecord) (bool, error) {
	data, err := event.MarshalRecord(rec)
	if err != nil {
		return false, err
	}

	key := articleKey(rec.ArticleKey)
	created := false
	err = s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, getErr := txn.Get(key)
		if getErr == nil {
			return nil // record exists, leave it untouched
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		created = true
		return txn.Set(key, data)
	})
	if err != nil {
		return false, fmt.Errorf("create article %s: %w", rec.ArticleKey, err)
	}
	return created, nil
}

// Get implements ArticleStore.
func (s *BadgerStore) Get(ctx context.Context, key string) (*event.ArticleRecord, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *event.ArticleRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(articleKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			r, umErr := event.UnmarshalRecord(val)
			if umErr != nil {
				return umErr
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get article %s: %w", key, err)
	}
	return rec, nil
}

// Increment implements CounterStore.
func (s *BadgerStore) Increment(ctx context.Context, key BucketKey) (uint64, error) {
	bk := bucketKey(key)
	var value uint64
	err := s.update(ctx, func(txn *badger.Txn) error {
		value = 0
		item, err := txn.Get(bk)
		if err == nil {
			v, valErr := counterValue(item)
			if valErr != nil {
				return fmt.Errorf("bucket %s: %w", key, valErr)
			}
			value = v
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		value++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, value)
		return txn.Set(bk, buf)
	})
	if err != nil {
		return 0, fmt.Errorf("increment bucket %s: %w", key, err)
	}
	return value, nil
}

// ApplyRollup implements RollupStore. The marker check, every bucket
// increment, and the marker write run in one transaction, so a crash or
// conflict leaves either the full rollup or none of it.
func (s *BadgerStore) ApplyRollup(ctx context.Context, article string, keys []BucketKey) (bool, error) {
	mk := rollupKey(article)
	applied := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		applied = false
		_, getErr := txn.Get(mk)
		if getErr == nil {
			return nil // rollup already applied for this article
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}

		for _, key := range keys {
			bk := bucketKey(key)
			var value uint64
			item, err := txn.Get(bk)
			if err == nil {
				v, valErr := counterValue(item)
				if valErr != nil {
					return fmt.Errorf("bucket %s: %w", key, valErr)
				}
				value = v
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			value++
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, value)
			if err := txn.Set(bk, buf); err != nil {
				return err
			}
		}

		applied = true
		return txn.Set(mk, []byte{1})
	})
	if err != nil {
		return false, fmt.Errorf("apply rollup %s: %w", article, err)
	}
	return applied, nil
}

// Count implements CounterStore.
func (s *BadgerStore) Count(ctx context.Context, key BucketKey) (uint64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var value uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(bucketKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		v, valErr := counterValue(item)
		if valErr != nil {
			return fmt.Errorf("bucket %s: %w", key, valErr)
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count bucket %s: %w", key, err)
	}
	return value, nil
}

// Acquire implements ClaimStore. The lease entry carries a Badger TTL so
// an abandoned claim disappears on its own after the lease duration.
func (s *BadgerStore) Acquire(ctx context.Context, article, owner string, ttl time.Duration) (bool, error) {
	lease := Lease{
		ArticleKey: article,
		Owner:      owner,
		ClaimedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(lease)
	if err != nil {
		return false, fmt.Errorf("marshal lease: %w", err)
	}

	key := claimKey(article)
	acquired := false
	err = s.update(ctx, func(txn *badger.Txn) error {
		acquired = false
		_, getErr := txn.Get(key)
		if getErr == nil {
			return nil // live lease held by someone
		}
		if !errors.Is(getErr, badger.ErrKeyNotFound) {
			return getErr
		}
		acquired = true
		entry := badger.NewEntry(key, data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("acquire claim %s: %w", article, err)
	}
	return acquired, nil
}

// Release implements ClaimStore.
func (s *BadgerStore) Release(ctx context.Context, article, owner string) error {
	key := claimKey(article)
	err := s.update(ctx, func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}

		var lease Lease
		if valErr := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &lease)
		}); valErr != nil {
			return valErr
		}
		if lease.Owner != owner {
			return nil // not ours to release
		}
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("release claim %s: %w", article, err)
	}
	return nil
}
