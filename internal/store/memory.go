// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package store

import (
	"context"
	"sync"
	"time"

	"github.com/PetarChernev/news-world-monitor/internal/event"
)

// MemoryStore is an in-memory implementation of ArticleStore,
// RollupStore, and ClaimStore for tests. Conditional semantics match
// BadgerStore: a single mutex makes every check-and-write atomic.
type MemoryStore struct {
	mu       sync.Mutex
	articles map[string]*event.ArticleRecord
	counters map[BucketKey]uint64
	claims   map[string]memoryLease
	rollups  map[string]struct{}
	closed   bool

	// FailNext causes the next mutating operation to return this error,
	// then clears. Used to exercise transient storage failure paths.
	FailNext error
}

type memoryLease struct {
	lease     Lease
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		articles: make(map[string]*event.ArticleRecord),
		counters: make(map[BucketKey]uint64),
		claims:   make(map[string]memoryLease),
		rollups:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) takeFailure() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

// Create implements ArticleStore.
func (s *MemoryStore) Create(ctx context.Context, rec *event.ArticleRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := s.articles[rec.ArticleKey]; ok {
		return false, nil
	}
	clone := *rec
	s.articles[rec.ArticleKey] = &clone
	return true, nil
}

// Get implements ArticleStore.
func (s *MemoryStore) Get(ctx context.Context, key string) (*event.ArticleRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	rec, ok := s.articles[key]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(ctx context.Context, key BucketKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.takeFailure(); err != nil {
		return 0, err
	}
	s.counters[key]++
	return s.counters[key], nil
}

// ApplyRollup implements RollupStore.
func (s *MemoryStore) ApplyRollup(ctx context.Context, article string, keys []BucketKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := s.takeFailure(); err != nil {
		return false, err
	}
	if _, done := s.rollups[article]; done {
		return false, nil
	}
	for _, key := range keys {
		s.counters[key]++
	}
	s.rollups[article] = struct{}{}
	return true, nil
}

// Count implements CounterStore.
func (s *MemoryStore) Count(ctx context.Context, key BucketKey) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.counters[key], nil
}

// Acquire implements ClaimStore.
func (s *MemoryStore) Acquire(ctx context.Context, article, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if err := s.takeFailure(); err != nil {
		return false, err
	}

	now := time.Now()
	if existing, ok := s.claims[article]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.claims[article] = memoryLease{
		lease: Lease{
			ArticleKey: article,
			Owner:      owner,
			ClaimedAt:  now.UTC(),
		},
		expiresAt: now.Add(ttl),
	}
	return true, nil
}

// Release implements ClaimStore.
func (s *MemoryStore) Release(ctx context.Context, article, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if existing, ok := s.claims[article]; ok && existing.lease.Owner == owner {
		delete(s.claims, article)
	}
	return nil
}

// Articles returns a snapshot of all records, for test assertions.
func (s *MemoryStore) Articles() map[string]*event.ArticleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*event.ArticleRecord, len(s.articles))
	for k, v := range s.articles {
		clone := *v
		out[k] = &clone
	}
	return out
}

// Counters returns a snapshot of all bucket values, for test assertions.
func (s *MemoryStore) Counters() map[BucketKey]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[BucketKey]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
