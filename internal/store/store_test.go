// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/PetarChernev/news-world-monitor/internal/event"
)

// fullStore is the combined surface both implementations provide.
type fullStore interface {
	ArticleStore
	RollupStore
	ClaimStore
	Close() error
}

// testStores runs a subtest against both store implementations.
func testStores(t *testing.T, fn func(t *testing.T, s fullStore)) {
	t.Helper()

	impls := map[string]func(t *testing.T) fullStore{
		"memory": func(t *testing.T) fullStore {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) fullStore {
			s, err := OpenBadger(BadgerConfig{InMemory: true, GCInterval: time.Hour})
			if err != nil {
				t.Fatalf("open badger: %v", err)
			}
			return s
		},
	}

	for name, open := range impls {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := open(t)
			t.Cleanup(func() {
				if err := s.Close(); err != nil {
					t.Errorf("close store: %v", err)
				}
			})
			fn(t, s)
		})
	}
}

func testRecord(key string) *event.ArticleRecord {
	return &event.ArticleRecord{
		ArticleKey:   key,
		SourceURL:    "https://example.com/" + key,
		Title:        "some headline",
		CountryCodes: []string{"US"},
		PublishedAt:  time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Entities:     []event.Entity{{Name: "Example", Type: "ORGANIZATION"}},
		Topics:       []event.Topic{},
		ProcessedAt:  time.Now().UTC(),
	}
}

func TestConditionalCreate(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		rec := testRecord("article-1")

		created, err := s.Create(ctx, rec)
		if err != nil {
			t.Fatalf("first create: %v", err)
		}
		if !created {
			t.Fatal("first create returned false")
		}

		// Second create with different content must not overwrite.
		other := testRecord("article-1")
		other.Title = "a different headline"
		created, err = s.Create(ctx, other)
		if err != nil {
			t.Fatalf("second create: %v", err)
		}
		if created {
			t.Fatal("second create returned true")
		}

		got, err := s.Get(ctx, "article-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil {
			t.Fatal("record missing after create")
		}
		if got.Title != rec.Title {
			t.Errorf("record title = %q, want original %q", got.Title, rec.Title)
		}
	})
}

func TestGetMissingReturnsNil(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		got, err := s.Get(context.Background(), "no-such-key")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != nil {
			t.Errorf("got %+v for missing key, want nil", got)
		}
	})
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		results := make(chan bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, err := s.Create(ctx, testRecord("contested"))
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				results <- created
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for created := range results {
			if created {
				wins++
			}
		}
		if wins != 1 {
			t.Errorf("%d creates reported success, want exactly 1", wins)
		}
	})
}

func TestCounterIncrement(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		key := BucketKey{Hour: "2026082510", Kind: DimensionCountry, Value: "US"}

		for want := uint64(1); want <= 3; want++ {
			got, err := s.Increment(ctx, key)
			if err != nil {
				t.Fatalf("increment: %v", err)
			}
			if got != want {
				t.Errorf("increment returned %d, want %d", got, want)
			}
		}

		count, err := s.Count(ctx, key)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 3 {
			t.Errorf("count = %d, want 3", count)
		}

		// A different bucket is independent and starts at zero.
		otherKey := BucketKey{Hour: "2026082510", Kind: DimensionCountry, Value: "GB"}
		count, err = s.Count(ctx, otherKey)
		if err != nil {
			t.Fatalf("count other: %v", err)
		}
		if count != 0 {
			t.Errorf("untouched bucket count = %d, want 0", count)
		}
	})
}

func TestConcurrentIncrements(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		key := BucketKey{Hour: "2026082511", Kind: DimensionEntity, Value: "blue-angels"}
		const workers = 8

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Increment(ctx, key); err != nil {
					t.Errorf("increment: %v", err)
				}
			}()
		}
		wg.Wait()

		count, err := s.Count(ctx, key)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != workers {
			t.Errorf("count = %d, want %d", count, workers)
		}
	})
}

func TestApplyRollupOnce(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		keys := []BucketKey{
			{Hour: "2026082512", Kind: DimensionCountry, Value: "US"},
			{Hour: "2026082512", Kind: DimensionEntity, Value: "blue-angels"},
			{Hour: "2026082512", Kind: DimensionEntityCountry, Value: "blue-angels:US"},
		}

		applied, err := s.ApplyRollup(ctx, "article-1", keys)
		if err != nil {
			t.Fatalf("first apply: %v", err)
		}
		if !applied {
			t.Fatal("first apply returned false")
		}

		// A repeat for the same article must not touch any bucket.
		applied, err = s.ApplyRollup(ctx, "article-1", keys)
		if err != nil {
			t.Fatalf("second apply: %v", err)
		}
		if applied {
			t.Fatal("second apply returned true")
		}

		for _, key := range keys {
			count, err := s.Count(ctx, key)
			if err != nil {
				t.Fatalf("count %s: %v", key, err)
			}
			if count != 1 {
				t.Errorf("bucket %s = %d, want 1", key, count)
			}
		}

		// A different article shares the buckets and increments them.
		applied, err = s.ApplyRollup(ctx, "article-2", keys[:1])
		if err != nil || !applied {
			t.Fatalf("apply for second article: applied=%v err=%v", applied, err)
		}
		count, err := s.Count(ctx, keys[0])
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 2 {
			t.Errorf("shared bucket = %d, want 2", count)
		}
	})
}

func TestConcurrentApplyRollupSingleWinner(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		keys := []BucketKey{{Hour: "2026082513", Kind: DimensionCountry, Value: "US"}}
		const workers = 8

		var wg sync.WaitGroup
		results := make(chan bool, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := s.ApplyRollup(ctx, "contested-rollup", keys)
				if err != nil {
					t.Errorf("apply: %v", err)
					return
				}
				results <- applied
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for applied := range results {
			if applied {
				wins++
			}
		}
		if wins != 1 {
			t.Errorf("%d applies reported success, want exactly 1", wins)
		}

		count, err := s.Count(ctx, keys[0])
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if count != 1 {
			t.Errorf("bucket = %d after concurrent applies, want 1", count)
		}
	})
}

func TestClaimAcquireRelease(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		acquired, err := s.Acquire(ctx, "article-1", "owner-a", time.Minute)
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if !acquired {
			t.Fatal("first acquire failed")
		}

		// A second claimant is refused while the lease is live.
		acquired, err = s.Acquire(ctx, "article-1", "owner-b", time.Minute)
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
		if acquired {
			t.Fatal("second acquire succeeded while lease held")
		}

		// Release by a non-owner is a no-op.
		if err := s.Release(ctx, "article-1", "owner-b"); err != nil {
			t.Fatalf("non-owner release: %v", err)
		}
		acquired, err = s.Acquire(ctx, "article-1", "owner-b", time.Minute)
		if err != nil {
			t.Fatalf("acquire after non-owner release: %v", err)
		}
		if acquired {
			t.Fatal("lease lost to a non-owner release")
		}

		// Release by the owner frees the key.
		if err := s.Release(ctx, "article-1", "owner-a"); err != nil {
			t.Fatalf("owner release: %v", err)
		}
		acquired, err = s.Acquire(ctx, "article-1", "owner-b", time.Minute)
		if err != nil {
			t.Fatalf("acquire after release: %v", err)
		}
		if !acquired {
			t.Fatal("acquire failed after owner release")
		}
	})
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()

	testStores(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		const workers = 16

		var wg sync.WaitGroup
		var wins sync.Map
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				acquired, err := s.Acquire(ctx, "contested", "owner", time.Minute)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if acquired {
					wins.Store(id, true)
				}
			}(i)
		}
		wg.Wait()

		count := 0
		wins.Range(func(_, _ any) bool {
			count++
			return true
		})
		if count != 1 {
			t.Errorf("%d acquires succeeded, want exactly 1", count)
		}
	})
}

func TestLeaseExpires(t *testing.T) {
	t.Parallel()

	// Expiry timing is only deterministic for the memory store; Badger
	// TTLs have second granularity.
	s := NewMemoryStore()
	ctx := context.Background()

	acquired, err := s.Acquire(ctx, "article-1", "owner-a", 10*time.Millisecond)
	if err != nil || !acquired {
		t.Fatalf("acquire: acquired=%v err=%v", acquired, err)
	}

	time.Sleep(30 * time.Millisecond)

	acquired, err = s.Acquire(ctx, "article-1", "owner-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !acquired {
		t.Error("expired lease still blocks acquisition")
	}
}

func TestClosedStoreErrors(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx := context.Background()
	if _, err := s.Create(ctx, testRecord("x")); err != ErrClosed {
		t.Errorf("Create on closed store: err = %v, want ErrClosed", err)
	}
	if _, err := s.Get(ctx, "x"); err != ErrClosed {
		t.Errorf("Get on closed store: err = %v, want ErrClosed", err)
	}
	if _, err := s.Increment(ctx, BucketKey{Hour: "h", Kind: DimensionCountry, Value: "US"}); err != ErrClosed {
		t.Errorf("Increment on closed store: err = %v, want ErrClosed", err)
	}
	if _, err := s.ApplyRollup(ctx, "x", nil); err != ErrClosed {
		t.Errorf("ApplyRollup on closed store: err = %v, want ErrClosed", err)
	}
}

func TestBucketKeyString(t *testing.T) {
	t.Parallel()

	k := BucketKey{Hour: "2026082510", Kind: DimensionEntityCountry, Value: "blue-angels:US"}
	want := "2026082510/entity_country/blue-angels:US"
	if got := k.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
