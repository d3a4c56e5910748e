// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package store provides the durable state behind the pipeline: the
// article record store, the per-hour aggregation counters, and the
// processing-claim leases. All cross-worker coordination happens through
// conditional operations here; workers never share in-memory state.
//
// Two implementations exist: BadgerStore for production and MemoryStore
// for tests. Both provide the same conditional semantics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/PetarChernev/news-world-monitor/internal/event"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// DimensionKind identifies the aggregation dimension of a bucket.
type DimensionKind string

const (
	// DimensionCountry buckets count distinct articles per country.
	DimensionCountry DimensionKind = "country"
	// DimensionEntity buckets count distinct articles per entity.
	DimensionEntity DimensionKind = "entity"
	// DimensionEntityCountry buckets count articles per (entity, country)
	// pair, additive to the two primary dimensions.
	DimensionEntityCountry DimensionKind = "entity_country"
)

// BucketKey identifies one aggregation counter:
// (hour bucket, dimension kind, dimension value).
type BucketKey struct {
	Hour  string
	Kind  DimensionKind
	Value string
}

// String formats the key for storage and logging.
func (k BucketKey) String() string {
	return k.Hour + "/" + string(k.Kind) + "/" + k.Value
}

// ArticleStore persists enriched article records keyed by article key.
type ArticleStore interface {
	// Create durably writes the record if and only if no record exists
	// for its article key. Returns true when the record was created,
	// false when the key already existed. The check and the write are a
	// single atomic operation.
	Create(ctx context.Context, rec *event.ArticleRecord) (bool, error)

	// Get returns the record for a key, or nil if absent.
	Get(ctx context.Context, articleKey string) (*event.ArticleRecord, error)
}

// CounterStore applies conditional increments to aggregation buckets.
// Counters are unsigned, monotonically increasing, and created at zero
// on first increment. No decrement operation exists.
type CounterStore interface {
	// Increment atomically adds one to the bucket, initializing it if
	// absent, and returns the new value.
	Increment(ctx context.Context, key BucketKey) (uint64, error)

	// Count returns the current value of a bucket, zero if absent.
	Count(ctx context.Context, key BucketKey) (uint64, error)
}

// RollupStore applies a committed article's full set of bucket
// increments exactly once. The increments and a per-article marker are
// written together, so a failed or repeated rollup can be retried
// without double-counting any bucket.
type RollupStore interface {
	CounterStore

	// ApplyRollup increments every key and records the article's rollup
	// marker as one atomic operation. Returns false without touching any
	// bucket when the marker already exists.
	ApplyRollup(ctx context.Context, articleKey string, keys []BucketKey) (bool, error)
}

// Lease is a processing claim held by one worker for one article key.
type Lease struct {
	ArticleKey string    `json:"article_key"`
	Owner      string    `json:"owner"`
	ClaimedAt  time.Time `json:"claimed_at"`
}

// ClaimStore manages short-lived processing leases. A lease expires on
// its own after the TTL so a crashed worker cannot wedge an article key.
type ClaimStore interface {
	// Acquire creates the lease if no live lease exists for the key.
	// Returns true when this caller now owns processing, false when
	// another live lease exists. Creation is conditional and atomic.
	Acquire(ctx context.Context, articleKey, owner string, ttl time.Duration) (bool, error)

	// Release removes the lease if it is held by owner. Releasing a
	// lease held by someone else (or none at all) is a no-op.
	Release(ctx context.Context, articleKey, owner string) error
}
