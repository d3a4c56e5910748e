// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package rollup maintains the per-hour aggregation counters derived
// from committed article records. All of a record's increments are
// applied together with a per-article marker, so any number of
// redeliveries count each (article, bucket) pair exactly once.
package rollup

import (
	"context"
	"time"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/metrics"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
	"github.com/PetarChernev/news-world-monitor/internal/store"
)

// Updater applies the aggregate increments for committed records. It
// implements pipeline.Updater.
type Updater struct {
	counters store.RollupStore

	// maxAttempts bounds the retry loop for transient store failures.
	maxAttempts int
	retryWait   time.Duration
}

// NewUpdater creates an updater over a rollup store.
func NewUpdater(counters store.RollupStore) *Updater {
	return &Updater{
		counters:    counters,
		maxAttempts: 3,
		retryWait:   50 * time.Millisecond,
	}
}

// Apply rolls the record into every bucket it contributes to: one per
// distinct country, one per distinct entity, and one per
// (entity, country) pair. The store writes all increments and the
// article's rollup marker atomically, so Apply is idempotent: calling
// it again after a failure, or on a redelivered commit, is a no-op once
// the marker exists.
func (u *Updater) Apply(ctx context.Context, rec *event.ArticleRecord) error {
	keys := bucketKeys(rec)

	var lastErr error
	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return pipeline.NewTransientError("rollup increments failed", ctx.Err())
			case <-time.After(u.retryWait):
			}
		}

		applied, err := u.counters.ApplyRollup(ctx, rec.ArticleKey, keys)
		if err != nil {
			lastErr = err
			logging.Debug().Err(err).Str("article_key", rec.ArticleKey).Msg("rollup apply failed")
			continue
		}
		if applied {
			for _, key := range keys {
				metrics.RollupIncrements.WithLabelValues(string(key.Kind)).Inc()
			}
		} else {
			logging.Debug().Str("article_key", rec.ArticleKey).Msg("rollup already applied")
		}
		return nil
	}
	return pipeline.NewTransientError("rollup increments failed", lastErr)
}

// bucketKeys returns the record's bucket keys for its publication hour.
func bucketKeys(rec *event.ArticleRecord) []store.BucketKey {
	hour := event.HourBucket(rec.PublishedAt)
	countries := rec.CountryCodes
	if len(countries) == 0 {
		countries = []string{event.UnknownCountry}
	}
	slugs := entitySlugs(rec)

	keys := make([]store.BucketKey, 0, len(countries)+len(slugs)*(1+len(countries)))
	for _, country := range countries {
		keys = append(keys, store.BucketKey{Hour: hour, Kind: store.DimensionCountry, Value: country})
	}
	for _, name := range slugs {
		keys = append(keys, store.BucketKey{Hour: hour, Kind: store.DimensionEntity, Value: name})
		for _, country := range countries {
			keys = append(keys, store.BucketKey{Hour: hour, Kind: store.DimensionEntityCountry, Value: name + ":" + country})
		}
	}
	return keys
}

// entitySlugs returns the distinct slugged entity names of a record, in
// first-seen order. Distinct entity names that slug to the same value
// collapse to one bucket.
func entitySlugs(rec *event.ArticleRecord) []string {
	seen := make(map[string]struct{}, len(rec.Entities))
	out := make([]string, 0, len(rec.Entities))
	for _, ent := range rec.Entities {
		slug := event.Slugify(ent.Name)
		if _, ok := seen[slug]; ok {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, slug)
	}
	return out
}
