// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

// DefaultLeaseTTL bounds how long a crashed worker can block an article
// key. It must exceed the consumer's process timeout so a live worker
// never loses its claim mid-flight.
const DefaultLeaseTTL = 60 * time.Second

// Guard implements the idempotency barrier over the article store and
// the claim store. An article key claims Committed when its record
// exists, InFlight when a live lease is held by another worker, and
// Fresh otherwise, in which case the guard acquires the lease and the
// caller owns processing.
//
// The lease expires on its own, so a worker that dies mid-processing
// self-heals: the record was never created, the lease lapses, and
// redelivery claims Fresh again.
type Guard struct {
	articles ArticleStore
	claims   ClaimStore
	owner    string
	leaseTTL time.Duration
}

// NewGuard creates a guard with its own owner identity. Each processor
// instance gets a distinct owner so Release never removes a lease held
// by someone else.
func NewGuard(articles ArticleStore, claims ClaimStore, leaseTTL time.Duration) *Guard {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &Guard{
		articles: articles,
		claims:   claims,
		owner:    uuid.New().String(),
		leaseTTL: leaseTTL,
	}
}

// Claim implements pipeline.Guard. For a committed key the stored
// record is returned so the caller can finish its rollup idempotently.
func (g *Guard) Claim(ctx context.Context, articleKey string) (pipeline.ClaimResult, *event.ArticleRecord, error) {
	rec, err := g.articles.Get(ctx, articleKey)
	if err != nil {
		return 0, nil, pipeline.NewTransientError("check article record", err)
	}
	if rec != nil {
		return pipeline.ClaimCommitted, rec, nil
	}

	acquired, err := g.claims.Acquire(ctx, articleKey, g.owner, g.leaseTTL)
	if err != nil {
		return 0, nil, pipeline.NewTransientError("acquire processing lease", err)
	}
	if !acquired {
		return pipeline.ClaimInFlight, nil, nil
	}
	return pipeline.ClaimFresh, nil, nil
}

// Release implements pipeline.Guard. Failures are logged, not returned:
// a stuck lease lapses on its own after the TTL.
func (g *Guard) Release(ctx context.Context, articleKey string) {
	if err := g.claims.Release(ctx, articleKey, g.owner); err != nil {
		logging.Warn().Err(err).
			Str("article_key", articleKey).
			Msg("lease release failed, lease will expire on its own")
	}
}
