// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package pipeline

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy defines capped exponential backoff with jitter. The same
// policy drives inline extraction retries and spacing between dead-letter
// reprocessing attempts.
type RetryPolicy struct {
	// MaxRetries is the maximum number of retry attempts.
	MaxRetries int

	// InitialBackoff is the backoff before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff of any single retry.
	MaxBackoff time.Duration

	// BackoffMultiplier is the exponential multiplier.
	BackoffMultiplier float64

	// JitterFraction is the random jitter fraction (0.0-1.0).
	JitterFraction float64

	// MaxElapsed caps the total time spent retrying inline. Once
	// exceeded, the failure surfaces as transient and the queue's
	// redelivery takes over, so a slow upstream cannot pin a worker.
	// Zero means no ceiling.
	MaxElapsed time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// DefaultRetryPolicy returns production defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicyWithSeed(0)
}

// NewRetryPolicyWithSeed creates a RetryPolicy with a specific random
// seed. A zero seed uses a time-based seed; non-zero seeds give
// deterministic jitter in tests.
func NewRetryPolicyWithSeed(seed int64) *RetryPolicy {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RetryPolicy{
		MaxRetries:        5,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
		MaxElapsed:        2 * time.Minute,
		//nolint:gosec // G404: non-cryptographic jitter in backoff timing
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Backoff calculates the backoff duration for a given retry count.
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	backoff := float64(p.InitialBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount))
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	p.rngMu.Lock()
	jitter := backoff * p.JitterFraction * (p.rng.Float64()*2 - 1) // -jitter to +jitter
	p.rngMu.Unlock()

	return time.Duration(backoff + jitter)
}

// ShouldRetry reports whether another inline attempt is allowed for the
// given error, attempt count, and time already spent.
func (p *RetryPolicy) ShouldRetry(err error, retryCount int, elapsed time.Duration) bool {
	if retryCount >= p.MaxRetries {
		return false
	}
	if p.MaxElapsed > 0 && elapsed >= p.MaxElapsed {
		return false
	}
	return !IsPermanent(err)
}
