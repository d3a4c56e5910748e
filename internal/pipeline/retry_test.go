// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWithSeed(42)
	p.InitialBackoff = time.Second
	p.MaxBackoff = 10 * time.Second
	p.BackoffMultiplier = 2.0
	p.JitterFraction = 0 // deterministic for this test

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second}, // capped
		{10, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWithSeed(7)
	p.InitialBackoff = time.Second
	p.JitterFraction = 0.1

	for i := 0; i < 100; i++ {
		got := p.Backoff(0)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("Backoff(0) = %v, want within ±10%% of 1s", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWithSeed(1)
	p.MaxRetries = 3
	p.MaxElapsed = time.Minute

	transient := NewTransientError("timeout", nil)
	permanent := NewPermanentError("contract violation", nil)
	plain := errors.New("plain")

	tests := []struct {
		name    string
		err     error
		retries int
		elapsed time.Duration
		want    bool
	}{
		{"transient under limits", transient, 0, 0, true},
		{"transient at retry limit", transient, 3, 0, false},
		{"transient past elapsed ceiling", transient, 0, 2 * time.Minute, false},
		{"permanent never retries", permanent, 0, 0, false},
		{"unclassified treated transient", plain, 1, time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := p.ShouldRetry(tt.err, tt.retries, tt.elapsed); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d, %v) = %v, want %v", tt.err, tt.retries, tt.elapsed, got, tt.want)
			}
		})
	}
}

func TestShouldRetryNoElapsedCeiling(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicyWithSeed(1)
	p.MaxElapsed = 0

	if !p.ShouldRetry(NewTransientError("timeout", nil), 0, 24*time.Hour) {
		t.Error("zero MaxElapsed must not impose a ceiling")
	}
}
