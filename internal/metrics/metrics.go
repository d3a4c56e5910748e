// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package metrics provides Prometheus instrumentation for the processor:
// consumer throughput, idempotency short-circuits, extraction call
// behavior, rollup increments, and dead-letter totals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts messages received from the queue.
	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_events_received_total",
			Help: "Total number of article events received from the queue",
		},
	)

	// EventsProcessed counts events by terminal outcome.
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_events_processed_total",
			Help: "Total number of article events by terminal outcome",
		},
		[]string{"outcome"}, // committed, duplicate, skipped, dead_lettered, redelivery
	)

	// ClaimResults counts idempotency guard decisions.
	ClaimResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_claim_results_total",
			Help: "Total number of idempotency claim attempts by result",
		},
		[]string{"result"}, // fresh, committed, in_flight, error
	)

	// ExtractionDuration observes end-to-end extraction call latency,
	// including inline retries.
	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "processor_extraction_duration_seconds",
			Help:    "Duration of extraction service calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ExtractionRetries counts inline retries of the extraction call.
	ExtractionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_extraction_retries_total",
			Help: "Total number of extraction call retries",
		},
	)

	// ExtractionErrors counts extraction failures by classification.
	ExtractionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_extraction_errors_total",
			Help: "Total number of extraction failures by classification",
		},
		[]string{"classification"}, // transient, permanent
	)

	// RollupIncrements counts bucket increments by dimension kind.
	RollupIncrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_rollup_increments_total",
			Help: "Total number of aggregation bucket increments",
		},
		[]string{"kind"}, // country, entity, entity_country
	)

	// DeadLettered counts events routed to the dead-letter sink by stage.
	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_dead_lettered_total",
			Help: "Total number of events routed to the dead-letter sink",
		},
		[]string{"stage"}, // parse, extract, write, rollup
	)

	// StoreConflicts counts Badger transaction conflicts that were retried.
	StoreConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "processor_store_conflicts_total",
			Help: "Total number of storage transaction conflicts retried",
		},
	)

	// InFlight tracks events currently being processed by workers.
	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "processor_events_in_flight",
			Help: "Number of article events currently being processed",
		},
	)
)

// Outcome label values for EventsProcessed.
const (
	OutcomeCommitted    = "committed"
	OutcomeDuplicate    = "duplicate"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRedelivery   = "redelivery"
)

// RecordOutcome increments the processed counter for a terminal outcome.
func RecordOutcome(outcome string) {
	EventsProcessed.WithLabelValues(outcome).Inc()
}
