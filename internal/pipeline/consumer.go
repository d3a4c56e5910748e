// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package pipeline implements the idempotent enrichment-and-aggregation
// consumer: it pulls article events from NATS JetStream (at-least-once),
// drives each through claim -> extract -> write -> rollup, and decides
// acknowledgment so that redelivery never double-persists or
// double-counts.
//
// Error handling contract: every stage returns a classified error
// (TransientError or PermanentError). The consumer is the only place
// that maps classification to queue behavior:
//
//	transient -> leave unacked, queue redelivers after the ack wait
//	permanent -> publish to the dead-letter sink, then ack
//	duplicate -> ack without reprocessing (not an error)
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/metrics"
)

// ClaimResult is the idempotency guard's decision for an article key.
type ClaimResult int

const (
	// ClaimFresh means the caller owns processing for the key.
	ClaimFresh ClaimResult = iota
	// ClaimCommitted means the record is already durable. Its rollup may
	// still need finishing, so the committed record comes back with the
	// claim and the caller re-applies it idempotently.
	ClaimCommitted
	// ClaimInFlight means another live worker holds the processing lease
	// for the key; the event is acknowledged without reprocessing.
	ClaimInFlight
)

// Guard is the idempotency barrier. Exactly one concurrent claimant of
// a key observes ClaimFresh; everyone else observes ClaimCommitted or
// ClaimInFlight.
type Guard interface {
	// Claim decides whether the caller owns processing of the key. For
	// ClaimCommitted the existing record is returned alongside.
	// A transient storage failure surfaces as an error; the caller must
	// not guess an outcome.
	Claim(ctx context.Context, articleKey string) (ClaimResult, *event.ArticleRecord, error)

	// Release abandons a Fresh claim after a transient failure so
	// redelivery can retry without waiting for the lease to expire.
	Release(ctx context.Context, articleKey string)
}

// Extractor produces enriched fields for an article by calling the
// external extraction service. Implementations classify failures:
// timeouts/5xx/429 transient, contract violations permanent.
type Extractor interface {
	Extract(ctx context.Context, ev *event.ArticleEvent) (*event.EnrichedFields, error)
}

// RecordWriter persists the enriched article exactly once per key.
type RecordWriter interface {
	// Write creates the record if absent. Returns true when this call
	// committed the record.
	Write(ctx context.Context, rec *event.ArticleRecord) (bool, error)
}

// Updater applies the per-hour aggregate increments for a committed
// record. Apply is idempotent per article key, so repeats after a
// partial failure or on a redelivered commit are no-ops.
type Updater interface {
	Apply(ctx context.Context, rec *event.ArticleRecord) error
}

// DeadLetterer is the terminal sink for permanently failed events.
type DeadLetterer interface {
	Publish(ctx context.Context, entry *DeadLetterEntry) error
}

// MessageSource abstracts the queue subscription. Satisfied by
// *Subscriber and by Watermill's in-process pubsub in tests.
type MessageSource interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
	Close() error
}

// ConsumerConfig holds consumer loop configuration.
type ConsumerConfig struct {
	// Topic is the JetStream subject to consume (default: articles.raw).
	Topic string

	// WorkerCount is the number of concurrent event processors.
	WorkerCount int

	// ProcessTimeout bounds the processing of a single event, covering
	// all storage operations and the extraction call with its inline
	// retries. Must stay below the subscriber's ack wait.
	ProcessTimeout time.Duration
}

// DefaultConsumerConfig returns production defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Topic:          "articles.raw",
		WorkerCount:    4,
		ProcessTimeout: 25 * time.Second,
	}
}

// ConsumerStats holds runtime counters for monitoring.
type ConsumerStats struct {
	Received     int64
	Committed    int64
	Duplicates   int64
	Skipped      int64
	DeadLettered int64
	Redelivered  int64
}

// Consumer runs the worker pool that drains the article event stream.
type Consumer struct {
	source     MessageSource
	serializer *event.Serializer
	guard      Guard
	extractor  Extractor
	writer     RecordWriter
	updater    Updater
	deadletter DeadLetterer
	config     ConsumerConfig

	running atomic.Bool

	received     atomic.Int64
	committed    atomic.Int64
	duplicates   atomic.Int64
	skipped      atomic.Int64
	deadLettered atomic.Int64
	redelivered  atomic.Int64
}

// NewConsumer wires the consumer loop. All collaborators are required.
func NewConsumer(
	source MessageSource,
	guard Guard,
	extractor Extractor,
	writer RecordWriter,
	updater Updater,
	deadletter DeadLetterer,
	cfg ConsumerConfig,
) (*Consumer, error) {
	if source == nil || guard == nil || extractor == nil || writer == nil || updater == nil || deadletter == nil {
		return nil, errors.New("consumer: all collaborators are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultConsumerConfig().Topic
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConsumerConfig().WorkerCount
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultConsumerConfig().ProcessTimeout
	}

	return &Consumer{
		source:     source,
		serializer: event.NewSerializer(),
		guard:      guard,
		extractor:  extractor,
		writer:     writer,
		updater:    updater,
		deadletter: deadletter,
		config:     cfg,
	}, nil
}

// Run subscribes and processes events until ctx is canceled. Workers
// share one message channel; in-flight events finish (bounded by
// ProcessTimeout) and anything unacked at shutdown is redelivered by the
// queue, so no work is silently lost.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("consumer already running")
	}
	defer c.running.Store(false)

	messages, err := c.source.Subscribe(ctx, c.config.Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.config.Topic, err)
	}

	logging.Info().
		Str("topic", c.config.Topic).
		Int("workers", c.config.WorkerCount).
		Msg("consumer started")

	var wg sync.WaitGroup
	for i := 0; i < c.config.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range messages {
				c.handleMessage(ctx, msg)
			}
		}()
	}
	wg.Wait()

	logging.Info().Str("topic", c.config.Topic).Msg("consumer stopped")
	return ctx.Err()
}

// Stats returns a snapshot of runtime counters.
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Received:     c.received.Load(),
		Committed:    c.committed.Load(),
		Duplicates:   c.duplicates.Load(),
		Skipped:      c.skipped.Load(),
		DeadLettered: c.deadLettered.Load(),
		Redelivered:  c.redelivered.Load(),
	}
}

// handleMessage drives one delivery through the pipeline and maps its
// outcome to ack/nack.
func (c *Consumer) handleMessage(ctx context.Context, msg *message.Message) {
	c.received.Add(1)
	metrics.EventsReceived.Inc()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	procCtx, cancel := context.WithTimeout(ctx, c.config.ProcessTimeout)
	defer cancel()

	outcome := c.process(procCtx, msg)
	switch outcome {
	case outcomeCommitted:
		c.committed.Add(1)
		metrics.RecordOutcome(metrics.OutcomeCommitted)
		msg.Ack()
	case outcomeDuplicate:
		c.duplicates.Add(1)
		metrics.RecordOutcome(metrics.OutcomeDuplicate)
		msg.Ack()
	case outcomeSkipped:
		c.skipped.Add(1)
		metrics.RecordOutcome(metrics.OutcomeSkipped)
		msg.Ack()
	case outcomeDeadLettered:
		c.deadLettered.Add(1)
		metrics.RecordOutcome(metrics.OutcomeDeadLettered)
		msg.Ack()
	case outcomeRedeliver:
		c.redelivered.Add(1)
		metrics.RecordOutcome(metrics.OutcomeRedelivery)
		msg.Nack()
	}
}

type processOutcome int

const (
	outcomeCommitted processOutcome = iota
	outcomeDuplicate
	outcomeSkipped
	outcomeDeadLettered
	outcomeRedeliver
)

// process runs the staged pipeline for one delivery.
func (c *Consumer) process(ctx context.Context, msg *message.Message) processOutcome {
	// Parse. A payload that cannot become an ArticleEvent never will;
	// dead-letter immediately rather than retrying forever.
	ev, err := c.serializer.Unmarshal(msg.Payload)
	if err != nil {
		return c.deadLetter(ctx, msg.UUID, nil, msg.Payload, StageParse,
			NewPermanentError("malformed event payload", err))
	}

	// An event without a title has nothing to enrich or count. The
	// fetcher occasionally emits these; treat as a successful no-op.
	if event.NormalizeSpace(ev.Title) == "" {
		logging.Debug().Str("source_url", ev.SourceURL).Msg("event without title, skipping")
		return outcomeSkipped
	}

	key := ev.Key()
	log := logging.With().Str("article_key", key).Logger()

	// Idempotency barrier.
	claim, committed, err := c.guard.Claim(ctx, key)
	if err != nil {
		metrics.ClaimResults.WithLabelValues("error").Inc()
		log.Warn().Err(err).Msg("claim failed, leaving event for redelivery")
		return outcomeRedeliver
	}
	switch claim {
	case ClaimInFlight:
		metrics.ClaimResults.WithLabelValues("in_flight").Inc()
		log.Debug().Msg("article claimed by another worker")
		return outcomeDuplicate
	case ClaimCommitted:
		metrics.ClaimResults.WithLabelValues("committed").Inc()
		// The record is durable, but its rollup may not have finished if
		// the committing delivery failed right after the write. Apply is
		// idempotent, so finishing it here is safe.
		if err := c.updater.Apply(ctx, committed); err != nil {
			log.Warn().Err(err).Msg("rollup completion failed, leaving event for redelivery")
			return outcomeRedeliver
		}
		log.Debug().Msg("article already processed")
		return outcomeDuplicate
	}
	metrics.ClaimResults.WithLabelValues("fresh").Inc()

	// Enrich.
	enriched, err := c.extractor.Extract(ctx, ev)
	if err != nil {
		if IsPermanent(err) {
			c.guard.Release(ctx, key)
			return c.deadLetter(ctx, msg.UUID, ev, msg.Payload, StageExtract, err)
		}
		c.guard.Release(ctx, key)
		log.Warn().Err(err).Msg("extraction failed, leaving event for redelivery")
		return outcomeRedeliver
	}

	// Persist. The conditional create is the commit point: from here on
	// the article is processed and redeliveries short-circuit.
	rec := event.NewArticleRecord(ev, enriched, time.Now())
	created, err := c.writer.Write(ctx, rec)
	if err != nil {
		c.guard.Release(ctx, key)
		log.Warn().Err(err).Msg("record write failed, leaving event for redelivery")
		return outcomeRedeliver
	}
	if !created {
		// Raced with a concurrent commit that slipped past the lease
		// window (e.g. an expired lease). The record is there; done.
		c.guard.Release(ctx, key)
		log.Debug().Msg("record already committed by another worker")
		return outcomeDuplicate
	}

	// Aggregate. The store pairs the increments with a per-article
	// marker, so Apply runs exactly once no matter how many deliveries
	// reach it. On failure the event stays unacked: the record is
	// already durable and the redelivery finishes the rollup through
	// the committed-claim path above.
	if err := c.updater.Apply(ctx, rec); err != nil {
		c.guard.Release(ctx, key)
		log.Warn().Err(err).Msg("rollup failed after commit, leaving event for redelivery")
		return outcomeRedeliver
	}

	c.guard.Release(ctx, key)
	log.Info().
		Int("entities", len(rec.Entities)).
		Int("topics", len(rec.Topics)).
		Msg("article committed")
	return outcomeCommitted
}

// deadLetter publishes the entry and reports the terminal outcome. If
// the sink itself is unavailable the event is left for redelivery
// instead, so no permanent failure is ever silently dropped.
func (c *Consumer) deadLetter(ctx context.Context, messageID string, ev *event.ArticleEvent, payload []byte, stage Stage, cause error) processOutcome {
	entry := NewDeadLetterEntry(messageID, ev, payload, stage, cause)
	if err := c.deadletter.Publish(ctx, entry); err != nil {
		logging.Error().Err(err).
			Str("stage", string(stage)).
			Msg("dead-letter publish failed, leaving event for redelivery")
		return outcomeRedeliver
	}
	metrics.DeadLettered.WithLabelValues(string(stage)).Inc()
	logging.Warn().
		Str("stage", string(stage)).
		Err(cause).
		Msg("event dead-lettered")
	return outcomeDeadLettered
}
