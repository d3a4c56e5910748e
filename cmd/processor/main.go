// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Command processor consumes raw article events from NATS JetStream,
// enriches them through the extraction service, persists one record per
// article, and maintains the per-hour aggregation counters. Processing
// is idempotent: redeliveries of the same article never double-persist
// or double-count.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PetarChernev/news-world-monitor/internal/config"
	"github.com/PetarChernev/news-world-monitor/internal/extract"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
	"github.com/PetarChernev/news-world-monitor/internal/rollup"
	"github.com/PetarChernev/news-world-monitor/internal/store"
	"github.com/PetarChernev/news-world-monitor/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration invalid")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("processor failed")
	}
	logging.Info().Msg("processor stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())

	// Broker. Either embedded or external; either way the stream must
	// exist before the subscriber binds to it.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		server, err := pipeline.NewEmbeddedServer(pipeline.ServerConfig{
			Host:              "127.0.0.1",
			Port:              4222,
			StoreDir:          cfg.NATS.StoreDir,
			JetStreamMaxMem:   cfg.NATS.MaxMemory,
			JetStreamMaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			return err
		}
		natsURL = server.ClientURL()
		tree.AddBrokerService(supervisor.NewBrokerService(server))
		logging.Info().Str("url", natsURL).Msg("embedded NATS server started")
	}

	streamCfg := pipeline.DefaultStreamConfig()
	streamCfg.Name = cfg.NATS.StreamName
	streamCfg.Subjects = []string{cfg.NATS.RawSubject, cfg.NATS.DeadLetterTopic}
	streamCfg.MaxAge = cfg.NATS.RetentionAge
	if err := pipeline.EnsureStream(ctx, natsURL, streamCfg); err != nil {
		return err
	}

	// Store.
	badgerCfg := store.DefaultBadgerConfig(cfg.Store.Path)
	badgerCfg.GCInterval = cfg.Store.GCInterval
	db, err := store.OpenBadger(badgerCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("store close failed")
		}
	}()

	// Messaging.
	wmLogger := watermill.NewStdLogger(false, false)

	subCfg := pipeline.DefaultSubscriberConfig(natsURL)
	subCfg.StreamName = cfg.NATS.StreamName
	subCfg.DurableName = cfg.NATS.DurableName
	subCfg.QueueGroup = cfg.NATS.QueueGroup
	subCfg.AckWaitTimeout = cfg.NATS.AckWait
	subCfg.MaxDeliver = cfg.NATS.MaxDeliver
	subCfg.MaxAckPending = cfg.NATS.MaxAckPending
	subscriber, err := pipeline.NewSubscriber(subCfg, wmLogger)
	if err != nil {
		return err
	}

	publisher, err := pipeline.NewPublisher(pipeline.DefaultPublisherConfig(natsURL), wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("publisher close failed")
		}
	}()

	deadletter, err := pipeline.NewDeadLetterPublisher(publisher, cfg.NATS.DeadLetterTopic)
	if err != nil {
		return err
	}

	// Extraction.
	retry := pipeline.DefaultRetryPolicy()
	if cfg.Extraction.MaxRetries > 0 {
		retry.MaxRetries = cfg.Extraction.MaxRetries
	}
	if cfg.Extraction.MaxElapsed > 0 {
		retry.MaxElapsed = cfg.Extraction.MaxElapsed
	}
	extractor, err := extract.NewClient(extract.Config{
		BaseURL:           cfg.Extraction.BaseURL,
		CallTimeout:       cfg.Extraction.CallTimeout,
		RequestsPerSecond: cfg.Extraction.RequestsPerSecond,
		Burst:             cfg.Extraction.Burst,
	}, retry)
	if err != nil {
		return err
	}

	// Consumer.
	consumer, err := pipeline.NewConsumer(
		subscriber,
		store.NewGuard(db, db, cfg.Store.LeaseTTL),
		extractor,
		store.NewWriter(db),
		rollup.NewUpdater(db),
		deadletter,
		pipeline.ConsumerConfig{
			Topic:          cfg.NATS.RawSubject,
			WorkerCount:    cfg.Consumer.WorkerCount,
			ProcessTimeout: cfg.Consumer.ProcessTimeout,
		},
	)
	if err != nil {
		return err
	}
	tree.AddProcessingService(supervisor.NewConsumerService(consumer))

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		metricsServer := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		tree.AddProcessingService(supervisor.NewMetricsService(metricsServer, 10*time.Second))
	}

	logging.Info().
		Str("stream", cfg.NATS.StreamName).
		Str("subject", cfg.NATS.RawSubject).
		Int("workers", cfg.Consumer.WorkerCount).
		Msg("starting processor")

	err = tree.Serve(ctx)
	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("service did not stop within timeout")
		}
	}
	return err
}
