// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

// ConsumerService runs the event consumer as a supervised service. A
// consumer that fails restarts with backoff; context cancellation is a
// normal stop.
type ConsumerService struct {
	consumer *pipeline.Consumer
}

// NewConsumerService wraps a consumer.
func NewConsumerService(consumer *pipeline.Consumer) *ConsumerService {
	return &ConsumerService{consumer: consumer}
}

// Serve implements suture.Service.
func (s *ConsumerService) Serve(ctx context.Context) error {
	return s.consumer.Run(ctx)
}

func (s *ConsumerService) String() string { return "consumer" }

// BrokerService owns the embedded NATS server's shutdown. The server is
// started eagerly by main, before the tree serves, because subscribers
// need a reachable broker at construction time.
type BrokerService struct {
	server *pipeline.EmbeddedServer
}

// NewBrokerService wraps an already-running embedded server.
func NewBrokerService(server *pipeline.EmbeddedServer) *BrokerService {
	return &BrokerService{server: server}
}

// Serve implements suture.Service. It blocks until cancellation, then
// shuts the broker down.
func (s *BrokerService) Serve(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("broker shutdown: %w", err)
	}
	return ctx.Err()
}

func (s *BrokerService) String() string { return "embedded-nats" }

// MetricsService runs the Prometheus scrape endpoint as a supervised
// service.
type MetricsService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

// NewMetricsService wraps an HTTP server exposing /metrics.
func NewMetricsService(server *http.Server, shutdownTimeout time.Duration) *MetricsService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &MetricsService{server: server, shutdownTimeout: shutdownTimeout}
}

// Serve implements suture.Service.
func (s *MetricsService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return ctx.Err()
	}
}

func (s *MetricsService) String() string { return "metrics-server" }
