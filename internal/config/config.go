// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package config loads the processor configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables, in ascending precedence.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root processor configuration.
type Config struct {
	Logging    LoggingConfig    `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	NATS       NATSConfig       `koanf:"nats"`
	Extraction ExtractionConfig `koanf:"extraction"`
	Consumer   ConsumerConfig   `koanf:"consumer"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig controls the Badger document and counter store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`

	// LeaseTTL is the processing claim lifetime. Must exceed the
	// consumer's process timeout.
	LeaseTTL time.Duration `koanf:"lease_ttl" validate:"gt=0"`

	GCInterval time.Duration `koanf:"gc_interval"`
}

// NATSConfig controls the broker connection and the event stream.
type NATSConfig struct {
	URL string `koanf:"url" validate:"required"`

	// EmbeddedServer runs an in-process JetStream server instead of
	// connecting to an external broker.
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name" validate:"required"`
	RawSubject      string        `koanf:"raw_subject" validate:"required"`
	DeadLetterTopic string        `koanf:"dead_letter_topic" validate:"required"`
	RetentionAge    time.Duration `koanf:"retention_age"`
	DurableName     string        `koanf:"durable_name" validate:"required"`
	QueueGroup      string        `koanf:"queue_group" validate:"required"`
	AckWait         time.Duration `koanf:"ack_wait" validate:"gt=0"`
	MaxDeliver      int           `koanf:"max_deliver" validate:"gt=0"`
	MaxAckPending   int           `koanf:"max_ack_pending"`
}

// ExtractionConfig controls the extraction service client.
type ExtractionConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	CallTimeout       time.Duration `koanf:"call_timeout" validate:"gt=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	MaxRetries        int           `koanf:"max_retries"`
	MaxElapsed        time.Duration `koanf:"max_elapsed"`
}

// ConsumerConfig controls the worker pool.
type ConsumerConfig struct {
	WorkerCount int `koanf:"worker_count" validate:"gt=0"`

	// ProcessTimeout bounds one event end to end. Must stay below the
	// NATS ack wait so the queue never redelivers an event that is
	// still being worked on.
	ProcessTimeout time.Duration `koanf:"process_timeout" validate:"gt=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// Validate checks field constraints and cross-field invariants.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Consumer.ProcessTimeout >= c.NATS.AckWait {
		return fmt.Errorf("consumer process_timeout (%s) must be below nats ack_wait (%s)",
			c.Consumer.ProcessTimeout, c.NATS.AckWait)
	}
	if c.Store.LeaseTTL <= c.Consumer.ProcessTimeout {
		return fmt.Errorf("store lease_ttl (%s) must exceed consumer process_timeout (%s)",
			c.Store.LeaseTTL, c.Consumer.ProcessTimeout)
	}
	return nil
}
