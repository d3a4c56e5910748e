// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in
// order. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/news-world-monitor/config.yaml",
	"/etc/news-world-monitor/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces the processor's environment variables. A double
// underscore separates nesting levels: NWM_NATS__URL -> nats.url,
// NWM_EXTRACTION__BASE_URL -> extraction.base_url.
const envPrefix = "NWM_"

// Default returns the built-in defaults. They describe a standalone
// deployment: embedded NATS, local Badger store, extraction service on
// localhost.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Path:       "/data/monitor/store",
			LeaseTTL:   60 * time.Second,
			GCInterval: 5 * time.Minute,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/monitor/jetstream",
			MaxMemory:       1 << 30,  // 1GB
			MaxStore:        10 << 30, // 10GB
			StreamName:      "ARTICLES",
			RawSubject:      "articles.raw",
			DeadLetterTopic: "articles.deadletter",
			RetentionAge:    7 * 24 * time.Hour,
			DurableName:     "article-processor",
			QueueGroup:      "processors",
			AckWait:         30 * time.Second,
			MaxDeliver:      10,
			MaxAckPending:   1000,
		},
		Extraction: ExtractionConfig{
			BaseURL:           "http://127.0.0.1:8090",
			CallTimeout:       10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
			MaxRetries:        5,
			MaxElapsed:        2 * time.Minute,
		},
		Consumer: ConsumerConfig{
			WorkerCount:    4,
			ProcessTimeout: 25 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and NWM_-prefixed environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(key, envPrefix)), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
