// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package extract implements the client for the external extraction
// service. Enrichment is two calls: /entities produces candidate named
// entities for a headline, /topics resolves entity-anchored topic spans
// within it. The topics response is validated against a strict contract
// before anything derived from it is persisted; a violating response is
// a permanent failure, never retried.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/logging"
	"github.com/PetarChernev/news-world-monitor/internal/metrics"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

// Candidate entity types eligible for topic anchoring. Anything else
// (numbers, dates, common nouns) is dropped before the topics call.
var candidateTypes = map[string]struct{}{
	"PERSON":       {},
	"LOCATION":     {},
	"ORGANIZATION": {},
}

// maxResponseBytes caps extraction response bodies.
const maxResponseBytes = 1 << 20 // 1MB

// Config holds extraction client configuration.
type Config struct {
	// BaseURL is the extraction service root, without trailing slash.
	BaseURL string

	// CallTimeout bounds each individual HTTP call.
	CallTimeout time.Duration

	// RequestsPerSecond throttles calls to the service. Zero disables
	// throttling.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size.
	Burst int
}

// DefaultConfig returns production defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		CallTimeout:       10 * time.Second,
		RequestsPerSecond: 10,
		Burst:             5,
	}
}

// Client calls the extraction service with inline retries, rate
// limiting, and circuit breaker protection. It implements
// pipeline.Extractor.
type Client struct {
	config  Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	retry   *pipeline.RetryPolicy
}

// NewClient creates an extraction client.
func NewClient(cfg Config, retry *pipeline.RetryPolicy) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("extraction base URL is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig(cfg.BaseURL).CallTimeout
	}
	if retry == nil {
		retry = pipeline.DefaultRetryPolicy()
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = cfg.Burst
		if burst <= 0 {
			burst = 1
		}
	}

	bcfg := pipeline.DefaultCircuitBreakerConfig("extraction-service")
	settings := gobreaker.Settings{
		Name:        bcfg.Name,
		MaxRequests: bcfg.MaxRequests,
		Interval:    bcfg.Interval,
		Timeout:     bcfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bcfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Permanent failures are the service answering; they must not
			// open the breaker.
			return err == nil || pipeline.IsPermanent(err)
		},
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		retry:   retry,
	}, nil
}

type entitiesRequest struct {
	Headline string `json:"headline"`
	Language string `json:"language,omitempty"`
}

type wireEntity struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	WikipediaURL string `json:"wikipedia_url,omitempty"`
	MID          string `json:"mid,omitempty"`
}

type entitiesResponse struct {
	Entities []wireEntity `json:"entities"`
}

// The topics endpoint is a batch API: the request carries one item per
// headline, each with its ordered candidate entity names, and the
// response is a JSON array with one result per item, in request order.
// The processor sends one headline per call.
type topicsRequest struct {
	Items []topicsItem `json:"items"`
}

type topicsItem struct {
	Text     string   `json:"text"`
	Entities []string `json:"entities"`
}

// wireTopic references its anchoring entities by 0-based index into the
// candidate list sent with the request.
type wireTopic struct {
	Text     string `json:"text"`
	Entities []int  `json:"entities"`
}

type topicsResult struct {
	Text   string      `json:"text"`
	Topics []wireTopic `json:"topics"`
}

// Extract implements pipeline.Extractor. The headline is
// whitespace-normalized before the first call so both calls and the
// contract validation see the same bytes.
func (c *Client) Extract(ctx context.Context, ev *event.ArticleEvent) (*event.EnrichedFields, error) {
	headline := event.NormalizeSpace(ev.Title)

	start := time.Now()
	defer func() {
		metrics.ExtractionDuration.Observe(time.Since(start).Seconds())
	}()

	entResp, err := c.fetchEntities(ctx, headline, ev.Language)
	if err != nil {
		return nil, err
	}

	candidates := filterCandidates(entResp.Entities)
	if len(candidates) == 0 {
		// Nothing to anchor topics on. A headline with no linkable
		// entities is a valid, empty enrichment.
		return &event.EnrichedFields{Entities: []event.Entity{}, Topics: []event.Topic{}}, nil
	}

	result, err := c.fetchTopics(ctx, headline, candidates)
	if err != nil {
		return nil, err
	}

	enriched, err := normalizeTopics(headline, result, candidates)
	if err != nil {
		return nil, err
	}
	return enriched, nil
}

// filterCandidates keeps entities of an anchoring type that resolve to a
// knowledge base entry (Wikipedia URL or MID). Duplicate names collapse
// to their first occurrence.
func filterCandidates(entities []wireEntity) []event.Entity {
	seen := make(map[string]struct{}, len(entities))
	out := make([]event.Entity, 0, len(entities))
	for _, e := range entities {
		if _, ok := candidateTypes[e.Type]; !ok {
			continue
		}
		if e.WikipediaURL == "" && e.MID == "" {
			continue
		}
		name := event.NormalizeSpace(e.Name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, event.Entity{Name: name, Type: e.Type})
	}
	return out
}

func (c *Client) fetchEntities(ctx context.Context, headline, language string) (*entitiesResponse, error) {
	body, err := c.call(ctx, "/entities", entitiesRequest{Headline: headline, Language: language})
	if err != nil {
		return nil, err
	}
	var resp entitiesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, pipeline.NewPermanentError("malformed entities response", err)
	}
	return &resp, nil
}

func (c *Client) fetchTopics(ctx context.Context, headline string, candidates []event.Entity) (*topicsResult, error) {
	names := make([]string, len(candidates))
	for i, cand := range candidates {
		names[i] = cand.Name
	}
	req := topicsRequest{Items: []topicsItem{{Text: headline, Entities: names}}}
	body, err := c.call(ctx, "/topics", req)
	if err != nil {
		return nil, err
	}
	var results []topicsResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, pipeline.NewPermanentError("malformed topics response", err)
	}
	if len(results) != 1 {
		return nil, pipeline.NewPermanentError("malformed topics response",
			fmt.Errorf("%d results for 1 headline", len(results)))
	}
	return &results[0], nil
}

// call performs one service call with inline retries. Transient failures
// back off and retry up to the policy's attempt and elapsed-time limits;
// anything still failing surfaces as transient and queue redelivery
// takes over. Permanent failures return immediately.
func (c *Client) call(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, pipeline.NewPermanentError("marshal extraction request", err)
	}

	started := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			metrics.ExtractionRetries.Inc()
			backoff := c.retry.Backoff(attempt - 1)
			logging.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("retrying extraction call")
			select {
			case <-ctx.Done():
				return nil, pipeline.NewTransientError("extraction canceled during backoff", ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := c.doOnce(ctx, path, data)
		if err == nil {
			return body, nil
		}
		metrics.ExtractionErrors.WithLabelValues(classification(err)).Inc()
		if pipeline.IsPermanent(err) {
			return nil, err
		}
		lastErr = err
		if !c.retry.ShouldRetry(err, attempt, time.Since(started)) {
			wrapped := pipeline.NewTransientError(
				fmt.Sprintf("extraction %s exhausted retries", path), lastErr)
			wrapped.Category = pipeline.CategoryOf(lastErr)
			return nil, wrapped
		}
	}
}

// doOnce performs a single rate-limited, breaker-guarded HTTP call.
func (c *Client) doOnce(ctx context.Context, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pipeline.NewTransientError("rate limiter wait", err)
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, pipeline.NewPermanentError("build extraction request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, pipeline.NewTransientError("extraction call timeout", err)
			}
			return nil, pipeline.NewTransientError("extraction connection failed", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, pipeline.NewTransientError("read extraction response", err)
		}
		return data, classifyStatus(resp.StatusCode)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, pipeline.NewTransientError("extraction circuit open", err)
		}
		return nil, err
	}
	return body, nil
}

// classifyStatus maps HTTP status codes to the error taxonomy: 2xx
// success, 429 and 5xx transient, other 4xx permanent.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return pipeline.NewTransientError("extraction rate limited (429)", nil)
	case status >= 500:
		return pipeline.NewTransientError(fmt.Sprintf("extraction server error (%d)", status), nil)
	default:
		return pipeline.NewPermanentError(fmt.Sprintf("extraction rejected request (%d)", status), nil)
	}
}

func classification(err error) string {
	if pipeline.IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}
