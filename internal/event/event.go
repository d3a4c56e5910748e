// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

// Package event defines the article data model shared by the processor:
// the inbound ArticleEvent, the persisted ArticleRecord, the extraction
// result types, and the deterministic article key that serves as the
// idempotency barrier.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
)

// ArticleKeyLength is the number of hex characters kept from the SHA-256
// digest of the canonical source URL. 128 bits is plenty for collision
// resistance at news-stream volumes.
const ArticleKeyLength = 32

// ArticleEvent is the inbound unit of work published by the fetcher.
// It is transient; only the derived ArticleRecord is persisted.
type ArticleEvent struct {
	SourceURL    string    `json:"source_url"`
	Title        string    `json:"title"`
	Language     string    `json:"language,omitempty"`
	CountryCodes []string  `json:"country_codes,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
}

// Validate checks required fields.
func (e *ArticleEvent) Validate() error {
	if e.SourceURL == "" {
		return &ValidationError{Field: "source_url", Message: "required"}
	}
	if e.PublishedAt.IsZero() {
		return &ValidationError{Field: "published_at", Message: "required"}
	}
	return nil
}

// Key derives the deterministic article key from the source URL.
// The key depends only on article fields, never on delivery metadata,
// so every redelivery of the same article maps to the same key.
//
// The URL is canonicalized first (scheme/host lowercasing, default port
// and trailing-slash removal, utm_* stripping) so trivially different
// URLs for the same article collapse to one key. A URL that cannot be
// parsed is hashed as-is; a stable key matters more here than a clean one.
func (e *ArticleEvent) Key() string {
	return ArticleKey(e.SourceURL)
}

// ArticleKey computes the idempotency key for a source URL.
func ArticleKey(sourceURL string) string {
	basis := sourceURL
	if u, err := url.Parse(strings.TrimSpace(sourceURL)); err == nil && u.Host != "" {
		stripTrackingParams(u)
		basis = purell.NormalizeURL(u, purell.FlagsUsuallySafeGreedy)
	}
	sum := sha256.Sum256([]byte(basis))
	return hex.EncodeToString(sum[:])[:ArticleKeyLength]
}

// stripTrackingParams drops utm_* query parameters. They vary per feed
// and syndication channel without changing the article.
func stripTrackingParams(u *url.URL) {
	if u.RawQuery == "" {
		return
	}
	q := u.Query()
	for name := range q {
		if strings.HasPrefix(strings.ToLower(name), "utm_") {
			q.Del(name)
		}
	}
	u.RawQuery = q.Encode()
}

// Entity is a canonical extracted entity.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Topic is a contiguous span of the headline anchored by at least one
// named entity. Entities holds the resolved entity names, not indices.
type Topic struct {
	Text     string   `json:"text"`
	Entities []string `json:"entities"`
}

// EnrichedFields is the normalized output of the extraction service for
// a single article.
type EnrichedFields struct {
	Entities []Entity `json:"entities"`
	Topics   []Topic  `json:"topics"`
}

// EntityNames returns the distinct entity names in first-seen order.
func (f *EnrichedFields) EntityNames() []string {
	seen := make(map[string]struct{}, len(f.Entities))
	names := make([]string, 0, len(f.Entities))
	for _, ent := range f.Entities {
		if ent.Name == "" {
			continue
		}
		if _, ok := seen[ent.Name]; ok {
			continue
		}
		seen[ent.Name] = struct{}{}
		names = append(names, ent.Name)
	}
	return names
}

// ArticleRecord is the persisted enrichment result. It is created with a
// conditional write exactly once per article key and never mutated.
type ArticleRecord struct {
	ArticleKey   string    `json:"article_key"`
	SourceURL    string    `json:"source_url"`
	Title        string    `json:"title"`
	Language     string    `json:"language,omitempty"`
	CountryCodes []string  `json:"country_codes,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	Entities     []Entity  `json:"entities"`
	Topics       []Topic   `json:"topics"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// NewArticleRecord builds the immutable record for a processed event.
func NewArticleRecord(ev *ArticleEvent, enriched *EnrichedFields, processedAt time.Time) *ArticleRecord {
	return &ArticleRecord{
		ArticleKey:   ev.Key(),
		SourceURL:    ev.SourceURL,
		Title:        ev.Title,
		Language:     ev.Language,
		CountryCodes: NormalizeCountryCodes(ev.CountryCodes),
		PublishedAt:  ev.PublishedAt.UTC(),
		Entities:     enriched.Entities,
		Topics:       enriched.Topics,
		ProcessedAt:  processedAt.UTC(),
	}
}

// HourBucket formats a timestamp as the hourly aggregation bucket key.
// Format: YYYYMMDDHH in UTC.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// UnknownCountry is the bucket value for articles without a resolvable
// country code.
const UnknownCountry = "XX"

// NormalizeCountryCodes upper-cases and deduplicates country codes,
// dropping empties. Order of first occurrence is preserved.
func NormalizeCountryCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

var spaceRe = regexp.MustCompile(`\s+`)

// NormalizeSpace collapses runs of whitespace to single spaces and trims
// the ends. Applied to titles before extraction so the headline sent to
// the service is byte-stable.
func NormalizeSpace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

var slugRe = regexp.MustCompile(`[^\pL\pN\s-]`)

const maxSlugLength = 128

// Slugify converts an entity name into a stable bucket dimension value:
// lower-case, punctuation stripped, whitespace collapsed to dashes,
// capped length. Empty input slugs to "entity".
func Slugify(s string) string {
	s = strings.ToLower(s)
	s = slugRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), "-")
	if len(s) > maxSlugLength {
		s = s[:maxSlugLength]
	}
	if s == "" {
		return "entity"
	}
	return s
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
