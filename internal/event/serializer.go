// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package event

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer handles article event encoding/decoding for queue messages.
type Serializer struct{}

// NewSerializer creates a new serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal converts an event to JSON bytes.
func (s *Serializer) Marshal(ev *ArticleEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Unmarshal converts JSON bytes to an event. The event is validated so a
// structurally well-formed payload missing required fields still fails
// here, not deeper in the pipeline.
func (s *Serializer) Unmarshal(data []byte) (*ArticleEvent, error) {
	var ev ArticleEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("validate event: %w", err)
	}
	return &ev, nil
}

// MarshalRecord converts a persisted article record to JSON bytes.
func MarshalRecord(rec *ArticleRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord converts JSON bytes to an article record.
func UnmarshalRecord(data []byte) (*ArticleRecord, error) {
	var rec ArticleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}
