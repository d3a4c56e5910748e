// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/PetarChernev/news-world-monitor/internal/event"
)

// Stage identifies where in the pipeline an event failed.
type Stage string

const (
	// StageParse is payload deserialization.
	StageParse Stage = "parse"
	// StageExtract is the extraction service call and normalization.
	StageExtract Stage = "extract"
	// StageWrite is the article record commit.
	StageWrite Stage = "write"
	// StageRollup is aggregate increment application.
	StageRollup Stage = "rollup"
)

// DeadLetterEntry is the terminal record for a permanently failed event:
// the original event (or raw payload when parsing failed), the failure
// reason, and when it was dead-lettered.
type DeadLetterEntry struct {
	MessageID      string              `json:"message_id"`
	Event          *event.ArticleEvent `json:"event,omitempty"`
	RawPayload     []byte              `json:"raw_payload,omitempty"`
	Stage          Stage               `json:"stage"`
	Reason         string              `json:"reason"`
	Category       string              `json:"category"`
	Classification string              `json:"classification"`
	FailedAt       time.Time           `json:"failed_at"`
}

// NewDeadLetterEntry builds the entry for a permanently failed delivery.
// RawPayload is only kept when the event itself could not be parsed.
func NewDeadLetterEntry(messageID string, ev *event.ArticleEvent, payload []byte, stage Stage, cause error) *DeadLetterEntry {
	entry := &DeadLetterEntry{
		MessageID:      messageID,
		Event:          ev,
		Stage:          stage,
		Reason:         cause.Error(),
		Category:       CategoryOf(cause).String(),
		Classification: "permanent",
		FailedAt:       time.Now().UTC(),
	}
	if ev == nil {
		entry.RawPayload = payload
	}
	return entry
}

// DeadLetterPublisher publishes entries to a NATS subject via a
// Watermill publisher. The dead-letter subject lives on the same stream
// as the article events, so entries survive processor restarts and can
// be inspected or replayed with standard NATS tooling.
type DeadLetterPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewDeadLetterPublisher wraps a Watermill publisher as a dead-letter sink.
func NewDeadLetterPublisher(publisher message.Publisher, topic string) (*DeadLetterPublisher, error) {
	if publisher == nil {
		return nil, fmt.Errorf("dead-letter publisher cannot be nil")
	}
	if topic == "" {
		topic = "articles.deadletter"
	}
	return &DeadLetterPublisher{publisher: publisher, topic: topic}, nil
}

// Publish implements DeadLetterer.
func (p *DeadLetterPublisher) Publish(_ context.Context, entry *DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}

	// Reusing the failed delivery's message ID keeps the publish
	// idempotent: the broker's duplicate window collapses a republish
	// after a crash-before-ack into one entry.
	id := entry.MessageID
	if id == "" {
		id = uuid.New().String()
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set("stage", string(entry.Stage))
	msg.Metadata.Set("category", entry.Category)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("publish dead-letter entry: %w", err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *DeadLetterPublisher) Close() error {
	return p.publisher.Close()
}

// MemoryDeadLetterer collects entries in memory, for tests.
type MemoryDeadLetterer struct {
	mu      sync.Mutex
	entries []*DeadLetterEntry

	// FailNext causes the next Publish to return this error, then clears.
	FailNext error
}

// NewMemoryDeadLetterer creates an empty in-memory sink.
func NewMemoryDeadLetterer() *MemoryDeadLetterer {
	return &MemoryDeadLetterer{}
}

// Publish implements DeadLetterer.
func (m *MemoryDeadLetterer) Publish(_ context.Context, entry *DeadLetterEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailNext; err != nil {
		m.FailNext = nil
		return err
	}
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a snapshot of received entries.
func (m *MemoryDeadLetterer) Entries() []*DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*DeadLetterEntry, len(m.entries))
	copy(out, m.entries)
	return out
}
