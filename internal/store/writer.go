// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package store

import (
	"context"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

// Writer adapts an ArticleStore to the consumer's record writer,
// classifying storage failures as transient.
type Writer struct {
	articles ArticleStore
}

// NewWriter wraps an article store.
func NewWriter(articles ArticleStore) *Writer {
	return &Writer{articles: articles}
}

// Write implements pipeline.RecordWriter.
func (w *Writer) Write(ctx context.Context, rec *event.ArticleRecord) (bool, error) {
	created, err := w.articles.Create(ctx, rec)
	if err != nil {
		return false, pipeline.NewTransientError("create article record", err)
	}
	return created, nil
}
