// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

// normalizeTopics validates one topics result against the extraction
// contract and converts it to the persisted shape. Every violation is a
// permanent error: a service that returns an invalid result will return
// it again on retry.
//
// The contract:
//   - the echoed text byte-matches the headline sent
//   - each topic text is an exact contiguous substring of the headline
//   - each topic is anchored by at least one entity, referenced by its
//     0-based index into the candidate list sent with the request
//   - an empty topic list is a valid result
//
// Overlapping and duplicate spans are resolved rather than rejected:
// the longest valid span wins, ties going to the earlier entry.
func normalizeTopics(headline string, result *topicsResult, candidates []event.Entity) (*event.EnrichedFields, error) {
	if result.Text != headline {
		return nil, pipeline.NewPermanentError("extraction contract violation",
			fmt.Errorf("echoed text %q does not match sent headline %q", result.Text, headline))
	}

	found := make([]locatedTopic, 0, len(result.Topics))
	for i, t := range result.Topics {
		if t.Text == "" {
			return nil, pipeline.NewPermanentError("extraction contract violation",
				fmt.Errorf("topic %d has empty text", i))
		}
		start := strings.Index(headline, t.Text)
		if start < 0 {
			return nil, pipeline.NewPermanentError("extraction contract violation",
				fmt.Errorf("topic %d text %q is not a substring of the headline", i, t.Text))
		}
		if len(t.Entities) == 0 {
			return nil, pipeline.NewPermanentError("extraction contract violation",
				fmt.Errorf("topic %d has no anchoring entity", i))
		}

		names := make([]string, 0, len(t.Entities))
		seen := make(map[int]struct{}, len(t.Entities))
		for _, idx := range t.Entities {
			if idx < 0 || idx >= len(candidates) {
				return nil, pipeline.NewPermanentError("extraction contract violation",
					fmt.Errorf("topic %d entity index %d out of range for %d candidates", i, idx, len(candidates)))
			}
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			names = append(names, candidates[idx].Name)
		}

		found = append(found, locatedTopic{
			topic: event.Topic{Text: t.Text, Entities: names},
			start: start,
			end:   start + len(t.Text),
		})
	}

	kept := resolveSpans(found)
	topics := make([]event.Topic, 0, len(kept))
	for _, l := range kept {
		topics = append(topics, l.topic)
	}

	return &event.EnrichedFields{Entities: candidates, Topics: topics}, nil
}

// locatedTopic is a validated topic with its resolved byte span in the
// headline. Spans are half-open, located at the first occurrence of the
// topic text.
type locatedTopic struct {
	topic event.Topic
	start int
	end   int
}

// resolveSpans drops overlapping and duplicate spans. Topics are
// considered longest-first and one is kept only if it intersects no
// already-kept span; an exact duplicate intersects its twin and is
// dropped the same way. Survivors come back in response order.
func resolveSpans(found []locatedTopic) []locatedTopic {
	if len(found) < 2 {
		return found
	}

	order := make([]int, len(found))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		la := found[order[a]].end - found[order[a]].start
		lb := found[order[b]].end - found[order[b]].start
		return la > lb
	})

	kept := make([]bool, len(found))
	for _, i := range order {
		c := found[i]
		overlaps := false
		for j, ok := range kept {
			if !ok {
				continue
			}
			o := found[j]
			if c.start < o.end && o.start < c.end {
				overlaps = true
				break
			}
		}
		kept[i] = !overlaps
	}

	out := make([]locatedTopic, 0, len(found))
	for i, ok := range kept {
		if ok {
			out = append(out, found[i])
		}
	}
	return out
}
