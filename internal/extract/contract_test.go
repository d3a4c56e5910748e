// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package extract

import (
	"testing"

	"github.com/PetarChernev/news-world-monitor/internal/event"
	"github.com/PetarChernev/news-world-monitor/internal/pipeline"
)

const testHeadline = "Blue Angels fly over National Mall , National Guard patrols DC streets"

func testCandidates() []event.Entity {
	return []event.Entity{
		{Name: "Blue Angels", Type: "ORGANIZATION"},
		{Name: "National Mall", Type: "LOCATION"},
		{Name: "National Guard", Type: "ORGANIZATION"},
		{Name: "DC", Type: "LOCATION"},
	}
}

// validTopics references entities by index into testCandidates.
func validTopics() []wireTopic {
	return []wireTopic{
		{Text: "Blue Angels", Entities: []int{0}},
		{Text: "National Mall", Entities: []int{1}},
		{Text: "National Guard", Entities: []int{2}},
		{Text: "DC streets", Entities: []int{3}},
	}
}

func TestNormalizeTopicsAcceptsValidResponse(t *testing.T) {
	t.Parallel()

	result := &topicsResult{Text: testHeadline, Topics: validTopics()}
	enriched, err := normalizeTopics(testHeadline, result, testCandidates())
	if err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}

	if len(enriched.Topics) != 4 {
		t.Fatalf("topics = %d, want 4", len(enriched.Topics))
	}
	wantTexts := []string{"Blue Angels", "National Mall", "National Guard", "DC streets"}
	for i, topic := range enriched.Topics {
		if topic.Text != wantTexts[i] {
			t.Errorf("topic[%d] = %q, want %q", i, topic.Text, wantTexts[i])
		}
	}
	// Indices resolve to candidate names in the persisted shape.
	last := enriched.Topics[3]
	if len(last.Entities) != 1 || last.Entities[0] != "DC" {
		t.Errorf("topic %q entities = %v, want [DC]", last.Text, last.Entities)
	}
	if len(enriched.Entities) != 4 {
		t.Errorf("entities = %d, want the 4 candidates", len(enriched.Entities))
	}
}

func TestNormalizeTopicsEmptyIsValid(t *testing.T) {
	t.Parallel()

	result := &topicsResult{Text: testHeadline, Topics: nil}
	enriched, err := normalizeTopics(testHeadline, result, testCandidates())
	if err != nil {
		t.Fatalf("empty topics rejected: %v", err)
	}
	if len(enriched.Topics) != 0 {
		t.Errorf("topics = %d, want 0", len(enriched.Topics))
	}
}

func TestNormalizeTopicsRejectsViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		echoed string
		topics []wireTopic
	}{
		{
			"echoed text mismatch",
			"a different headline entirely",
			validTopics(),
		},
		{
			"text not a substring",
			testHeadline,
			[]wireTopic{{Text: "Red Arrows", Entities: []int{0}}},
		},
		{
			"empty topic text",
			testHeadline,
			[]wireTopic{{Text: "", Entities: []int{0}}},
		},
		{
			"no anchoring entity",
			testHeadline,
			[]wireTopic{{Text: "Blue Angels", Entities: nil}},
		},
		{
			"entity index past candidate list",
			testHeadline,
			[]wireTopic{{Text: "Blue Angels", Entities: []int{9}}},
		},
		{
			"negative entity index",
			testHeadline,
			[]wireTopic{{Text: "Blue Angels", Entities: []int{-1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := &topicsResult{Text: tt.echoed, Topics: tt.topics}
			_, err := normalizeTopics(testHeadline, result, testCandidates())
			if err == nil {
				t.Fatal("contract violation accepted")
			}
			if !pipeline.IsPermanent(err) {
				t.Errorf("contract violation classified transient: %v", err)
			}
		})
	}
}

func TestNormalizeTopicsLongestSpanWins(t *testing.T) {
	t.Parallel()

	result := &topicsResult{Text: testHeadline, Topics: []wireTopic{
		{Text: "Blue Angels", Entities: []int{0}},
		{Text: "Blue Angels fly", Entities: []int{0}},
		{Text: "National Mall", Entities: []int{1}},
	}}
	enriched, err := normalizeTopics(testHeadline, result, testCandidates())
	if err != nil {
		t.Fatalf("overlapping spans rejected, want resolution: %v", err)
	}

	wantTexts := []string{"Blue Angels fly", "National Mall"}
	if len(enriched.Topics) != len(wantTexts) {
		t.Fatalf("topics = %+v, want %v", enriched.Topics, wantTexts)
	}
	for i, topic := range enriched.Topics {
		if topic.Text != wantTexts[i] {
			t.Errorf("topic[%d] = %q, want %q", i, topic.Text, wantTexts[i])
		}
	}
}

func TestNormalizeTopicsDuplicateSpanCollapses(t *testing.T) {
	t.Parallel()

	result := &topicsResult{Text: testHeadline, Topics: []wireTopic{
		{Text: "Blue Angels", Entities: []int{0}},
		{Text: "Blue Angels", Entities: []int{0}},
	}}
	enriched, err := normalizeTopics(testHeadline, result, testCandidates())
	if err != nil {
		t.Fatalf("duplicate span rejected, want collapse: %v", err)
	}
	if len(enriched.Topics) != 1 || enriched.Topics[0].Text != "Blue Angels" {
		t.Errorf("topics = %+v, want the one Blue Angels topic", enriched.Topics)
	}
}

func TestNormalizeTopicsTouchingSpansAllowed(t *testing.T) {
	t.Parallel()

	// Half-open spans that share a boundary do not overlap.
	headline := "ab"
	result := &topicsResult{Text: headline, Topics: []wireTopic{
		{Text: "a", Entities: []int{0}},
		{Text: "b", Entities: []int{1}},
	}}
	candidates := []event.Entity{{Name: "A", Type: "PERSON"}, {Name: "B", Type: "PERSON"}}

	enriched, err := normalizeTopics(headline, result, candidates)
	if err != nil {
		t.Fatalf("touching spans rejected: %v", err)
	}
	if len(enriched.Topics) != 2 {
		t.Errorf("topics = %+v, want both kept", enriched.Topics)
	}
}

func TestNormalizeTopicsResolvesIndicesIntoFullList(t *testing.T) {
	t.Parallel()

	// A wider candidate list shifts the indices; a phrase span may be
	// anchored by an entity that is not its first word.
	candidates := []event.Entity{
		{Name: "Blue Angels", Type: "ORGANIZATION"},
		{Name: "National Mall", Type: "LOCATION"},
		{Name: "streets", Type: "LOCATION"},
		{Name: "DC", Type: "LOCATION"},
		{Name: "National Guard", Type: "ORGANIZATION"},
	}
	result := &topicsResult{Text: testHeadline, Topics: []wireTopic{
		{Text: "Blue Angels", Entities: []int{0}},
		{Text: "National Mall", Entities: []int{1}},
		{Text: "National Guard", Entities: []int{4}},
		{Text: "DC streets", Entities: []int{3}},
	}}

	enriched, err := normalizeTopics(testHeadline, result, candidates)
	if err != nil {
		t.Fatalf("valid response rejected: %v", err)
	}
	if len(enriched.Topics) != 4 {
		t.Fatalf("topics = %d, want 4", len(enriched.Topics))
	}
	if got := enriched.Topics[2].Entities; len(got) != 1 || got[0] != "National Guard" {
		t.Errorf("topic %q entities = %v, want [National Guard]", enriched.Topics[2].Text, got)
	}
}

func TestFilterCandidates(t *testing.T) {
	t.Parallel()

	entities := []wireEntity{
		{Name: "Blue Angels", Type: "ORGANIZATION", WikipediaURL: "https://en.wikipedia.org/wiki/Blue_Angels"},
		{Name: "DC", Type: "LOCATION", MID: "/m/0rh6k"},
		{Name: "streets", Type: "OTHER", WikipediaURL: "https://example.org"},
		{Name: "John Doe", Type: "PERSON"}, // no knowledge base link
		{Name: "Blue Angels", Type: "ORGANIZATION", MID: "/m/01kcmr"}, // duplicate name
		{Name: "  ", Type: "PERSON", MID: "/m/123"},
	}

	got := filterCandidates(entities)
	want := []event.Entity{
		{Name: "Blue Angels", Type: "ORGANIZATION"},
		{Name: "DC", Type: "LOCATION"},
	}
	if len(got) != len(want) {
		t.Fatalf("filterCandidates = %+v, want %+v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("candidate[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}
