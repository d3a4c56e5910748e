// News World Monitor - Idempotent News Enrichment and Aggregation Pipeline
// Copyright 2026 Petar Chernev
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/PetarChernev/news-world-monitor

package event

import (
	"strings"
	"testing"
	"time"
)

func TestArticleKeyDeterministic(t *testing.T) {
	t.Parallel()

	url := "https://example.com/news/story-123"
	k1 := ArticleKey(url)
	k2 := ArticleKey(url)

	if k1 != k2 {
		t.Errorf("same URL produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != ArticleKeyLength {
		t.Errorf("key length = %d, want %d", len(k1), ArticleKeyLength)
	}
}

func TestArticleKeyCanonicalization(t *testing.T) {
	t.Parallel()

	base := ArticleKey("https://example.com/news/story-123")

	tests := []struct {
		name string
		url  string
		same bool
	}{
		{"trailing slash", "https://example.com/news/story-123/", true},
		{"utm parameters", "https://example.com/news/story-123?utm_source=feed&utm_medium=rss", true},
		{"upper-case host", "https://EXAMPLE.COM/news/story-123", true},
		{"default port", "https://example.com:443/news/story-123", true},
		{"surrounding whitespace", "  https://example.com/news/story-123  ", true},
		{"different path", "https://example.com/news/story-124", false},
		{"meaningful query", "https://example.com/news/story-123?page=2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ArticleKey(tt.url)
			if (got == base) != tt.same {
				t.Errorf("ArticleKey(%q) = %s, base = %s, want same=%v", tt.url, got, base, tt.same)
			}
		})
	}
}

func TestArticleKeyUnparsableURL(t *testing.T) {
	t.Parallel()

	// A garbage URL still yields a stable key.
	k1 := ArticleKey("::not a url::")
	k2 := ArticleKey("::not a url::")
	if k1 != k2 {
		t.Errorf("unparsable URL produced different keys: %s vs %s", k1, k2)
	}
	if len(k1) != ArticleKeyLength {
		t.Errorf("key length = %d, want %d", len(k1), ArticleKeyLength)
	}
}

func TestHourBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			"truncates minutes and seconds",
			time.Date(2026, 8, 25, 14, 59, 59, 0, time.UTC),
			"2026082514",
		},
		{
			"converts to UTC",
			time.Date(2026, 8, 25, 1, 30, 0, 0, time.FixedZone("UTC+3", 3*3600)),
			"2026082422",
		},
		{
			"zero-pads month day hour",
			time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC),
			"2026010203",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := HourBucket(tt.in); got != tt.want {
				t.Errorf("HourBucket(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Blue Angels", "blue-angels"},
		{"punctuation stripped", "O'Brien & Sons, Inc.", "obrien-sons-inc"},
		{"already slug", "national-mall", "national-mall"},
		{"unicode letters kept", "Köln Konzert", "köln-konzert"},
		{"inner whitespace collapsed", "  New   York  ", "new-york"},
		{"empty", "", "entity"},
		{"only punctuation", "!!!", "entity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Slugify(tt.in); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlugifyCapsLength(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300)
	if got := Slugify(long); len(got) != maxSlugLength {
		t.Errorf("Slugify of long input: len = %d, want %d", len(got), maxSlugLength)
	}
}

func TestNormalizeCountryCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"upper-cases", []string{"us", "gb"}, []string{"US", "GB"}},
		{"dedupes keeping order", []string{"US", "us", "DE"}, []string{"US", "DE"}},
		{"drops empties", []string{"", "  ", "FR"}, []string{"FR"}},
		{"nil", nil, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeCountryCodes(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("NormalizeCountryCodes(%v) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("NormalizeCountryCodes(%v)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNormalizeSpace(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"  hello   world  ", "hello world"},
		{"no\tchange needed", "no change needed"},
		{"line\nbreaks\ntoo", "line breaks too"},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := NormalizeSpace(tt.in); got != tt.want {
			t.Errorf("NormalizeSpace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSerializerRejectsInvalidEvents(t *testing.T) {
	t.Parallel()

	s := NewSerializer()

	tests := []struct {
		name    string
		payload string
	}{
		{"not json", "{{{"},
		{"missing source url", `{"title":"hello","published_at":"2026-08-25T10:00:00Z"}`},
		{"missing published at", `{"source_url":"https://example.com/a","title":"hello"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := s.Unmarshal([]byte(tt.payload)); err == nil {
				t.Errorf("Unmarshal(%q) succeeded, want error", tt.payload)
			}
		})
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	t.Parallel()

	s := NewSerializer()
	ev := &ArticleEvent{
		SourceURL:    "https://example.com/news/a",
		Title:        "Blue Angels fly over National Mall",
		Language:     "en",
		CountryCodes: []string{"US"},
		PublishedAt:  time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}

	data, err := s.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := s.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.SourceURL != ev.SourceURL || got.Title != ev.Title || !got.PublishedAt.Equal(ev.PublishedAt) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, ev)
	}
	if got.Key() != ev.Key() {
		t.Errorf("round trip changed article key: %s vs %s", got.Key(), ev.Key())
	}
}

func TestEntityNamesDedupes(t *testing.T) {
	t.Parallel()

	f := &EnrichedFields{Entities: []Entity{
		{Name: "Blue Angels", Type: "ORGANIZATION"},
		{Name: "DC", Type: "LOCATION"},
		{Name: "Blue Angels", Type: "ORGANIZATION"},
		{Name: "", Type: "PERSON"},
	}}

	names := f.EntityNames()
	want := []string{"Blue Angels", "DC"}
	if len(names) != len(want) {
		t.Fatalf("EntityNames() = %v, want %v", names, want)
	}
	for i := range names {
		if names[i] != want[i] {
			t.Errorf("EntityNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
