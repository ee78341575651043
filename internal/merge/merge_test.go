package merge

import (
	"testing"

	"horse.fit/newsdedup/internal/record"
)

func TestMergeHigherPrioritySourceWinsCollision(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss", "html"}, map[string][]record.Record{
		"html": {{URL: "x.com/y", Title: "from html"}},
		"rss":  {{URL: "x.com/y", Title: "from rss"}},
	})

	if len(result.Records) != 1 {
		t.Fatalf("expected 1 merged record, got %d", len(result.Records))
	}
	if result.Records[0].SourceType != "rss" || result.Records[0].Title != "from rss" {
		t.Fatalf("expected rss copy to win, got %+v", result.Records[0])
	}
	if got := result.Stats.BySourceType["html"].URLCollisions; got != 1 {
		t.Fatalf("expected html url_collisions=1, got %d", got)
	}
	if got := result.Stats.BySourceType["rss"].URLCollisions; got != 0 {
		t.Fatalf("expected rss url_collisions=0, got %d", got)
	}
	if result.Stats.URLCollisions != 1 {
		t.Fatalf("expected total url_collisions=1, got %d", result.Stats.URLCollisions)
	}
}

func TestMergeTreatsMissingSourceAsEmpty(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss", "html", "social"}, map[string][]record.Record{
		"rss": {{URL: "a"}, {URL: "b"}},
	})

	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	social, ok := result.Stats.BySourceType["social"]
	if !ok {
		t.Fatalf("expected stats entry for absent source type")
	}
	if social != (SourceStats{}) {
		t.Fatalf("expected zero stats for social, got %+v", social)
	}
	if result.Stats.TotalBeforeDedup != 2 || result.Stats.TotalAfterDedup != 2 {
		t.Fatalf("unexpected totals: %+v", result.Stats)
	}
}

func TestMergeDropsRecordsWithoutURL(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss"}, map[string][]record.Record{
		"rss": {{URL: "  "}, {URL: "a", Title: "kept"}, {Title: "no url"}},
	})

	if len(result.Records) != 1 {
		t.Fatalf("expected 1 kept record, got %d", len(result.Records))
	}
	stats := result.Stats.BySourceType["rss"]
	if stats.Loaded != 3 || stats.Kept != 1 || stats.Invalid != 2 {
		t.Fatalf("unexpected rss stats: %+v", stats)
	}
	if result.Stats.InvalidRecords != 2 {
		t.Fatalf("expected 2 invalid records, got %d", result.Stats.InvalidRecords)
	}
}

func TestMergePreservesOrderAndAnnotatesSourceType(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"html", "rss"}, map[string][]record.Record{
		"rss":  {{URL: "r1"}, {URL: "h1"}},
		"html": {{URL: "h1"}, {URL: "h2"}},
	})

	want := []struct{ url, sourceType string }{
		{"h1", "html"},
		{"h2", "html"},
		{"r1", "rss"},
	}
	if len(result.Records) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(result.Records))
	}
	for i, w := range want {
		got := result.Records[i]
		if got.URL != w.url || got.SourceType != w.sourceType {
			t.Fatalf("record %d: expected %s/%s, got %s/%s", i, w.url, w.sourceType, got.URL, got.SourceType)
		}
	}
}

func TestMergeAppendsUnlistedSourceTypesLast(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss"}, map[string][]record.Record{
		"newsletter": {{URL: "a"}, {URL: "n1"}},
		"RSS":        {{URL: "a"}},
	})

	order := PriorityOrder([]string{"rss"}, map[string][]record.Record{"newsletter": nil, "RSS": nil})
	if len(order) != 2 || order[0] != "rss" || order[1] != "newsletter" {
		t.Fatalf("unexpected priority order: %v", order)
	}
	if result.Records[0].SourceType != "rss" {
		t.Fatalf("expected listed source type to win, got %+v", result.Records[0])
	}
	if result.Stats.BySourceType["newsletter"].URLCollisions != 1 {
		t.Fatalf("expected newsletter collision, got %+v", result.Stats.BySourceType["newsletter"])
	}
}

func TestAddRejectedCountsAsLoadedAndInvalid(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss"}, map[string][]record.Record{
		"rss": {{URL: "a"}},
	})
	result.Stats.AddRejected("RSS", 2)
	result.Stats.AddRejected("html", 0)

	stats := result.Stats.BySourceType["rss"]
	if stats.Loaded != 3 || stats.Invalid != 2 || stats.Kept != 1 {
		t.Fatalf("unexpected rss stats: %+v", stats)
	}
	if result.Stats.TotalBeforeDedup != 3 || result.Stats.InvalidRecords != 2 {
		t.Fatalf("unexpected totals: %+v", result.Stats)
	}
	if _, ok := result.Stats.BySourceType["html"]; ok {
		t.Fatalf("zero rejections should not create a source entry")
	}
}

func TestMergeCountsBlankSourceTypeAsInvalid(t *testing.T) {
	t.Parallel()

	result := Merge([]string{"rss"}, map[string][]record.Record{
		"rss": {{URL: "a", Title: "kept"}},
		"  ":  {{URL: "b", Title: "orphan"}, {URL: "c", Title: "orphan"}},
	})

	if len(result.Records) != 1 || result.Records[0].URL != "a" {
		t.Fatalf("expected only the rss record, got %+v", result.Records)
	}
	if result.Stats.InvalidRecords != 2 {
		t.Fatalf("expected 2 invalid records, got %d", result.Stats.InvalidRecords)
	}
	if result.Stats.TotalBeforeDedup != 3 || result.Stats.TotalAfterDedup != 1 {
		t.Fatalf("unexpected totals: %+v", result.Stats)
	}
	if _, ok := result.Stats.BySourceType[""]; ok {
		t.Fatalf("blank source type must not get a stats entry")
	}
}
