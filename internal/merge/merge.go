// Package merge fuses per-source candidate batches into one stream with at most
// one record per URL. Earlier source types in the priority list win collisions.
package merge

import (
	"sort"
	"strings"

	"horse.fit/newsdedup/internal/record"
)

type SourceStats struct {
	Loaded        int `json:"loaded"`
	Kept          int `json:"kept"`
	URLCollisions int `json:"url_collisions"`
	Invalid       int `json:"invalid"`
}

type Stats struct {
	BySourceType     map[string]SourceStats `json:"by_source_type"`
	URLCollisions    int                    `json:"url_collisions"`
	InvalidRecords   int                    `json:"invalid_records"`
	TotalBeforeDedup int                    `json:"total_before_dedup"`
	TotalAfterDedup  int                    `json:"total_after_dedup"`
}

type Result struct {
	Records []record.Record
	Stats   Stats
}

// Merge walks source types in priority order and keeps the first record seen
// for each URL. A listed source type with no batch counts as empty. Batches
// under unlisted source types are merged after the listed ones, in name order.
// Batches under a blank source type are counted as invalid.
func Merge(sourceTypes []string, batches map[string][]record.Record) Result {
	order := PriorityOrder(sourceTypes, batches)
	normalized := normalizeBatchKeys(batches)

	result := Result{
		Stats: Stats{BySourceType: make(map[string]SourceStats, len(order))},
	}
	seen := make(map[string]struct{})

	for _, sourceType := range order {
		batch := normalized[sourceType]
		stats := SourceStats{Loaded: len(batch)}

		for _, candidate := range batch {
			url := record.NormalizeURL(candidate.URL)
			if url == "" {
				stats.Invalid++
				result.Stats.InvalidRecords++
				continue
			}
			if _, dup := seen[url]; dup {
				stats.URLCollisions++
				result.Stats.URLCollisions++
				continue
			}
			seen[url] = struct{}{}

			candidate.URL = url
			candidate.SourceType = sourceType
			result.Records = append(result.Records, candidate)
			stats.Kept++
		}

		result.Stats.BySourceType[sourceType] = stats
		result.Stats.TotalBeforeDedup += stats.Loaded
	}

	// Records under a blank source type have no place in the priority order.
	for key, batch := range batches {
		if NormalizeSourceType(key) == "" {
			result.Stats.InvalidRecords += len(batch)
			result.Stats.TotalBeforeDedup += len(batch)
		}
	}
	result.Stats.TotalAfterDedup = len(result.Records)

	return result
}

// AddRejected folds candidates dropped before merge (for example by payload
// validation) into the per-source loaded and invalid counts.
func (s *Stats) AddRejected(sourceType string, count int) {
	if count <= 0 {
		return
	}
	sourceType = NormalizeSourceType(sourceType)
	if s.BySourceType == nil {
		s.BySourceType = make(map[string]SourceStats)
	}
	stats := s.BySourceType[sourceType]
	stats.Loaded += count
	stats.Invalid += count
	s.BySourceType[sourceType] = stats
	s.InvalidRecords += count
	s.TotalBeforeDedup += count
}

// PriorityOrder returns the normalized listed source types followed by any
// extra batch keys, sorted.
func PriorityOrder(sourceTypes []string, batches map[string][]record.Record) []string {
	order := make([]string, 0, len(sourceTypes)+len(batches))
	listed := make(map[string]struct{}, len(sourceTypes))
	for _, raw := range sourceTypes {
		sourceType := NormalizeSourceType(raw)
		if sourceType == "" {
			continue
		}
		if _, exists := listed[sourceType]; exists {
			continue
		}
		listed[sourceType] = struct{}{}
		order = append(order, sourceType)
	}

	var extra []string
	for raw := range batches {
		sourceType := NormalizeSourceType(raw)
		if sourceType == "" {
			continue
		}
		if _, exists := listed[sourceType]; exists {
			continue
		}
		listed[sourceType] = struct{}{}
		extra = append(extra, sourceType)
	}
	sort.Strings(extra)

	return append(order, extra...)
}

func NormalizeSourceType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// normalizeBatchKeys folds keys that differ only by case or padding, keeping
// map iteration order out of the result by sorting the raw keys first.
func normalizeBatchKeys(batches map[string][]record.Record) map[string][]record.Record {
	keys := make([]string, 0, len(batches))
	for key := range batches {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make(map[string][]record.Record, len(batches))
	for _, key := range keys {
		sourceType := NormalizeSourceType(key)
		if sourceType == "" {
			continue
		}
		out[sourceType] = append(out[sourceType], batches[key]...)
	}
	return out
}
