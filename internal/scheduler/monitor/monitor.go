// Package monitor holds the per-(user, cube) accumulators behind
// working-memory reconciliation: the bounded query history with keyword
// extraction, and the working-set snapshot with keyword and rerank scores.
// State is persisted through a SQLite store at explicit sync boundaries.
package monitor

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/mkarlsen/memsched/internal/memory"
)

// DefaultQueryHistoryLimit bounds the per-(user, cube) query FIFO.
const DefaultQueryHistoryLimit = 50

// QueryItem is one observed query.
type QueryItem struct {
	ID        string
	QueryText string
	Keywords  []string
	Timestamp time.Time
}

// MemoryEntry is the monitor's view of one working-set item.
type MemoryEntry struct {
	ID             string
	MemoryText     string
	Item           memory.Item
	MappingKey     string
	SortingScore   float64
	KeywordsScore  float64
	RecordingCount int
}

// QueryMonitor is a bounded FIFO of recent queries for one (user, cube).
type QueryMonitor struct {
	limit   int
	entries []QueryItem
}

// NewQueryMonitor creates a query monitor with the given history bound.
func NewQueryMonitor(limit int) *QueryMonitor {
	if limit <= 0 {
		limit = DefaultQueryHistoryLimit
	}
	return &QueryMonitor{limit: limit}
}

// Put appends a query, evicting the oldest entry at capacity.
func (q *QueryMonitor) Put(item QueryItem) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = time.Now().UTC()
	}
	if len(q.entries) >= q.limit {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, item)
}

// QueriesWithTimesort returns the query texts ordered oldest first.
func (q *QueryMonitor) QueriesWithTimesort() []string {
	sorted := make([]QueryItem, len(q.entries))
	copy(sorted, q.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	out := make([]string, len(sorted))
	for i, e := range sorted {
		out[i] = e.QueryText
	}
	return out
}

// KeywordsCollections returns keyword frequencies across the history.
func (q *QueryMonitor) KeywordsCollections() map[string]int {
	freq := make(map[string]int)
	for _, e := range q.entries {
		for _, kw := range e.Keywords {
			freq[kw]++
		}
	}
	return freq
}

// Entries returns a copy of the history, oldest first.
func (q *QueryMonitor) Entries() []QueryItem {
	out := make([]QueryItem, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of retained queries.
func (q *QueryMonitor) Len() int { return len(q.entries) }

// load replaces the history; used when restoring from the store.
func (q *QueryMonitor) load(entries []QueryItem) {
	if len(entries) > q.limit {
		entries = entries[len(entries)-q.limit:]
	}
	q.entries = entries
}

// WorkingMonitor tracks the working set of one (user, cube), keyed by the
// normalized mapping key so duplicate texts collapse.
type WorkingMonitor struct {
	entries map[string]MemoryEntry
	order   []string // mapping keys in insertion order, for stable sorts
}

// NewWorkingMonitor creates an empty working monitor.
func NewWorkingMonitor() *WorkingMonitor {
	return &WorkingMonitor{entries: make(map[string]MemoryEntry)}
}

// Update merges new entries into the monitor. Existing keys keep their
// identity and bump their recording count; scores always take the new
// values since they reflect the latest rerank.
func (w *WorkingMonitor) Update(entries []MemoryEntry) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		seen[e.MappingKey] = struct{}{}
		if prev, ok := w.entries[e.MappingKey]; ok {
			e.ID = prev.ID
			e.RecordingCount = prev.RecordingCount + 1
			w.entries[e.MappingKey] = e
			continue
		}
		w.entries[e.MappingKey] = e
		w.order = append(w.order, e.MappingKey)
	}

	// Entries absent from the update were evicted by the replace.
	kept := w.order[:0]
	for _, key := range w.order {
		if _, ok := seen[key]; ok {
			kept = append(kept, key)
		} else {
			delete(w.entries, key)
		}
	}
	w.order = kept
}

// SortedEntries returns entries ordered by sorting score, then keywords
// score, descending when reverse is true. Ties keep insertion order.
func (w *WorkingMonitor) SortedEntries(reverse bool) []MemoryEntry {
	out := make([]MemoryEntry, 0, len(w.order))
	for _, key := range w.order {
		out = append(out, w.entries[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if reverse {
			if a.SortingScore != b.SortingScore {
				return a.SortingScore > b.SortingScore
			}
			return a.KeywordsScore > b.KeywordsScore
		}
		if a.SortingScore != b.SortingScore {
			return a.SortingScore < b.SortingScore
		}
		return a.KeywordsScore < b.KeywordsScore
	})
	return out
}

// Len returns the number of tracked entries.
func (w *WorkingMonitor) Len() int { return len(w.entries) }

// load replaces the monitor state; used when restoring from the store.
func (w *WorkingMonitor) load(entries []MemoryEntry) {
	w.entries = make(map[string]MemoryEntry, len(entries))
	w.order = w.order[:0]
	for _, e := range entries {
		if _, ok := w.entries[e.MappingKey]; ok {
			continue
		}
		w.entries[e.MappingKey] = e
		w.order = append(w.order, e.MappingKey)
	}
}

// ExtractKeywords pulls keywords out of a query. English text splits on
// whitespace; other scripts fall back to per-rune splitting. The result is
// deduplicated preserving order and capped at limit.
func ExtractKeywords(query string, limit int) []string {
	if limit <= 0 {
		limit = 20
	}
	var raw []string
	if isMostlyASCII(query) {
		raw = strings.Fields(query)
	} else {
		for _, r := range query {
			if unicode.IsSpace(r) || unicode.IsPunct(r) {
				continue
			}
			raw = append(raw, string(r))
		}
	}

	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, kw := range raw {
		kw = strings.Trim(strings.ToLower(kw), ".,!?;:\"'()[]{}")
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
		if len(out) == limit {
			break
		}
	}
	return out
}

func isMostlyASCII(s string) bool {
	total, ascii := 0, 0
	for _, r := range s {
		total++
		if r <= unicode.MaxASCII {
			ascii++
		}
	}
	return total == 0 || ascii*2 >= total
}

// TimedTrigger reports whether interval has elapsed since last. A zero
// last time always triggers.
func TimedTrigger(last time.Time, interval time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= interval
}

// TransformToEntries converts reranked items into monitor entries.
// keywordsScore sums occurrences of each history keyword in the item text
// weighted by the keyword's query frequency; sortingScore encodes the
// rerank position (earlier is higher).
func TransformToEntries(keywordFreq map[string]int, items []memory.Item) []MemoryEntry {
	entries := make([]MemoryEntry, 0, len(items))
	total := len(items)
	for idx, it := range items {
		keywordsScore := 0.0
		if len(keywordFreq) > 0 && it.Memory != "" {
			lower := strings.ToLower(it.Memory)
			for kw, freq := range keywordFreq {
				if n := strings.Count(lower, kw); n > 0 {
					keywordsScore += float64(n * freq)
				}
			}
		}
		entries = append(entries, MemoryEntry{
			MemoryText:     it.Memory,
			Item:           it,
			MappingKey:     memory.NormalizeKey(it.Memory),
			SortingScore:   float64(total - idx),
			KeywordsScore:  keywordsScore,
			RecordingCount: 1,
		})
	}
	return entries
}
