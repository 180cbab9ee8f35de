package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemStore is an in-process implementation of TextMemory, GraphStore,
// and MemoryManager backed by maps. It serves local single-process
// deployments and tests; cross-process deployments plug in a real graph
// store behind the same interfaces.
type InMemStore struct {
	mu      sync.RWMutex
	items   map[string]Item
	working []string // ordered working-set item ids
	edges   []Edge
}

var (
	_ TextMemory    = (*InMemStore)(nil)
	_ GraphStore    = (*InMemStore)(nil)
	_ MemoryManager = (*InMemStore)(nil)
)

// NewInMemStore creates an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{items: make(map[string]Item)}
}

// Search scans items of the given memory type and scores them by naive
// term overlap with the query. Results are capped at topK.
func (s *InMemStore) Search(_ context.Context, query, _ string, topK int, _ SearchMode, memType MemoryType) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		item  Item
		score int
	}
	var candidates []scored
	for _, it := range s.items {
		if memType != "" && it.Metadata.MemoryType != memType {
			continue
		}
		// Resolving items are hidden from search but stay visible to
		// Get and working-set reads.
		switch it.Metadata.Status {
		case StatusResolving, StatusArchived, StatusDeleted:
			continue
		}
		score := 0
		lower := strings.ToLower(it.Memory)
		for _, t := range terms {
			score += strings.Count(lower, t)
		}
		if score > 0 {
			candidates = append(candidates, scored{item: it, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	out := make([]Item, len(candidates))
	for i, c := range candidates {
		out[i] = c.item
	}
	return out, nil
}

// Get returns the item with the given id.
func (s *InMemStore) Get(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("memory item not found: %s", id)
	}
	return it, nil
}

// Add inserts items, assigning ids where missing, and returns the ids.
func (s *InMemStore) Add(_ context.Context, items []Item) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(items))
	now := time.Now().UTC()
	for _, it := range items {
		if it.ID == "" {
			it = NewItem(it.Memory, it.Metadata)
		}
		if it.Metadata.Status == "" {
			it.Metadata.Status = StatusActivated
		}
		if it.Metadata.CreatedAt.IsZero() {
			it.Metadata.CreatedAt = now
		}
		it.Metadata.UpdatedAt = now
		s.items[it.ID] = it
		ids = append(ids, it.ID)
	}
	return ids, nil
}

// Delete removes items and any working-set references to them.
func (s *InMemStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		delete(s.items, id)
		drop[id] = struct{}{}
	}
	kept := s.working[:0]
	for _, id := range s.working {
		if _, gone := drop[id]; !gone {
			kept = append(kept, id)
		}
	}
	s.working = kept
	return nil
}

// GetWorkingMemory returns the ordered working set.
func (s *InMemStore) GetWorkingMemory(_ context.Context, _ string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Item, 0, len(s.working))
	for _, id := range s.working {
		if it, ok := s.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// ReplaceWorkingMemory swaps the working set for the given items, storing
// any that are not yet present.
func (s *InMemStore) ReplaceWorkingMemory(_ context.Context, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			it = NewItem(it.Memory, it.Metadata)
		}
		if _, ok := s.items[it.ID]; !ok {
			if it.Metadata.Status == "" {
				it.Metadata.Status = StatusActivated
			}
			it.Metadata.UpdatedAt = now
			s.items[it.ID] = it
		}
		ids = append(ids, it.ID)
	}
	s.working = ids
	return nil
}

// GetByMetadata returns ids of items matching every filter. Only the "="
// operator is supported.
func (s *InMemStore) GetByMetadata(_ context.Context, filters []MetadataFilter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, it := range s.items {
		if matchesFilters(it, filters) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func matchesFilters(it Item, filters []MetadataFilter) bool {
	for _, f := range filters {
		if f.Op != "" && f.Op != "=" {
			return false
		}
		var got string
		switch f.Field {
		case "key":
			got = it.MappingKey()
		case "memory_type":
			got = string(it.Metadata.MemoryType)
		case "status":
			got = string(it.Metadata.Status)
		case "user_id":
			got = it.Metadata.UserID
		default:
			return false
		}
		if got != f.Value {
			return false
		}
	}
	return true
}

// GetEdges returns edges of the given type touching id in the given direction.
func (s *InMemStore) GetEdges(_ context.Context, id, edgeType, direction string) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Edge
	for _, e := range s.edges {
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		switch direction {
		case DirectionOut:
			if e.From == id {
				out = append(out, e)
			}
		case DirectionIn:
			if e.To == id {
				out = append(out, e)
			}
		default:
			if e.From == id || e.To == id {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// UpdateNode patches the supported metadata fields of a node.
func (s *InMemStore) UpdateNode(_ context.Context, id string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("memory item not found: %s", id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			it.Metadata.Status = ItemStatus(v)
		case "key":
			it.Metadata.Key = v
		}
	}
	it.Metadata.UpdatedAt = time.Now().UTC()
	s.items[id] = it
	return nil
}

// RemoveAndRefresh drops items marked deleted. Archived items are kept;
// they stay visible to reconciliation.
func (s *InMemStore) RemoveAndRefresh(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, it := range s.items {
		if it.Metadata.Status == StatusDeleted {
			delete(s.items, id)
		}
	}
	return nil
}

// AddEdge records an edge. Intended for setup in local mode and tests.
func (s *InMemStore) AddEdge(e Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, e)
}

// Len returns the number of stored items.
func (s *InMemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Reset clears all state. Intended for tests.
func (s *InMemStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Item)
	s.working = nil
	s.edges = nil
}
