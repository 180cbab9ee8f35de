// Package search is the unified retrieval facade over a mem-cube's
// long-term and user memory lanes.
package search

import (
	"context"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
)

// Service searches the memory lanes of a cube and concatenates results.
type Service struct {
	mode memory.SearchMode
}

// NewService creates a search service using the given retrieval mode.
func NewService(mode memory.SearchMode) *Service {
	if mode == "" {
		mode = memory.SearchFast
	}
	return &Service{mode: mode}
}

// Search runs the query against LongTermMemory then UserMemory and
// concatenates the results. Lane errors are logged and yield an empty
// contribution; retrieval is best-effort.
func (s *Service) Search(ctx context.Context, cube *memory.Cube, query, userName string, topK int) []memory.Item {
	if cube == nil || cube.TextMem == nil {
		return nil
	}

	var out []memory.Item
	for _, lane := range []memory.MemoryType{memory.LongTermMemory, memory.UserMemory} {
		items, err := cube.TextMem.Search(ctx, query, userName, topK, s.mode, lane)
		if err != nil {
			log.ErrorErr(log.CatSearch, "Memory lane search failed", err,
				"lane", string(lane), "query", query)
			continue
		}
		out = append(out, items...)
	}
	return out
}

// SearchEvidences fans one search out per evidence string, splitting topK
// across evidences with a floor of one result each.
func (s *Service) SearchEvidences(ctx context.Context, cube *memory.Cube, evidences []string, userName string, topK int) []memory.Item {
	if len(evidences) == 0 {
		return nil
	}
	kPerEvidence := topK / len(evidences)
	if kPerEvidence < 1 {
		kPerEvidence = 1
	}

	var out []memory.Item
	for _, ev := range evidences {
		out = append(out, s.Search(ctx, cube, ev, userName, kPerEvidence)...)
	}
	return out
}
