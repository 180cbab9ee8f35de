package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkarlsen/memsched/internal/llm"
)

// ScriptedLLM returns canned responses in order, then repeats the last
// one. It records every transcript it receives.
type ScriptedLLM struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	Calls     [][]llm.ChatMessage
}

var _ llm.Client = (*ScriptedLLM)(nil)

// Generate implements llm.Client.
func (s *ScriptedLLM) Generate(_ context.Context, messages []llm.ChatMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, messages)
	if s.Err != nil {
		return "", s.Err
	}
	if len(s.Responses) == 0 {
		return "", fmt.Errorf("scripted llm has no responses")
	}
	idx := len(s.Calls) - 1
	if idx >= len(s.Responses) {
		idx = len(s.Responses) - 1
	}
	return s.Responses[idx], nil
}

// CallCount returns the number of Generate invocations.
func (s *ScriptedLLM) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// HashEmbedder buckets each text into a one-hot vector by byte sum, so
// identical texts embed identically (cosine 1) and distinct texts are
// usually orthogonal (cosine 0).
type HashEmbedder struct {
	Err error
}

var _ llm.Embedder = (*HashEmbedder)(nil)

// Embed implements llm.Embedder.
func (h *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	if h.Err != nil {
		return nil, h.Err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		sum := 0
		for _, b := range []byte(text) {
			sum += int(b)
		}
		v := make([]float64, 8)
		v[sum%8] = 1
		out[i] = v
	}
	return out, nil
}

// StaticReranker returns a fixed ordering regardless of the query.
type StaticReranker struct {
	Order []int
	Err   error
}

var _ llm.Reranker = (*StaticReranker)(nil)

// Rerank implements llm.Reranker.
func (r *StaticReranker) Rerank(_ context.Context, _ string, texts []string) ([]llm.RankedIndex, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	order := r.Order
	if order == nil {
		order = make([]int, len(texts))
		for i := range texts {
			order[i] = i
		}
	}
	out := make([]llm.RankedIndex, 0, len(order))
	for rank, idx := range order {
		out = append(out, llm.RankedIndex{Index: idx, Score: float64(len(order) - rank)})
	}
	return out, nil
}
