// Package postproc implements the LLM-assisted post-processing of memory
// item lists: similarity and length dedup, relevance filtering, and
// reranking against the observed query history. Every operation fails
// open; a broken model response never loses caller data.
package postproc

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/mkarlsen/memsched/internal/llm"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
)

// Defaults for the dedup thresholds.
const (
	DefaultSimilarityThreshold = 0.75
	DefaultMinLength           = 6
)

// Processor runs post-processing over memory item lists.
type Processor struct {
	llm          llm.Client
	embedder     llm.Embedder // nil skips vector dedup
	reranker     llm.Reranker // optional dedicated reranker, tried before the LLM
	prompts      prompt.Store
	simThreshold float64
	minLength    int
}

// UseReranker attaches a dedicated reranker. When set it is tried first;
// the LLM prompt remains the fallback.
func (p *Processor) UseReranker(r llm.Reranker) { p.reranker = r }

// NewProcessor creates a processor. embedder may be nil; vector dedup is
// then skipped.
func NewProcessor(client llm.Client, embedder llm.Embedder, prompts prompt.Store, simThreshold float64, minLength int) *Processor {
	if simThreshold <= 0 {
		simThreshold = DefaultSimilarityThreshold
	}
	if minLength <= 0 {
		minLength = DefaultMinLength
	}
	return &Processor{
		llm:          client,
		embedder:     embedder,
		prompts:      prompts,
		simThreshold: simThreshold,
		minLength:    minLength,
	}
}

type rerankResponse struct {
	NewOrder  []int  `json:"new_order"`
	Reasoning string `json:"reasoning"`
}

// RerankTexts asks the LLM to reorder texts against the query history and
// returns the top topK. Only the first query drives the prompt. On any
// failure the original order is truncated and ok is false.
func (p *Processor) RerankTexts(ctx context.Context, queries, texts []string, topK int) ([]string, bool) {
	if len(texts) == 0 {
		return nil, true
	}
	fallback := texts
	if len(fallback) > topK {
		fallback = fallback[:topK]
	}
	if len(queries) == 0 {
		return fallback, true
	}

	if p.reranker != nil {
		ranked, err := p.reranker.Rerank(ctx, queries[0], texts)
		if err == nil && len(ranked) > 0 {
			var out []string
			for _, r := range ranked {
				if r.Index < 0 || r.Index >= len(texts) {
					continue
				}
				out = append(out, texts[r.Index])
				if len(out) == topK {
					break
				}
			}
			if len(out) > 0 {
				return out, true
			}
		}
		if err != nil {
			log.ErrorErr(log.CatLLM, "Dedicated reranker failed, falling back to LLM", err)
		}
	}
	if p.llm == nil {
		return fallback, true
	}

	currentOrder := make([]string, len(texts))
	for i, t := range texts {
		currentOrder[i] = fmt.Sprintf("[%d] %s", i, t)
	}
	promptText, err := p.prompts.Render(prompt.MemoryReranking, map[string]any{
		"queries":       []string{fmt.Sprintf("[0] %s", queries[0])},
		"current_order": currentOrder,
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build rerank prompt", err)
		return fallback, false
	}

	response, err := p.llm.Generate(ctx, llm.UserMessage(promptText))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Rerank LLM call failed", err)
		return fallback, false
	}

	parsed := llm.ParseJSON[rerankResponse](response)
	if !parsed.Ok {
		log.Error(log.CatLLM, "Rerank response was not valid JSON", "raw", truncate(response, 200))
		return fallback, false
	}

	var reordered []string
	for _, idx := range parsed.Value.NewOrder {
		if idx < 0 || idx >= len(texts) {
			log.Error(log.CatLLM, "Rerank returned out-of-range index", "index", idx, "count", len(texts))
			return fallback, false
		}
		reordered = append(reordered, texts[idx])
		if len(reordered) == topK {
			break
		}
	}
	if len(reordered) == 0 {
		return fallback, false
	}
	log.Info(log.CatLLM, "Reranked memories",
		"count", len(reordered), "reasoning", parsed.Value.Reasoning)
	return reordered, true
}

// ProcessAndRerank merges original and new items, dedups, and reranks.
// Steps: merge, vector-similarity dedup (cosine >= threshold drops the
// later item), length filter, stable dedup by normalized key, LLM rerank.
// ok is false only when reranking itself failed.
func (p *Processor) ProcessAndRerank(ctx context.Context, queries []string, original, fresh []memory.Item, topK int) ([]memory.Item, bool) {
	combined := make([]memory.Item, 0, len(original)+len(fresh))
	combined = append(combined, original...)
	combined = append(combined, fresh...)
	if len(combined) == 0 {
		return nil, true
	}

	// Normalized text -> item, first occurrence wins.
	itemsByKey := make(map[string]memory.Item, len(combined))
	for _, it := range combined {
		key := memory.NormalizeKey(it.Memory)
		if _, ok := itemsByKey[key]; !ok {
			itemsByKey[key] = it
		}
	}

	texts := memory.ItemTexts(combined)
	texts = p.dedupBySimilarity(ctx, texts)
	texts = p.filterByLength(texts)
	texts = dedupStable(texts)

	ranked, ok := p.RerankTexts(ctx, queries, texts, topK)

	out := make([]memory.Item, 0, len(ranked))
	for _, text := range ranked {
		it, found := itemsByKey[memory.NormalizeKey(text)]
		if !found {
			log.Warn(log.CatLLM, "Reranked text lost its source item", "text", truncate(text, 80))
			continue
		}
		out = append(out, it)
	}
	return out, ok
}

type keepResponse struct {
	Keep []bool `json:"keep"`
}

// FilterUnrelated drops items unrelated to the query history. On failure
// the input is returned unchanged with ok false (fail-open).
func (p *Processor) FilterUnrelated(ctx context.Context, queries []string, items []memory.Item) ([]memory.Item, bool) {
	return p.filterWith(ctx, prompt.RelevanceFiltering, queries, items)
}

// FilterRedundant drops items redundant against earlier ones. Fail-open.
func (p *Processor) FilterRedundant(ctx context.Context, queries []string, items []memory.Item) ([]memory.Item, bool) {
	return p.filterWith(ctx, prompt.RedundancyFiltering, queries, items)
}

func (p *Processor) filterWith(ctx context.Context, template string, queries []string, items []memory.Item) ([]memory.Item, bool) {
	if len(items) == 0 || len(queries) == 0 || p.llm == nil {
		return items, true
	}

	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = fmt.Sprintf("- [%d] %s", i, it.Memory)
	}
	promptText, err := p.prompts.Render(template, map[string]any{
		"queries":  queries,
		"memories": strings.Join(lines, "\n"),
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build filter prompt", err, "template", template)
		return items, false
	}

	response, err := p.llm.Generate(ctx, llm.UserMessage(promptText))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Filter LLM call failed", err, "template", template)
		return items, false
	}
	parsed := llm.ParseJSON[keepResponse](response)
	if !parsed.Ok || len(parsed.Value.Keep) != len(items) {
		log.Error(log.CatLLM, "Filter response malformed, keeping all items",
			"template", template, "raw", truncate(response, 200))
		return items, false
	}

	var kept []memory.Item
	for i, keep := range parsed.Value.Keep {
		if keep {
			kept = append(kept, items[i])
		}
	}
	return kept, true
}

type answerAbilityResponse struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// EvaluateAnswerAbility asks the LLM whether the memories suffice to
// answer the query. Parse failures report false.
func (p *Processor) EvaluateAnswerAbility(ctx context.Context, query string, texts []string, topK int) bool {
	if p.llm == nil {
		return false
	}
	if topK > 0 && len(texts) > topK {
		texts = texts[:topK]
	}
	memoryList := "No memories available"
	if len(texts) > 0 {
		lines := make([]string, len(texts))
		for i, t := range texts {
			lines[i] = "- " + t
		}
		memoryList = strings.Join(lines, "\n")
	}

	promptText, err := p.prompts.Render(prompt.AnswerAbility, map[string]any{
		"query":       query,
		"memory_list": memoryList,
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build answerability prompt", err)
		return false
	}
	response, err := p.llm.Generate(ctx, llm.UserMessage(promptText))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Answerability LLM call failed", err)
		return false
	}
	parsed := llm.ParseJSON[answerAbilityResponse](response)
	if !parsed.Ok {
		log.Error(log.CatLLM, "Answerability response malformed", "raw", truncate(response, 200))
		return false
	}
	log.Info(log.CatLLM, "Evaluated answerability",
		"result", parsed.Value.Result, "reason", parsed.Value.Reason, "memories", len(texts))
	return parsed.Value.Result
}

// dedupBySimilarity drops any text whose embedding cosine against an
// earlier kept text meets the threshold. Embedding failures keep all.
func (p *Processor) dedupBySimilarity(ctx context.Context, texts []string) []string {
	if p.embedder == nil || len(texts) < 2 {
		return texts
	}
	vectors, err := p.embedder.Embed(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		log.Warn(log.CatLLM, "Embedding failed, skipping similarity dedup",
			"count", len(texts))
		return texts
	}

	var kept []string
	var keptVecs [][]float64
	for i, text := range texts {
		duplicate := false
		for _, prev := range keptVecs {
			if Cosine(vectors[i], prev) >= p.simThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, text)
			keptVecs = append(keptVecs, vectors[i])
		}
	}
	return kept
}

func (p *Processor) filterByLength(texts []string) []string {
	var kept []string
	for _, t := range texts {
		if utf8.RuneCountInString(t) >= p.minLength {
			kept = append(kept, t)
		}
	}
	return kept
}

// dedupStable removes duplicate normalized keys, keeping first occurrences.
func dedupStable(texts []string) []string {
	seen := make(map[string]struct{}, len(texts))
	var out []string
	for _, t := range texts {
		key := memory.NormalizeKey(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched
// or zero-magnitude inputs.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
