// Package enhance rewrites or recreates retrieved memory items against
// the query history using an LLM, in concurrent fixed-size batches with
// per-batch retries.
package enhance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mkarlsen/memsched/internal/llm"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
)

// Strategy selects how enhanced output maps back to items.
type Strategy string

const (
	// StrategyRewrite preserves item identities and metadata, replacing
	// only the text. The model returns "[index] new text" lines.
	StrategyRewrite Strategy = "rewrite"
	// StrategyRecreate produces fresh LongTermMemory items inheriting
	// only the user id.
	StrategyRecreate Strategy = "recreate"
)

// Defaults for batching and retries.
const (
	DefaultBatchSize = 10
	DefaultRetries   = 1

	retryDelay = time.Second
)

// Pipeline runs memory enhancement.
type Pipeline struct {
	llm       llm.Client
	prompts   prompt.Store
	strategy  Strategy
	batchSize int
	retries   int
}

// NewPipeline creates an enhancement pipeline.
func NewPipeline(client llm.Client, prompts prompt.Store, strategy Strategy, batchSize, retries int) *Pipeline {
	if strategy != StrategyRecreate {
		strategy = StrategyRewrite
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if retries < 0 {
		retries = DefaultRetries
	}
	return &Pipeline{
		llm:       client,
		prompts:   prompts,
		strategy:  strategy,
		batchSize: batchSize,
		retries:   retries,
	}
}

// Enhance processes items against the query history. Batches beyond
// batchSize run concurrently. ok is the conjunction of batch successes;
// a failed batch contributes its original items unchanged.
func (p *Pipeline) Enhance(ctx context.Context, queryHistory []string, items []memory.Item) ([]memory.Item, bool) {
	if len(items) == 0 {
		log.Warn(log.CatLLM, "Enhancement skipped, no memories to process")
		return items, true
	}

	if len(items) <= p.batchSize {
		return p.enhanceBatch(ctx, 0, queryHistory, items)
	}

	type result struct {
		index int
		items []memory.Item
		ok    bool
	}

	var batches [][]memory.Item
	for start := 0; start < len(items); start += p.batchSize {
		end := start + p.batchSize
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}

	results := make([]result, len(batches))
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		go func(i int, batch []memory.Item) {
			defer wg.Done()
			enhanced, ok := p.enhanceBatch(ctx, i, queryHistory, batch)
			results[i] = result{index: i, items: enhanced, ok: ok}
		}(i, batch)
	}
	wg.Wait()

	allOK := true
	failed := 0
	var out []memory.Item
	for _, r := range results {
		out = append(out, r.items...)
		if !r.ok {
			allOK = false
			failed++
		}
	}
	log.Info(log.CatLLM, "Enhancement batches complete",
		"batches", len(batches), "enhanced", len(out), "failedBatches", failed, "success", allOK)
	return out, allOK
}

func (p *Pipeline) enhanceBatch(ctx context.Context, batchIndex int, queryHistory []string, items []memory.Item) ([]memory.Item, bool) {
	promptText, err := p.buildPrompt(queryHistory, memory.ItemTexts(items))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build enhancement prompt", err, "batch", batchIndex)
		return items, false
	}

	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return items, false
			case <-time.After(retryDelay):
			}
		}

		response, err := p.llm.Generate(ctx, llm.UserMessage(promptText))
		if err != nil {
			log.Debug(log.CatLLM, "Enhancement attempt failed",
				"batch", batchIndex, "attempt", attempt, "error", err.Error())
			continue
		}
		lines := llm.ExtractListItems(response)
		if len(lines) == 0 {
			log.Debug(log.CatLLM, "Enhancement returned no list items",
				"batch", batchIndex, "attempt", attempt)
			continue
		}
		return p.mapEnhanced(items, lines), true
	}

	log.Error(log.CatLLM, "Enhancement batch exhausted retries, keeping originals",
		"batch", batchIndex, "items", len(items))
	return items, false
}

func (p *Pipeline) buildPrompt(queryHistory, texts []string) (string, error) {
	history := ""
	switch len(queryHistory) {
	case 0:
	case 1:
		history = queryHistory[0]
	default:
		lines := make([]string, len(queryHistory))
		for i, q := range queryHistory {
			lines[i] = fmt.Sprintf("[%d] %s", i, q)
		}
		history = strings.Join(lines, "\n")
	}

	var lines []string
	name := prompt.RecreateEnhancement
	if p.strategy == StrategyRewrite {
		name = prompt.RewriteEnhancement
		for i, t := range texts {
			lines = append(lines, fmt.Sprintf("- [%d] %s", i, t))
		}
	} else {
		for _, t := range texts {
			lines = append(lines, "- "+t)
		}
	}

	return p.prompts.Render(name, map[string]any{
		"query_history": history,
		"memories":      strings.Join(lines, "\n"),
	})
}

func (p *Pipeline) mapEnhanced(originals []memory.Item, lines []string) []memory.Item {
	if p.strategy == StrategyRecreate {
		userID := originals[0].Metadata.UserID
		out := make([]memory.Item, 0, len(lines))
		for _, text := range lines {
			out = append(out, memory.NewItem(text, memory.Metadata{
				UserID:     userID,
				MemoryType: memory.LongTermMemory,
			}))
		}
		return out
	}

	var out []memory.Item
	for j, line := range lines {
		idx, text := parseIndexAndText(line)
		var orig *memory.Item
		switch {
		case idx >= 0 && idx < len(originals):
			orig = &originals[idx]
		case j < len(originals):
			orig = &originals[j]
		}
		if orig == nil {
			continue
		}
		out = append(out, memory.Item{ID: orig.ID, Memory: text, Metadata: orig.Metadata})
	}
	return out
}

var (
	bracketIndexRe = regexp.MustCompile(`^\s*\[(\d+)\]\s*(.+)$`)
	plainIndexRe   = regexp.MustCompile(`^\s*(\d+)\s*[:\-)]\s*(.+)$`)
)

// parseIndexAndText parses "[3] text" or "3: text" forms, returning -1
// when no index prefix is present.
func parseIndexAndText(s string) (int, string) {
	s = strings.TrimSpace(s)
	if m := bracketIndexRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, strings.TrimSpace(m[2])
	}
	if m := plainIndexRe.FindStringSubmatch(s); m != nil {
		idx, _ := strconv.Atoi(m[1])
		return idx, strings.TrimSpace(m[2])
	}
	return -1, s
}

type recallResponse struct {
	Hint          string `json:"hint"`
	TriggerRecall bool   `json:"trigger_recall"`
}

// RecallForMissing asks the LLM whether the memories leave the query
// under-served, returning a retrieval hint. An empty hint never triggers.
func (p *Pipeline) RecallForMissing(ctx context.Context, query string, memories []string) (string, bool) {
	lines := make([]string, len(memories))
	for i, m := range memories {
		lines[i] = "- " + m
	}
	promptText, err := p.prompts.Render(prompt.EnlargeRecall, map[string]any{
		"query":           query,
		"memories_inline": strings.Join(lines, "\n"),
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build recall prompt", err)
		return "", false
	}
	response, err := p.llm.Generate(ctx, llm.UserMessage(promptText))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Recall LLM call failed", err)
		return "", false
	}
	parsed := llm.ParseJSON[recallResponse](response)
	if !parsed.Ok {
		log.Error(log.CatLLM, "Recall response malformed", "raw", truncate(response, 200))
		return "", false
	}
	if parsed.Value.Hint == "" {
		return "", false
	}
	return parsed.Value.Hint, parsed.Value.TriggerRecall
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
