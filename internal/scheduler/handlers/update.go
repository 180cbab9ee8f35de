package handlers

import (
	"context"
	"strings"

	"github.com/mkarlsen/memsched/internal/llm"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// fastModeTag marks provisional fast-path items that must not enter the
// working set on replacement.
const fastModeTag = "mode:fast"

type intentResponse struct {
	TriggerRetrieval bool     `json:"trigger_retrieval"`
	MissingEvidences []string `json:"missing_evidences"`
}

// MemoryUpdate reconciles the working set of one (user, cube) against the
// queries carried by the group. Queries enter the history first; retrieval
// only runs when intent recognition (or its timed fallback) asks for it,
// and a quiet turn leaves the working memory untouched.
func (s *Service) MemoryUpdate(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	cube, err := s.cubeFor(last)
	if err != nil {
		return err
	}
	userID, cubeID, userName := last.UserID, last.MemCubeID, last.UserName

	var queries []string
	for _, m := range msgs {
		for _, line := range strings.Split(m.Content, "\n") {
			if q := strings.TrimSpace(line); q != "" {
				queries = append(queries, q)
			}
		}
	}
	for _, q := range queries {
		keywords := monitor.ExtractKeywords(q, s.deps.Cfg.QueryKeyWordsLimit)
		s.deps.Monitors.RegisterQuery(userID, cubeID, q, keywords)
	}
	if err := s.deps.Monitors.SyncWithORM(userID, cubeID); err != nil {
		log.ErrorErr(log.CatMonitor, "Failed to persist query history", err,
			"userID", userID, "cubeID", cubeID)
	}

	current, err := cube.TextMem.GetWorkingMemory(ctx, userName)
	if err != nil {
		return err
	}
	if k := s.deps.Cfg.TopK; k > 0 && len(current) > k {
		current = current[:k]
	}

	fresh, triggered := s.processSessionTurn(ctx, cube, userID, cubeID, userName, queries, current)
	if triggered {
		if err := s.replaceWorkingMemory(ctx, last, cube, queries, current, fresh); err != nil {
			return err
		}
	}

	if s.deps.Cfg.EnableActivationMemory && s.deps.ActMgr != nil {
		s.deps.ActMgr.RefreshPeriodically(ctx, userID, cubeID, cube, string(last.Label))
	}
	return nil
}

// processSessionTurn decides whether this turn needs retrieval and runs
// it. Retrieval fires when intent recognition asks for it or when the
// periodic timer elapses; only a negative decision with a quiet timer
// leaves the turn untouched.
func (s *Service) processSessionTurn(ctx context.Context, cube *memory.Cube, userID, cubeID, userName string, queries []string, current []memory.Item) ([]memory.Item, bool) {
	if len(queries) == 0 {
		return nil, false
	}

	evidences, triggered := s.recognizeIntent(ctx, userID, cubeID, queries, current)
	if !triggered {
		return nil, false
	}
	if len(evidences) == 0 {
		evidences = queries
	}

	results := s.deps.Searcher.SearchEvidences(ctx, cube, evidences, userName, s.deps.Cfg.TopK)
	if len(results) == 0 {
		// The existing set is still reranked and filtered against the
		// updated query history.
		log.Info(log.CatHandler, "Retrieval triggered but found nothing",
			"userID", userID, "evidences", len(evidences))
		return nil, true
	}

	if s.deps.Enhancer != nil {
		enhanced, ok := s.deps.Enhancer.Enhance(ctx, queries, results)
		if !ok {
			log.Warn(log.CatHandler, "Enhancement partially failed, using mixed results",
				"userID", userID, "items", len(enhanced))
		}
		results = enhanced
	}
	return results, true
}

func (s *Service) recognizeIntent(ctx context.Context, userID, cubeID string, queries []string, current []memory.Item) ([]string, bool) {
	window := queries
	if n := s.deps.Cfg.ContextWindowSize; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	fallback := func() ([]string, bool) {
		if s.deps.Monitors.ForcedRetrievalDue(userID, cubeID, forcedRecallInterval) {
			log.Info(log.CatHandler, "Intent recognition unavailable, forcing recall",
				"userID", userID, "queries", len(window))
			return window, true
		}
		return nil, false
	}

	if s.deps.ChatLLM == nil || s.deps.Prompts == nil {
		return fallback()
	}

	workingLines := make([]string, len(current))
	for i, it := range current {
		workingLines[i] = "- " + it.Memory
	}
	promptText, err := s.deps.Prompts.Render(prompt.IntentRecognizing, map[string]any{
		"queries":          window,
		"working_memories": strings.Join(workingLines, "\n"),
	})
	if err != nil {
		log.ErrorErr(log.CatLLM, "Failed to build intent prompt", err)
		return fallback()
	}
	response, err := s.deps.ChatLLM.Generate(ctx, llm.UserMessage(promptText))
	if err != nil {
		log.ErrorErr(log.CatLLM, "Intent recognition call failed", err)
		return fallback()
	}
	parsed := llm.ParseJSON[intentResponse](response)
	if !parsed.Ok {
		log.Error(log.CatLLM, "Intent response malformed", "raw", response)
		return fallback()
	}
	if !parsed.Value.TriggerRetrieval {
		// The periodic timer is an independent trigger; when it elapses
		// a declined intent is overridden and the raw queries stand in
		// for the missing evidences.
		if s.deps.Monitors.ForcedRetrievalDue(userID, cubeID, forcedRecallInterval) {
			log.Info(log.CatHandler, "Timed trigger overrides declined intent",
				"userID", userID, "queries", len(window))
			return window, true
		}
		return nil, false
	}
	return parsed.Value.MissingEvidences, true
}

// replaceWorkingMemory merges retrieved items into the working set: rerank
// against the query history, drop unrelated items, rescore the monitors,
// and push the new ordering into the cube.
func (s *Service) replaceWorkingMemory(ctx context.Context, msg memory.Message, cube *memory.Cube, queries []string, current, fresh []memory.Item) error {
	userID, cubeID := msg.UserID, msg.MemCubeID

	// Fast-path items in the outgoing working set are provisional and do
	// not survive a replacement.
	kept := current[:0:0]
	for _, it := range current {
		if it.HasTag(fastModeTag) {
			continue
		}
		kept = append(kept, it)
	}

	// Rerank and filter against the persisted query history, not just
	// this turn's queries.
	history := s.deps.Monitors.QueryHistory(userID, cubeID)
	if len(history) == 0 {
		history = queries
	}

	ranked, rerankOK := s.deps.Post.ProcessAndRerank(ctx, history, kept, fresh, s.deps.Cfg.TopK)
	ranked, _ = s.deps.Post.FilterUnrelated(ctx, history, ranked)

	entries := monitor.TransformToEntries(s.deps.Monitors.KeywordFrequencies(userID, cubeID), ranked)
	if !rerankOK {
		for i := range entries {
			entries[i].SortingScore = 0
		}
	}
	s.deps.Monitors.UpdateWorking(userID, cubeID, entries)
	if err := s.deps.Monitors.SyncWithORM(userID, cubeID); err != nil {
		log.ErrorErr(log.CatMonitor, "Failed to persist working monitors", err,
			"userID", userID, "cubeID", cubeID)
	}

	sorted := s.deps.Monitors.SortedWorking(userID, cubeID)
	items := make([]memory.Item, 0, len(sorted))
	for _, e := range sorted {
		items = append(items, e.Item)
	}
	if err := cube.TextMem.ReplaceWorkingMemory(ctx, items); err != nil {
		return err
	}

	if s.deps.WebLog != nil {
		event := weblog.NewEvent(msg, weblog.UpdateMemory)
		for _, it := range items {
			event.Content = append(event.Content, weblog.Entry{
				MemoryID: it.ID,
				Content:  it.Memory,
			})
		}
		event.Metadata = itemMetadataRows(items)
		s.deps.WebLog.Publish(event)
	}

	log.Info(log.CatHandler, "Replaced working memory",
		"userID", userID, "cubeID", cubeID,
		"previous", len(current), "retrieved", len(fresh), "final", len(items))
	return nil
}
