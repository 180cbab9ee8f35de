package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkarlsen/memsched/internal/config"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// MemRead promotes raw fast-path items into fine long-term memories.
// Messages run concurrently; each carries the ids of items to transfer.
// Fine items are stored and their merged_from sources archived, then the
// raw items plus their working bindings are removed and the long-term
// structure refreshed once per message.
func (s *Service) MemRead(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if s.deps.Reader == nil {
		return fmt.Errorf("mem_read requires a reader, none configured")
	}
	cube, err := s.cubeFor(msgs[0])
	if err != nil {
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, msg := range msgs {
		wg.Add(1)
		go func(msg memory.Message) {
			defer wg.Done()
			if err := s.readOne(ctx, cube, msg); err != nil {
				log.ErrorErr(log.CatHandler, "Fine transfer failed", err,
					"itemID", msg.ItemID, "userID", msg.UserID)
				s.publishReadFailure(msg, err)
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(msg)
	}
	wg.Wait()
	return firstErr
}

func (s *Service) readOne(ctx context.Context, cube *memory.Cube, msg memory.Message) error {
	ids, err := parseIDList(msg.Content)
	if err != nil {
		return err
	}

	originals := make([]memory.Item, 0, len(ids))
	for _, id := range ids {
		item, err := cube.TextMem.Get(ctx, id)
		if err != nil {
			log.Warn(log.CatHandler, "Raw item missing, skipping transfer", "memoryID", id)
			continue
		}
		originals = append(originals, item)
	}
	if len(originals) == 0 {
		return nil
	}

	// Working bindings attached to the raw items go away with them.
	bindings := s.workingBindingIDs(ctx, cube, originals)

	groups, err := s.deps.Reader.FineTransfer(ctx, originals, msg.UserName)
	if err != nil {
		return fmt.Errorf("fine transfer: %w", err)
	}

	var flattened []memory.Item
	for _, group := range groups {
		flattened = append(flattened, group...)
	}

	// Raw-file rows in the reader output are ingestion bookkeeping, not
	// memories; only the rest is stored.
	fine := flattened[:0:0]
	for _, it := range flattened {
		if it.Metadata.MemoryType == memory.RawFileMemory {
			continue
		}
		fine = append(fine, it)
	}
	if len(fine) > 0 {
		if _, err := cube.TextMem.Add(ctx, fine); err != nil {
			return fmt.Errorf("store fine memories: %w", err)
		}
	}

	// Items folded into a fine memory are archived, not deleted.
	if cube.GraphStore != nil {
		for _, it := range fine {
			for _, oldID := range it.Metadata.MergedFrom {
				if err := cube.GraphStore.UpdateNode(ctx, oldID, map[string]string{
					"status": string(memory.StatusArchived),
				}); err != nil {
					log.ErrorErr(log.CatHandler, "Failed to archive merged source", err,
						"memoryID", oldID)
				}
			}
		}
	}

	seen := make(map[string]struct{}, len(originals)+len(bindings))
	deleteIDs := make([]string, 0, len(originals)+len(bindings))
	for _, orig := range originals {
		if _, dup := seen[orig.ID]; dup {
			continue
		}
		seen[orig.ID] = struct{}{}
		deleteIDs = append(deleteIDs, orig.ID)
	}
	for _, id := range bindings {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		deleteIDs = append(deleteIDs, id)
	}
	if err := cube.TextMem.Delete(ctx, deleteIDs); err != nil {
		return fmt.Errorf("remove raw items: %w", err)
	}
	if cube.MemoryManager != nil {
		if err := cube.MemoryManager.RemoveAndRefresh(ctx, msg.UserName); err != nil {
			return fmt.Errorf("refresh long-term structure: %w", err)
		}
	}

	s.publishReadResult(msg, fine)
	log.Info(log.CatHandler, "Promoted raw memories",
		"userID", msg.UserID, "raw", len(originals), "fine", len(fine),
		"bindings", len(bindings))
	return nil
}

// workingBindingIDs gathers the ids of working-set nodes bound to the
// given raw items through WORKING_BINDING edges.
func (s *Service) workingBindingIDs(ctx context.Context, cube *memory.Cube, items []memory.Item) []string {
	if cube.GraphStore == nil {
		return nil
	}
	var ids []string
	for _, it := range items {
		edges, err := cube.GraphStore.GetEdges(ctx, it.ID, memory.EdgeWorkingBinding, "")
		if err != nil {
			log.ErrorErr(log.CatHandler, "Failed to read working bindings", err,
				"memoryID", it.ID)
			continue
		}
		for _, e := range edges {
			other := e.To
			if other == it.ID {
				other = e.From
			}
			if other != "" {
				ids = append(ids, other)
			}
		}
	}
	return ids
}

func (s *Service) publishReadResult(msg memory.Message, fine []memory.Item) {
	if s.deps.WebLog == nil || len(fine) == 0 {
		return
	}

	if s.deps.Env == config.EnvCloud {
		event := weblog.NewEvent(msg, weblog.KnowledgeBaseUpdate)
		event.FromMemoryType = string(memory.RawFileMemory)
		event.ToMemoryType = string(memory.LongTermMemory)
		event.LogContent = fmt.Sprintf("Knowledge Base Memory Update: %d changes.", len(fine))
		for _, it := range fine {
			event.Content = append(event.Content, weblog.Entry{
				Operation:   weblog.OpAdd,
				MemoryID:    it.ID,
				Content:     it.Memory,
				SourceDocID: it.Metadata.SourceDoc,
				LogSource:   weblog.KnowledgeBaseLogSource,
			})
		}
		s.deps.WebLog.Publish(event)
		return
	}

	event := weblog.NewEvent(msg, weblog.AddMemory)
	event.FromMemoryType = string(memory.RawFileMemory)
	event.ToMemoryType = string(memory.LongTermMemory)
	for _, it := range fine {
		event.Content = append(event.Content, weblog.Entry{
			RefID:   it.ID,
			Content: fmt.Sprintf("%s: %s", it.MappingKey(), it.Memory),
		})
	}
	event.Metadata = itemMetadataRows(fine)
	s.deps.WebLog.Publish(event)
}

func (s *Service) publishReadFailure(msg memory.Message, err error) {
	if s.deps.WebLog == nil {
		return
	}
	label := weblog.AddMemory
	content := err.Error()
	if s.deps.Env == config.EnvCloud {
		label = weblog.KnowledgeBaseUpdate
		content = fmt.Sprintf("Knowledge Base Memory Update failed: %v", err)
	}
	event := weblog.NewEvent(msg, label)
	event.Status = "failed"
	event.LogContent = content
	s.deps.WebLog.Publish(event)
}
