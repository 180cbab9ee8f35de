package handlers

import (
	"context"
	"fmt"

	"github.com/mkarlsen/memsched/internal/config"
	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// change is one classified memory mutation observed by the add handler.
type change struct {
	item     memory.Item
	original string // prior text when the mutation updates an existing key
	isUpdate bool
}

// Add classifies freshly written memory items as additions or updates of
// an existing (key, memory_type) pair and reports them on the web log.
// Locally each message yields per-kind events; in cloud mode the whole
// message folds into one knowledge-base update.
func (s *Service) Add(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cube, err := s.cubeFor(msgs[0])
	if err != nil {
		return err
	}

	var firstErr error
	for _, msg := range msgs {
		ids, err := parseIDList(msg.Content)
		if err != nil {
			log.ErrorErr(log.CatHandler, "Add payload malformed", err, "itemID", msg.ItemID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		changes := s.classifyChanges(ctx, cube, msg.UserID, ids)
		if len(changes) == 0 {
			continue
		}
		s.publishChanges(msg, changes)
	}
	return firstErr
}

func (s *Service) classifyChanges(ctx context.Context, cube *memory.Cube, userID string, ids []string) []change {
	var changes []change
	for _, id := range ids {
		item, err := cube.TextMem.Get(ctx, id)
		if err != nil {
			log.ErrorErr(log.CatHandler, "Added memory item not found", err, "memoryID", id)
			continue
		}

		c := change{item: item}
		if cube.GraphStore != nil {
			existing, err := cube.GraphStore.GetByMetadata(ctx, []memory.MetadataFilter{
				{Field: "key", Op: "=", Value: item.MappingKey()},
				{Field: "memory_type", Op: "=", Value: string(item.Metadata.MemoryType)},
				{Field: "user_id", Op: "=", Value: userID},
				{Field: "status", Op: "=", Value: string(memory.StatusActivated)},
			})
			if err != nil {
				log.ErrorErr(log.CatHandler, "Metadata lookup failed", err, "memoryID", id)
			}
			for _, prevID := range existing {
				if prevID == item.ID {
					continue
				}
				c.isUpdate = true
				if prev, err := cube.TextMem.Get(ctx, prevID); err == nil {
					c.original = prev.Memory
				}
				break
			}
		}
		changes = append(changes, c)
	}
	return changes
}

func (s *Service) publishChanges(msg memory.Message, changes []change) {
	if s.deps.WebLog == nil {
		return
	}

	if s.deps.Env == config.EnvCloud {
		event := weblog.NewEvent(msg, weblog.KnowledgeBaseUpdate)
		event.LogContent = fmt.Sprintf("Knowledge Base Memory Update: %d changes.", len(changes))
		for _, c := range changes {
			op := weblog.OpAdd
			if c.isUpdate {
				op = weblog.OpUpdate
			}
			event.Content = append(event.Content, weblog.Entry{
				Operation:       op,
				MemoryID:        c.item.ID,
				Content:         c.item.Memory,
				OriginalContent: c.original,
				LogSource:       weblog.KnowledgeBaseLogSource,
			})
		}
		s.deps.WebLog.Publish(event)
		return
	}

	var added, updated []change
	for _, c := range changes {
		if c.isUpdate {
			updated = append(updated, c)
		} else {
			added = append(added, c)
		}
	}
	if len(added) > 0 {
		event := weblog.NewEvent(msg, weblog.AddMemory)
		for _, c := range added {
			event.Content = append(event.Content, weblog.Entry{
				MemoryID: c.item.ID,
				Content:  c.item.Memory,
			})
		}
		event.Metadata = itemMetadataRows(changeItems(added))
		s.deps.WebLog.Publish(event)
	}
	if len(updated) > 0 {
		event := weblog.NewEvent(msg, weblog.UpdateMemory)
		for _, c := range updated {
			event.Content = append(event.Content, weblog.Entry{
				MemoryID:        c.item.ID,
				Content:         c.item.Memory,
				OriginalContent: c.original,
			})
		}
		event.Metadata = itemMetadataRows(changeItems(updated))
		s.deps.WebLog.Publish(event)
	}
}

func changeItems(changes []change) []memory.Item {
	items := make([]memory.Item, len(changes))
	for i, c := range changes {
		items[i] = c.item
	}
	return items
}
