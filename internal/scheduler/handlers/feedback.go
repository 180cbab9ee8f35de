package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// MemFeedback applies user feedback payloads to long-term memory and
// reports the resulting adds and updates as a knowledge-base update.
func (s *Service) MemFeedback(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if s.deps.Feedback == nil {
		return fmt.Errorf("mem_feedback requires a feedback processor, none configured")
	}

	var firstErr error
	for _, msg := range msgs {
		var payload map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
			log.ErrorErr(log.CatHandler, "Feedback payload malformed", err, "itemID", msg.ItemID)
			if firstErr == nil {
				firstErr = fmt.Errorf("feedback payload: %w", err)
			}
			continue
		}

		record, err := s.deps.Feedback.ProcessFeedback(ctx, msg.UserID, msg.MemCubeID, payload)
		if err != nil {
			log.ErrorErr(log.CatHandler, "Feedback processing failed", err, "itemID", msg.ItemID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.publishFeedback(msg, record)
	}
	return firstErr
}

func (s *Service) publishFeedback(msg memory.Message, record memory.FeedbackRecord) {
	if s.deps.WebLog == nil {
		return
	}
	total := len(record.Add) + len(record.Update)
	if total == 0 {
		return
	}

	event := weblog.NewEvent(msg, weblog.KnowledgeBaseUpdate)
	event.LogContent = fmt.Sprintf("Knowledge Base Memory Update: %d changes.", total)
	for _, c := range record.Add {
		event.Content = append(event.Content, weblog.Entry{
			Operation: weblog.OpAdd,
			MemoryID:  c.ID,
			Content:   c.Memory,
			LogSource: weblog.KnowledgeBaseLogSource,
		})
	}
	for _, c := range record.Update {
		event.Content = append(event.Content, weblog.Entry{
			Operation:       weblog.OpUpdate,
			MemoryID:        c.ID,
			Content:         c.Memory,
			OriginalContent: c.OriginMemory,
			LogSource:       weblog.KnowledgeBaseLogSource,
		})
	}
	s.deps.WebLog.Publish(event)
}
