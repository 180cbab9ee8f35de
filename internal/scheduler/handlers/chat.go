package handlers

import (
	"context"
	"strings"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// Query records user turns on the web log and schedules the follow-up
// working-memory reconciliation for the conversation.
func (s *Service) Query(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	s.publishChat(msgs, "user", "[User] ")

	queries := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			queries = append(queries, m.Content)
		}
	}
	if len(queries) == 0 || s.deps.Submit == nil {
		return nil
	}

	last := msgs[len(msgs)-1]
	followUp := memory.NewMessage(last.UserID, last.MemCubeID, memory.LabelMemoryUpdate, strings.Join(queries, "\n"))
	followUp.TaskID = last.TaskID
	followUp.SessionID = last.SessionID
	followUp.UserName = last.UserName
	followUp.TraceID = last.TraceID
	followUp.ChatHistory = last.ChatHistory

	if err := s.deps.Submit(ctx, followUp); err != nil {
		log.ErrorErr(log.CatHandler, "Failed to schedule memory update after query", err,
			"userID", last.UserID, "cubeID", last.MemCubeID)
	}
	return nil
}

// Answer records assistant turns on the web log.
func (s *Service) Answer(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.publishChat(msgs, "assistant", "[Assistant] ")
	return nil
}

func (s *Service) publishChat(msgs []memory.Message, role, prefix string) {
	if s.deps.WebLog == nil {
		return
	}
	first := msgs[0]
	event := weblog.NewEvent(first, string(first.Label))
	for _, m := range msgs {
		event.Content = append(event.Content, weblog.Entry{
			Content: prefix + m.Content,
			Role:    role,
		})
	}
	s.deps.WebLog.Publish(event)
}
