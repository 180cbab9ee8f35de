package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
)

// PrefAdd extracts preference signals from each message's chat history and
// stores them in the cube's preference memory. Messages run concurrently;
// these tasks carry a TTL, so stale ones are cut off by the handler
// deadline rather than processed late.
func (s *Service) PrefAdd(ctx context.Context, msgs []memory.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	cube, err := s.cubeFor(msgs[0])
	if err != nil {
		return err
	}
	if cube.PrefMem == nil {
		return fmt.Errorf("pref_add requires preference memory, none configured on cube %s", cube.ID)
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
			if err := s.prefAddOne(ctx, cube, msg); err != nil {
				log.ErrorErr(log.CatHandler, "Preference extraction failed", err,
					"itemID", msg.ItemID, "userID", msg.UserID)
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

func (s *Service) prefAddOne(ctx context.Context, cube *memory.Cube, msg memory.Message) error {
	turns := msg.ChatHistory
	if len(turns) == 0 && msg.Content != "" {
		turns = []memory.ChatTurn{{Role: "user", Content: msg.Content}}
	}
	if len(turns) == 0 {
		return nil
	}

	items, err := cube.PrefMem.GetMemory(ctx, turns, msg.UserID)
	if err != nil {
		return fmt.Errorf("extract preferences: %w", err)
	}
	if len(items) == 0 {
		return nil
	}
	if err := cube.PrefMem.Add(ctx, items); err != nil {
		return fmt.Errorf("store preferences: %w", err)
	}
	log.Info(log.CatHandler, "Stored preference memories",
		"userID", msg.UserID, "count", len(items))
	return nil
}
