// Package handlers implements the per-label task handlers. Each handler
// receives one group of messages sharing (user, cube, label) and runs
// against that user's mem-cube; failures in one group never affect
// another.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkarlsen/memsched/internal/config"
	"github.com/mkarlsen/memsched/internal/llm"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/prompt"
	"github.com/mkarlsen/memsched/internal/scheduler/activation"
	"github.com/mkarlsen/memsched/internal/scheduler/dispatch"
	"github.com/mkarlsen/memsched/internal/scheduler/enhance"
	"github.com/mkarlsen/memsched/internal/scheduler/monitor"
	"github.com/mkarlsen/memsched/internal/scheduler/postproc"
	"github.com/mkarlsen/memsched/internal/scheduler/search"
	"github.com/mkarlsen/memsched/internal/scheduler/weblog"
)

// forcedRecallInterval is the fallback cadence for retrieval when intent
// recognition is unavailable.
const forcedRecallInterval = 3 * time.Minute

// CubeResolver returns the mem-cube for a (user, cube) pair.
type CubeResolver func(userID, cubeID string) (*memory.Cube, error)

// Submitter enqueues a follow-up message through the scheduler.
type Submitter func(ctx context.Context, msg memory.Message) error

// Deps bundles the collaborators the handlers need. ChatLLM, Reader,
// Feedback and the activation manager are optional; handlers that need a
// missing collaborator fail their group with a clear error.
type Deps struct {
	Env      config.Env
	Cfg      config.SchedulerConfig
	Cubes    CubeResolver
	Monitors *monitor.Manager
	Searcher *search.Service
	Post     *postproc.Processor
	Enhancer *enhance.Pipeline
	ActMgr   *activation.Manager
	WebLog   *weblog.Plane
	Prompts  prompt.Store
	ChatLLM  llm.Client
	Reader   memory.Reader
	Feedback memory.FeedbackProcessor
	Submit   Submitter
}

// Service owns the label handlers.
type Service struct {
	deps Deps
}

// NewService creates the handler service.
func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// RegisterAll binds every label to its handler on the dispatcher.
func (s *Service) RegisterAll(d *dispatch.Dispatcher) {
	d.Register(memory.LabelQuery, s.Query, 0)
	d.Register(memory.LabelAnswer, s.Answer, 0)
	d.Register(memory.LabelAdd, s.Add, 0)
	d.Register(memory.LabelMemoryUpdate, s.MemoryUpdate, 0)
	d.Register(memory.LabelMemRead, s.MemRead, 0)
	d.Register(memory.LabelMemReorg, s.MemReorganize, 0)
	d.Register(memory.LabelMemFeedback, s.MemFeedback, 0)
	d.Register(memory.LabelPrefAdd, s.PrefAdd, s.deps.Cfg.PrefAddTTL)
}

func (s *Service) cubeFor(msg memory.Message) (*memory.Cube, error) {
	if s.deps.Cubes == nil {
		return nil, fmt.Errorf("no mem cube resolver configured")
	}
	cube, err := s.deps.Cubes(msg.UserID, msg.MemCubeID)
	if err != nil {
		return nil, fmt.Errorf("resolve mem cube %s for user %s: %w", msg.MemCubeID, msg.UserID, err)
	}
	if cube == nil {
		return nil, fmt.Errorf("mem cube %s not found for user %s", msg.MemCubeID, msg.UserID)
	}
	return cube, nil
}

// parseIDList decodes a JSON array of memory item ids. A plain string
// payload is treated as a single id.
func parseIDList(content string) ([]string, error) {
	var ids []string
	if err := json.Unmarshal([]byte(content), &ids); err == nil {
		return ids, nil
	}
	var single string
	if err := json.Unmarshal([]byte(content), &single); err == nil && single != "" {
		return []string{single}, nil
	}
	return nil, fmt.Errorf("content is not a JSON id list: %.80s", content)
}

func itemMetadataRows(items []memory.Item) []map[string]any {
	rows := make([]map[string]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, map[string]any{
			"memory_id":   it.ID,
			"key":         it.Metadata.Key,
			"memory_type": string(it.Metadata.MemoryType),
			"status":      string(it.Metadata.Status),
			"updated_at":  it.Metadata.UpdatedAt,
		})
	}
	return rows
}
