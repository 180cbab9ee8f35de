// Package weblog is the scheduler's outward-facing event plane. Handlers
// emit events keyed by task label; on the way out labels are normalized to
// the small external vocabulary {addMessage, addMemory, updateMemory,
// knowledgeBaseUpdate, mergeMemory, archiveMemory}. Events fan out through
// a pub/sub broker and are retained in a bounded ring for polling callers.
package weblog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsen/memsched/internal/log"
	"github.com/mkarlsen/memsched/internal/memory"
	"github.com/mkarlsen/memsched/internal/pubsub"
)

// Normalized external labels.
const (
	AddMessage          = "addMessage"
	AddMemory           = "addMemory"
	UpdateMemory        = "updateMemory"
	KnowledgeBaseUpdate = "knowledgeBaseUpdate"
	MergeMemory         = "mergeMemory"
	ArchiveMemory       = "archiveMemory"
)

// Internal-only label for archive events emitted by the mem_read path.
const LabelMemArchive = "mem_archive"

// Operation values carried by knowledgeBaseUpdate entries.
const (
	OpAdd    = "ADD"
	OpUpdate = "UPDATE"
)

// KnowledgeBaseLogSource marks entries originating from knowledge-base sync.
const KnowledgeBaseLogSource = "KNOWLEDGE_BASE_LOG"

// Entry is one row of an event's content list.
type Entry struct {
	Type            string  `json:"type,omitempty"` // e.g. "merged", "postMerge"
	RefID           string  `json:"ref_id,omitempty"`
	Content         string  `json:"content,omitempty"`
	Role            string  `json:"role,omitempty"`
	LogSource       string  `json:"log_source,omitempty"`
	TriggerSource   string  `json:"trigger_source,omitempty"`
	Operation       string  `json:"operation,omitempty"`
	MemoryID        string  `json:"memory_id,omitempty"`
	OriginalContent string  `json:"original_content,omitempty"`
	SourceDocID     string  `json:"source_doc_id,omitempty"`
	Status          string  `json:"status,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
}

// Event is a structured web-log record.
type Event struct {
	ItemID         string           `json:"item_id"`
	TaskID         string           `json:"task_id,omitempty"`
	UserID         string           `json:"user_id"`
	MemCubeID      string           `json:"mem_cube_id"`
	MemCubeName    string           `json:"memcube_name,omitempty"`
	Label          string           `json:"label"`
	FromMemoryType string           `json:"from_memory_type,omitempty"`
	ToMemoryType   string           `json:"to_memory_type,omitempty"`
	LogContent     string           `json:"log_content,omitempty"`
	LogTitle       string           `json:"log_title"`
	Content        []Entry          `json:"memcube_log_content,omitempty"`
	Metadata       []map[string]any `json:"metadata,omitempty"`
	MemoryLen      *int             `json:"memory_len,omitempty"`
	Status         string           `json:"status,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// NewEvent builds an event for a message with a fresh id.
func NewEvent(msg memory.Message, label string) Event {
	return Event{
		ItemID:    uuid.NewString(),
		TaskID:    msg.TaskID,
		UserID:    msg.UserID,
		MemCubeID: msg.MemCubeID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
}

// normalizeLabel maps internal task labels to the external vocabulary.
// Labels already in the vocabulary pass through unchanged.
func normalizeLabel(label string) string {
	switch memory.Label(label) {
	case memory.LabelQuery, memory.LabelAnswer:
		return AddMessage
	case memory.LabelAdd:
		return AddMemory
	case memory.LabelMemoryUpdate:
		return UpdateMemory
	case memory.LabelMemReorg:
		return MergeMemory
	}
	if label == LabelMemArchive {
		return ArchiveMemory
	}
	return label
}

// Plane publishes events and retains the most recent ones for polling.
type Plane struct {
	mu      sync.Mutex
	ring    []Event
	maxSize int
	broker  *pubsub.Broker[Event]
}

// NewPlane creates an event plane with the given ring capacity.
func NewPlane(maxSize int) *Plane {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &Plane{
		maxSize: maxSize,
		broker:  pubsub.NewBroker[Event](),
	}
}

// Publish normalizes and emits an event. Overflowing the ring drops the
// oldest entry; the web log is advisory and never blocks a handler.
func (p *Plane) Publish(event Event) {
	event = normalize(event)

	p.mu.Lock()
	if len(p.ring) >= p.maxSize {
		p.ring = p.ring[1:]
	}
	p.ring = append(p.ring, event)
	p.mu.Unlock()

	p.broker.Publish(event)
	log.Debug(log.CatWebLog, "Published web log event",
		"label", event.Label, "userID", event.UserID, "taskID", event.TaskID)
}

// Drain returns and clears the retained events.
func (p *Plane) Drain() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.ring
	p.ring = nil
	return out
}

// Subscribe delivers future events until ctx is cancelled.
func (p *Plane) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return p.broker.Subscribe(ctx)
}

// Close shuts down the broker.
func (p *Plane) Close() {
	p.broker.Close()
}

func normalize(e Event) Event {
	e.Label = normalizeLabel(e.Label)
	e.LogTitle = ""

	if e.MemoryLen == nil {
		n := 0
		switch {
		case e.Label == MergeMemory:
			for _, c := range e.Content {
				if c.Type != "postMerge" {
					n++
				}
			}
		case len(e.Content) > 0:
			n = len(e.Content)
		case e.LogContent != "":
			n = 1
		}
		e.MemoryLen = &n
	}

	for i, meta := range e.Metadata {
		if _, ok := meta["memory_time"]; ok {
			continue
		}
		enriched := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			enriched[k] = v
		}
		enriched["memory_time"] = meta["updated_at"]
		e.Metadata[i] = enriched
	}
	return e
}
