package memory

import (
	"context"
	"time"
)

// SearchMode selects the retrieval strategy of a text-memory search.
type SearchMode string

const (
	SearchFast SearchMode = "fast"
	SearchFine SearchMode = "fine"
)

// MetadataFilter is a single predicate for graph-store metadata lookups.
type MetadataFilter struct {
	Field string
	Op    string // "=" is the only operator handlers rely on
	Value string
}

// Edge is a typed, directed relation between two graph nodes.
type Edge struct {
	From string
	To   string
	Type string
}

// EdgeMergedTo links a pre-merge node to its post-merge target.
const EdgeMergedTo = "MERGED_TO"

// EdgeWorkingBinding links a raw fast-path item to the working-set node
// bound to it during ingestion.
const EdgeWorkingBinding = "WORKING_BINDING"

// Edge directions for GetEdges.
const (
	DirectionOut = "OUT"
	DirectionIn  = "IN"
)

// TextMemory is the narrow search/mutation surface of a mem-cube's
// text-memory graph. Implementations own their locking; handlers treat
// this as a thread-safe facade.
type TextMemory interface {
	Search(ctx context.Context, query, userName string, topK int, mode SearchMode, memType MemoryType) ([]Item, error)
	Get(ctx context.Context, id string) (Item, error)
	Add(ctx context.Context, items []Item) ([]string, error)
	Delete(ctx context.Context, ids []string) error
	GetWorkingMemory(ctx context.Context, userName string) ([]Item, error)
	ReplaceWorkingMemory(ctx context.Context, items []Item) error
}

// GraphStore is the key/value + edge store beneath a text memory.
type GraphStore interface {
	GetByMetadata(ctx context.Context, filters []MetadataFilter) ([]string, error)
	GetEdges(ctx context.Context, id, edgeType, direction string) ([]Edge, error)
	UpdateNode(ctx context.Context, id string, fields map[string]string) error
}

// MemoryManager reorganizes long-term structure after bulk mutations.
type MemoryManager interface {
	RemoveAndRefresh(ctx context.Context, userName string) error
}

// ActivationItem is one entry of the activation cache: a composed prompt
// derived from the working set at a point in time.
type ActivationItem struct {
	ID           string    `json:"id"`
	ComposedText string    `json:"composed_text"`
	TextMemories []string  `json:"text_memories"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActivationMemory is the precomputed prompt cache of a mem-cube.
type ActivationMemory interface {
	GetAll(ctx context.Context) ([]ActivationItem, error)
	DeleteAll(ctx context.Context) error
	Add(ctx context.Context, item ActivationItem) error
}

// PreferenceMemory extracts and stores user preference signals.
type PreferenceMemory interface {
	GetMemory(ctx context.Context, turns []ChatTurn, userID string) ([]Item, error)
	Add(ctx context.Context, items []Item) error
}

// Reader enriches raw fast-memory items into fine long-term items.
// Each input item may expand into several output items.
type Reader interface {
	FineTransfer(ctx context.Context, items []Item, userName string) ([][]Item, error)
}

// FeedbackChange is one add or update produced by the feedback processor.
type FeedbackChange struct {
	ID           string `json:"id"`
	Memory       string `json:"memory"`
	OriginMemory string `json:"origin_memory,omitempty"`
}

// FeedbackRecord is the outcome of processing a feedback payload.
type FeedbackRecord struct {
	Add    []FeedbackChange `json:"add,omitempty"`
	Update []FeedbackChange `json:"update,omitempty"`
}

// FeedbackProcessor applies a feedback payload to long-term memory and
// reports the resulting changes.
type FeedbackProcessor interface {
	ProcessFeedback(ctx context.Context, userID, cubeID string, payload map[string]any) (FeedbackRecord, error)
}

// Cube bundles the per-user memory backends a handler may touch.
// Optional backends are nil when the deployment does not configure them.
type Cube struct {
	ID            string
	TextMem       TextMemory
	GraphStore    GraphStore
	MemoryManager MemoryManager
	ActMem        ActivationMemory
	PrefMem       PreferenceMemory
}
