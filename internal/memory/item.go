package memory

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// MemoryType partitions items into search lanes.
type MemoryType string

const (
	WorkingMemory    MemoryType = "WorkingMemory"
	LongTermMemory   MemoryType = "LongTermMemory"
	UserMemory       MemoryType = "UserMemory"
	ToolSchemaMemory MemoryType = "ToolSchemaMemory"
	SkillMemory      MemoryType = "SkillMemory"
	RawFileMemory    MemoryType = "RawFileMemory"
)

// ItemStatus is the lifecycle state of a memory item.
type ItemStatus string

const (
	StatusActivated ItemStatus = "activated"
	StatusResolving ItemStatus = "resolving"
	StatusArchived  ItemStatus = "archived"
	StatusDeleted   ItemStatus = "deleted"
)

// Metadata carries the typed attributes of a memory item.
type Metadata struct {
	UserID     string     `json:"user_id,omitempty"`
	MemoryType MemoryType `json:"memory_type,omitempty"`
	Key        string     `json:"key,omitempty"`
	Status     ItemStatus `json:"status,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	CreatedAt  time.Time  `json:"created_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
	Sources    []string   `json:"sources,omitempty"`
	Embedding  []float64  `json:"embedding,omitempty"`
	MergedFrom []string   `json:"merged_from,omitempty"`
	SourceDoc  string     `json:"source_doc_id,omitempty"`
}

// Item is a single memory entry consumed and produced by handlers.
type Item struct {
	ID       string   `json:"id"`
	Memory   string   `json:"memory"`
	Metadata Metadata `json:"metadata"`
}

// NewItem builds an item with a fresh id.
func NewItem(text string, meta Metadata) Item {
	return Item{ID: uuid.NewString(), Memory: text, Metadata: meta}
}

// HasTag reports whether the item carries the given metadata tag.
func (it Item) HasTag(tag string) bool {
	for _, t := range it.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// MappingKey returns the item's explicit key if set, else the normalized
// form of its text.
func (it Item) MappingKey() string {
	if it.Metadata.Key != "" {
		return it.Metadata.Key
	}
	return NormalizeKey(it.Memory)
}

// NormalizeKey reduces a memory text to a stable lookup key: lowercased,
// punctuation stripped, whitespace collapsed to single underscores.
func NormalizeKey(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// ItemTexts extracts the memory texts of a slice of items.
func ItemTexts(items []Item) []string {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Memory
	}
	return texts
}
