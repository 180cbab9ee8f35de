// Package memory defines the core data model shared across the scheduler:
// task messages, memory items, and the mem-cube collaborator interfaces.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Label identifies the kind of work a message carries.
type Label string

const (
	LabelQuery        Label = "query"
	LabelAnswer       Label = "answer"
	LabelAdd          Label = "add"
	LabelMemoryUpdate Label = "memory_update"
	LabelMemRead      Label = "mem_read"
	LabelMemReorg     Label = "mem_reorganize"
	LabelMemFeedback  Label = "mem_feedback"
	LabelPrefAdd      Label = "pref_add"
)

// AllLabels lists every label the scheduler accepts.
var AllLabels = []Label{
	LabelQuery, LabelAnswer, LabelAdd, LabelMemoryUpdate,
	LabelMemRead, LabelMemReorg, LabelMemFeedback, LabelPrefAdd,
}

// Valid reports whether the label is one the scheduler accepts.
func (l Label) Valid() bool {
	switch l {
	case LabelQuery, LabelAnswer, LabelAdd, LabelMemoryUpdate,
		LabelMemRead, LabelMemReorg, LabelMemFeedback, LabelPrefAdd:
		return true
	}
	return false
}

// PriorityLevel orders admission: level 1 executes inline on the submitting
// path, levels 2 and 3 are queued.
type PriorityLevel int

const (
	PriorityLevel1 PriorityLevel = 1
	PriorityLevel2 PriorityLevel = 2
	PriorityLevel3 PriorityLevel = 3
)

// Priority maps a label to its admission level. Interactive labels
// (query, answer, add) bypass the queue so user-facing history is written
// before any derived reorganization work.
func Priority(label Label) PriorityLevel {
	switch label {
	case LabelQuery, LabelAnswer, LabelAdd:
		return PriorityLevel1
	case LabelPrefAdd:
		return PriorityLevel2
	default:
		return PriorityLevel3
	}
}

// Message is the unit of work flowing through the scheduler.
type Message struct {
	ItemID      string            `json:"item_id"`
	TaskID      string            `json:"task_id,omitempty"`
	UserID      string            `json:"user_id"`
	MemCubeID   string            `json:"mem_cube_id"`
	SessionID   string            `json:"session_id,omitempty"`
	UserName    string            `json:"user_name,omitempty"`
	Label       Label             `json:"label"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	TraceID     string            `json:"trace_id,omitempty"`
	Info        map[string]string `json:"info,omitempty"`
	ChatHistory []ChatTurn        `json:"chat_history,omitempty"`
	UserContext string            `json:"user_context,omitempty"`

	// Set by the consumer at dequeue time; zero for inline execution.
	DequeueTS   time.Time `json:"-"`
	QueueWaitMS int64     `json:"-"`
}

// ChatTurn is a single turn of conversational context attached to a message.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewMessage builds a message with a server-assigned item id and timestamp.
func NewMessage(userID, cubeID string, label Label, content string) Message {
	return Message{
		ItemID:    uuid.NewString(),
		UserID:    userID,
		MemCubeID: cubeID,
		Label:     label,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// StreamKey returns the FIFO ordering key "{user_id}:{cube_id}:{label}".
func (m Message) StreamKey() string {
	return fmt.Sprintf("%s:%s:%s", m.UserID, m.MemCubeID, m.Label)
}

// Validate checks local invariants before admission.
func (m Message) Validate() error {
	if m.ItemID == "" {
		return fmt.Errorf("message missing item_id")
	}
	if m.UserID == "" {
		return fmt.Errorf("message %s missing user_id", m.ItemID)
	}
	if m.MemCubeID == "" {
		return fmt.Errorf("message %s missing mem_cube_id", m.ItemID)
	}
	if !m.Label.Valid() {
		return fmt.Errorf("message %s has unknown label %q", m.ItemID, m.Label)
	}
	return nil
}

// UserFromStreamKey extracts the user id from a stream key. Labels and cube
// ids never contain ':' but user ids may, so the key is split from the right.
func UserFromStreamKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 3 {
		return ""
	}
	return strings.Join(parts[:len(parts)-2], ":")
}

// GroupKey identifies a (user, cube, label) handler invocation group.
type GroupKey struct {
	UserID    string
	MemCubeID string
	Label     Label
}

// GroupByStream partitions a batch into handler groups, preserving the
// relative order of messages within each group.
func GroupByStream(msgs []Message) map[GroupKey][]Message {
	groups := make(map[GroupKey][]Message)
	for _, m := range msgs {
		k := GroupKey{UserID: m.UserID, MemCubeID: m.MemCubeID, Label: m.Label}
		groups[k] = append(groups[k], m)
	}
	return groups
}
