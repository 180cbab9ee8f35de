// Package status tracks the lifecycle of every scheduled task. Records
// live in a TTL cache so completed tasks age out without explicit cleanup.
package status

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mkarlsen/memsched/internal/memory"
)

// State is a task's lifecycle state.
type State string

const (
	StateSubmitted State = "submitted"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateDropped   State = "dropped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDropped, StateCancelled:
		return true
	}
	return false
}

// Record is the tracked state of one task.
type Record struct {
	TaskID         string    `json:"task_id" yaml:"task_id"`
	BusinessTaskID string    `json:"business_task_id,omitempty" yaml:"business_task_id,omitempty"`
	State          State     `json:"state" yaml:"state"`
	UserID         string    `json:"user_id" yaml:"user_id"`
	MemCubeID      string    `json:"mem_cube_id" yaml:"mem_cube_id"`
	Label          string    `json:"label" yaml:"label"`
	StartedAt      time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Tracker stores task records with TTL eviction.
type Tracker struct {
	records *gocache.Cache
}

// NewTracker creates a tracker whose terminal records expire after ttl.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tracker{records: gocache.New(ttl, 2*ttl)}
}

// Submitted records a freshly admitted message.
func (t *Tracker) Submitted(msg memory.Message) {
	t.records.Set(msg.ItemID, Record{
		TaskID:         msg.ItemID,
		BusinessTaskID: msg.TaskID,
		State:          StateSubmitted,
		UserID:         msg.UserID,
		MemCubeID:      msg.MemCubeID,
		Label:          string(msg.Label),
	}, gocache.DefaultExpiration)
}

// Running marks a task as picked up by a worker.
func (t *Tracker) Running(itemID string) {
	t.transition(itemID, func(r *Record) {
		if r.State.Terminal() {
			return
		}
		r.State = StateRunning
		r.StartedAt = time.Now().UTC()
	})
}

// Succeeded marks a task as finished without error.
func (t *Tracker) Succeeded(itemID string) {
	t.finish(itemID, StateSucceeded, "")
}

// Failed marks a task as finished with an error.
func (t *Tracker) Failed(itemID string, errMsg string) {
	t.finish(itemID, StateFailed, errMsg)
}

// Dropped marks a task evicted on stream overflow.
func (t *Tracker) Dropped(itemID string) {
	t.finish(itemID, StateDropped, "stream overflow")
}

// Cancel requests best-effort cancellation. In-flight work is not
// interrupted; the record simply reaches a terminal state.
func (t *Tracker) Cancel(itemID string) {
	t.finish(itemID, StateCancelled, "")
}

func (t *Tracker) finish(itemID string, state State, errMsg string) {
	t.transition(itemID, func(r *Record) {
		if r.State.Terminal() {
			return
		}
		r.State = state
		r.FinishedAt = time.Now().UTC()
		r.ErrorMessage = errMsg
	})
}

func (t *Tracker) transition(itemID string, apply func(*Record)) {
	v, ok := t.records.Get(itemID)
	if !ok {
		return
	}
	r := v.(Record)
	apply(&r)
	t.records.Set(itemID, r, gocache.DefaultExpiration)
}

// Get returns the record for a task id.
func (t *Tracker) Get(itemID string) (Record, bool) {
	v, ok := t.records.Get(itemID)
	if !ok {
		return Record{}, false
	}
	return v.(Record), true
}

// All returns a snapshot of every live record.
func (t *Tracker) All() []Record {
	items := t.records.Items()
	out := make([]Record, 0, len(items))
	for _, v := range items {
		out = append(out, v.Object.(Record))
	}
	return out
}
