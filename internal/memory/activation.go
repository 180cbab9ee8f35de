package memory

import (
	"context"
	"sync"
)

// InMemActivation is an in-process ActivationMemory. The activation
// manager layers file persistence on top.
type InMemActivation struct {
	mu    sync.RWMutex
	items []ActivationItem
}

var _ ActivationMemory = (*InMemActivation)(nil)

// NewInMemActivation creates an empty activation cache.
func NewInMemActivation() *InMemActivation {
	return &InMemActivation{}
}

// GetAll returns a copy of the cached items in insertion order.
func (a *InMemActivation) GetAll(_ context.Context) ([]ActivationItem, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ActivationItem, len(a.items))
	copy(out, a.items)
	return out, nil
}

// DeleteAll clears the cache.
func (a *InMemActivation) DeleteAll(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = nil
	return nil
}

// Add appends an item to the cache.
func (a *InMemActivation) Add(_ context.Context, item ActivationItem) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append(a.items, item)
	return nil
}

// Load replaces the cache contents. Used when restoring a persisted snapshot.
func (a *InMemActivation) Load(items []ActivationItem) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = append([]ActivationItem(nil), items...)
}
