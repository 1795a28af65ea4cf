package logspace

import (
	"sync"

	"github.com/funclog/funclog/internal/util/bits"
)

// Collection is a versioned map of per-phylog state machines keyed by
// logspace id. Old entries are retired only when the owning view is
// released.
type Collection[T any] struct {
	mu     sync.RWMutex
	spaces map[uint32]T
}

// NewCollection creates an empty collection.
func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{spaces: make(map[uint32]T)}
}

// Install registers a state machine under its logspace id.
func (c *Collection[T]) Install(logspaceID uint32, space T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spaces[logspaceID] = space
}

// Get returns the state machine for a logspace id.
func (c *Collection[T]) Get(logspaceID uint32) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	space, ok := c.spaces[logspaceID]
	return space, ok
}

// ForView returns all state machines belonging to one view.
func (c *Collection[T]) ForView(viewID uint16) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for id, space := range c.spaces {
		if bits.HighHalf32(id) == viewID {
			out = append(out, space)
		}
	}
	return out
}

// RemoveView drops every state machine of a view.
func (c *Collection[T]) RemoveView(viewID uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.spaces {
		if bits.HighHalf32(id) == viewID {
			delete(c.spaces, id)
		}
	}
}
