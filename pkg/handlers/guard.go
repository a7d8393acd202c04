package handlers

import (
	"fmt"
	"sync"
)

// Guard tracks which (execution_id, stage) keys have already mutated provider
// state, making retried Apply calls idempotent.
type Guard struct {
	mu      sync.Mutex
	applied map[string]struct{}
}

// NewGuard creates an empty idempotency guard.
func NewGuard() *Guard {
	return &Guard{
		applied: make(map[string]struct{}),
	}
}

// Applied reports whether the key has already been applied.
func (g *Guard) Applied(executionID string, stage int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, ok := g.applied[guardKey(executionID, stage)]
	return ok
}

// MarkApplied records the key as applied.
func (g *Guard) MarkApplied(executionID string, stage int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.applied[guardKey(executionID, stage)] = struct{}{}
}

// Forget drops all keys for an execution. The engine calls this once an
// execution finishes, so the map stays bounded and a later rollback or
// re-submission is not suppressed by stale keys.
func (g *Guard) Forget(executionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	prefix := executionID + ":"
	for key := range g.applied {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(g.applied, key)
		}
	}
}

func guardKey(executionID string, stage int) string {
	return fmt.Sprintf("%s:%d", executionID, stage)
}
