package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
)

// Registry is a thread-safe action handler registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[engine.ActionType]engine.ActionHandler
}

var _ engine.HandlerRegistry = (*Registry)(nil)

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[engine.ActionType]engine.ActionHandler),
	}
}

// NewDefaultRegistry creates a registry with all built-in handlers wired to
// the given provider and a shared idempotency guard.
func NewDefaultRegistry(provider engine.CloudProvider, logger zerolog.Logger) *Registry {
	guard := NewGuard()

	r := NewRegistry()
	r.Register(NewTerminateHandler(provider, guard, logger))
	r.Register(NewResizeHandler(provider, guard, logger))
	r.Register(NewPricingHandler(provider, guard, logger))
	r.Register(NewRuntimeConfigHandler(provider, guard, logger))
	return r
}

// Register adds a handler, replacing any existing handler for the same
// action type.
func (r *Registry) Register(handler engine.ActionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[handler.ActionType()] = handler
}

// Get returns the handler registered for the action type.
func (r *Registry) Get(actionType engine.ActionType) (engine.ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[actionType]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("no handler registered for action type %s", actionType), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return handler, nil
}

// List returns the action types with a registered handler.
func (r *Registry) List() []engine.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]engine.ActionType, 0, len(r.handlers))
	for actionType := range r.handlers {
		types = append(types, actionType)
	}
	return types
}

// classifyProviderError passes through already classified errors and wraps
// everything else as transient, so the rollout retries unknown provider
// failures.
func classifyProviderError(err error, targetID, operation string) error {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return err
	}
	return engine.NewTransientError("provider operation failed", err).
		WithCode(engine.ErrCodeHandlerFailed).
		WithTarget(targetID).
		WithOperation(operation)
}

// snapshotResource captures the target's current state for a rollback plan.
func snapshotResource(ctx context.Context, provider engine.CloudProvider, targetID string) (json.RawMessage, error) {
	state, err := provider.DescribeResource(ctx, targetID)
	if err != nil {
		return nil, classifyProviderError(err, targetID, "snapshot")
	}
	return state, nil
}

// verifyResource checks that the target is describable and reports a status.
func verifyResource(ctx context.Context, provider engine.CloudProvider, targetID string) (bool, error) {
	state, err := provider.DescribeResource(ctx, targetID)
	if err != nil {
		return false, classifyProviderError(err, targetID, "verify")
	}

	var described struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(state, &described); err != nil {
		return false, nil
	}
	return described.Status != "", nil
}
