package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// approvalResolution carries a delivered decision to the waiting worker.
type approvalResolution struct {
	decision ApprovalDecision
	actor    string
}

// ChannelApprovalGate is an in-process approval gate. Workers block on Await
// while an external caller (API or CLI) delivers the decision via Resolve.
// An execution with no decision inside the window times out, which is
// treated the same as a rejection.
type ChannelApprovalGate struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]chan approvalResolution
}

// NewChannelApprovalGate creates a gate with the given approval window.
// A zero or negative window falls back to 24 hours.
func NewChannelApprovalGate(window time.Duration) *ChannelApprovalGate {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &ChannelApprovalGate{
		window:  window,
		pending: make(map[string]chan approvalResolution),
	}
}

// Await blocks until a decision arrives, the window expires, or the context
// is cancelled. Expiry returns ApprovalTimedOut with a nil error.
func (g *ChannelApprovalGate) Await(ctx context.Context, executionID string) (ApprovalDecision, error) {
	g.mu.Lock()
	ch, ok := g.pending[executionID]
	if !ok {
		ch = make(chan approvalResolution, 1)
		g.pending[executionID] = ch
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, executionID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.window)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.decision, nil
	case <-timer.C:
		return ApprovalTimedOut, nil
	case <-ctx.Done():
		return ApprovalTimedOut, ctx.Err()
	}
}

// Resolve delivers a decision for a waiting execution.
func (g *ChannelApprovalGate) Resolve(executionID string, decision ApprovalDecision, actor string) error {
	g.mu.Lock()
	ch, ok := g.pending[executionID]
	g.mu.Unlock()

	if !ok {
		return NewPermanentError("execution is not awaiting approval", nil).
			WithCode(ErrCodeNotFound).
			WithDetail("execution_id", executionID)
	}

	select {
	case ch <- approvalResolution{decision: decision, actor: actor}:
		return nil
	default:
		return fmt.Errorf("approval for execution %s already resolved", executionID)
	}
}

// AutoApprovalGate approves everything immediately. Development use only.
type AutoApprovalGate struct{}

// Await returns ApprovalApproved without waiting.
func (g *AutoApprovalGate) Await(_ context.Context, _ string) (ApprovalDecision, error) {
	return ApprovalApproved, nil
}

// Resolve is a no-op; nothing ever waits on this gate.
func (g *AutoApprovalGate) Resolve(_ string, _ ApprovalDecision, _ string) error {
	return nil
}
