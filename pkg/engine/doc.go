// Package engine provides the core types and interfaces for the CostPilot
// execution engine.
//
// # Overview
//
// CostPilot is an infrastructure-optimization platform. This package drives
// approved optimization actions through a safety-first execution lifecycle:
//
//  1. Submit - Accept a request, lock the target, persist the record
//  2. Validate - Permission, dependency, resource-state, and risk checks (Validator)
//  3. Approve - Optional suspension on the external approval gate (ApprovalGate)
//  4. Rollout - Staged canary apply with health monitoring (RolloutController)
//  5. Complete or Rollback - Finalize, or revert from the persisted plan (RollbackManager)
//
// # Core Domain Types
//
//   - ExecutionRequest: An immutable optimization action to apply
//   - ExecutionRecord: Persistent state of one accepted request
//   - ValidationResult: Outcome of the validation pipeline
//   - StageStatus: One rollout stage with before/after health scores
//   - RollbackPlan: Revert steps plus the pre-change snapshot
//   - AuditEvent: Append-only record of every state transition
//
// # State Machine
//
// Executions move through a fixed set of states:
//
//	pending -> validating -> [awaiting_approval] -> approved -> executing -> completed
//
// with alternates rejected, failed, and rolled_back, and the transient
// rolling_back state. Transitions outside the fixed edge set are programming
// errors and fail loudly. Every transition is persisted together with
// exactly one audit event before control returns.
//
// # Action Handlers
//
// Concrete actions implement the ActionHandler interface:
//
//	type ActionHandler interface {
//	    ActionType() ActionType
//	    Snapshot(ctx context.Context, targetID string) (json.RawMessage, error)
//	    Apply(ctx context.Context, req *ApplyRequest) (*ApplyOutcome, error)
//	    Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error
//	    Verify(ctx context.Context, targetID string) (bool, error)
//	}
//
// Handlers are registered by action type at startup and the engine
// dispatches only through the interface. Apply must be idempotent for the
// same (execution_id, stage) key.
//
// # Error Classification
//
// Errors are classified for retry and recovery logic:
//
//   - Validation: Rejected, never retried
//   - Conflict: Target locked or queue full; the caller retries
//   - Transient: Retried in place with exponential backoff
//   - Permanent: Failed, with rollback if any stage applied
//   - HealthDegraded: Always triggers rollback
//   - RollbackFailed: Fatal, requires manual intervention
//
// Use the helper functions to inspect errors:
//
//	if engine.IsRetryable(err) {
//	    // Retry the operation
//	}
//
// # Concurrency
//
// A bounded worker pool pulls accepted records from a bounded queue; one
// worker drives a record end-to-end. A per-target lock acquired at Submit
// and released at the terminal state guarantees at most one active
// execution per target resource. Submission beyond queue capacity fails
// fast so callers can apply backpressure.
package engine
