package engine

import (
	"context"
	"encoding/json"
)

// Validator runs the pre-execution validation pipeline.
// Check order: permission, dependencies, resource state, risk assessment.
type Validator interface {
	// Validate runs all checks against a request and returns the combined
	// result. A non-nil error means the pipeline itself failed, not that
	// the request is invalid.
	Validate(ctx context.Context, request *ExecutionRequest) (*ValidationResult, error)
}

// ActionHandler applies one action type to a target resource. Handlers are
// registered by action type and the engine dispatches only through this
// interface.
type ActionHandler interface {
	// ActionType returns the action type this handler serves.
	ActionType() ActionType

	// Snapshot captures the target's pre-change state for the rollback plan.
	Snapshot(ctx context.Context, targetID string) (json.RawMessage, error)

	// Apply applies the change scoped to the given rollout stage percentage.
	// Apply must be idempotent for the same (execution_id, stage) key.
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyOutcome, error)

	// Rollback restores the target to the given pre-change snapshot.
	Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error

	// Verify checks that the target is in a consistent state after a
	// rollback or a completed rollout.
	Verify(ctx context.Context, targetID string) (bool, error)
}

// AppliedStateForgetter is implemented by handlers that keep per-execution
// idempotency state. The engine calls Forget once an execution finishes so
// the state does not accumulate and a later rollback or re-submission of the
// same target is not suppressed by stale keys.
type AppliedStateForgetter interface {
	// Forget drops all idempotency keys recorded for the execution.
	Forget(executionID string)
}

// HandlerRegistry resolves action handlers by action type.
type HandlerRegistry interface {
	// Get returns the handler registered for the action type.
	Get(actionType ActionType) (ActionHandler, error)

	// List returns the action types with a registered handler.
	List() []ActionType
}

// HealthMonitor samples a health score for a target resource.
type HealthMonitor interface {
	// Sample returns the current health score in [0.0, 1.0] for the target.
	Sample(ctx context.Context, targetID string) (float64, error)
}

// RolloutController drives the staged rollout of an approved execution.
type RolloutController interface {
	// Run executes all configured stages in order against the record's
	// target. Stage results are appended to the record and persisted as
	// they complete. A returned error is classified: health_degraded and
	// failed stages trigger rollback in the engine.
	Run(ctx context.Context, record *ExecutionRecord, handler ActionHandler) error
}

// RollbackManager creates and executes rollback plans.
type RollbackManager interface {
	// CreatePlan builds and persists a rollback plan from the pre-change
	// snapshot. Called before the first mutating handler call.
	CreatePlan(ctx context.Context, request *ExecutionRequest, snapshot json.RawMessage) (*RollbackPlan, error)

	// Execute runs the persisted plan for the execution and verifies the
	// result. A failed rollback returns a rollback_failed error.
	Execute(ctx context.Context, executionID string, handler ActionHandler) (*RollbackOutcome, error)
}

// ApprovalGate resolves executions that require human approval.
type ApprovalGate interface {
	// Await blocks until a decision arrives or the approval window expires.
	// Expiry returns ApprovalTimedOut, never an error.
	Await(ctx context.Context, executionID string) (ApprovalDecision, error)

	// Resolve delivers a decision for a waiting execution.
	Resolve(executionID string, decision ApprovalDecision, actor string) error
}

// StateStore persists execution records, stage history, rollback plans,
// audit events, and resource locks.
type StateStore interface {
	// SaveExecution inserts or updates an execution record.
	SaveExecution(ctx context.Context, record *ExecutionRecord) error

	// GetExecution retrieves an execution record by ID.
	GetExecution(ctx context.Context, executionID string) (*ExecutionRecord, error)

	// ListExecutions returns summaries matching the filter, newest first.
	ListExecutions(ctx context.Context, filter *HistoryFilter) ([]*ExecutionSummary, error)

	// ListActiveExecutions returns records in non-terminal states, used for
	// crash recovery at startup.
	ListActiveExecutions(ctx context.Context) ([]*ExecutionRecord, error)

	// SaveRollbackPlan persists a rollback plan.
	SaveRollbackPlan(ctx context.Context, plan *RollbackPlan) error

	// GetRollbackPlan retrieves the rollback plan for an execution.
	GetRollbackPlan(ctx context.Context, executionID string) (*RollbackPlan, error)

	// MarkRollbackExecuted sets the executed marker on a plan.
	MarkRollbackExecuted(ctx context.Context, executionID string) error

	// AppendEvent appends an audit event. Events are never updated or deleted.
	AppendEvent(ctx context.Context, event *AuditEvent) error

	// GetEvents returns the audit trail for an execution in append order.
	GetEvents(ctx context.Context, executionID string) ([]*AuditEvent, error)

	// AcquireLock records a lock on the target for the execution. Returns a
	// conflict error if another execution holds the lock.
	AcquireLock(ctx context.Context, targetID, executionID string) error

	// ReleaseLock releases the target lock held by the execution.
	ReleaseLock(ctx context.Context, targetID, executionID string) error

	// Close releases store resources.
	Close() error
}

// DependencyChecker reports resources that depend on a target and would
// block an action against it.
type DependencyChecker interface {
	// BlockingDependencies returns the IDs of resources that block the
	// action on the target. An empty slice means the action may proceed.
	BlockingDependencies(ctx context.Context, targetID string, action ActionType) ([]string, error)
}

// CloudProvider is the external action surface the handlers adapt. A
// simulated in-memory implementation ships for development and tests.
type CloudProvider interface {
	// DescribeResource returns the current state of a resource as JSON.
	DescribeResource(ctx context.Context, resourceID string) (json.RawMessage, error)

	// TerminateResource terminates the resource. Percent scopes partial
	// termination for staged rollout of grouped resources.
	TerminateResource(ctx context.Context, resourceID string, percent int) error

	// ResizeWorkload changes the instance type and/or replica count,
	// scoped to the given percentage of the workload.
	ResizeWorkload(ctx context.Context, resourceID, instanceType string, replicas, percent int) error

	// SetPricingModel moves the resource to a different pricing model.
	SetPricingModel(ctx context.Context, resourceID, model string, percent int) error

	// UpdateRuntimeConfig applies runtime configuration settings.
	UpdateRuntimeConfig(ctx context.Context, resourceID string, settings map[string]string, percent int) error

	// RestoreResource restores a resource to a previously captured state.
	RestoreResource(ctx context.Context, resourceID string, state json.RawMessage) error
}
