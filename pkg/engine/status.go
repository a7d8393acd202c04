package engine

import (
	"encoding/json"
	"fmt"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	// StatusPending indicates the execution is accepted but not yet started.
	StatusPending ExecutionStatus = "pending"

	// StatusValidating indicates pre-execution validation is in progress.
	StatusValidating ExecutionStatus = "validating"

	// StatusAwaitingApproval indicates the execution is suspended on the
	// external approval gate.
	StatusAwaitingApproval ExecutionStatus = "awaiting_approval"

	// StatusApproved indicates validation (and approval, if required) passed.
	StatusApproved ExecutionStatus = "approved"

	// StatusExecuting indicates the staged rollout is in progress.
	StatusExecuting ExecutionStatus = "executing"

	// StatusRollingBack indicates a rollback is in progress.
	StatusRollingBack ExecutionStatus = "rolling_back"

	// StatusCompleted indicates all stages finished healthy.
	StatusCompleted ExecutionStatus = "completed"

	// StatusRejected indicates validation failed, approval was denied, or the
	// execution was cancelled before any change was applied.
	StatusRejected ExecutionStatus = "rejected"

	// StatusFailed indicates the execution failed and could not be cleanly
	// rolled back, or hit a non-recoverable error.
	StatusFailed ExecutionStatus = "failed"

	// StatusRolledBack indicates applied changes were reverted.
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// validTransitions is the fixed edge set of the execution state machine.
// Any transition not listed here is a programming error.
var validTransitions = map[ExecutionStatus][]ExecutionStatus{
	StatusPending:          {StatusValidating, StatusRejected},
	StatusValidating:       {StatusAwaitingApproval, StatusApproved, StatusRejected},
	StatusAwaitingApproval: {StatusApproved, StatusRejected},
	StatusApproved:         {StatusExecuting, StatusRejected},
	// StatusRejected from executing covers cancellation before any stage
	// applied a change.
	StatusExecuting:   {StatusCompleted, StatusRollingBack, StatusFailed, StatusRejected},
	StatusRollingBack: {StatusRolledBack, StatusFailed},
	// StatusCompleted and StatusFailed allow a manually triggered rollback.
	StatusCompleted: {StatusRollingBack},
	StatusFailed:    {StatusRollingBack},
}

// CanTransitionTo reports whether the state machine allows moving to next.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the status represents a final state.
// StatusCompleted and StatusFailed are terminal for the worker loop even
// though a manual rollback may still move them to StatusRollingBack.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected ||
		s == StatusFailed || s == StatusRolledBack
}

// IsActive returns true if the execution still occupies its target lock.
func (s ExecutionStatus) IsActive() bool {
	return !s.IsTerminal()
}

// Validate checks if the execution status is valid.
func (s ExecutionStatus) Validate() error {
	switch s {
	case StatusPending, StatusValidating, StatusAwaitingApproval, StatusApproved,
		StatusExecuting, StatusRollingBack, StatusCompleted, StatusRejected,
		StatusFailed, StatusRolledBack:
		return nil
	default:
		return fmt.Errorf("invalid execution status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecutionStatus(str)
	return s.Validate()
}

// ActionType identifies the kind of optimization action to apply.
type ActionType string

const (
	// ActionTerminateResource terminates an idle or abandoned resource.
	ActionTerminateResource ActionType = "terminate_resource"

	// ActionResizeWorkload changes the instance type or replica count of a workload.
	ActionResizeWorkload ActionType = "resize_workload"

	// ActionMigratePricingModel moves a resource to a different pricing model.
	ActionMigratePricingModel ActionType = "migrate_pricing_model"

	// ActionAdjustRuntimeConfig updates runtime configuration settings.
	ActionAdjustRuntimeConfig ActionType = "adjust_runtime_config"
)

// Validate checks if the action type is valid.
func (a ActionType) Validate() error {
	switch a {
	case ActionTerminateResource, ActionResizeWorkload,
		ActionMigratePricingModel, ActionAdjustRuntimeConfig:
		return nil
	default:
		return fmt.Errorf("invalid action type: %s", a)
	}
}

// IsDestructive returns true if the action destroys the target resource.
func (a ActionType) IsDestructive() bool {
	return a == ActionTerminateResource
}

// RiskLevel classifies the blast radius of an action.
type RiskLevel string

const (
	// RiskLow is for reversible, narrow-scope changes.
	RiskLow RiskLevel = "low"

	// RiskMedium is for changes with broader scope or slower reversal.
	RiskMedium RiskLevel = "medium"

	// RiskHigh is for destructive or wide-blast-radius changes.
	RiskHigh RiskLevel = "high"
)

// Validate checks if the risk level is valid.
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return nil
	default:
		return fmt.Errorf("invalid risk level: %s", r)
	}
}

// AtLeast reports whether r is at or above the given level.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	rank := map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}
	return rank[r] >= rank[other]
}

// ApprovalDecision is the outcome of the external approval gate.
type ApprovalDecision string

const (
	// ApprovalApproved allows the execution to proceed.
	ApprovalApproved ApprovalDecision = "approved"

	// ApprovalRejected blocks the execution.
	ApprovalRejected ApprovalDecision = "rejected"

	// ApprovalTimedOut indicates no decision arrived within the approval
	// window. Treated identically to a rejection.
	ApprovalTimedOut ApprovalDecision = "timed_out"
)

// StageOutcome records how a rollout stage ended.
type StageOutcome string

const (
	// StageOutcomeHealthy indicates the stage passed its health check.
	StageOutcomeHealthy StageOutcome = "healthy"

	// StageOutcomeDegraded indicates post-change health fell below threshold,
	// or the monitoring window timed out.
	StageOutcomeDegraded StageOutcome = "degraded"

	// StageOutcomeFailed indicates the apply itself failed.
	StageOutcomeFailed StageOutcome = "failed"

	// StageOutcomeCancelled indicates the stage was abandoned due to a
	// cancellation request between stages.
	StageOutcomeCancelled StageOutcome = "cancelled"
)

// EventType represents the type of event in the execution audit trail.
type EventType string

const (
	// EventExecutionSubmitted indicates an execution was accepted.
	EventExecutionSubmitted EventType = "execution_submitted"

	// EventStatusChanged indicates a state machine transition.
	EventStatusChanged EventType = "status_changed"

	// EventValidationCompleted indicates validation finished.
	EventValidationCompleted EventType = "validation_completed"

	// EventApprovalResolved indicates the approval gate returned a decision.
	EventApprovalResolved EventType = "approval_resolved"

	// EventRollbackPlanCreated indicates the rollback plan was persisted.
	EventRollbackPlanCreated EventType = "rollback_plan_created"

	// EventStageStarted indicates a rollout stage started.
	EventStageStarted EventType = "stage_started"

	// EventStageCompleted indicates a rollout stage completed.
	EventStageCompleted EventType = "stage_completed"

	// EventRollbackStarted indicates a rollback started.
	EventRollbackStarted EventType = "rollback_started"

	// EventRollbackCompleted indicates a rollback completed.
	EventRollbackCompleted EventType = "rollback_completed"

	// EventManualInterventionRequired indicates a rollback failed and the
	// execution needs an operator.
	EventManualInterventionRequired EventType = "manual_intervention_required"

	// EventError indicates an error occurred.
	EventError EventType = "error"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventManualInterventionRequired:
		return "critical"
	case EventError:
		return "error"
	default:
		return "info"
	}
}
