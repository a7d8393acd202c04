package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionRequest describes an optimization action to apply to a target
// resource. Requests are immutable once accepted.
type ExecutionRequest struct {
	// ID is the unique identifier of the request. Generated if empty.
	ID string `json:"id"`

	// RecommendationID links back to the recommendation that produced this action.
	RecommendationID string `json:"recommendation_id"`

	// ActionType selects the handler used to apply the change.
	ActionType ActionType `json:"action_type"`

	// TargetResourceID is the infrastructure resource the action applies to.
	TargetResourceID string `json:"target_resource_id"`

	// Parameters are action-specific settings, validated against the action
	// type's schema before execution.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// RiskLevel is the risk classification supplied by the recommender.
	// The validator may raise it, never lower it.
	RiskLevel RiskLevel `json:"risk_level"`

	// RequiresApproval suspends the execution on the approval gate before
	// any change is applied.
	RequiresApproval bool `json:"requires_approval"`

	// Environment is the deployment environment of the target (e.g.
	// "production", "staging"). Used by permission policies.
	Environment string `json:"environment,omitempty"`

	// Labels are key-value pairs describing the target, available to
	// permission policies (e.g. protection tags).
	Labels map[string]string `json:"labels,omitempty"`

	// SubmittedBy identifies the user or system that submitted the request.
	SubmittedBy string `json:"submitted_by,omitempty"`
}

// Validate checks the structural validity of a request.
func (r *ExecutionRequest) Validate() error {
	if r.RecommendationID == "" {
		return fmt.Errorf("recommendation_id is required")
	}
	if r.TargetResourceID == "" {
		return fmt.Errorf("target_resource_id is required")
	}
	if err := r.ActionType.Validate(); err != nil {
		return err
	}
	if r.RiskLevel != "" {
		if err := r.RiskLevel.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ExecutionRecord is the persistent state of one accepted request. There is
// exactly one record per accepted request, and at most one active record per
// target resource.
type ExecutionRecord struct {
	// ID is the execution identifier (equals the request ID).
	ID string `json:"id"`

	// Request is the immutable request this record tracks.
	Request ExecutionRequest `json:"request"`

	// Status is the current state machine state.
	Status ExecutionStatus `json:"status"`

	// CurrentStage is the rollout percentage currently being applied, or 0
	// before the rollout starts.
	CurrentStage int `json:"current_stage"`

	// StageHistory records every started stage in order.
	StageHistory []StageStatus `json:"stage_history,omitempty"`

	// ValidationResult is set once validation completes.
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`

	// RollbackPlanID references the persisted rollback plan, set before the
	// first mutating handler call.
	RollbackPlanID string `json:"rollback_plan_id,omitempty"`

	// Error summarizes the failure for terminal failed states.
	Error *ExecutionError `json:"error,omitempty"`

	// CreatedAt is when the record was accepted.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// CompletedAt is when the record reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasAppliedStages reports whether any mutating stage ran.
func (r *ExecutionRecord) HasAppliedStages() bool {
	for i := range r.StageHistory {
		if r.StageHistory[i].Outcome != StageOutcomeCancelled {
			return true
		}
	}
	return false
}

// ExecutionError is the user-visible failure summary surfaced on terminal
// failed states. It names the failed stage, whether rollback was attempted,
// and whether it succeeded.
type ExecutionError struct {
	// Class is the error classification of the final error.
	Class ErrorClass `json:"class"`

	// Code is the error code of the final error.
	Code string `json:"code,omitempty"`

	// Message is the human-readable failure description.
	Message string `json:"message"`

	// FailedStage is the rollout percentage at which the failure occurred,
	// or 0 if the execution failed before any stage.
	FailedStage int `json:"failed_stage,omitempty"`

	// RollbackAttempted indicates whether a rollback was attempted.
	RollbackAttempted bool `json:"rollback_attempted"`

	// RollbackSucceeded indicates whether the rollback succeeded.
	RollbackSucceeded bool `json:"rollback_succeeded"`

	// ManualInterventionRequired is set when a rollback failed and the
	// target may be in an inconsistent state.
	ManualInterventionRequired bool `json:"manual_intervention_required"`
}

// ValidationResult is the immutable outcome of the validation pipeline.
type ValidationResult struct {
	// Valid indicates whether the execution may proceed.
	Valid bool `json:"valid"`

	// Errors lists blocking validation failures.
	Errors []ValidationIssue `json:"errors,omitempty"`

	// Warnings lists non-blocking findings, surfaced to the approval gate.
	Warnings []ValidationIssue `json:"warnings,omitempty"`

	// RiskLevel is the assessed risk, at least as high as the request's.
	RiskLevel RiskLevel `json:"risk_level"`

	// BlockingDependencies lists resource IDs that depend on the target and
	// block the action.
	BlockingDependencies []string `json:"blocking_dependencies,omitempty"`

	// ValidatedAt is when validation completed.
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidationIssue is a single validation finding.
type ValidationIssue struct {
	// Check identifies the validation step that produced the issue.
	Check string `json:"check"`

	// Message describes the issue.
	Message string `json:"message"`

	// Severity is "error" or "warning".
	Severity string `json:"severity"`
}

// StageStatus records one rollout stage of an execution.
type StageStatus struct {
	// Stage is the rollout percentage (e.g. 10, 50, 100).
	Stage int `json:"stage"`

	// StartedAt is when the stage began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the stage ended.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// HealthBefore is the health score sampled before the stage applied.
	HealthBefore float64 `json:"health_before"`

	// HealthAfter is the health score sampled after the monitoring window.
	HealthAfter *float64 `json:"health_after,omitempty"`

	// Outcome records how the stage ended.
	Outcome StageOutcome `json:"outcome"`

	// Attempts counts apply attempts, including retries of transient failures.
	Attempts int `json:"attempts"`

	// Error describes the stage failure, if any.
	Error string `json:"error,omitempty"`
}

// RollbackPlan captures everything needed to revert an execution. It must be
// persisted before the first mutating handler call and is read-only
// afterwards except for the Executed marker.
type RollbackPlan struct {
	// ExecutionID is the execution this plan belongs to.
	ExecutionID string `json:"execution_id"`

	// Steps are the ordered revert operations.
	Steps []RollbackStep `json:"steps"`

	// PreChangeSnapshot is the target resource state captured before the
	// first mutation.
	PreChangeSnapshot json.RawMessage `json:"pre_change_snapshot"`

	// EstimatedRisk is the assessed risk of executing the rollback itself.
	EstimatedRisk RiskLevel `json:"estimated_risk"`

	// Executed is set once the plan has been run.
	Executed bool `json:"executed"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks that a plan is complete enough to execute.
func (p *RollbackPlan) Validate() error {
	if p.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("rollback plan has no steps")
	}
	if len(p.PreChangeSnapshot) == 0 {
		return fmt.Errorf("rollback plan has no pre-change snapshot")
	}
	return nil
}

// RollbackStep is a single revert operation within a plan.
type RollbackStep struct {
	// Order is the execution position of the step, starting at 1.
	Order int `json:"order"`

	// Operation names the revert operation (e.g. "restore_snapshot").
	Operation string `json:"operation"`

	// Description is a human-readable summary of the step.
	Description string `json:"description"`
}

// RollbackOutcome reports the result of running a rollback plan.
type RollbackOutcome struct {
	// ExecutionID is the execution that was rolled back.
	ExecutionID string `json:"execution_id"`

	// Succeeded indicates the target was restored and verified.
	Succeeded bool `json:"succeeded"`

	// StepsCompleted counts the steps that ran successfully.
	StepsCompleted int `json:"steps_completed"`

	// Verified indicates the post-rollback verification passed.
	Verified bool `json:"verified"`

	// Error describes the rollback failure, if any.
	Error string `json:"error,omitempty"`

	// Duration is how long the rollback took.
	Duration time.Duration `json:"duration"`
}

// ApplyRequest is the input to an action handler's Apply.
type ApplyRequest struct {
	// ExecutionID identifies the execution; with Stage it forms the
	// idempotency key for retried applies.
	ExecutionID string `json:"execution_id"`

	// TargetResourceID is the resource to mutate.
	TargetResourceID string `json:"target_resource_id"`

	// Parameters are the validated action parameters.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Stage is the rollout percentage to apply.
	Stage int `json:"stage"`
}

// ApplyOutcome reports the result of a handler Apply call.
type ApplyOutcome struct {
	// Changed indicates the provider state was mutated by this call. False
	// when the idempotency guard detected a duplicate apply.
	Changed bool `json:"changed"`

	// Detail is a human-readable summary of what was applied.
	Detail string `json:"detail,omitempty"`
}

// AuditEvent is an append-only record of a state transition or notable
// occurrence. Events are never mutated or deleted.
type AuditEvent struct {
	// ID is assigned by the store on append.
	ID int64 `json:"id"`

	// ExecutionID is the execution the event belongs to.
	ExecutionID string `json:"execution_id"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// FromStatus is the state before a transition, if applicable.
	FromStatus ExecutionStatus `json:"from_status,omitempty"`

	// ToStatus is the state after a transition, if applicable.
	ToStatus ExecutionStatus `json:"to_status,omitempty"`

	// Stage is the rollout percentage, for stage events.
	Stage int `json:"stage,omitempty"`

	// Message is a human-readable event description.
	Message string `json:"message"`

	// Actor identifies who or what caused the event.
	Actor string `json:"actor,omitempty"`

	// Details contains additional event-specific data as a JSON blob.
	Details json.RawMessage `json:"details,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionSummary is the compact history view of an execution.
type ExecutionSummary struct {
	ID               string          `json:"id"`
	RecommendationID string          `json:"recommendation_id"`
	ActionType       ActionType      `json:"action_type"`
	TargetResourceID string          `json:"target_resource_id"`
	Status           ExecutionStatus `json:"status"`
	RiskLevel        RiskLevel       `json:"risk_level"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// HistoryFilter selects executions for history queries. Zero values match
// everything.
type HistoryFilter struct {
	// TargetResourceID filters by target resource.
	TargetResourceID string `json:"target_resource_id,omitempty"`

	// Status filters by execution status.
	Status ExecutionStatus `json:"status,omitempty"`

	// Since restricts results to executions created at or after this time.
	Since *time.Time `json:"since,omitempty"`

	// Until restricts results to executions created before this time.
	Until *time.Time `json:"until,omitempty"`

	// Limit caps the number of results (default 100).
	Limit int `json:"limit,omitempty"`

	// Offset skips results for pagination.
	Offset int `json:"offset,omitempty"`
}
