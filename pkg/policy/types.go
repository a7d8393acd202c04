package policy

import (
	"encoding/json"
	"time"

	"github.com/costpilot/costpilot/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block execution.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block execution.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block execution and must be
	// addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity blocks execution.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// TargetResourceID is the resource the violating request targets.
	TargetResourceID string `json:"target_resource_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides a suggested fix.
	Remediation string `json:"remediation,omitempty"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Result represents the result of evaluating all policies against one
// execution request.
type Result struct {
	// Allowed indicates whether the request may proceed. False when any
	// violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation completed.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies evaluate. It is built from an execution
// request plus evaluation context.
type Input struct {
	// Action is the action type being requested.
	Action string `json:"action"`

	// TargetResourceID is the resource the action applies to.
	TargetResourceID string `json:"target_resource_id"`

	// Environment is the target's deployment environment.
	Environment string `json:"environment,omitempty"`

	// RiskLevel is the request's risk classification.
	RiskLevel string `json:"risk_level,omitempty"`

	// RequiresApproval indicates the request will pass the approval gate.
	RequiresApproval bool `json:"requires_approval"`

	// Labels are the target's labels, including protection tags.
	Labels map[string]string `json:"labels,omitempty"`

	// Parameters are the raw action parameters.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Context provides evaluation context for policy input.
type Context struct {
	// Actor is the user or system that submitted the request.
	Actor string `json:"actor,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Hour is the UTC hour of the evaluation, for time-window policies.
	Hour int `json:"hour"`

	// Weekday is the UTC weekday (0 = Sunday), for time-window policies.
	Weekday int `json:"weekday"`

	// DryRun indicates a validation-only evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewInput builds a policy input from an execution request.
func NewInput(request *engine.ExecutionRequest) *Input {
	now := time.Now().UTC()
	return &Input{
		Action:           string(request.ActionType),
		TargetResourceID: request.TargetResourceID,
		Environment:      request.Environment,
		RiskLevel:        string(request.RiskLevel),
		RequiresApproval: request.RequiresApproval,
		Labels:           request.Labels,
		Parameters:       request.Parameters,
		Context: &Context{
			Actor:     request.SubmittedBy,
			Timestamp: now,
			Hour:      now.Hour(),
			Weekday:   int(now.Weekday()),
		},
	}
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
