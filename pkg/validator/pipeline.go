package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/policy"
)

// Check names used in validation issues.
const (
	CheckRequest      = "request"
	CheckPermission   = "permission"
	CheckDependencies = "dependencies"
	CheckResource     = "resource_state"
	CheckParameters   = "parameters"
	CheckRisk         = "risk_assessment"
)

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ParameterValidator validates action parameters against the action type's
// schema. Implemented by config.SchemaRegistry.
type ParameterValidator interface {
	ValidateParameters(ctx context.Context, actionType string, params json.RawMessage) error
}

// RiskAssessor scores the risk of a request. Implemented by config.RiskHook.
type RiskAssessor interface {
	AssessRisk(ctx context.Context, request *engine.ExecutionRequest) (engine.RiskLevel, error)
}

// Config carries the pipeline's collaborators. Policies and Schemas are
// required; the rest are optional and their checks are skipped when nil.
type Config struct {
	// Policies evaluates permission policies against the request.
	Policies *policy.Engine

	// Schemas validates action parameters.
	Schemas ParameterValidator

	// Dependencies reports resources that block the action. Optional.
	Dependencies engine.DependencyChecker

	// Provider is used to confirm the target resource exists and is in an
	// actionable state. Optional.
	Provider engine.CloudProvider

	// RiskHook may raise the assessed risk level. Optional.
	RiskHook RiskAssessor

	// Logger is the component logger.
	Logger zerolog.Logger
}

// Pipeline runs the pre-execution checks in a fixed order: permission,
// dependencies, resource state, parameters, risk assessment. All checks run
// even when an earlier one fails, so the result reports every finding at once.
type Pipeline struct {
	policies *policy.Engine
	schemas  ParameterValidator
	deps     engine.DependencyChecker
	provider engine.CloudProvider
	riskHook RiskAssessor
	logger   zerolog.Logger
}

var _ engine.Validator = (*Pipeline)(nil)

// NewPipeline creates a validation pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Policies == nil {
		return nil, fmt.Errorf("policy engine is required")
	}
	if cfg.Schemas == nil {
		return nil, fmt.Errorf("parameter schema registry is required")
	}

	return &Pipeline{
		policies: cfg.Policies,
		schemas:  cfg.Schemas,
		deps:     cfg.Dependencies,
		provider: cfg.Provider,
		riskHook: cfg.RiskHook,
		logger:   cfg.Logger.With().Str("component", "validator").Logger(),
	}, nil
}

// Validate runs all checks against the request. A non-nil error means a check
// itself could not run; an invalid request is reported through the result.
func (p *Pipeline) Validate(ctx context.Context, request *engine.ExecutionRequest) (*engine.ValidationResult, error) {
	result := &engine.ValidationResult{
		RiskLevel: request.RiskLevel,
	}
	if result.RiskLevel == "" {
		result.RiskLevel = engine.RiskLow
	}

	// A structurally broken request short-circuits: the remaining checks
	// would operate on garbage.
	if err := request.Validate(); err != nil {
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckRequest,
			Message:  err.Error(),
			Severity: SeverityError,
		})
		result.ValidatedAt = time.Now().UTC()
		return result, nil
	}

	if err := p.checkPermission(ctx, request, result); err != nil {
		return nil, err
	}
	if err := p.checkDependencies(ctx, request, result); err != nil {
		return nil, err
	}
	p.checkResourceState(ctx, request, result)
	p.checkParameters(ctx, request, result)
	if err := p.assessRisk(ctx, request, result); err != nil {
		return nil, err
	}

	result.Valid = len(result.Errors) == 0
	result.ValidatedAt = time.Now().UTC()

	p.logger.Info().
		Str("execution_id", request.ID).
		Str("target_id", request.TargetResourceID).
		Bool("valid", result.Valid).
		Int("errors", len(result.Errors)).
		Int("warnings", len(result.Warnings)).
		Str("risk_level", string(result.RiskLevel)).
		Msg("Validation completed")

	return result, nil
}

// checkPermission evaluates the permission policies. A policy that cannot be
// evaluated fails the pipeline rather than silently allowing the request.
func (p *Pipeline) checkPermission(ctx context.Context, request *engine.ExecutionRequest, result *engine.ValidationResult) error {
	input := policy.NewInput(request)

	evaluation, err := p.policies.EvaluateRequest(ctx, input)
	if err != nil {
		return fmt.Errorf("permission check failed: %w", err)
	}

	for _, v := range evaluation.Violations {
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckPermission,
			Message:  fmt.Sprintf("policy %s: %s", v.Policy, v.Message),
			Severity: SeverityError,
		})
	}
	for _, w := range evaluation.Warnings {
		result.Warnings = append(result.Warnings, engine.ValidationIssue{
			Check:    CheckPermission,
			Message:  fmt.Sprintf("policy %s: %s", w.Policy, w.Message),
			Severity: SeverityWarning,
		})
	}

	return nil
}

// checkDependencies records resources that block the action on the target.
func (p *Pipeline) checkDependencies(ctx context.Context, request *engine.ExecutionRequest, result *engine.ValidationResult) error {
	if p.deps == nil {
		return nil
	}

	blocking, err := p.deps.BlockingDependencies(ctx, request.TargetResourceID, request.ActionType)
	if err != nil {
		return fmt.Errorf("dependency check failed: %w", err)
	}

	if len(blocking) > 0 {
		result.BlockingDependencies = blocking
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckDependencies,
			Message:  fmt.Sprintf("%d resource(s) depend on the target: %s", len(blocking), strings.Join(blocking, ", ")),
			Severity: SeverityError,
		})
	}

	return nil
}

// checkResourceState confirms the target exists and is not already gone.
func (p *Pipeline) checkResourceState(ctx context.Context, request *engine.ExecutionRequest, result *engine.ValidationResult) {
	if p.provider == nil {
		return
	}

	state, err := p.provider.DescribeResource(ctx, request.TargetResourceID)
	if err != nil {
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckResource,
			Message:  fmt.Sprintf("target resource %s is not describable: %v", request.TargetResourceID, err),
			Severity: SeverityError,
		})
		return
	}

	var described struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(state, &described); err != nil {
		// A provider returning undecodable state is suspicious but not a
		// reason to block the action.
		result.Warnings = append(result.Warnings, engine.ValidationIssue{
			Check:    CheckResource,
			Message:  fmt.Sprintf("target resource state is not decodable: %v", err),
			Severity: SeverityWarning,
		})
		return
	}

	switch described.Status {
	case "terminated", "terminating", "deleted":
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckResource,
			Message:  fmt.Sprintf("target resource %s is %s", request.TargetResourceID, described.Status),
			Severity: SeverityError,
		})
	}
}

// checkParameters validates action parameters against the action type's schema.
func (p *Pipeline) checkParameters(ctx context.Context, request *engine.ExecutionRequest, result *engine.ValidationResult) {
	if err := p.schemas.ValidateParameters(ctx, string(request.ActionType), request.Parameters); err != nil {
		result.Errors = append(result.Errors, engine.ValidationIssue{
			Check:    CheckParameters,
			Message:  err.Error(),
			Severity: SeverityError,
		})
	}
}

// assessRisk computes the final risk level. The level starts at the request's
// classification and is only ever raised: first by built-in heuristics, then
// by the operator hook if one is configured.
func (p *Pipeline) assessRisk(ctx context.Context, request *engine.ExecutionRequest, result *engine.ValidationResult) error {
	level := result.RiskLevel

	if request.ActionType.IsDestructive() {
		level = raise(level, engine.RiskMedium)
		if request.Environment == "production" {
			level = raise(level, engine.RiskHigh)
		}
	}

	if p.riskHook != nil {
		assessed, err := p.riskHook.AssessRisk(ctx, request)
		if err != nil {
			// A broken hook must not silently keep the lower level.
			return fmt.Errorf("risk assessment failed: %w", err)
		}
		level = raise(level, assessed)
	}

	if level != result.RiskLevel {
		result.Warnings = append(result.Warnings, engine.ValidationIssue{
			Check:    CheckRisk,
			Message:  fmt.Sprintf("risk level raised from %s to %s", result.RiskLevel, level),
			Severity: SeverityWarning,
		})
		result.RiskLevel = level
	}

	return nil
}

// raise returns the higher of the two risk levels.
func raise(current, candidate engine.RiskLevel) engine.RiskLevel {
	if candidate.AtLeast(current) {
		return candidate
	}
	return current
}
