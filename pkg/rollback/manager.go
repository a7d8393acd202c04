package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// Rollback step operations.
const (
	OpRestoreSnapshot = "restore_snapshot"
	OpVerifyState     = "verify_state"
)

// Config tunes rollback execution.
type Config struct {
	// MaxRetries caps retries of transient restore failures.
	MaxRetries int

	// RetryBaseBackoff is the first retry delay; it doubles per attempt up
	// to one minute, with jitter.
	RetryBaseBackoff time.Duration
}

// DefaultConfig returns the standard rollback configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBaseBackoff: time.Second,
	}
}

// Manager creates and executes rollback plans.
type Manager struct {
	cfg    Config
	store  engine.StateStore
	logger *telemetry.Logger
}

var _ engine.RollbackManager = (*Manager)(nil)

// NewManager creates a rollback manager.
func NewManager(cfg Config, store engine.StateStore, logger *telemetry.Logger) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = time.Second
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		logger: logger.NewComponentLogger("rollback"),
	}
}

// CreatePlan builds and persists a rollback plan from the pre-change
// snapshot. Called before the first mutating handler call.
func (m *Manager) CreatePlan(ctx context.Context, request *engine.ExecutionRequest, snapshot json.RawMessage) (*engine.RollbackPlan, error) {
	if len(snapshot) == 0 {
		return nil, engine.NewRollbackFailedError("cannot create rollback plan without a snapshot", nil).
			WithCode(engine.ErrCodeRollbackFailed).
			WithTarget(request.TargetResourceID)
	}

	plan := &engine.RollbackPlan{
		ExecutionID: request.ID,
		Steps: []engine.RollbackStep{
			{
				Order:       1,
				Operation:   OpRestoreSnapshot,
				Description: restoreDescription(request.ActionType, request.TargetResourceID),
			},
			{
				Order:       2,
				Operation:   OpVerifyState,
				Description: fmt.Sprintf("verify %s is consistent after restore", request.TargetResourceID),
			},
		},
		PreChangeSnapshot: snapshot,
		EstimatedRisk:     estimatedRisk(request.ActionType),
		CreatedAt:         time.Now(),
	}

	if err := m.store.SaveRollbackPlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist rollback plan: %w", err)
	}

	m.logger.WithExecutionID(request.ID).
		WithTargetID(request.TargetResourceID).
		WithField("steps", len(plan.Steps)).
		WithField("estimated_risk", string(plan.EstimatedRisk)).
		Info("rollback plan created")

	return plan, nil
}

// Execute runs the persisted plan for the execution and verifies the result.
func (m *Manager) Execute(ctx context.Context, executionID string, handler engine.ActionHandler) (*engine.RollbackOutcome, error) {
	start := time.Now()
	outcome := &engine.RollbackOutcome{ExecutionID: executionID}

	plan, err := m.store.GetRollbackPlan(ctx, executionID)
	if err != nil {
		outcome.Error = "rollback plan not found"
		outcome.Duration = time.Since(start)
		return outcome, engine.NewRollbackFailedError("rollback plan not found", err).
			WithCode(engine.ErrCodeRollbackFailed)
	}

	record, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		outcome.Error = "execution record not found"
		outcome.Duration = time.Since(start)
		return outcome, engine.NewRollbackFailedError("execution record not found", err).
			WithCode(engine.ErrCodeRollbackFailed)
	}
	targetID := record.Request.TargetResourceID
	log := m.logger.WithExecutionID(executionID).WithTargetID(targetID)

	for _, step := range plan.Steps {
		switch step.Operation {
		case OpRestoreSnapshot:
			if err := m.restoreWithRetry(ctx, handler, targetID, plan.PreChangeSnapshot); err != nil {
				outcome.Error = err.Error()
				outcome.Duration = time.Since(start)
				log.WithError(err).Error("rollback restore failed")
				return outcome, engine.NewRollbackFailedError("failed to restore pre-change state", err).
					WithCode(engine.ErrCodeRollbackFailed).
					WithTarget(targetID)
			}

		case OpVerifyState:
			ok, err := handler.Verify(ctx, targetID)
			if err != nil {
				outcome.Error = err.Error()
				outcome.Duration = time.Since(start)
				log.WithError(err).Error("rollback verification errored")
				return outcome, engine.NewRollbackFailedError("post-rollback verification errored", err).
					WithCode(engine.ErrCodeRollbackFailed).
					WithTarget(targetID)
			}
			if !ok {
				outcome.Error = "post-rollback verification failed"
				outcome.Duration = time.Since(start)
				log.Error("rollback verification failed, target may be inconsistent")
				return outcome, engine.NewRollbackFailedError("post-rollback verification failed", nil).
					WithCode(engine.ErrCodeRollbackFailed).
					WithTarget(targetID)
			}
			outcome.Verified = true

		default:
			outcome.Error = fmt.Sprintf("unknown rollback operation %s", step.Operation)
			outcome.Duration = time.Since(start)
			return outcome, engine.NewRollbackFailedError(outcome.Error, nil).
				WithCode(engine.ErrCodeRollbackFailed)
		}
		outcome.StepsCompleted++
	}

	if err := m.store.MarkRollbackExecuted(ctx, executionID); err != nil {
		log.WithError(err).Warn("failed to mark rollback plan executed")
	}

	outcome.Succeeded = true
	outcome.Duration = time.Since(start)
	log.WithField("steps", outcome.StepsCompleted).
		WithField("duration", outcome.Duration.String()).
		Info("rollback completed")
	return outcome, nil
}

// restoreWithRetry restores the snapshot, retrying transient failures.
func (m *Manager) restoreWithRetry(ctx context.Context, handler engine.ActionHandler, targetID string, snapshot json.RawMessage) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries+1; attempt++ {
		lastErr = handler.Rollback(ctx, targetID, snapshot)
		if lastErr == nil {
			return nil
		}
		if !engine.IsRetryable(lastErr) || attempt > m.cfg.MaxRetries {
			return lastErr
		}

		backoff := calculateBackoff(m.cfg.RetryBaseBackoff, attempt)
		m.logger.WithTargetID(targetID).
			WithError(lastErr).
			WithField("attempt", attempt).
			Warn("transient restore failure, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// restoreDescription names the restore step for the action being reverted.
func restoreDescription(action engine.ActionType, targetID string) string {
	switch action {
	case engine.ActionTerminateResource:
		return fmt.Sprintf("recreate %s from pre-termination snapshot", targetID)
	case engine.ActionResizeWorkload:
		return fmt.Sprintf("restore original size of %s", targetID)
	case engine.ActionMigratePricingModel:
		return fmt.Sprintf("restore original pricing model of %s", targetID)
	case engine.ActionAdjustRuntimeConfig:
		return fmt.Sprintf("restore original runtime configuration of %s", targetID)
	default:
		return fmt.Sprintf("restore %s from pre-change snapshot", targetID)
	}
}

// estimatedRisk scores the risk of executing the rollback itself. Recreating
// a terminated resource is the riskiest revert.
func estimatedRisk(action engine.ActionType) engine.RiskLevel {
	if action.IsDestructive() {
		return engine.RiskMedium
	}
	return engine.RiskLow
}

// calculateBackoff doubles the base delay per attempt, capped at one minute,
// with up to 25% jitter.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > time.Minute {
		backoff = time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/4 + 1))
	return backoff + jitter
}
