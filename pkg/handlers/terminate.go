package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// terminateParams are the parameters of a terminate_resource action.
type terminateParams struct {
	GracePeriodSeconds int  `json:"grace_period_seconds"`
	Force              bool `json:"force"`
	SnapshotBefore     bool `json:"snapshot_before"`
}

// TerminateHandler terminates idle or abandoned resources.
type TerminateHandler struct {
	provider engine.CloudProvider
	guard    *Guard
	logger   zerolog.Logger
}

var _ engine.ActionHandler = (*TerminateHandler)(nil)
var _ engine.AppliedStateForgetter = (*TerminateHandler)(nil)

// NewTerminateHandler creates a terminate_resource handler.
func NewTerminateHandler(provider engine.CloudProvider, guard *Guard, logger zerolog.Logger) *TerminateHandler {
	return &TerminateHandler{
		provider: provider,
		guard:    guard,
		logger:   logger.With().Str("handler", string(engine.ActionTerminateResource)).Logger(),
	}
}

// ActionType returns the action type this handler serves.
func (h *TerminateHandler) ActionType() engine.ActionType {
	return engine.ActionTerminateResource
}

// Snapshot captures the target's pre-change state.
func (h *TerminateHandler) Snapshot(ctx context.Context, targetID string) (json.RawMessage, error) {
	return snapshotResource(ctx, h.provider, targetID)
}

// Apply terminates the stage's percentage of the target.
func (h *TerminateHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyOutcome, error) {
	if h.guard.Applied(req.ExecutionID, req.Stage) {
		return &engine.ApplyOutcome{Detail: "already applied"}, nil
	}

	var params terminateParams
	if len(req.Parameters) > 0 {
		if err := json.Unmarshal(req.Parameters, &params); err != nil {
			return nil, engine.NewPermanentError("invalid terminate parameters", err).
				WithCode(engine.ErrCodeHandlerFailed).
				WithTarget(req.TargetResourceID)
		}
	}

	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "terminate", func() error {
		return h.provider.TerminateResource(ctx, req.TargetResourceID, req.Stage)
	})
	if err != nil {
		return nil, classifyProviderError(err, req.TargetResourceID, "terminate")
	}

	h.guard.MarkApplied(req.ExecutionID, req.Stage)
	h.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("target_id", req.TargetResourceID).
		Int("stage", req.Stage).
		Bool("force", params.Force).
		Msg("Terminated resource capacity")

	return &engine.ApplyOutcome{
		Changed: true,
		Detail:  fmt.Sprintf("terminated %d%% of %s", req.Stage, req.TargetResourceID),
	}, nil
}

// Rollback restores the target from its pre-change snapshot.
func (h *TerminateHandler) Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error {
	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "restore", func() error {
		return h.provider.RestoreResource(ctx, targetID, snapshot)
	})
	if err != nil {
		return classifyProviderError(err, targetID, "restore")
	}
	return nil
}

// Verify checks that the target is in a consistent state.
func (h *TerminateHandler) Verify(ctx context.Context, targetID string) (bool, error) {
	return verifyResource(ctx, h.provider, targetID)
}

// Forget drops the execution's idempotency keys once it has finished.
func (h *TerminateHandler) Forget(executionID string) {
	h.guard.Forget(executionID)
}
