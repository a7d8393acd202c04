package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// runtimeConfigParams are the parameters of an adjust_runtime_config action.
type runtimeConfigParams struct {
	Settings map[string]string `json:"settings"`
}

// RuntimeConfigHandler tunes runtime configuration settings.
type RuntimeConfigHandler struct {
	provider engine.CloudProvider
	guard    *Guard
	logger   zerolog.Logger
}

var _ engine.ActionHandler = (*RuntimeConfigHandler)(nil)
var _ engine.AppliedStateForgetter = (*RuntimeConfigHandler)(nil)

// NewRuntimeConfigHandler creates an adjust_runtime_config handler.
func NewRuntimeConfigHandler(provider engine.CloudProvider, guard *Guard, logger zerolog.Logger) *RuntimeConfigHandler {
	return &RuntimeConfigHandler{
		provider: provider,
		guard:    guard,
		logger:   logger.With().Str("handler", string(engine.ActionAdjustRuntimeConfig)).Logger(),
	}
}

// ActionType returns the action type this handler serves.
func (h *RuntimeConfigHandler) ActionType() engine.ActionType {
	return engine.ActionAdjustRuntimeConfig
}

// Snapshot captures the target's pre-change state.
func (h *RuntimeConfigHandler) Snapshot(ctx context.Context, targetID string) (json.RawMessage, error) {
	return snapshotResource(ctx, h.provider, targetID)
}

// Apply updates settings on the stage's percentage of the target.
func (h *RuntimeConfigHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyOutcome, error) {
	if h.guard.Applied(req.ExecutionID, req.Stage) {
		return &engine.ApplyOutcome{Detail: "already applied"}, nil
	}

	var params runtimeConfigParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, engine.NewPermanentError("invalid runtime config parameters", err).
			WithCode(engine.ErrCodeHandlerFailed).
			WithTarget(req.TargetResourceID)
	}

	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "update_runtime_config", func() error {
		return h.provider.UpdateRuntimeConfig(ctx, req.TargetResourceID, params.Settings, req.Stage)
	})
	if err != nil {
		return nil, classifyProviderError(err, req.TargetResourceID, "update_runtime_config")
	}

	h.guard.MarkApplied(req.ExecutionID, req.Stage)
	h.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("target_id", req.TargetResourceID).
		Int("stage", req.Stage).
		Int("settings", len(params.Settings)).
		Msg("Adjusted runtime configuration")

	return &engine.ApplyOutcome{
		Changed: true,
		Detail:  fmt.Sprintf("applied %d setting(s) to %d%% of %s", len(params.Settings), req.Stage, req.TargetResourceID),
	}, nil
}

// Rollback restores the target from its pre-change snapshot.
func (h *RuntimeConfigHandler) Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error {
	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "restore", func() error {
		return h.provider.RestoreResource(ctx, targetID, snapshot)
	})
	if err != nil {
		return classifyProviderError(err, targetID, "restore")
	}
	return nil
}

// Verify checks that the target is in a consistent state.
func (h *RuntimeConfigHandler) Verify(ctx context.Context, targetID string) (bool, error) {
	return verifyResource(ctx, h.provider, targetID)
}

// Forget drops the execution's idempotency keys once it has finished.
func (h *RuntimeConfigHandler) Forget(executionID string) {
	h.guard.Forget(executionID)
}
