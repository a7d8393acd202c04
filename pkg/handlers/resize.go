package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// resizeParams are the parameters of a resize_workload action. At least one
// of InstanceType or Replicas is set; the schema enforces this before the
// handler runs.
type resizeParams struct {
	InstanceType string `json:"instance_type"`
	Replicas     *int   `json:"replicas"`
}

// ResizeHandler changes the instance type or replica count of a workload.
type ResizeHandler struct {
	provider engine.CloudProvider
	guard    *Guard
	logger   zerolog.Logger
}

var _ engine.ActionHandler = (*ResizeHandler)(nil)
var _ engine.AppliedStateForgetter = (*ResizeHandler)(nil)

// NewResizeHandler creates a resize_workload handler.
func NewResizeHandler(provider engine.CloudProvider, guard *Guard, logger zerolog.Logger) *ResizeHandler {
	return &ResizeHandler{
		provider: provider,
		guard:    guard,
		logger:   logger.With().Str("handler", string(engine.ActionResizeWorkload)).Logger(),
	}
}

// ActionType returns the action type this handler serves.
func (h *ResizeHandler) ActionType() engine.ActionType {
	return engine.ActionResizeWorkload
}

// Snapshot captures the target's pre-change state.
func (h *ResizeHandler) Snapshot(ctx context.Context, targetID string) (json.RawMessage, error) {
	return snapshotResource(ctx, h.provider, targetID)
}

// Apply resizes the stage's percentage of the workload.
func (h *ResizeHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyOutcome, error) {
	if h.guard.Applied(req.ExecutionID, req.Stage) {
		return &engine.ApplyOutcome{Detail: "already applied"}, nil
	}

	var params resizeParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, engine.NewPermanentError("invalid resize parameters", err).
			WithCode(engine.ErrCodeHandlerFailed).
			WithTarget(req.TargetResourceID)
	}

	replicas := -1
	if params.Replicas != nil {
		replicas = *params.Replicas
	}

	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "resize", func() error {
		return h.provider.ResizeWorkload(ctx, req.TargetResourceID, params.InstanceType, replicas, req.Stage)
	})
	if err != nil {
		return nil, classifyProviderError(err, req.TargetResourceID, "resize")
	}

	h.guard.MarkApplied(req.ExecutionID, req.Stage)
	h.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("target_id", req.TargetResourceID).
		Int("stage", req.Stage).
		Str("instance_type", params.InstanceType).
		Int("replicas", replicas).
		Msg("Resized workload")

	return &engine.ApplyOutcome{
		Changed: true,
		Detail:  fmt.Sprintf("resized %d%% of %s", req.Stage, req.TargetResourceID),
	}, nil
}

// Rollback restores the target from its pre-change snapshot.
func (h *ResizeHandler) Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error {
	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "restore", func() error {
		return h.provider.RestoreResource(ctx, targetID, snapshot)
	})
	if err != nil {
		return classifyProviderError(err, targetID, "restore")
	}
	return nil
}

// Verify checks that the target is in a consistent state.
func (h *ResizeHandler) Verify(ctx context.Context, targetID string) (bool, error) {
	return verifyResource(ctx, h.provider, targetID)
}

// Forget drops the execution's idempotency keys once it has finished.
func (h *ResizeHandler) Forget(executionID string) {
	h.guard.Forget(executionID)
}
