package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// pricingParams are the parameters of a migrate_pricing_model action.
type pricingParams struct {
	PricingModel         string `json:"pricing_model"`
	CommitmentTermMonths int    `json:"commitment_term_months"`
}

// PricingHandler moves resources to a cheaper pricing model.
type PricingHandler struct {
	provider engine.CloudProvider
	guard    *Guard
	logger   zerolog.Logger
}

var _ engine.ActionHandler = (*PricingHandler)(nil)
var _ engine.AppliedStateForgetter = (*PricingHandler)(nil)

// NewPricingHandler creates a migrate_pricing_model handler.
func NewPricingHandler(provider engine.CloudProvider, guard *Guard, logger zerolog.Logger) *PricingHandler {
	return &PricingHandler{
		provider: provider,
		guard:    guard,
		logger:   logger.With().Str("handler", string(engine.ActionMigratePricingModel)).Logger(),
	}
}

// ActionType returns the action type this handler serves.
func (h *PricingHandler) ActionType() engine.ActionType {
	return engine.ActionMigratePricingModel
}

// Snapshot captures the target's pre-change state.
func (h *PricingHandler) Snapshot(ctx context.Context, targetID string) (json.RawMessage, error) {
	return snapshotResource(ctx, h.provider, targetID)
}

// Apply migrates the stage's percentage of the resource to the new model.
func (h *PricingHandler) Apply(ctx context.Context, req *engine.ApplyRequest) (*engine.ApplyOutcome, error) {
	if h.guard.Applied(req.ExecutionID, req.Stage) {
		return &engine.ApplyOutcome{Detail: "already applied"}, nil
	}

	var params pricingParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return nil, engine.NewPermanentError("invalid pricing parameters", err).
			WithCode(engine.ErrCodeHandlerFailed).
			WithTarget(req.TargetResourceID)
	}

	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "set_pricing_model", func() error {
		return h.provider.SetPricingModel(ctx, req.TargetResourceID, params.PricingModel, req.Stage)
	})
	if err != nil {
		return nil, classifyProviderError(err, req.TargetResourceID, "set_pricing_model")
	}

	h.guard.MarkApplied(req.ExecutionID, req.Stage)
	h.logger.Info().
		Str("execution_id", req.ExecutionID).
		Str("target_id", req.TargetResourceID).
		Int("stage", req.Stage).
		Str("pricing_model", params.PricingModel).
		Msg("Migrated pricing model")

	return &engine.ApplyOutcome{
		Changed: true,
		Detail:  fmt.Sprintf("migrated %d%% of %s to %s", req.Stage, req.TargetResourceID, params.PricingModel),
	}, nil
}

// Rollback restores the target from its pre-change snapshot.
func (h *PricingHandler) Rollback(ctx context.Context, targetID string, snapshot json.RawMessage) error {
	err := telemetry.RecordProviderOperation(ctx, string(h.ActionType()), "restore", func() error {
		return h.provider.RestoreResource(ctx, targetID, snapshot)
	})
	if err != nil {
		return classifyProviderError(err, targetID, "restore")
	}
	return nil
}

// Verify checks that the target is in a consistent state.
func (h *PricingHandler) Verify(ctx context.Context, targetID string) (bool, error) {
	return verifyResource(ctx, h.provider, targetID)
}

// Forget drops the execution's idempotency keys once it has finished.
func (h *PricingHandler) Forget(executionID string) {
	h.guard.Forget(executionID)
}
