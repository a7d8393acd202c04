package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/costpilot/costpilot/pkg/engine"
)

func newTestProvider() *SimulatedProvider {
	p := NewSimulatedProvider()
	p.AddResource(SimResource{
		ID:           "i-0abc",
		InstanceType: "m5.2xlarge",
		Replicas:     8,
		PricingModel: "on_demand",
		Settings:     map[string]string{"max_heap": "4g"},
	})
	return p
}

func TestRegistryResolvesHandlers(t *testing.T) {
	registry := NewDefaultRegistry(newTestProvider(), zerolog.Nop())

	for _, actionType := range []engine.ActionType{
		engine.ActionTerminateResource,
		engine.ActionResizeWorkload,
		engine.ActionMigratePricingModel,
		engine.ActionAdjustRuntimeConfig,
	} {
		handler, err := registry.Get(actionType)
		if err != nil {
			t.Fatalf("failed to resolve %s: %v", actionType, err)
		}
		if handler.ActionType() != actionType {
			t.Errorf("handler for %s reports %s", actionType, handler.ActionType())
		}
	}

	if got := len(registry.List()); got != 4 {
		t.Errorf("expected 4 registered handlers, got %d", got)
	}
}

func TestRegistryUnknownActionType(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get(engine.ActionTerminateResource)
	if err == nil {
		t.Fatal("expected error for unregistered action type")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}

func TestGuardIdempotency(t *testing.T) {
	guard := NewGuard()

	if guard.Applied("exec-1", 10) {
		t.Fatal("fresh key should not be applied")
	}

	guard.MarkApplied("exec-1", 10)
	if !guard.Applied("exec-1", 10) {
		t.Error("key should be applied after marking")
	}
	if guard.Applied("exec-1", 50) {
		t.Error("other stage should not be applied")
	}
	if guard.Applied("exec-2", 10) {
		t.Error("other execution should not be applied")
	}

	guard.Forget("exec-1")
	if guard.Applied("exec-1", 10) {
		t.Error("forgotten execution should not be applied")
	}
}

func TestHandlerForgetDropsGuardKeys(t *testing.T) {
	guard := NewGuard()
	handler := NewResizeHandler(newTestProvider(), guard, zerolog.Nop())

	guard.MarkApplied("exec-1", 10)
	guard.MarkApplied("exec-2", 10)

	var forgetter engine.AppliedStateForgetter = handler
	forgetter.Forget("exec-1")

	if guard.Applied("exec-1", 10) {
		t.Error("forget should drop the execution's keys")
	}
	if !guard.Applied("exec-2", 10) {
		t.Error("other executions must keep their keys")
	}
}

func TestTerminateHandlerStagedApply(t *testing.T) {
	provider := newTestProvider()
	handler := NewTerminateHandler(provider, NewGuard(), zerolog.Nop())
	ctx := context.Background()

	snapshot, err := handler.Snapshot(ctx, "i-0abc")
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	for _, stage := range []int{10, 50, 100} {
		outcome, err := handler.Apply(ctx, &engine.ApplyRequest{
			ExecutionID:      "exec-1",
			TargetResourceID: "i-0abc",
			Stage:            stage,
		})
		if err != nil {
			t.Fatalf("apply at stage %d failed: %v", stage, err)
		}
		if !outcome.Changed {
			t.Errorf("apply at stage %d reported no change", stage)
		}
	}

	resource, _ := provider.Resource("i-0abc")
	if resource.Status != "terminated" {
		t.Errorf("expected terminated after 100%%, got %s", resource.Status)
	}

	// Rollback restores the original state.
	if err := handler.Rollback(ctx, "i-0abc", snapshot); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	resource, _ = provider.Resource("i-0abc")
	if resource.Status != "running" {
		t.Errorf("expected running after rollback, got %s", resource.Status)
	}
	if resource.TerminatedPercent != 0 {
		t.Errorf("expected terminated_percent reset, got %d", resource.TerminatedPercent)
	}

	ok, err := handler.Verify(ctx, "i-0abc")
	if err != nil || !ok {
		t.Errorf("expected verify to pass, got ok=%v err=%v", ok, err)
	}
}

func TestApplyIsIdempotentPerStage(t *testing.T) {
	provider := newTestProvider()
	handler := NewResizeHandler(provider, NewGuard(), zerolog.Nop())
	ctx := context.Background()

	req := &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"replicas": 4}`),
		Stage:            10,
	}

	first, err := handler.Apply(ctx, req)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if !first.Changed {
		t.Error("first apply should change state")
	}

	second, err := handler.Apply(ctx, req)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if second.Changed {
		t.Error("duplicate apply should not change state")
	}
}

func TestResizeHandlerAppliesParameters(t *testing.T) {
	provider := newTestProvider()
	handler := NewResizeHandler(provider, NewGuard(), zerolog.Nop())

	_, err := handler.Apply(context.Background(), &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"instance_type": "m5.large", "replicas": 3}`),
		Stage:            100,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	resource, _ := provider.Resource("i-0abc")
	if resource.InstanceType != "m5.large" {
		t.Errorf("expected m5.large, got %s", resource.InstanceType)
	}
	if resource.Replicas != 3 {
		t.Errorf("expected 3 replicas, got %d", resource.Replicas)
	}
}

func TestResizeHandlerKeepsUnsetFields(t *testing.T) {
	provider := newTestProvider()
	handler := NewResizeHandler(provider, NewGuard(), zerolog.Nop())

	_, err := handler.Apply(context.Background(), &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"instance_type": "m5.xlarge"}`),
		Stage:            100,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	resource, _ := provider.Resource("i-0abc")
	if resource.Replicas != 8 {
		t.Errorf("replica count should be unchanged, got %d", resource.Replicas)
	}
}

func TestPricingHandlerMigratesModel(t *testing.T) {
	provider := newTestProvider()
	handler := NewPricingHandler(provider, NewGuard(), zerolog.Nop())

	_, err := handler.Apply(context.Background(), &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"pricing_model": "spot"}`),
		Stage:            100,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	resource, _ := provider.Resource("i-0abc")
	if resource.PricingModel != "spot" {
		t.Errorf("expected spot, got %s", resource.PricingModel)
	}
}

func TestRuntimeConfigHandlerMergesSettings(t *testing.T) {
	provider := newTestProvider()
	handler := NewRuntimeConfigHandler(provider, NewGuard(), zerolog.Nop())

	_, err := handler.Apply(context.Background(), &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"settings": {"max_heap": "2g", "gc": "g1"}}`),
		Stage:            100,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	resource, _ := provider.Resource("i-0abc")
	if resource.Settings["max_heap"] != "2g" || resource.Settings["gc"] != "g1" {
		t.Errorf("unexpected settings: %v", resource.Settings)
	}
}

func TestApplyUnknownTargetIsPermanent(t *testing.T) {
	handler := NewTerminateHandler(NewSimulatedProvider(), NewGuard(), zerolog.Nop())

	_, err := handler.Apply(context.Background(), &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-missing",
		Stage:            10,
	})
	if err == nil {
		t.Fatal("expected error for missing resource")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}

func TestInjectedFaultIsTransient(t *testing.T) {
	provider := newTestProvider()
	provider.InjectFault("ResizeWorkload", 1)
	handler := NewResizeHandler(provider, NewGuard(), zerolog.Nop())

	req := &engine.ApplyRequest{
		ExecutionID:      "exec-1",
		TargetResourceID: "i-0abc",
		Parameters:       json.RawMessage(`{"replicas": 4}`),
		Stage:            10,
	}

	_, err := handler.Apply(context.Background(), req)
	if err == nil {
		t.Fatal("expected injected fault to surface")
	}
	if !engine.IsTransient(err) {
		t.Errorf("expected a transient error, got %v", err)
	}

	// The fault is consumed; the retry succeeds.
	outcome, err := handler.Apply(context.Background(), req)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !outcome.Changed {
		t.Error("retry should change state")
	}
}

func TestProviderDependenciesAndHealth(t *testing.T) {
	provider := newTestProvider()
	provider.SetDependencies("i-0abc", []string{"lb-1"})
	ctx := context.Background()

	blocking, err := provider.BlockingDependencies(ctx, "i-0abc", engine.ActionTerminateResource)
	if err != nil {
		t.Fatalf("dependency check failed: %v", err)
	}
	if len(blocking) != 1 || blocking[0] != "lb-1" {
		t.Errorf("expected [lb-1], got %v", blocking)
	}

	// Non-disruptive actions are not blocked.
	blocking, err = provider.BlockingDependencies(ctx, "i-0abc", engine.ActionAdjustRuntimeConfig)
	if err != nil {
		t.Fatalf("dependency check failed: %v", err)
	}
	if len(blocking) != 0 {
		t.Errorf("expected no blockers for runtime config, got %v", blocking)
	}

	score, err := provider.Sample(ctx, "i-0abc")
	if err != nil || score != 1.0 {
		t.Errorf("expected default health 1.0, got %v err=%v", score, err)
	}

	provider.SetHealth("i-0abc", 0.42)
	score, _ = provider.Sample(ctx, "i-0abc")
	if score != 0.42 {
		t.Errorf("expected pinned health 0.42, got %v", score)
	}
}

func TestTerminatedResourceRejectsMutation(t *testing.T) {
	provider := newTestProvider()
	ctx := context.Background()

	if err := provider.TerminateResource(ctx, "i-0abc", 100); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	err := provider.ResizeWorkload(ctx, "i-0abc", "m5.large", -1, 100)
	if err == nil {
		t.Fatal("expected mutation of a terminated resource to fail")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}
