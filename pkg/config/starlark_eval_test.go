package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/costpilot/costpilot/pkg/engine"
)

const testHook = `
def _score(req):
    if req["environment"] == "production" and req["action"] == "terminate_resource":
        return "high"
    if req["labels"].get("tier") == "critical":
        return "high"
    return req["risk_level"]

risk_level = _score(request)
`

func TestRiskHookRaisesProductionTerminate(t *testing.T) {
	hook := NewRiskHookFromSource(testHook, 5*time.Second)

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionTerminateResource,
		TargetResourceID: "i-0abc",
		Environment:      "production",
		RiskLevel:        engine.RiskLow,
	}

	level, err := hook.AssessRisk(context.Background(), request)
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if level != engine.RiskHigh {
		t.Errorf("expected high, got %s", level)
	}
}

func TestRiskHookPassesThroughOtherwise(t *testing.T) {
	hook := NewRiskHookFromSource(testHook, 5*time.Second)

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionResizeWorkload,
		TargetResourceID: "i-0abc",
		Environment:      "staging",
		RiskLevel:        engine.RiskMedium,
		Parameters:       json.RawMessage(`{"replicas": 2}`),
	}

	level, err := hook.AssessRisk(context.Background(), request)
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if level != engine.RiskMedium {
		t.Errorf("expected medium, got %s", level)
	}
}

func TestRiskHookReadsLabels(t *testing.T) {
	hook := NewRiskHookFromSource(testHook, 5*time.Second)

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionAdjustRuntimeConfig,
		TargetResourceID: "i-0abc",
		Environment:      "staging",
		RiskLevel:        engine.RiskLow,
		Labels:           map[string]string{"tier": "critical"},
	}

	level, err := hook.AssessRisk(context.Background(), request)
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if level != engine.RiskHigh {
		t.Errorf("expected high, got %s", level)
	}
}

func TestRiskHookInvalidLevel(t *testing.T) {
	hook := NewRiskHookFromSource(`risk_level = "catastrophic"`, time.Second)

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionResizeWorkload,
		TargetResourceID: "i-0abc",
		RiskLevel:        engine.RiskLow,
	}

	if _, err := hook.AssessRisk(context.Background(), request); err == nil {
		t.Error("expected error for invalid risk level")
	}
}

func TestRiskHookMissingBinding(t *testing.T) {
	hook := NewRiskHookFromSource(`x = 1`, time.Second)

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionResizeWorkload,
		TargetResourceID: "i-0abc",
		RiskLevel:        engine.RiskLow,
	}

	if _, err := hook.AssessRisk(context.Background(), request); err == nil {
		t.Error("expected error when risk_level is not bound")
	}
}

func TestNewRiskHookFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hook.star")
	if err := os.WriteFile(path, []byte(testHook), 0o644); err != nil {
		t.Fatalf("failed to write hook: %v", err)
	}

	hook, err := NewRiskHook(path, time.Second)
	if err != nil {
		t.Fatalf("failed to load hook: %v", err)
	}

	request := &engine.ExecutionRequest{
		ActionType:       engine.ActionTerminateResource,
		TargetResourceID: "i-0abc",
		Environment:      "production",
		RiskLevel:        engine.RiskLow,
	}

	level, err := hook.AssessRisk(context.Background(), request)
	if err != nil {
		t.Fatalf("hook failed: %v", err)
	}
	if level != engine.RiskHigh {
		t.Errorf("expected high, got %s", level)
	}

	if _, err := NewRiskHook("/nonexistent/hook.star", time.Second); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestStarlarkEvaluatorTimeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	// A busy loop that cannot finish within the timeout.
	script := `
x = 0
for i in range(2000):
    for j in range(2000):
        x = x + i + j
`
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Error("expected timeout error")
	}
}

func TestStarlarkEvaluatorOutput(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)

	script := `
doubled = [x * 2 for x in values]
_internal = "hidden"
`
	result, err := evaluator.Evaluate(context.Background(), script, map[string]interface{}{
		"values": []interface{}{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("evaluation failed: %v", err)
	}

	doubled, ok := result.Output["doubled"].([]interface{})
	if !ok || len(doubled) != 3 {
		t.Fatalf("unexpected doubled output: %v", result.Output["doubled"])
	}
	if doubled[0] != int64(2) || doubled[2] != int64(6) {
		t.Errorf("unexpected values: %v", doubled)
	}
	if _, hidden := result.Output["_internal"]; hidden {
		t.Error("underscore globals should be omitted")
	}
}
