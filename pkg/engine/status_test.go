package engine

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    ExecutionStatus
		to      ExecutionStatus
		allowed bool
	}{
		{StatusPending, StatusValidating, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusExecuting, false},
		{StatusValidating, StatusApproved, true},
		{StatusValidating, StatusAwaitingApproval, true},
		{StatusValidating, StatusRejected, true},
		{StatusValidating, StatusCompleted, false},
		{StatusAwaitingApproval, StatusApproved, true},
		{StatusAwaitingApproval, StatusRejected, true},
		{StatusAwaitingApproval, StatusExecuting, false},
		{StatusApproved, StatusExecuting, true},
		{StatusApproved, StatusRejected, true},
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusRollingBack, true},
		{StatusExecuting, StatusFailed, true},
		// Cancellation before any stage applied rejects from executing.
		{StatusExecuting, StatusRejected, true},
		{StatusRollingBack, StatusRolledBack, true},
		{StatusRollingBack, StatusFailed, true},
		{StatusRollingBack, StatusCompleted, false},
		// Manual rollback re-enters from terminal completed/failed.
		{StatusCompleted, StatusRollingBack, true},
		{StatusFailed, StatusRollingBack, true},
		{StatusRejected, StatusRollingBack, false},
		{StatusRolledBack, StatusRollingBack, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusRejected, StatusFailed, StatusRolledBack}
	active := []ExecutionStatus{StatusPending, StatusValidating, StatusAwaitingApproval,
		StatusApproved, StatusExecuting, StatusRollingBack}

	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStatusValidate(t *testing.T) {
	if err := StatusExecuting.Validate(); err != nil {
		t.Errorf("executing should be valid: %v", err)
	}
	if err := ExecutionStatus("bogus").Validate(); err == nil {
		t.Error("bogus status should be invalid")
	}
}

func TestActionTypeValidate(t *testing.T) {
	for _, a := range []ActionType{ActionTerminateResource, ActionResizeWorkload,
		ActionMigratePricingModel, ActionAdjustRuntimeConfig} {
		if err := a.Validate(); err != nil {
			t.Errorf("%s should be valid: %v", a, err)
		}
	}
	if err := ActionType("delete_everything").Validate(); err == nil {
		t.Error("unknown action type should be invalid")
	}
}

func TestActionTypeIsDestructive(t *testing.T) {
	if !ActionTerminateResource.IsDestructive() {
		t.Error("terminate should be destructive")
	}
	for _, a := range []ActionType{ActionResizeWorkload, ActionMigratePricingModel, ActionAdjustRuntimeConfig} {
		if a.IsDestructive() {
			t.Errorf("%s should not be destructive", a)
		}
	}
}

func TestRiskLevelAtLeast(t *testing.T) {
	tests := []struct {
		level, other RiskLevel
		want         bool
	}{
		{RiskLow, RiskLow, true},
		{RiskLow, RiskMedium, false},
		{RiskMedium, RiskLow, true},
		{RiskMedium, RiskHigh, false},
		{RiskHigh, RiskMedium, true},
		{RiskHigh, RiskHigh, true},
	}
	for _, tt := range tests {
		if got := tt.level.AtLeast(tt.other); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.level, tt.other, got, tt.want)
		}
	}
}

func TestEventTypeSeverity(t *testing.T) {
	if got := EventManualInterventionRequired.Severity(); got != "critical" {
		t.Errorf("manual intervention severity = %s, want critical", got)
	}
	if got := EventError.Severity(); got != "error" {
		t.Errorf("error severity = %s, want error", got)
	}
	if got := EventStageStarted.Severity(); got != "info" {
		t.Errorf("stage started severity = %s, want info", got)
	}
}

func TestRequestValidate(t *testing.T) {
	valid := ExecutionRequest{
		RecommendationID: "rec-1",
		ActionType:       ActionResizeWorkload,
		TargetResourceID: "i-0abc",
		RiskLevel:        RiskLow,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ExecutionRequest)
	}{
		{"missing recommendation", func(r *ExecutionRequest) { r.RecommendationID = "" }},
		{"missing target", func(r *ExecutionRequest) { r.TargetResourceID = "" }},
		{"bad action type", func(r *ExecutionRequest) { r.ActionType = "explode" }},
		{"bad risk level", func(r *ExecutionRequest) { r.RiskLevel = "extreme" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if err := req.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestHasAppliedStages(t *testing.T) {
	record := &ExecutionRecord{}
	if record.HasAppliedStages() {
		t.Error("empty history should report no applied stages")
	}

	record.StageHistory = []StageStatus{{Stage: 10, Outcome: StageOutcomeCancelled}}
	if record.HasAppliedStages() {
		t.Error("cancelled boundary stage is not an applied stage")
	}

	record.StageHistory = append(record.StageHistory, StageStatus{Stage: 10, Outcome: StageOutcomeHealthy})
	if !record.HasAppliedStages() {
		t.Error("healthy stage should count as applied")
	}
}
