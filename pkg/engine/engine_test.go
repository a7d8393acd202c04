package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/costpilot/costpilot/pkg/telemetry"
)

// fakeStore is an in-memory StateStore for engine tests.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*ExecutionRecord
	plans    map[string]*RollbackPlan
	events   map[string][]*AuditEvent
	locks    map[string]string // targetID -> executionID
	executed map[string]bool
	saveErr  error // next SaveExecution fails with this, consumed once
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:  make(map[string]*ExecutionRecord),
		plans:    make(map[string]*RollbackPlan),
		events:   make(map[string][]*AuditEvent),
		locks:    make(map[string]string),
		executed: make(map[string]bool),
	}
}

func (s *fakeStore) SaveExecution(_ context.Context, record *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		err := s.saveErr
		s.saveErr = nil
		return err
	}
	clone := *record
	clone.StageHistory = append([]StageStatus(nil), record.StageHistory...)
	s.records[record.ID] = &clone
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, id string) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, NewPermanentError("execution not found", nil).WithCode(ErrCodeNotFound)
	}
	clone := *record
	return &clone, nil
}

func (s *fakeStore) ListExecutions(_ context.Context, _ *HistoryFilter) ([]*ExecutionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExecutionSummary
	for _, r := range s.records {
		out = append(out, &ExecutionSummary{ID: r.ID, Status: r.Status})
	}
	return out, nil
}

func (s *fakeStore) ListActiveExecutions(_ context.Context) ([]*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ExecutionRecord
	for _, r := range s.records {
		if r.Status.IsActive() {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) SaveRollbackPlan(_ context.Context, plan *RollbackPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *plan
	s.plans[plan.ExecutionID] = &clone
	return nil
}

func (s *fakeStore) GetRollbackPlan(_ context.Context, id string) (*RollbackPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, NewPermanentError("plan not found", nil).WithCode(ErrCodeNotFound)
	}
	return plan, nil
}

func (s *fakeStore) MarkRollbackExecuted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed[id] = true
	return nil
}

func (s *fakeStore) AppendEvent(_ context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *event
	clone.ID = int64(len(s.events[event.ExecutionID]) + 1)
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &clone)
	return nil
}

func (s *fakeStore) GetEvents(_ context.Context, id string) ([]*AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditEvent(nil), s.events[id]...), nil
}

func (s *fakeStore) AcquireLock(_ context.Context, targetID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, held := s.locks[targetID]; held && holder != executionID {
		return NewConflictError("target resource is locked", nil).WithCode(ErrCodeLockHeld)
	}
	s.locks[targetID] = executionID
	return nil
}

func (s *fakeStore) ReleaseLock(_ context.Context, targetID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[targetID] == executionID {
		delete(s.locks, targetID)
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) lockHeld(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.locks[targetID]
	return held
}

func (s *fakeStore) hasEvent(executionID string, eventType EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events[executionID] {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// stubValidator returns a scripted validation result.
type stubValidator struct {
	result *ValidationResult
	err    error
}

func (v *stubValidator) Validate(_ context.Context, _ *ExecutionRequest) (*ValidationResult, error) {
	if v.err != nil {
		return nil, v.err
	}
	if v.result != nil {
		return v.result, nil
	}
	return &ValidationResult{Valid: true, RiskLevel: RiskLow, ValidatedAt: time.Now()}, nil
}

// stubEngineHandler is a minimal ActionHandler that records Forget calls.
type stubEngineHandler struct {
	actionType ActionType
	mu         sync.Mutex
	forgotten  []string
}

func (h *stubEngineHandler) ActionType() ActionType { return h.actionType }

func (h *stubEngineHandler) Forget(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgotten = append(h.forgotten, executionID)
}

func (h *stubEngineHandler) forgottenFor(executionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, id := range h.forgotten {
		if id == executionID {
			n++
		}
	}
	return n
}

func (h *stubEngineHandler) Snapshot(_ context.Context, _ string) (json.RawMessage, error) {
	return json.RawMessage(`{"status":"running"}`), nil
}

func (h *stubEngineHandler) Apply(_ context.Context, _ *ApplyRequest) (*ApplyOutcome, error) {
	return &ApplyOutcome{Changed: true}, nil
}

func (h *stubEngineHandler) Rollback(_ context.Context, _ string, _ json.RawMessage) error {
	return nil
}

func (h *stubEngineHandler) Verify(_ context.Context, _ string) (bool, error) { return true, nil }

// stubRegistry resolves one shared handler per known action type.
type stubRegistry struct {
	mu       sync.Mutex
	handlers map[ActionType]*stubEngineHandler
}

func (r *stubRegistry) Get(actionType ActionType) (ActionHandler, error) {
	if err := actionType.Validate(); err != nil {
		return nil, NewPermanentError("no handler registered", err).WithCode(ErrCodeNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[ActionType]*stubEngineHandler)
	}
	handler, ok := r.handlers[actionType]
	if !ok {
		handler = &stubEngineHandler{actionType: actionType}
		r.handlers[actionType] = handler
	}
	return handler, nil
}

func (r *stubRegistry) forgottenFor(executionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, h := range r.handlers {
		n += h.forgottenFor(executionID)
	}
	return n
}

func (r *stubRegistry) List() []ActionType {
	return []ActionType{ActionTerminateResource, ActionResizeWorkload,
		ActionMigratePricingModel, ActionAdjustRuntimeConfig}
}

// stubRollout runs a scripted rollout function.
type stubRollout struct {
	store StateStore
	runFn func(ctx context.Context, record *ExecutionRecord, handler ActionHandler) error
}

func (r *stubRollout) Run(ctx context.Context, record *ExecutionRecord, handler ActionHandler) error {
	if r.runFn != nil {
		return r.runFn(ctx, record, handler)
	}
	// Default: all stages healthy.
	now := time.Now()
	for _, stage := range []int{10, 50, 100} {
		record.CurrentStage = stage
		record.StageHistory = append(record.StageHistory, StageStatus{
			Stage:       stage,
			StartedAt:   now,
			CompletedAt: &now,
			Outcome:     StageOutcomeHealthy,
			Attempts:    1,
		})
	}
	return r.store.SaveExecution(ctx, record)
}

// stubRollbackMgr persists plans and returns a scripted execute outcome.
type stubRollbackMgr struct {
	mu          sync.Mutex
	store       StateStore
	executeErr  error
	executeFail bool
	executions  int
}

func (m *stubRollbackMgr) CreatePlan(ctx context.Context, request *ExecutionRequest, snapshot json.RawMessage) (*RollbackPlan, error) {
	plan := &RollbackPlan{
		ExecutionID:       request.ID,
		PreChangeSnapshot: snapshot,
		Steps:             []RollbackStep{{Operation: "restore_snapshot"}, {Operation: "verify_state"}},
		CreatedAt:         time.Now(),
	}
	if err := m.store.SaveRollbackPlan(ctx, plan); err != nil {
		return nil, err
	}
	return plan, nil
}

func (m *stubRollbackMgr) Execute(_ context.Context, executionID string, _ ActionHandler) (*RollbackOutcome, error) {
	m.mu.Lock()
	m.executions++
	m.mu.Unlock()

	if m.executeFail {
		return &RollbackOutcome{
			ExecutionID: executionID,
			Succeeded:   false,
			Error:       "restore rejected by provider",
		}, m.executeErr
	}
	return &RollbackOutcome{
		ExecutionID:    executionID,
		Succeeded:      true,
		StepsCompleted: 2,
		Verified:       true,
	}, nil
}

func (m *stubRollbackMgr) executeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executions
}

// testEngineParts bundles the collaborators so tests can tweak them before start.
type testEngineParts struct {
	store     *fakeStore
	validator *stubValidator
	registry  *stubRegistry
	rollout   *stubRollout
	rollback  *stubRollbackMgr
	gate      ApprovalGate
	opts      Options
}

func newTestParts() *testEngineParts {
	store := newFakeStore()
	return &testEngineParts{
		store:     store,
		validator: &stubValidator{},
		registry:  &stubRegistry{},
		rollout:   &stubRollout{store: store},
		rollback:  &stubRollbackMgr{store: store},
		gate:      NewChannelApprovalGate(time.Minute),
		opts:      Options{Workers: 2, QueueSize: 8},
	}
}

func buildEngine(t *testing.T, parts *testEngineParts) *Engine {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "console", Output: "stderr"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	return New(parts.opts, parts.store, parts.validator, parts.registry,
		parts.rollout, parts.rollback, parts.gate, logger, metrics)
}

func startEngine(t *testing.T, parts *testEngineParts) *Engine {
	t.Helper()

	eng := buildEngine(t, parts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		cancel()
		t.Fatalf("failed to start engine: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		eng.Wait()
	})
	return eng
}

func testRequest(target string) *ExecutionRequest {
	return &ExecutionRequest{
		RecommendationID: "rec-1",
		ActionType:       ActionResizeWorkload,
		TargetResourceID: target,
		Parameters:       json.RawMessage(`{"replicas":4}`),
		RiskLevel:        RiskLow,
		SubmittedBy:      "tester",
	}
}

func waitForStatus(t *testing.T, store *fakeStore, id string, want ExecutionStatus) *ExecutionRecord {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := store.GetExecution(context.Background(), id)
		if err == nil && record.Status == want {
			return record
		}
		if err == nil && record.Status.IsTerminal() && record.Status != want {
			t.Fatalf("execution reached terminal %s, wanted %s (error: %+v)", record.Status, want, record.Error)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached %s", id, want)
	return nil
}

func TestSubmitRunsToCompletion(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusCompleted)
	if record.CompletedAt == nil {
		t.Error("completed record should carry a completion time")
	}
	if record.RollbackPlanID == "" {
		t.Error("rollback plan must be created before execution")
	}
	if len(record.StageHistory) != 3 {
		t.Errorf("expected 3 stages, got %d", len(record.StageHistory))
	}
	if record.ValidationResult == nil || !record.ValidationResult.Valid {
		t.Error("validation result should be persisted")
	}
	if parts.store.lockHeld("i-0abc") {
		t.Error("target lock should be released on completion")
	}

	for _, eventType := range []EventType{EventExecutionSubmitted, EventValidationCompleted, EventRollbackPlanCreated} {
		if !parts.store.hasEvent(id, eventType) {
			t.Errorf("missing audit event %s", eventType)
		}
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	_, err := eng.Submit(context.Background(), &ExecutionRequest{ActionType: ActionResizeWorkload})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation class, got %v", err)
	}
}

func TestValidationFailureRejects(t *testing.T) {
	parts := newTestParts()
	parts.validator.result = &ValidationResult{
		Valid: false,
		Errors: []ValidationIssue{
			{Check: "permission", Message: "policy denied", Severity: "error"},
		},
		RiskLevel: RiskLow,
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusRejected)
	if record.Error == nil || record.Error.Class != ErrorClassValidation {
		t.Errorf("expected validation failure summary, got %+v", record.Error)
	}
	if parts.store.lockHeld("i-0abc") {
		t.Error("target lock should be released on rejection")
	}
	if parts.rollback.executeCount() != 0 {
		t.Error("rejected execution must not roll back")
	}
}

func TestValidatorPipelineErrorFails(t *testing.T) {
	parts := newTestParts()
	parts.validator.err = errors.New("policy engine unreachable")
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusFailed)
	if record.Error == nil || record.Error.Code != ErrCodeValidation {
		t.Errorf("expected validation code on pipeline failure, got %+v", record.Error)
	}
}

func TestSubmitLockConflict(t *testing.T) {
	parts := newTestParts()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	parts.rollout.runFn = func(ctx context.Context, record *ExecutionRecord, _ ActionHandler) error {
		once.Do(func() { close(started) })
		<-release
		now := time.Now()
		record.CurrentStage = 100
		record.StageHistory = append(record.StageHistory, StageStatus{
			Stage: 100, StartedAt: now, CompletedAt: &now, Outcome: StageOutcomeHealthy, Attempts: 1,
		})
		return parts.store.SaveExecution(ctx, record)
	}
	eng := startEngine(t, parts)

	first, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	<-started

	_, err = eng.Submit(context.Background(), testRequest("i-0abc"))
	if err == nil {
		t.Fatal("second submit for the same target should conflict")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeLockHeld {
		t.Errorf("expected lock conflict, got %v", err)
	}

	close(release)
	waitForStatus(t, parts.store, first, StatusCompleted)

	// Once the first execution released the lock, the target is free again.
	second, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit after release failed: %v", err)
	}
	waitForStatus(t, parts.store, second, StatusCompleted)
}

func TestQueueFullRejectsFast(t *testing.T) {
	parts := newTestParts()
	parts.opts = Options{Workers: 1, QueueSize: 1}
	// Engine deliberately not started: nothing drains the queue.
	eng := buildEngine(t, parts)

	if _, err := eng.Submit(context.Background(), testRequest("i-0aaa")); err != nil {
		t.Fatalf("first submit should queue: %v", err)
	}

	_, err := eng.Submit(context.Background(), testRequest("i-0bbb"))
	if err == nil {
		t.Fatal("second submit should hit queue capacity")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != ErrCodeQueueFull {
		t.Errorf("expected queue_full, got %v", err)
	}
	if parts.store.lockHeld("i-0bbb") {
		t.Error("rejected submission should not keep the target lock")
	}
}

func TestApprovalFlow(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	request := testRequest("i-0abc")
	request.RequiresApproval = true
	id, err := eng.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitForStatus(t, parts.store, id, StatusAwaitingApproval)

	// Deliver the decision through the engine surface, as the API does.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := eng.Approve(context.Background(), id, ApprovalApproved, "alex"); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("approve never succeeded: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	record := waitForStatus(t, parts.store, id, StatusCompleted)
	if !parts.store.hasEvent(id, EventApprovalResolved) {
		t.Error("missing approval audit event")
	}

	// A second decision on a finished execution is a conflict.
	if err := eng.Approve(context.Background(), record.ID, ApprovalRejected, "alex"); err == nil {
		t.Error("approve on terminal execution should fail")
	}
}

func TestApprovalRejectionTerminates(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	request := testRequest("i-0abc")
	request.RequiresApproval = true
	id, err := eng.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitForStatus(t, parts.store, id, StatusAwaitingApproval)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := eng.Approve(context.Background(), id, ApprovalRejected, "alex"); err == nil {
			break
		} else if time.Now().After(deadline) {
			t.Fatalf("approve never succeeded: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	record := waitForStatus(t, parts.store, id, StatusRejected)
	if record.Error == nil || record.Error.Code != ErrCodeApprovalRejected {
		t.Errorf("expected approval_rejected summary, got %+v", record.Error)
	}
	if parts.rollback.executeCount() != 0 {
		t.Error("rejected execution must not roll back")
	}
}

func TestApprovalWindowExpiry(t *testing.T) {
	parts := newTestParts()
	parts.gate = NewChannelApprovalGate(20 * time.Millisecond)
	eng := startEngine(t, parts)

	request := testRequest("i-0abc")
	request.RequiresApproval = true
	id, err := eng.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusRejected)
	if record.Error == nil || record.Error.Code != ErrCodeApprovalRejected {
		t.Errorf("timed out approval should reject, got %+v", record.Error)
	}
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	parts := newTestParts()
	parts.gate = NewChannelApprovalGate(time.Hour)
	eng := startEngine(t, parts)

	request := testRequest("i-0abc")
	request.RequiresApproval = true
	id, err := eng.Submit(context.Background(), request)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusAwaitingApproval)

	accepted, err := eng.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !accepted {
		t.Fatal("cancel of awaiting execution should be accepted")
	}

	record := waitForStatus(t, parts.store, id, StatusRejected)
	if parts.store.lockHeld("i-0abc") {
		t.Error("cancelled execution should release the lock")
	}

	// Terminal records cannot be cancelled again.
	accepted, err = eng.Cancel(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("cancel lookup failed: %v", err)
	}
	if accepted {
		t.Error("cancel of terminal execution should not be accepted")
	}
}

func TestShutdownWhileAwaitingApprovalLeavesRecordSuspended(t *testing.T) {
	parts := newTestParts()
	parts.gate = NewChannelApprovalGate(time.Hour)
	eng := buildEngine(t, parts)

	ctx, cancel := context.WithCancel(context.Background())
	if err := eng.Start(ctx); err != nil {
		cancel()
		t.Fatalf("failed to start engine: %v", err)
	}

	request := testRequest("i-0abc")
	request.RequiresApproval = true
	id, err := eng.Submit(context.Background(), request)
	if err != nil {
		cancel()
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusAwaitingApproval)

	cancel()
	eng.Wait()

	record, err := parts.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if record.Status != StatusAwaitingApproval {
		t.Errorf("shutdown must not decide the approval, got status %s", record.Status)
	}
	if parts.store.hasEvent(id, EventApprovalResolved) {
		t.Error("no decision was made, no approval event should be recorded")
	}
	if !parts.store.lockHeld("i-0abc") {
		t.Error("suspended execution keeps its target lock for recovery")
	}
}

func TestCancelMidRolloutRollsBack(t *testing.T) {
	parts := newTestParts()
	started := make(chan struct{})
	var once sync.Once
	parts.rollout.runFn = func(ctx context.Context, record *ExecutionRecord, _ ActionHandler) error {
		// First stage applies, then cancellation is honored at the boundary.
		now := time.Now()
		record.CurrentStage = 10
		record.StageHistory = append(record.StageHistory, StageStatus{
			Stage: 10, StartedAt: now, CompletedAt: &now, Outcome: StageOutcomeHealthy, Attempts: 1,
		})
		if err := parts.store.SaveExecution(ctx, record); err != nil {
			return err
		}
		once.Do(func() { close(started) })
		for !CancelRequested(ctx) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return fmt.Errorf("stage 50 not started: %w", ErrExecutionCancelled)
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-started

	accepted, err := eng.Cancel(context.Background(), id)
	if err != nil || !accepted {
		t.Fatalf("cancel failed: accepted=%v err=%v", accepted, err)
	}

	record := waitForStatus(t, parts.store, id, StatusRolledBack)
	if parts.rollback.executeCount() != 1 {
		t.Errorf("expected one rollback execution, got %d", parts.rollback.executeCount())
	}
	if record.Error == nil || !record.Error.RollbackSucceeded {
		t.Errorf("expected successful rollback summary, got %+v", record.Error)
	}
}

func TestCancelBeforeAnyStageRejects(t *testing.T) {
	parts := newTestParts()
	parts.rollout.runFn = func(_ context.Context, _ *ExecutionRecord, _ ActionHandler) error {
		return fmt.Errorf("cancelled at first boundary: %w", ErrExecutionCancelled)
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitForStatus(t, parts.store, id, StatusRejected)
	if parts.rollback.executeCount() != 0 {
		t.Error("nothing applied, nothing to roll back")
	}
}

func TestHealthDegradedRollsBack(t *testing.T) {
	parts := newTestParts()
	parts.rollout.runFn = func(ctx context.Context, record *ExecutionRecord, _ ActionHandler) error {
		now := time.Now()
		record.CurrentStage = 10
		record.StageHistory = append(record.StageHistory, StageStatus{
			Stage: 10, StartedAt: now, CompletedAt: &now, Outcome: StageOutcomeDegraded, Attempts: 1,
		})
		if err := parts.store.SaveExecution(ctx, record); err != nil {
			return err
		}
		return NewHealthDegradedError("health 0.40 below threshold 0.90", nil).
			WithCode(ErrCodeHealthThreshold).
			WithStage(10)
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusRolledBack)
	if record.Error == nil {
		t.Fatal("rolled back record should keep the failure summary")
	}
	if record.Error.Class != ErrorClassHealthDegraded || record.Error.FailedStage != 10 {
		t.Errorf("unexpected failure summary: %+v", record.Error)
	}
	if !record.Error.RollbackAttempted || !record.Error.RollbackSucceeded {
		t.Errorf("rollback flags not set: %+v", record.Error)
	}
	if !parts.store.hasEvent(id, EventRollbackStarted) || !parts.store.hasEvent(id, EventRollbackCompleted) {
		t.Error("missing rollback audit events")
	}
	if parts.store.lockHeld("i-0abc") {
		t.Error("lock should be released after rollback")
	}
	if parts.registry.forgottenFor(id) == 0 {
		t.Error("rolled back execution should drop its idempotency keys")
	}
}

func TestRollbackFailureRequiresManualIntervention(t *testing.T) {
	parts := newTestParts()
	parts.rollback.executeFail = true
	parts.rollback.executeErr = NewRollbackFailedError("restore rejected by provider", nil).
		WithCode(ErrCodeRollbackFailed)
	parts.rollout.runFn = func(ctx context.Context, record *ExecutionRecord, _ ActionHandler) error {
		now := time.Now()
		record.CurrentStage = 50
		record.StageHistory = append(record.StageHistory, StageStatus{
			Stage: 50, StartedAt: now, CompletedAt: &now, Outcome: StageOutcomeFailed, Attempts: 3,
		})
		if err := parts.store.SaveExecution(ctx, record); err != nil {
			return err
		}
		return NewPermanentError("stage 50% apply failed after 3 attempts", nil).
			WithCode(ErrCodeHandlerFailed).
			WithStage(50)
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusFailed)
	if record.Error == nil || !record.Error.ManualInterventionRequired {
		t.Errorf("expected manual intervention flag, got %+v", record.Error)
	}
	if !record.Error.RollbackAttempted || record.Error.RollbackSucceeded {
		t.Errorf("rollback flags wrong: %+v", record.Error)
	}
	if !parts.store.hasEvent(id, EventManualInterventionRequired) {
		t.Error("missing manual intervention audit event")
	}
}

func TestFailureWithoutAppliedStagesSkipsRollback(t *testing.T) {
	parts := newTestParts()
	parts.rollout.runFn = func(_ context.Context, _ *ExecutionRecord, _ ActionHandler) error {
		return NewPermanentError("stage 10% apply failed after 1 attempt", nil).
			WithCode(ErrCodeHandlerFailed).
			WithStage(10)
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	record := waitForStatus(t, parts.store, id, StatusFailed)
	if record.Error == nil || record.Error.RollbackAttempted {
		t.Errorf("no stage applied, rollback must not be attempted: %+v", record.Error)
	}
	if parts.rollback.executeCount() != 0 {
		t.Error("rollback executed despite no applied stages")
	}
}

func TestManualRollbackOfCompletedExecution(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusCompleted)

	outcome, err := eng.Rollback(context.Background(), id)
	if err != nil {
		t.Fatalf("manual rollback failed: %v", err)
	}
	if !outcome.Succeeded || !outcome.Verified {
		t.Errorf("unexpected rollback outcome: %+v", outcome)
	}

	record := waitForStatus(t, parts.store, id, StatusRolledBack)
	if record.Error == nil || !record.Error.RollbackSucceeded {
		t.Errorf("unexpected record error: %+v", record.Error)
	}
	if parts.store.lockHeld("i-0abc") {
		t.Error("manual rollback should release the lock when done")
	}
}

func TestManualRollbackRejectedForUnappliedExecution(t *testing.T) {
	parts := newTestParts()
	parts.validator.result = &ValidationResult{
		Valid:  false,
		Errors: []ValidationIssue{{Check: "permission", Message: "denied", Severity: "error"}},
	}
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusRejected)

	if _, err := eng.Rollback(context.Background(), id); err == nil {
		t.Error("rollback of a rejected execution should fail")
	}
}

func TestManualRollbackOutsideRetentionWindow(t *testing.T) {
	parts := newTestParts()
	parts.opts.RollbackRetention = time.Hour
	eng := startEngine(t, parts)

	// A record that completed well before the retention window.
	request := testRequest("i-0old")
	request.ID = "exec-old"
	completed := time.Now().Add(-2 * time.Hour)
	if err := parts.store.SaveExecution(context.Background(), &ExecutionRecord{
		ID:             request.ID,
		Request:        *request,
		Status:         StatusCompleted,
		RollbackPlanID: request.ID,
		StageHistory: []StageStatus{{
			Stage:       100,
			StartedAt:   completed.Add(-time.Minute),
			CompletedAt: &completed,
			Outcome:     StageOutcomeHealthy,
			Attempts:    1,
		}},
		CreatedAt:   completed.Add(-time.Hour),
		UpdatedAt:   completed,
		CompletedAt: &completed,
	}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}

	_, err := eng.Rollback(context.Background(), "exec-old")
	if err == nil {
		t.Fatal("rollback outside the retention window should be refused")
	}
	if !IsConflict(err) {
		t.Errorf("expected conflict classification, got %v", err)
	}
	if parts.rollback.executeCount() != 0 {
		t.Error("no rollback must run for an expired record")
	}

	// A record completed within the window still rolls back.
	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusCompleted)
	if _, err := eng.Rollback(context.Background(), id); err != nil {
		t.Fatalf("rollback within the retention window failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusRolledBack)
}

func TestCompletedExecutionDropsIdempotencyKeys(t *testing.T) {
	parts := newTestParts()
	eng := startEngine(t, parts)

	id, err := eng.Submit(context.Background(), testRequest("i-0abc"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForStatus(t, parts.store, id, StatusCompleted)

	if got := parts.registry.forgottenFor(id); got != 1 {
		t.Errorf("completed execution should drop its idempotency keys once, got %d", got)
	}
}

func TestFailedTransitionRestoresCompletionTime(t *testing.T) {
	parts := newTestParts()
	eng := buildEngine(t, parts)

	completed := time.Now().Add(-time.Minute)
	record := &ExecutionRecord{
		ID:          "exec-1",
		Request:     *testRequest("i-0abc"),
		Status:      StatusCompleted,
		UpdatedAt:   completed,
		CompletedAt: &completed,
	}

	parts.store.saveErr = errors.New("disk full")
	if err := eng.transition(context.Background(), record, StatusRollingBack, "manual rollback requested", "operator"); err == nil {
		t.Fatal("expected persist failure")
	}

	if record.Status != StatusCompleted {
		t.Errorf("status not restored, got %s", record.Status)
	}
	if record.CompletedAt == nil || !record.CompletedAt.Equal(completed) {
		t.Errorf("completion time not restored, got %v", record.CompletedAt)
	}
	if !record.UpdatedAt.Equal(completed) {
		t.Errorf("update time not restored, got %v", record.UpdatedAt)
	}
}

func TestRecoveryResumesActiveExecutions(t *testing.T) {
	parts := newTestParts()

	// A record left approved by a previous process, lock still persisted.
	request := testRequest("i-0abc")
	request.ID = "exec-recovered"
	now := time.Now()
	if err := parts.store.SaveExecution(context.Background(), &ExecutionRecord{
		ID:        request.ID,
		Request:   *request,
		Status:    StatusApproved,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("failed to seed record: %v", err)
	}
	if err := parts.store.AcquireLock(context.Background(), "i-0abc", request.ID); err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}

	startEngine(t, parts)

	record := waitForStatus(t, parts.store, "exec-recovered", StatusCompleted)
	if len(record.StageHistory) == 0 {
		t.Error("recovered execution should have run its rollout")
	}
	if parts.store.lockHeld("i-0abc") {
		t.Error("lock should be released after recovered execution completes")
	}
}
