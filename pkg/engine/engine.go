package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/costpilot/costpilot/pkg/telemetry"
)

// ErrExecutionCancelled is returned by the rollout when a cooperative
// cancellation request stops the execution between stages.
var ErrExecutionCancelled = errors.New("execution cancelled")

// cancelCheckKey carries the cooperative cancel check through the context.
type cancelCheckKey struct{}

// WithCancelCheck attaches a cancel check to the context. The rollout
// controller consults it between stages and before each apply.
func WithCancelCheck(ctx context.Context, check func() bool) context.Context {
	return context.WithValue(ctx, cancelCheckKey{}, check)
}

// CancelRequested reports whether a cooperative cancellation has been
// requested for the execution driving this context.
func CancelRequested(ctx context.Context) bool {
	if check, ok := ctx.Value(cancelCheckKey{}).(func() bool); ok {
		return check()
	}
	return false
}

// Options configures the execution engine.
type Options struct {
	// Workers is the number of concurrent execution workers.
	Workers int

	// QueueSize is the capacity of the accepted-execution queue. Submission
	// beyond capacity fails fast with a conflict error.
	QueueSize int

	// RollbackRetention bounds how long after completion a completed
	// execution can still be manually rolled back. Zero means no limit.
	RollbackRetention time.Duration
}

// Engine drives accepted execution requests through the state machine:
// validation, optional approval, staged rollout, and rollback on failure.
// One worker owns a record end-to-end; cross-record ordering exists only
// through per-target locks.
type Engine struct {
	opts      Options
	store     StateStore
	validator Validator
	registry  HandlerRegistry
	rollout   RolloutController
	rollback  RollbackManager
	gate      ApprovalGate
	locks     *TargetLocks
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher

	queue chan *ExecutionRecord

	mu        sync.Mutex
	cancelled map[string]bool               // cooperative cancel flags
	preExec   map[string]context.CancelFunc // cancels pre-execution waits

	wg      sync.WaitGroup
	started bool
}

// New creates an execution engine. All collaborators are required except
// metrics, which may be a disabled no-op instance.
func New(
	opts Options,
	store StateStore,
	validator Validator,
	registry HandlerRegistry,
	rollout RolloutController,
	rollback RollbackManager,
	gate ApprovalGate,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	return &Engine{
		opts:      opts,
		store:     store,
		validator: validator,
		registry:  registry,
		rollout:   rollout,
		rollback:  rollback,
		gate:      gate,
		locks:     NewTargetLocks(),
		logger:    logger.NewComponentLogger("engine"),
		metrics:   metrics,
		queue:     make(chan *ExecutionRecord, opts.QueueSize),
		cancelled: make(map[string]bool),
		preExec:   make(map[string]context.CancelFunc),
	}
}

// SetEventPublisher attaches an optional telemetry event publisher.
// Published events are best-effort observability signals; the durable audit
// trail is the store. Must be called before Start.
func (e *Engine) SetEventPublisher(events *telemetry.EventPublisher) {
	e.events = events
}

// Start recovers persisted in-flight executions and launches the worker
// pool. It returns once recovery is enqueued; workers run until ctx is
// cancelled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	e.logger.WithField("workers", e.opts.Workers).Info("execution engine started")
	return nil
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// recover reloads active records from the store and resumes them from the
// last persisted transition. Suspension is a state, not an in-process
// coroutine: an execution awaiting approval re-enters the gate wait.
func (e *Engine) recover(ctx context.Context) error {
	records, err := e.store.ListActiveExecutions(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		e.locks.Restore(rec.Request.TargetResourceID, rec.ID)

		select {
		case e.queue <- rec:
			e.logger.WithExecutionID(rec.ID).
				WithField("status", string(rec.Status)).
				Info("resuming execution after restart")
		default:
			// Queue smaller than the in-flight backlog. Leave the record
			// persisted; it stays locked and visible via GetStatus.
			e.logger.WithExecutionID(rec.ID).
				Warn("recovery queue full, execution left suspended")
		}
	}

	return nil
}

// Submit accepts an execution request. It acquires the target lock, persists
// the pending record with its audit event, and enqueues it for a worker.
// A held target lock or a saturated queue fails fast with a conflict error.
func (e *Engine) Submit(ctx context.Context, request *ExecutionRequest) (string, error) {
	if request == nil {
		return "", NewValidationError("request is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := request.Validate(); err != nil {
		return "", NewValidationError("invalid execution request", err).
			WithCode(ErrCodeValidation).
			WithTarget(request.TargetResourceID)
	}

	if request.ID == "" {
		request.ID = uuid.New().String()
	}

	if err := e.locks.TryAcquire(request.TargetResourceID, request.ID); err != nil {
		e.metrics.RecordError(string(ErrorClassConflict), ErrCodeLockHeld)
		return "", err
	}

	if err := e.store.AcquireLock(ctx, request.TargetResourceID, request.ID); err != nil {
		e.locks.Release(request.ID)
		return "", err
	}

	now := time.Now()
	record := &ExecutionRecord{
		ID:        request.ID,
		Request:   *request,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.SaveExecution(ctx, record); err != nil {
		e.releaseLocks(ctx, record)
		return "", fmt.Errorf("failed to persist execution: %w", err)
	}
	if err := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventExecutionSubmitted,
		ToStatus:    StatusPending,
		Message:     fmt.Sprintf("execution submitted: %s on %s", request.ActionType, request.TargetResourceID),
		Actor:       request.SubmittedBy,
		Timestamp:   now,
	}); err != nil {
		e.releaseLocks(ctx, record)
		return "", fmt.Errorf("failed to append audit event: %w", err)
	}

	select {
	case e.queue <- record:
	default:
		// Backpressure: reject immediately rather than queue unbounded.
		rejectErr := NewConflictError("execution queue is full", nil).
			WithCode(ErrCodeQueueFull).
			WithTarget(request.TargetResourceID)
		record.Error = &ExecutionError{
			Class:   ErrorClassConflict,
			Code:    ErrCodeQueueFull,
			Message: "execution queue is full",
		}
		if err := e.transition(ctx, record, StatusRejected, "rejected: execution queue is full", "engine"); err != nil {
			e.logger.WithExecutionID(record.ID).WithError(err).Error("failed to reject queued execution")
			e.releaseLocks(ctx, record)
		}
		e.metrics.RecordError(string(ErrorClassConflict), ErrCodeQueueFull)
		return "", rejectErr
	}

	e.metrics.RecordExecutionSubmitted(string(request.ActionType), string(request.RiskLevel))
	e.metrics.SetQueueDepth(float64(len(e.queue)))
	if e.events != nil {
		_ = e.events.PublishExecutionSubmitted(record.ID, request.TargetResourceID, string(request.ActionType))
	}

	e.logger.WithExecutionID(record.ID).
		WithTargetID(request.TargetResourceID).
		WithField("action_type", string(request.ActionType)).
		Info("execution accepted")

	return record.ID, nil
}

// GetStatus returns a snapshot of the execution record.
func (e *Engine) GetStatus(ctx context.Context, executionID string) (*ExecutionRecord, error) {
	return e.store.GetExecution(ctx, executionID)
}

// History returns execution summaries matching the filter, newest first.
func (e *Engine) History(ctx context.Context, filter *HistoryFilter) ([]*ExecutionSummary, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns the audit trail for an execution in append order.
func (e *Engine) Events(ctx context.Context, executionID string) ([]*AuditEvent, error) {
	return e.store.GetEvents(ctx, executionID)
}

// Approve delivers an approval decision for an execution suspended on the
// approval gate.
func (e *Engine) Approve(ctx context.Context, executionID string, decision ApprovalDecision, actor string) error {
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if record.Status != StatusAwaitingApproval {
		return NewConflictError("execution is not awaiting approval", nil).
			WithCode(ErrCodeInvalidTransition).
			WithDetail("status", string(record.Status))
	}
	return e.gate.Resolve(executionID, decision, actor)
}

// Cancel requests cancellation of an execution. Pre-execution states cancel
// immediately; an executing record stops cooperatively at the next stage
// boundary and rolls back if any stage already applied. Returns true if the
// request was accepted.
func (e *Engine) Cancel(ctx context.Context, executionID string) (bool, error) {
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}

	switch record.Status {
	case StatusPending, StatusValidating, StatusAwaitingApproval, StatusApproved, StatusExecuting:
		e.mu.Lock()
		e.cancelled[executionID] = true
		cancel := e.preExec[executionID]
		e.mu.Unlock()
		if cancel != nil {
			// Unblocks a worker waiting in validation or on the approval gate.
			cancel()
		}
		e.logger.WithExecutionID(executionID).
			WithField("status", string(record.Status)).
			Info("cancellation requested")
		return true, nil
	default:
		return false, nil
	}
}

// Rollback manually triggers a rollback. Terminal completed or failed
// records roll back synchronously; an executing record is cancelled
// cooperatively and rolls back under its own worker, with the result
// visible via GetStatus. A completed record older than the rollback
// retention window is refused.
func (e *Engine) Rollback(ctx context.Context, executionID string) (*RollbackOutcome, error) {
	record, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch record.Status {
	case StatusExecuting:
		if _, err := e.Cancel(ctx, executionID); err != nil {
			return nil, err
		}
		return &RollbackOutcome{
			ExecutionID: executionID,
			Succeeded:   false,
			Error:       "rollback scheduled: execution is active and will stop at the next stage boundary",
		}, nil

	case StatusCompleted, StatusFailed:
		if record.Status == StatusCompleted && e.opts.RollbackRetention > 0 &&
			record.CompletedAt != nil && time.Since(*record.CompletedAt) > e.opts.RollbackRetention {
			return nil, NewConflictError("completed execution is outside the rollback retention window", nil).
				WithCode(ErrCodeInvalidTransition).
				WithDetail("completed_at", record.CompletedAt.Format(time.RFC3339)).
				WithDetail("retention", e.opts.RollbackRetention.String())
		}
		if !record.HasAppliedStages() {
			return nil, NewValidationError("execution applied no changes, nothing to roll back", nil).
				WithCode(ErrCodeValidation)
		}
		if record.RollbackPlanID == "" {
			return nil, NewRollbackFailedError("execution has no rollback plan", nil).
				WithCode(ErrCodeRollbackFailed)
		}

		// Terminal records released their lock; hold it again for the
		// duration of the rollback.
		if err := e.locks.TryAcquire(record.Request.TargetResourceID, record.ID); err != nil {
			return nil, err
		}
		if err := e.store.AcquireLock(ctx, record.Request.TargetResourceID, record.ID); err != nil {
			e.locks.Release(record.ID)
			return nil, err
		}

		handler, err := e.registry.Get(record.Request.ActionType)
		if err != nil {
			e.releaseLocks(ctx, record)
			return nil, err
		}

		if err := e.transition(ctx, record, StatusRollingBack, "manual rollback requested", "operator"); err != nil {
			e.releaseLocks(ctx, record)
			return nil, err
		}
		outcome := e.executeRollback(ctx, record, handler, nil)
		return outcome, nil

	default:
		return nil, NewConflictError("execution cannot be rolled back in its current state", nil).
			WithCode(ErrCodeInvalidTransition).
			WithDetail("status", string(record.Status))
	}
}

// worker pulls records from the queue and drives each one end-to-end.
func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case record := <-e.queue:
			e.metrics.SetQueueDepth(float64(len(e.queue)))
			e.process(ctx, record)
		}
	}
}

// process drives a record from its current persisted status to a terminal
// state. Entered with any resumable status so crash recovery can re-use it.
func (e *Engine) process(ctx context.Context, record *ExecutionRecord) {
	log := e.logger.WithExecutionID(record.ID).WithTargetID(record.Request.TargetResourceID)
	start := time.Now()

	defer func() {
		e.mu.Lock()
		delete(e.cancelled, record.ID)
		delete(e.preExec, record.ID)
		e.mu.Unlock()

		if record.Status.IsTerminal() {
			e.metrics.RecordExecutionCompleted(string(record.Status), time.Since(start))
		}
	}()

	// Pre-execution phases run under a per-execution cancellable context so
	// Cancel can unblock validation and approval waits.
	preCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.preExec[record.ID] = cancel
	e.mu.Unlock()
	defer cancel()

	if record.Status == StatusPending || record.Status == StatusValidating {
		if !e.runValidation(preCtx, record, log) {
			return
		}
	}

	if record.Status == StatusAwaitingApproval {
		if !e.runApproval(preCtx, record, log) {
			return
		}
	}

	if e.isCancelRequested(record.ID) {
		e.reject(ctx, record, "cancelled before execution", "operator")
		return
	}

	if record.Status == StatusApproved || record.Status == StatusExecuting {
		e.runExecution(ctx, record, log)
		return
	}

	if record.Status == StatusRollingBack {
		// Crashed mid-rollback: re-run the persisted plan.
		handler, err := e.registry.Get(record.Request.ActionType)
		if err != nil {
			e.fail(ctx, record, NewPermanentError("no handler for action type", err).
				WithCode(ErrCodeHandlerFailed), false, false)
			return
		}
		e.executeRollback(ctx, record, handler, nil)
	}
}

// runValidation drives pending -> validating -> approved/awaiting_approval
// or rejected. Returns false if the record reached a terminal state.
func (e *Engine) runValidation(ctx context.Context, record *ExecutionRecord, log *telemetry.Logger) bool {
	if record.Status == StatusPending {
		if err := e.transition(ctx, record, StatusValidating, "validation started", "engine"); err != nil {
			log.WithError(err).Error("failed to enter validating state")
			return false
		}
	}

	if e.isCancelRequested(record.ID) {
		e.reject(ctx, record, "cancelled during validation", "operator")
		return false
	}

	result, err := e.validator.Validate(ctx, &record.Request)
	if err != nil {
		if ctx.Err() != nil && e.isCancelRequested(record.ID) {
			e.reject(ctx, record, "cancelled during validation", "operator")
			return false
		}
		e.fail(context.WithoutCancel(ctx), record,
			NewPermanentError("validation pipeline failed", err).WithCode(ErrCodeValidation),
			false, false)
		return false
	}

	record.ValidationResult = result
	if err := e.store.SaveExecution(ctx, record); err != nil {
		log.WithError(err).Error("failed to persist validation result")
	}
	if err := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventValidationCompleted,
		Message:     fmt.Sprintf("validation completed: valid=%t, risk=%s", result.Valid, result.RiskLevel),
		Actor:       "engine",
		Timestamp:   time.Now(),
	}); err != nil {
		log.WithError(err).Error("failed to append validation audit event")
	}

	if !result.Valid {
		msg := "validation failed"
		if len(result.Errors) > 0 {
			msg = fmt.Sprintf("validation failed: %s", result.Errors[0].Message)
		}
		record.Error = &ExecutionError{
			Class:   ErrorClassValidation,
			Code:    ErrCodeValidation,
			Message: msg,
		}
		e.reject(ctx, record, msg, "engine")
		return false
	}

	if record.Request.RequiresApproval {
		if err := e.transition(ctx, record, StatusAwaitingApproval, "awaiting approval", "engine"); err != nil {
			log.WithError(err).Error("failed to enter awaiting_approval state")
			return false
		}
		return true
	}

	if err := e.transition(ctx, record, StatusApproved, "validation passed, no approval required", "engine"); err != nil {
		log.WithError(err).Error("failed to enter approved state")
		return false
	}
	return true
}

// runApproval blocks on the approval gate. Returns false if the record
// reached a terminal state.
func (e *Engine) runApproval(ctx context.Context, record *ExecutionRecord, log *telemetry.Logger) bool {
	decision, err := e.gate.Await(ctx, record.ID)
	if err != nil {
		if e.isCancelRequested(record.ID) {
			e.reject(context.WithoutCancel(ctx), record, "cancelled while awaiting approval", "operator")
			return false
		}
		// Shutdown while waiting: no decision was made. The record stays
		// awaiting_approval and recovery re-enters the gate wait.
		log.WithError(err).Info("approval wait interrupted by shutdown")
		return false
	}

	e.metrics.RecordApprovalResolved(string(decision))
	if appendErr := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventApprovalResolved,
		Message:     fmt.Sprintf("approval resolved: %s", decision),
		Actor:       "approval_gate",
		Timestamp:   time.Now(),
	}); appendErr != nil {
		log.WithError(appendErr).Error("failed to append approval audit event")
	}

	if decision != ApprovalApproved {
		record.Error = &ExecutionError{
			Class:   ErrorClassValidation,
			Code:    ErrCodeApprovalRejected,
			Message: fmt.Sprintf("approval %s", decision),
		}
		e.reject(ctx, record, fmt.Sprintf("approval %s", decision), "approval_gate")
		return false
	}

	if err := e.transition(ctx, record, StatusApproved, "approval granted", "approval_gate"); err != nil {
		log.WithError(err).Error("failed to enter approved state")
		return false
	}
	return true
}

// runExecution drives approved -> executing -> completed, or into rollback.
func (e *Engine) runExecution(ctx context.Context, record *ExecutionRecord, log *telemetry.Logger) {
	handler, err := e.registry.Get(record.Request.ActionType)
	if err != nil {
		e.fail(ctx, record, NewPermanentError("no handler for action type", err).
			WithCode(ErrCodeHandlerFailed), false, false)
		return
	}

	if record.Status == StatusApproved {
		if err := e.transition(ctx, record, StatusExecuting, "execution started", "engine"); err != nil {
			log.WithError(err).Error("failed to enter executing state")
			return
		}
	}

	// The rollback plan must be persisted before the first mutating call.
	if record.RollbackPlanID == "" {
		snapshot, err := handler.Snapshot(ctx, record.Request.TargetResourceID)
		if err != nil {
			e.fail(ctx, record, NewPermanentError("failed to snapshot target state", err).
				WithCode(ErrCodeHandlerFailed).
				WithTarget(record.Request.TargetResourceID), false, false)
			return
		}

		plan, err := e.rollback.CreatePlan(ctx, &record.Request, snapshot)
		if err != nil {
			e.fail(ctx, record, NewPermanentError("failed to create rollback plan", err).
				WithCode(ErrCodeRollbackFailed), false, false)
			return
		}

		record.RollbackPlanID = plan.ExecutionID
		if err := e.store.SaveExecution(ctx, record); err != nil {
			e.fail(ctx, record, NewPermanentError("failed to persist rollback plan reference", err).
				WithCode(ErrCodeInternal), false, false)
			return
		}
		if err := e.store.AppendEvent(ctx, &AuditEvent{
			ExecutionID: record.ID,
			Type:        EventRollbackPlanCreated,
			Message:     fmt.Sprintf("rollback plan created with %d steps", len(plan.Steps)),
			Actor:       "engine",
			Timestamp:   time.Now(),
		}); err != nil {
			log.WithError(err).Error("failed to append rollback plan audit event")
		}
	}

	rolloutCtx := WithCancelCheck(ctx, func() bool { return e.isCancelRequested(record.ID) })
	runErr := e.rollout.Run(rolloutCtx, record, handler)
	if runErr == nil {
		forgetApplied(handler, record.ID)
		if err := e.transition(ctx, record, StatusCompleted, "all rollout stages healthy", "engine"); err != nil {
			log.WithError(err).Error("failed to enter completed state")
		}
		return
	}

	cancelled := errors.Is(runErr, ErrExecutionCancelled)
	if cancelled && !record.HasAppliedStages() {
		e.reject(ctx, record, "cancelled before any stage applied", "operator")
		return
	}

	if !record.HasAppliedStages() {
		e.fail(ctx, record, runErr, false, false)
		return
	}

	// A stage already mutated the target: roll back.
	reason := "rollout failed"
	if cancelled {
		reason = "cancelled mid-rollout"
	} else if IsHealthDegraded(runErr) {
		reason = "health degraded below threshold"
	}
	if err := e.transition(ctx, record, StatusRollingBack, reason, "engine"); err != nil {
		log.WithError(err).Error("failed to enter rolling_back state")
		return
	}
	e.executeRollback(ctx, record, handler, runErr)
}

// executeRollback runs the persisted plan and moves the record to
// rolled_back, or to failed with manual_intervention_required when the
// rollback itself fails. Entered in StatusRollingBack.
func (e *Engine) executeRollback(ctx context.Context, record *ExecutionRecord, handler ActionHandler, cause error) *RollbackOutcome {
	log := e.logger.WithExecutionID(record.ID).WithTargetID(record.Request.TargetResourceID)

	if err := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventRollbackStarted,
		Stage:       record.CurrentStage,
		Message:     "rollback started",
		Actor:       "engine",
		Timestamp:   time.Now(),
	}); err != nil {
		log.WithError(err).Error("failed to append rollback audit event")
	}

	start := time.Now()
	outcome, err := e.rollback.Execute(ctx, record.ID, handler)
	if outcome == nil {
		outcome = &RollbackOutcome{ExecutionID: record.ID, Duration: time.Since(start)}
		if err != nil {
			outcome.Error = err.Error()
		}
	}

	record.Error = e.buildExecutionError(record, cause, true, outcome.Succeeded)
	forgetApplied(handler, record.ID)

	if err != nil || !outcome.Succeeded {
		record.Error.ManualInterventionRequired = true
		e.metrics.RecordRollback("failed", outcome.Duration)
		e.metrics.RecordManualIntervention()

		if terr := e.transition(ctx, record, StatusFailed, "rollback failed, manual intervention required", "engine"); terr != nil {
			log.WithError(terr).Error("failed to enter failed state after rollback failure")
		}
		if aerr := e.store.AppendEvent(ctx, &AuditEvent{
			ExecutionID: record.ID,
			Type:        EventManualInterventionRequired,
			Message:     fmt.Sprintf("rollback failed after %d steps: %s", outcome.StepsCompleted, outcome.Error),
			Actor:       "engine",
			Timestamp:   time.Now(),
		}); aerr != nil {
			log.WithError(aerr).Error("failed to append manual intervention audit event")
		}
		log.WithError(err).Error("rollback failed, target may be inconsistent, manual intervention required")
		return outcome
	}

	e.metrics.RecordRollback("succeeded", outcome.Duration)
	if terr := e.transition(ctx, record, StatusRolledBack, "rollback completed and verified", "engine"); terr != nil {
		log.WithError(terr).Error("failed to enter rolled_back state")
	}
	if aerr := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventRollbackCompleted,
		Message:     fmt.Sprintf("rollback completed: %d steps, verified=%t", outcome.StepsCompleted, outcome.Verified),
		Actor:       "engine",
		Timestamp:   time.Now(),
	}); aerr != nil {
		log.WithError(aerr).Error("failed to append rollback completed audit event")
	}
	return outcome
}

// buildExecutionError assembles the user-visible failure summary: the failed
// stage, whether rollback was attempted, and whether it succeeded.
func (e *Engine) buildExecutionError(record *ExecutionRecord, cause error, rollbackAttempted, rollbackSucceeded bool) *ExecutionError {
	execErr := &ExecutionError{
		Class:             ErrorClassPermanent,
		Message:           "execution failed",
		FailedStage:       record.CurrentStage,
		RollbackAttempted: rollbackAttempted,
		RollbackSucceeded: rollbackSucceeded,
	}
	if cause != nil {
		execErr.Message = cause.Error()
		var engErr *EngineError
		if errors.As(cause, &engErr) {
			execErr.Class = engErr.Class
			execErr.Code = engErr.Code
			if engErr.Stage != 0 {
				execErr.FailedStage = engErr.Stage
			}
		}
	} else if record.Error != nil {
		// Manual rollback of a completed execution keeps the original
		// error context, if any.
		execErr.Class = record.Error.Class
		execErr.Code = record.Error.Code
		execErr.Message = record.Error.Message
	} else {
		execErr.Message = "rolled back on request"
	}
	return execErr
}

// reject moves a record to StatusRejected, releasing its locks.
func (e *Engine) reject(ctx context.Context, record *ExecutionRecord, reason, actor string) {
	if record.Error == nil {
		record.Error = &ExecutionError{
			Class:   ErrorClassValidation,
			Message: reason,
		}
	}
	if err := e.transition(ctx, record, StatusRejected, reason, actor); err != nil {
		e.logger.WithExecutionID(record.ID).WithError(err).Error("failed to reject execution")
	}
}

// fail moves a record to StatusFailed with a classified error summary.
func (e *Engine) fail(ctx context.Context, record *ExecutionRecord, cause error, rollbackAttempted, rollbackSucceeded bool) {
	record.Error = e.buildExecutionError(record, cause, rollbackAttempted, rollbackSucceeded)

	var engErr *EngineError
	if errors.As(cause, &engErr) {
		e.metrics.RecordError(string(engErr.Class), engErr.Code)
	}

	if err := e.transition(ctx, record, StatusFailed, record.Error.Message, "engine"); err != nil {
		e.logger.WithExecutionID(record.ID).WithError(err).Error("failed to enter failed state")
	}
}

// transition moves a record to the next status with write-ahead semantics:
// the record and exactly one audit event are persisted before control
// returns. Terminal transitions release the target lock.
func (e *Engine) transition(ctx context.Context, record *ExecutionRecord, to ExecutionStatus, message, actor string) error {
	from := record.Status
	if !from.CanTransitionTo(to) {
		return NewPermanentError(
			fmt.Sprintf("invalid status transition from %s to %s", from, to), nil).
			WithCode(ErrCodeInvalidTransition).
			WithOperation("transition")
	}

	now := time.Now()
	prevUpdated := record.UpdatedAt
	prevCompleted := record.CompletedAt
	record.Status = to
	record.UpdatedAt = now
	if to.IsTerminal() {
		record.CompletedAt = &now
	}

	if err := e.store.SaveExecution(ctx, record); err != nil {
		record.Status = from
		record.UpdatedAt = prevUpdated
		record.CompletedAt = prevCompleted
		return fmt.Errorf("failed to persist transition to %s: %w", to, err)
	}

	if err := e.store.AppendEvent(ctx, &AuditEvent{
		ExecutionID: record.ID,
		Type:        EventStatusChanged,
		FromStatus:  from,
		ToStatus:    to,
		Stage:       record.CurrentStage,
		Message:     message,
		Actor:       actor,
		Timestamp:   now,
	}); err != nil {
		return fmt.Errorf("failed to append transition audit event: %w", err)
	}

	e.logger.WithExecutionID(record.ID).
		WithField("from", string(from)).
		WithField("to", string(to)).
		Info(message)

	if e.events != nil {
		_ = e.events.PublishStatusChanged(record.ID, string(from), string(to), message)
	}

	if to.IsTerminal() {
		e.releaseLocks(ctx, record)
	}

	return nil
}

// forgetApplied drops the handler's idempotency keys for a finished
// execution, if the handler tracks any.
func forgetApplied(handler ActionHandler, executionID string) {
	if f, ok := handler.(AppliedStateForgetter); ok {
		f.Forget(executionID)
	}
}

// releaseLocks releases the in-memory and persisted target locks.
func (e *Engine) releaseLocks(ctx context.Context, record *ExecutionRecord) {
	e.locks.Release(record.ID)
	if err := e.store.ReleaseLock(ctx, record.Request.TargetResourceID, record.ID); err != nil {
		e.logger.WithExecutionID(record.ID).WithError(err).Warn("failed to release persisted lock")
	}
}

func (e *Engine) isCancelRequested(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}
