package rollout

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/costpilot/costpilot/pkg/engine"
	"github.com/costpilot/costpilot/pkg/telemetry"
)

// Config tunes the staged rollout.
type Config struct {
	// Stages are the rollout percentages, strictly increasing, ending at 100.
	Stages []int

	// HealthThreshold is the minimum post-stage health score.
	HealthThreshold float64

	// MonitorWindow is how long each stage is observed before the post-stage
	// health sample.
	MonitorWindow time.Duration

	// MaxRetries caps retries of transient apply failures per stage.
	MaxRetries int

	// RetryBaseBackoff is the first retry delay; it doubles per attempt up
	// to one minute, with jitter.
	RetryBaseBackoff time.Duration
}

// DefaultConfig returns the standard canary configuration.
func DefaultConfig() Config {
	return Config{
		Stages:           []int{10, 50, 100},
		HealthThreshold:  0.9,
		MonitorWindow:    2 * time.Minute,
		MaxRetries:       3,
		RetryBaseBackoff: time.Second,
	}
}

// Controller drives the staged rollout of an approved execution.
type Controller struct {
	cfg     Config
	store   engine.StateStore
	monitor engine.HealthMonitor
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

var _ engine.RolloutController = (*Controller)(nil)

// NewController creates a rollout controller. Metrics may be a disabled
// no-op instance.
func NewController(cfg Config, store engine.StateStore, monitor engine.HealthMonitor, logger *telemetry.Logger, metrics *telemetry.Metrics) *Controller {
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultConfig().Stages
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = DefaultConfig().HealthThreshold
	}
	if cfg.RetryBaseBackoff <= 0 {
		cfg.RetryBaseBackoff = time.Second
	}

	return &Controller{
		cfg:     cfg,
		store:   store,
		monitor: monitor,
		logger:  logger.NewComponentLogger("rollout"),
		metrics: metrics,
	}
}

// SetEventPublisher attaches an optional telemetry event publisher.
func (c *Controller) SetEventPublisher(events *telemetry.EventPublisher) {
	c.events = events
}

// Run executes all configured stages in order. Stages that already finished
// healthy in a previous run are skipped, which makes Run safe to re-enter
// after a crash.
func (c *Controller) Run(ctx context.Context, record *engine.ExecutionRecord, handler engine.ActionHandler) error {
	for _, stage := range c.cfg.Stages {
		if stageFinishedHealthy(record, stage) {
			c.logger.WithExecutionID(record.ID).
				WithStage(stage).
				Info("stage already healthy, skipping")
			continue
		}

		if engine.CancelRequested(ctx) {
			c.recordCancelledStage(ctx, record, stage)
			return engine.ErrExecutionCancelled
		}

		if err := c.runStage(ctx, record, handler, stage); err != nil {
			return err
		}
	}
	return nil
}

// runStage applies one stage and watches its health.
func (c *Controller) runStage(ctx context.Context, record *engine.ExecutionRecord, handler engine.ActionHandler, stage int) error {
	log := c.logger.WithExecutionID(record.ID).
		WithTargetID(record.Request.TargetResourceID).
		WithStage(stage)
	targetID := record.Request.TargetResourceID

	healthBefore, err := c.monitor.Sample(ctx, targetID)
	if err != nil {
		return engine.NewTransientError("pre-stage health sample failed", err).
			WithTarget(targetID).
			WithStage(stage)
	}

	started := time.Now()
	record.CurrentStage = stage

	// A stage left open by a shutdown mid-monitor-window is continued, not
	// appended again: the history keeps one entry per stage.
	idx := openStageIndex(record, stage)
	verb := "started"
	if idx >= 0 {
		record.StageHistory[idx].HealthBefore = healthBefore
		verb = "resumed"
	} else {
		record.StageHistory = append(record.StageHistory, engine.StageStatus{
			Stage:        stage,
			StartedAt:    started,
			HealthBefore: healthBefore,
		})
		idx = len(record.StageHistory) - 1
	}

	if err := c.store.SaveExecution(ctx, record); err != nil {
		return fmt.Errorf("failed to persist stage start: %w", err)
	}
	if err := c.store.AppendEvent(ctx, &engine.AuditEvent{
		ExecutionID: record.ID,
		Type:        engine.EventStageStarted,
		Stage:       stage,
		Message:     fmt.Sprintf("stage %d%% %s, health %.2f", stage, verb, healthBefore),
		Actor:       "rollout",
		Timestamp:   started,
	}); err != nil {
		log.WithError(err).Error("failed to append stage started audit event")
	}
	if c.events != nil {
		_ = c.events.PublishStageStarted(record.ID, targetID, stage, healthBefore)
	}
	log.WithField("health_before", healthBefore).Info("rollout stage started")

	if err := c.applyWithRetry(ctx, record, handler, idx, stage); err != nil {
		return err
	}

	if err := c.waitWindow(ctx); err != nil {
		// Shutdown mid-window. The stage entry stays open and recovery
		// continues it. The re-apply is suppressed by the idempotency guard
		// only within the same process; after a restart the provider sees
		// the apply again and must tolerate it.
		return err
	}

	healthAfter, err := c.monitor.Sample(ctx, targetID)
	if err != nil {
		// Health cannot be confirmed after a mutation: degrade conservatively.
		degraded := engine.NewHealthDegradedError("post-stage health sample failed", err).
			WithCode(engine.ErrCodeHealthThreshold).
			WithTarget(targetID).
			WithStage(stage)
		c.finishStage(ctx, record, idx, engine.StageOutcomeDegraded, degraded.Error())
		return degraded
	}

	record.StageHistory[idx].HealthAfter = &healthAfter
	c.metrics.SetHealthScore(targetID, healthAfter)

	if healthAfter < c.cfg.HealthThreshold {
		log.WithField("health_after", healthAfter).
			WithField("threshold", c.cfg.HealthThreshold).
			Warn("post-stage health below threshold")
		if c.events != nil {
			_ = c.events.PublishHealthDegraded(record.ID, targetID, stage, healthAfter, c.cfg.HealthThreshold)
		}

		degraded := engine.NewHealthDegradedError(
			fmt.Sprintf("health %.2f below threshold %.2f after stage %d%%", healthAfter, c.cfg.HealthThreshold, stage), nil).
			WithCode(engine.ErrCodeHealthThreshold).
			WithTarget(targetID).
			WithStage(stage).
			WithDetail("health_after", healthAfter).
			WithDetail("threshold", c.cfg.HealthThreshold)
		c.finishStage(ctx, record, idx, engine.StageOutcomeDegraded, degraded.Message)
		return degraded
	}

	c.finishStage(ctx, record, idx, engine.StageOutcomeHealthy, "")
	if c.events != nil {
		_ = c.events.PublishStageCompleted(record.ID, targetID, stage, string(engine.StageOutcomeHealthy), healthAfter)
	}
	log.WithField("health_after", healthAfter).Info("rollout stage healthy")
	return nil
}

// applyWithRetry calls the handler's Apply, retrying transient failures with
// exponential backoff up to the configured maximum.
func (c *Controller) applyWithRetry(ctx context.Context, record *engine.ExecutionRecord, handler engine.ActionHandler, idx, stage int) error {
	log := c.logger.WithExecutionID(record.ID).WithStage(stage)

	req := &engine.ApplyRequest{
		ExecutionID:      record.ID,
		TargetResourceID: record.Request.TargetResourceID,
		Parameters:       record.Request.Parameters,
		Stage:            stage,
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries+1; attempt++ {
		record.StageHistory[idx].Attempts = attempt

		outcome, err := handler.Apply(ctx, req)
		if err == nil {
			if !outcome.Changed {
				log.Info("apply skipped by idempotency guard")
			}
			return nil
		}
		lastErr = err

		if !engine.IsRetryable(err) {
			break
		}
		if attempt > c.cfg.MaxRetries {
			break
		}

		backoff := calculateBackoff(c.cfg.RetryBaseBackoff, attempt)
		log.WithError(err).
			WithField("attempt", attempt).
			WithField("backoff", backoff.String()).
			Warn("transient apply failure, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	failed := engine.NewPermanentError(
		fmt.Sprintf("stage %d%% apply failed after %d attempt(s)", stage, record.StageHistory[idx].Attempts), lastErr).
		WithCode(engine.ErrCodeHandlerFailed).
		WithTarget(record.Request.TargetResourceID).
		WithStage(stage)
	c.finishStage(ctx, record, idx, engine.StageOutcomeFailed, failed.Error())
	return failed
}

// finishStage closes the stage entry and persists it with its audit event.
func (c *Controller) finishStage(ctx context.Context, record *engine.ExecutionRecord, idx int, outcome engine.StageOutcome, errMsg string) {
	now := time.Now()
	entry := &record.StageHistory[idx]
	entry.CompletedAt = &now
	entry.Outcome = outcome
	entry.Error = errMsg

	c.metrics.RecordStageExecuted(strconv.Itoa(entry.Stage), string(outcome), now.Sub(entry.StartedAt))

	if err := c.store.SaveExecution(ctx, record); err != nil {
		c.logger.WithExecutionID(record.ID).WithError(err).Error("failed to persist stage result")
	}

	message := fmt.Sprintf("stage %d%% %s", entry.Stage, outcome)
	if errMsg != "" {
		message = fmt.Sprintf("%s: %s", message, errMsg)
	}
	if err := c.store.AppendEvent(ctx, &engine.AuditEvent{
		ExecutionID: record.ID,
		Type:        engine.EventStageCompleted,
		Stage:       entry.Stage,
		Message:     message,
		Actor:       "rollout",
		Timestamp:   now,
	}); err != nil {
		c.logger.WithExecutionID(record.ID).WithError(err).Error("failed to append stage completed audit event")
	}
}

// recordCancelledStage marks the not-yet-applied stage as cancelled.
func (c *Controller) recordCancelledStage(ctx context.Context, record *engine.ExecutionRecord, stage int) {
	now := time.Now()
	record.StageHistory = append(record.StageHistory, engine.StageStatus{
		Stage:       stage,
		StartedAt:   now,
		CompletedAt: &now,
		Outcome:     engine.StageOutcomeCancelled,
	})
	if err := c.store.SaveExecution(ctx, record); err != nil {
		c.logger.WithExecutionID(record.ID).WithError(err).Error("failed to persist cancelled stage")
	}
	if err := c.store.AppendEvent(ctx, &engine.AuditEvent{
		ExecutionID: record.ID,
		Type:        engine.EventStageCompleted,
		Stage:       stage,
		Message:     fmt.Sprintf("stage %d%% cancelled before apply", stage),
		Actor:       "rollout",
		Timestamp:   now,
	}); err != nil {
		c.logger.WithExecutionID(record.ID).WithError(err).Error("failed to append cancelled stage audit event")
	}
}

// waitWindow sleeps out the monitoring window, waking early on shutdown.
func (c *Controller) waitWindow(ctx context.Context) error {
	if c.cfg.MonitorWindow <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.MonitorWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// openStageIndex returns the index of a stage entry that started but never
// finished, or -1. A previous run that shut down mid-stage leaves one behind.
func openStageIndex(record *engine.ExecutionRecord, stage int) int {
	for i := range record.StageHistory {
		entry := &record.StageHistory[i]
		if entry.Stage == stage && entry.CompletedAt == nil {
			return i
		}
	}
	return -1
}

// stageFinishedHealthy reports whether the stage already completed healthy in
// a previous run.
func stageFinishedHealthy(record *engine.ExecutionRecord, stage int) bool {
	for i := range record.StageHistory {
		entry := &record.StageHistory[i]
		if entry.Stage == stage && entry.Outcome == engine.StageOutcomeHealthy {
			return true
		}
	}
	return false
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
