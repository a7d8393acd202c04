// Package telemetry provides observability instrumentation for CostPilot.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring and debugging execution engine operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async in-process event system for notifications
//
// The durable audit trail is not part of this package: it lives in the
// state store, appended by the engine on every transition. Telemetry events
// are best-effort observability signals.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "costpilot"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("rollout")
//	logger = logger.WithExecutionID("exec-123").WithTargetID("i-0abc")
//	logger.Info("Starting rollout stage")
//	logger.WithError(err).Error("Stage apply failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into execution flow and performance:
//
//	ctx, span := tel.Tracer.StartExecutionSpan(ctx, executionID, actionType, targetID)
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), none (testing)
//
// # Metrics
//
// Prometheus metrics track engine behavior and performance:
//
//	tel.Metrics.RecordExecutionSubmitted("resize_workload", "medium")
//	tel.Metrics.RecordExecutionCompleted("completed", duration)
//	tel.Metrics.RecordStageExecuted("50", "healthy", duration)
//	tel.Metrics.RecordRollback("succeeded", duration)
//	tel.Metrics.RecordError("transient", "TIMEOUT")
//
// Key metrics exposed:
//
//   - costpilot_executions_submitted_total{action_type,risk_level}
//   - costpilot_executions_completed_total{status}
//   - costpilot_execution_duration_seconds{status}
//   - costpilot_rollout_stages_executed_total{stage,outcome}
//   - costpilot_target_health_score{target_resource_id}
//   - costpilot_rollbacks_total{status}
//   - costpilot_manual_interventions_total
//   - costpilot_errors_by_class_total{class}
//   - costpilot_active_executions
//   - costpilot_execution_queue_depth
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.PublishStageStarted(executionID, targetID, 10, 0.98)
//	tel.Events.PublishRollbackCompleted(executionID, targetID, true, duration)
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel("warning"))
//
// Event filters: FilterByLevel, FilterByType, FilterByExecutionID, FilterByTargetID
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending data:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry
