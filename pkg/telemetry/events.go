package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the CostPilot system. These are
// in-process observability events; the durable audit trail lives in the
// state store.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// ExecutionID is the associated execution ID, if applicable.
	ExecutionID string `json:"execution_id,omitempty"`

	// TargetResourceID is the associated target resource, if applicable.
	TargetResourceID string `json:"target_resource_id,omitempty"`

	// Stage is the associated rollout stage percentage, if applicable.
	Stage int `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeExecutionSubmitted = "execution.submitted"
	EventTypeExecutionCompleted = "execution.completed"
	EventTypeExecutionFailed    = "execution.failed"
	EventTypeStatusChanged      = "execution.status_changed"
	EventTypeStageStarted       = "stage.started"
	EventTypeStageCompleted     = "stage.completed"
	EventTypeStageFailed        = "stage.failed"
	EventTypeHealthDegraded     = "health.degraded"
	EventTypeRollbackStarted    = "rollback.started"
	EventTypeRollbackCompleted  = "rollback.completed"
	EventTypeRollbackFailed     = "rollback.failed"
	EventTypePolicyViolation    = "policy.violation"
	EventTypeError              = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishExecutionSubmitted publishes an execution submitted event.
func (ep *EventPublisher) PublishExecutionSubmitted(executionID, targetID, actionType string) error {
	return ep.Publish(Event{
		Type:             EventTypeExecutionSubmitted,
		Source:           "engine",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Message:          fmt.Sprintf("Execution %s submitted: %s on %s", executionID, actionType, targetID),
		Level:            EventLevelInfo,
		Data: map[string]interface{}{
			"action_type": actionType,
		},
	})
}

// PublishStatusChanged publishes an execution state transition event.
func (ep *EventPublisher) PublishStatusChanged(executionID, from, to, message string) error {
	level := EventLevelInfo
	if to == "failed" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:        EventTypeStatusChanged,
		Source:      "engine",
		ExecutionID: executionID,
		Message:     fmt.Sprintf("Execution %s: %s -> %s (%s)", executionID, from, to, message),
		Level:       level,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishStageStarted publishes a rollout stage started event.
func (ep *EventPublisher) PublishStageStarted(executionID, targetID string, stage int, healthBefore float64) error {
	return ep.Publish(Event{
		Type:             EventTypeStageStarted,
		Source:           "rollout",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Stage:            stage,
		Message:          fmt.Sprintf("Stage %d%% started on %s", stage, targetID),
		Level:            EventLevelInfo,
		Data: map[string]interface{}{
			"health_before": healthBefore,
		},
	})
}

// PublishStageCompleted publishes a rollout stage completed event.
func (ep *EventPublisher) PublishStageCompleted(executionID, targetID string, stage int, outcome string, healthAfter float64) error {
	level := EventLevelInfo
	if outcome != "healthy" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:             EventTypeStageCompleted,
		Source:           "rollout",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Stage:            stage,
		Message:          fmt.Sprintf("Stage %d%% completed with outcome %s", stage, outcome),
		Level:            level,
		Data: map[string]interface{}{
			"outcome":      outcome,
			"health_after": healthAfter,
		},
	})
}

// PublishHealthDegraded publishes a health degradation event.
func (ep *EventPublisher) PublishHealthDegraded(executionID, targetID string, stage int, score, threshold float64) error {
	return ep.Publish(Event{
		Type:             EventTypeHealthDegraded,
		Source:           "rollout",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Stage:            stage,
		Message:          fmt.Sprintf("Health on %s fell to %.2f (threshold %.2f) at stage %d%%", targetID, score, threshold, stage),
		Level:            EventLevelWarning,
		Data: map[string]interface{}{
			"score":     score,
			"threshold": threshold,
		},
	})
}

// PublishRollbackStarted publishes a rollback started event.
func (ep *EventPublisher) PublishRollbackStarted(executionID, targetID, reason string) error {
	return ep.Publish(Event{
		Type:             EventTypeRollbackStarted,
		Source:           "rollback",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Message:          fmt.Sprintf("Rollback of %s started: %s", executionID, reason),
		Level:            EventLevelWarning,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRollbackCompleted publishes a rollback completed event.
func (ep *EventPublisher) PublishRollbackCompleted(executionID, targetID string, succeeded bool, duration time.Duration) error {
	eventType := EventTypeRollbackCompleted
	level := EventLevelInfo
	if !succeeded {
		eventType = EventTypeRollbackFailed
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:             eventType,
		Source:           "rollback",
		ExecutionID:      executionID,
		TargetResourceID: targetID,
		Message:          fmt.Sprintf("Rollback of %s completed: succeeded=%t", executionID, succeeded),
		Level:            level,
		Data: map[string]interface{}{
			"succeeded": succeeded,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(targetID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:             EventTypePolicyViolation,
		Source:           "policy_engine",
		TargetResourceID: targetID,
		Message:          fmt.Sprintf("Policy violation on resource %s: %s - %s", targetID, policyName, reason),
		Level:            EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

			// Drain quickly when the buffer is idle
			if len(ep.buffer) == 0 && len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByExecutionID creates a filter that only allows events for a specific execution.
func FilterByExecutionID(executionID string) EventFilter {
	return func(event Event) bool {
		return event.ExecutionID == executionID
	}
}

// FilterByTargetID creates a filter that only allows events for a specific target resource.
func FilterByTargetID(targetID string) EventFilter {
	return func(event Event) bool {
		return event.TargetResourceID == targetID
	}
}
