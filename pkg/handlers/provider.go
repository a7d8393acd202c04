package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/costpilot/costpilot/pkg/engine"
)

// SimResource is the state of one simulated resource.
type SimResource struct {
	// ID is the resource identifier.
	ID string `json:"id"`

	// Status is the lifecycle state: "running" or "terminated".
	Status string `json:"status"`

	// InstanceType is the current instance type.
	InstanceType string `json:"instance_type,omitempty"`

	// Replicas is the current replica count.
	Replicas int `json:"replicas"`

	// PricingModel is the current pricing model.
	PricingModel string `json:"pricing_model,omitempty"`

	// Settings are the runtime configuration settings.
	Settings map[string]string `json:"settings,omitempty"`

	// TerminatedPercent tracks how much of a grouped resource has been
	// terminated during a staged rollout.
	TerminatedPercent int `json:"terminated_percent,omitempty"`
}

// SimulatedProvider is an in-memory CloudProvider for development and tests.
// It also implements DependencyChecker and HealthMonitor so a development
// deployment needs no external systems.
type SimulatedProvider struct {
	mu        sync.Mutex
	resources map[string]*SimResource
	deps      map[string][]string
	health    map[string]float64

	// faults maps an operation name to a countdown of injected failures.
	faults map[string]int
}

var (
	_ engine.CloudProvider     = (*SimulatedProvider)(nil)
	_ engine.DependencyChecker = (*SimulatedProvider)(nil)
	_ engine.HealthMonitor     = (*SimulatedProvider)(nil)
)

// NewSimulatedProvider creates an empty simulated provider.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{
		resources: make(map[string]*SimResource),
		deps:      make(map[string][]string),
		health:    make(map[string]float64),
		faults:    make(map[string]int),
	}
}

// AddResource seeds a resource. A zero Status defaults to "running".
func (p *SimulatedProvider) AddResource(resource SimResource) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if resource.Status == "" {
		resource.Status = "running"
	}
	if resource.Settings == nil {
		resource.Settings = make(map[string]string)
	}
	p.resources[resource.ID] = &resource
}

// SetDependencies records resources that depend on the target.
func (p *SimulatedProvider) SetDependencies(targetID string, dependents []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.deps[targetID] = dependents
}

// SetHealth pins the health score reported for a target.
func (p *SimulatedProvider) SetHealth(targetID string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health[targetID] = score
}

// InjectFault makes the next n calls of the named operation fail with a
// transient error. Operation names match the CloudProvider method names.
func (p *SimulatedProvider) InjectFault(operation string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.faults[operation] = n
}

// Resource returns a copy of the resource state, for test assertions.
func (p *SimulatedProvider) Resource(resourceID string) (SimResource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	resource, ok := p.resources[resourceID]
	if !ok {
		return SimResource{}, false
	}
	return *resource, true
}

// DescribeResource returns the current resource state as JSON.
func (p *SimulatedProvider) DescribeResource(_ context.Context, resourceID string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("DescribeResource"); err != nil {
		return nil, err
	}

	resource, err := p.get(resourceID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(resource)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource state: %w", err)
	}
	return data, nil
}

// TerminateResource terminates percent of the resource. At 100 the resource
// is fully terminated.
func (p *SimulatedProvider) TerminateResource(_ context.Context, resourceID string, percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("TerminateResource"); err != nil {
		return err
	}

	resource, err := p.getActive(resourceID)
	if err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}

	if percent > resource.TerminatedPercent {
		resource.TerminatedPercent = percent
	}
	if resource.TerminatedPercent >= 100 {
		resource.Status = "terminated"
	}
	return nil
}

// ResizeWorkload changes the instance type and/or replica count. A negative
// replicas value keeps the current count; an empty instanceType keeps the
// current type.
func (p *SimulatedProvider) ResizeWorkload(_ context.Context, resourceID, instanceType string, replicas, percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("ResizeWorkload"); err != nil {
		return err
	}

	resource, err := p.getActive(resourceID)
	if err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}

	if instanceType != "" {
		resource.InstanceType = instanceType
	}
	if replicas >= 0 {
		resource.Replicas = replicas
	}
	return nil
}

// SetPricingModel moves the resource to a different pricing model.
func (p *SimulatedProvider) SetPricingModel(_ context.Context, resourceID, model string, percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("SetPricingModel"); err != nil {
		return err
	}

	resource, err := p.getActive(resourceID)
	if err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}

	resource.PricingModel = model
	return nil
}

// UpdateRuntimeConfig applies runtime configuration settings.
func (p *SimulatedProvider) UpdateRuntimeConfig(_ context.Context, resourceID string, settings map[string]string, percent int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("UpdateRuntimeConfig"); err != nil {
		return err
	}

	resource, err := p.getActive(resourceID)
	if err != nil {
		return err
	}
	if err := validatePercent(percent); err != nil {
		return err
	}

	for k, v := range settings {
		resource.Settings[k] = v
	}
	return nil
}

// RestoreResource restores a resource to a previously captured state. The
// resource is recreated if it was terminated.
func (p *SimulatedProvider) RestoreResource(_ context.Context, resourceID string, state json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.takeFault("RestoreResource"); err != nil {
		return err
	}

	var restored SimResource
	if err := json.Unmarshal(state, &restored); err != nil {
		return engine.NewPermanentError("snapshot is not decodable", err).
			WithTarget(resourceID).
			WithOperation("restore")
	}

	if restored.ID == "" {
		restored.ID = resourceID
	}
	if restored.Status == "" {
		restored.Status = "running"
	}
	if restored.Settings == nil {
		restored.Settings = make(map[string]string)
	}
	p.resources[resourceID] = &restored
	return nil
}

// BlockingDependencies returns dependents that block disruptive actions.
// Pricing and runtime changes do not disturb dependents.
func (p *SimulatedProvider) BlockingDependencies(_ context.Context, targetID string, action engine.ActionType) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !action.IsDestructive() && action != engine.ActionResizeWorkload {
		return nil, nil
	}

	dependents := p.deps[targetID]
	out := make([]string, len(dependents))
	copy(out, dependents)
	return out, nil
}

// Sample returns the pinned health score for a target, defaulting to 1.0.
func (p *SimulatedProvider) Sample(_ context.Context, targetID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if score, ok := p.health[targetID]; ok {
		return score, nil
	}
	return 1.0, nil
}

// get returns the resource or a classified not-found error. Callers hold the lock.
func (p *SimulatedProvider) get(resourceID string) (*SimResource, error) {
	resource, ok := p.resources[resourceID]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s not found", resourceID), nil).
			WithCode(engine.ErrCodeNotFound).
			WithTarget(resourceID)
	}
	return resource, nil
}

// getActive returns the resource if it is not terminated. Callers hold the lock.
func (p *SimulatedProvider) getActive(resourceID string) (*SimResource, error) {
	resource, err := p.get(resourceID)
	if err != nil {
		return nil, err
	}
	if resource.Status == "terminated" {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("resource %s is terminated", resourceID), nil).
			WithTarget(resourceID)
	}
	return resource, nil
}

// takeFault consumes one injected fault for the operation. Callers hold the lock.
func (p *SimulatedProvider) takeFault(operation string) error {
	if p.faults[operation] > 0 {
		p.faults[operation]--
		return engine.NewTransientError(
			fmt.Sprintf("injected fault for %s", operation), nil).
			WithOperation(operation)
	}
	return nil
}

func validatePercent(percent int) error {
	if percent <= 0 || percent > 100 {
		return engine.NewPermanentError(
			fmt.Sprintf("invalid rollout percentage %d", percent), nil)
	}
	return nil
}
