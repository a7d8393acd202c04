// Package handlers implements the action handlers that apply optimization
// actions to target resources, the registry that resolves them by action
// type, and the simulated cloud provider used in development and tests.
//
// Each handler adapts one action type onto the CloudProvider surface:
//
//	terminate_resource    -> TerminateHandler
//	resize_workload       -> ResizeHandler
//	migrate_pricing_model -> PricingHandler
//	adjust_runtime_config -> RuntimeConfigHandler
//
// Handlers share an idempotency Guard keyed by (execution_id, stage): a
// retried Apply for a key that already mutated provider state reports
// Changed=false instead of applying twice.
package handlers
