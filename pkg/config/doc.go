// Package config provides configuration for the CostPilot service: the
// YAML service configuration, CUE schemas for action parameters, and an
// optional Starlark risk-scoring hook.
//
// # Service Configuration
//
// The service reads one YAML file covering the API server, SQLite store,
// engine worker pool, rollout stages, approval gate, policies, and
// telemetry. Unset fields fall back to development defaults and the result
// is validated before use:
//
//	cfg, err := config.Load("/etc/costpilot/config.yaml")
//	if err != nil {
//	    return err
//	}
//
// Example configuration:
//
//	server:
//	  listen_addr: ":8080"
//	database:
//	  path: /var/lib/costpilot/state.db
//	engine:
//	  workers: 10
//	  queue_size: 100
//	rollout:
//	  stages: [10, 50, 100]
//	  health_threshold: 0.9
//	  monitor_window: 2m
//	approval:
//	  window: 24h
//	policy:
//	  paths: [/etc/costpilot/policies]
//	  watch: true
//
// # Parameter Schemas
//
// Each action type's parameters are validated against a CUE schema before
// execution. Built-in schemas cover the four built-in action types;
// operators may override them or add schemas for custom handlers by
// dropping .cue files (named after the action type) into a schema
// directory and calling LoadSchemaDir.
//
// # Risk Hook
//
// An operator-supplied Starlark script can participate in risk assessment.
// The script receives a `request` dict and binds a `risk_level` global:
//
//	# hook.star
//	def _score(req):
//	    if req["environment"] == "production" and req["action"] == "terminate_resource":
//	        return "high"
//	    return req["risk_level"]
//
//	risk_level = _score(request)
//
// The validator uses the hook result only to raise the assessed risk,
// never to lower it. Scripts run sandboxed with a bounded timeout.
package config
