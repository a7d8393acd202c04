// Package policy provides Rego-based permission evaluation for execution
// requests using Open Policy Agent.
//
// The validation pipeline's permission check delegates to this package:
// every submitted request is evaluated against the built-in policies plus
// any operator-loaded .rego or .json policy files. Violations with error or
// critical severity block the request; warnings are attached to the
// validation result and surfaced to the approval gate.
//
// # Built-in Policies
//
// The engine ships with policies covering the permission rules the
// execution engine enforces out of the box:
//
//   - action-permissions: destructive actions (terminate_resource) in
//     production require approval; critical-tagged resources cannot be
//     terminated.
//   - protected-tags: resources carrying do-not-optimize or
//     cost-pilot-exclude tags are never touched.
//   - high-risk-approval: high-risk actions require approval.
//   - business-hours: warns about disruptive production changes during
//     business hours.
//   - pricing-model-guard: warns when spot-unsafe workloads are moved to
//     interruptible pricing.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	// Load operator policies and watch them for changes.
//	if err := engine.LoadPolicies(ctx, []string{"/etc/costpilot/policies"}); err != nil {
//	    return err
//	}
//
//	result, err := engine.EvaluateRequest(ctx, policy.NewInput(request))
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    // reject the request with result.Violations
//	}
//
// # Writing Policies
//
// Policies are standard Rego modules that populate a deny set. Each deny
// entry is either a string message or an object with message, severity, and
// remediation fields:
//
//	package costpilot.policies.example
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.action == "resize_workload"
//	    input.environment == "production"
//	    not input.requires_approval
//
//	    violation := {
//	        "message": "Production resizes require approval",
//	        "severity": "error",
//	    }
//	}
//
// The input document carries the request's action, target, environment,
// risk level, labels, parameters, and an evaluation context with the actor
// and UTC time fields for time-window policies.
package policy
