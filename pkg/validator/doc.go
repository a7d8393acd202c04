// Package validator implements the pre-execution validation pipeline.
//
// The pipeline runs a fixed sequence of checks against an execution request
// and combines the findings into a single validation result:
//
//  1. permission      — OPA permission policies (pkg/policy)
//  2. dependencies    — resources that depend on the target and block the action
//  3. resource_state  — the target exists and is in an actionable state
//  4. parameters      — action parameters unify with the action's CUE schema
//  5. risk_assessment — built-in heuristics plus the optional Starlark hook
//
// Blocking findings land in the result's Errors; non-blocking findings land in
// Warnings and are surfaced to the approval gate. All checks run even when an
// earlier one fails, so a single validation pass reports everything wrong with
// a request.
//
// Risk assessment only ever raises the request's risk classification, never
// lowers it. A permission policy or risk hook that cannot be evaluated fails
// the pipeline instead of silently allowing the request.
package validator
