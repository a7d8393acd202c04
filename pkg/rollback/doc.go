// Package rollback creates and executes rollback plans.
//
// A plan is created and persisted before the first mutating handler call, so
// a revert path always exists once any change has been applied. Executing a
// plan restores the target from its pre-change snapshot, verifies the result
// through the action handler, and marks the plan executed. A rollback that
// cannot restore or verify the target surfaces a rollback_failed error; the
// engine then flags the execution for manual intervention.
package rollback
