// Package rollout implements the staged rollout controller.
//
// An approved execution is applied in increasing percentage stages (10, 50,
// 100 by default). Each stage samples target health before applying, applies
// the change through the action handler with bounded retries of transient
// failures, waits out a monitoring window, and samples health again. A
// post-stage score below the configured threshold halts the rollout with a
// health_degraded error, which triggers rollback in the engine.
//
// Stage results are appended to the execution record and persisted as they
// complete, so a restarted engine resumes from the first stage that did not
// finish healthy. Cooperative cancellation is honored at stage boundaries.
package rollout
