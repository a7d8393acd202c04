// Package api exposes the execution engine over a REST API.
//
// Routes:
//
//	POST /api/v1/executions               submit an execution request
//	GET  /api/v1/executions               list execution history (filterable)
//	GET  /api/v1/executions/{id}          fetch one execution record
//	GET  /api/v1/executions/{id}/events   fetch the audit trail
//	POST /api/v1/executions/{id}/approve  resolve a pending approval
//	POST /api/v1/executions/{id}/cancel   request cooperative cancellation
//	POST /api/v1/executions/{id}/rollback trigger a manual rollback
//	GET  /healthz                         liveness and store health
//
// Engine errors carry a classification; the API maps it onto HTTP status
// codes (validation 400, conflict 409, transient 503, not-found 404) and
// returns the classified error as JSON.
package api
