// Package stores provides the persistence layer for the CostPilot execution
// engine. It includes SQLite-based storage with WAL mode, connection pooling,
// embedded schema migrations, and CRUD operations for execution records,
// rollback plans, append-only audit events, and per-target resource locks.
package stores
