package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/costpilot/costpilot/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the engine.StateStore interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Compile-time check that SQLiteStore satisfies the engine contract.
var _ engine.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path: cfg.Path,
		cfg:  cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is accessible
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// SaveExecution inserts or updates an execution record. The full record is
// written on every call so a crash between calls never loses a transition.
func (s *SQLiteStore) SaveExecution(ctx context.Context, record *engine.ExecutionRecord) error {
	request, err := json.Marshal(record.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	stageHistory, err := marshalNullable(record.StageHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal stage history: %w", err)
	}

	validationResult, err := marshalNullable(record.ValidationResult)
	if err != nil {
		return fmt.Errorf("failed to marshal validation result: %w", err)
	}

	execError, err := marshalNullable(record.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal execution error: %w", err)
	}

	query := `
		INSERT INTO executions (
			id, recommendation_id, action_type, target_resource_id, status,
			risk_level, current_stage, request, stage_history, validation_result,
			rollback_plan_id, error, created_at, updated_at, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			risk_level = excluded.risk_level,
			current_stage = excluded.current_stage,
			stage_history = excluded.stage_history,
			validation_result = excluded.validation_result,
			rollback_plan_id = excluded.rollback_plan_id,
			error = excluded.error,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at
	`

	riskLevel := record.Request.RiskLevel
	if record.ValidationResult != nil && record.ValidationResult.RiskLevel != "" {
		riskLevel = record.ValidationResult.RiskLevel
	}

	_, err = s.db.ExecContext(ctx, query,
		record.ID,
		record.Request.RecommendationID,
		string(record.Request.ActionType),
		record.Request.TargetResourceID,
		string(record.Status),
		string(riskLevel),
		record.CurrentStage,
		string(request),
		stageHistory,
		validationResult,
		nullString(record.RollbackPlanID),
		execError,
		record.CreatedAt,
		record.UpdatedAt,
		record.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution record by ID
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*engine.ExecutionRecord, error) {
	query := `
		SELECT id, status, current_stage, request, stage_history,
			validation_result, rollback_plan_id, error,
			created_at, updated_at, completed_at
		FROM executions
		WHERE id = ?
	`

	record, err := scanExecution(s.db.QueryRowContext(ctx, query, executionID))
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("execution not found: %s", executionID), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	return record, nil
}

// ListExecutions returns summaries matching the filter, newest first
func (s *SQLiteStore) ListExecutions(ctx context.Context, filter *engine.HistoryFilter) ([]*engine.ExecutionSummary, error) {
	if filter == nil {
		filter = &engine.HistoryFilter{}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var target, status *string
	if filter.TargetResourceID != "" {
		target = &filter.TargetResourceID
	}
	if filter.Status != "" {
		v := string(filter.Status)
		status = &v
	}

	query := `
		SELECT id, recommendation_id, action_type, target_resource_id,
			status, risk_level, created_at, completed_at
		FROM executions
		WHERE (? IS NULL OR target_resource_id = ?)
			AND (? IS NULL OR status = ?)
			AND (? IS NULL OR created_at >= ?)
			AND (? IS NULL OR created_at < ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		target, target,
		status, status,
		filter.Since, filter.Since,
		filter.Until, filter.Until,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []*engine.ExecutionSummary
	for rows.Next() {
		summary := &engine.ExecutionSummary{}
		var actionType, status, riskLevel string
		if err := rows.Scan(
			&summary.ID,
			&summary.RecommendationID,
			&actionType,
			&summary.TargetResourceID,
			&status,
			&riskLevel,
			&summary.CreatedAt,
			&summary.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution summary: %w", err)
		}
		summary.ActionType = engine.ActionType(actionType)
		summary.Status = engine.ExecutionStatus(status)
		summary.RiskLevel = engine.RiskLevel(riskLevel)
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate executions: %w", err)
	}

	return summaries, nil
}

// ListActiveExecutions returns records in non-terminal states, oldest first,
// preserving submission order for crash recovery re-enqueueing.
func (s *SQLiteStore) ListActiveExecutions(ctx context.Context) ([]*engine.ExecutionRecord, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(activeStatuses)), ",")
	query := fmt.Sprintf(`
		SELECT id, status, current_stage, request, stage_history,
			validation_result, rollback_plan_id, error,
			created_at, updated_at, completed_at
		FROM executions
		WHERE status IN (%s)
		ORDER BY created_at ASC
	`, placeholders)

	args := make([]interface{}, len(activeStatuses))
	for i, status := range activeStatuses {
		args[i] = status
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*engine.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active executions: %w", err)
	}

	return records, nil
}

// SaveRollbackPlan persists a rollback plan
func (s *SQLiteStore) SaveRollbackPlan(ctx context.Context, plan *engine.RollbackPlan) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("invalid rollback plan: %w", err)
	}

	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback steps: %w", err)
	}

	query := `
		INSERT INTO rollback_plans (execution_id, steps, pre_change_snapshot, estimated_risk, executed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			steps = excluded.steps,
			pre_change_snapshot = excluded.pre_change_snapshot,
			estimated_risk = excluded.estimated_risk,
			executed = excluded.executed
	`

	_, err = s.db.ExecContext(ctx, query,
		plan.ExecutionID,
		string(steps),
		string(plan.PreChangeSnapshot),
		string(plan.EstimatedRisk),
		plan.Executed,
		plan.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save rollback plan: %w", err)
	}

	return nil
}

// GetRollbackPlan retrieves the rollback plan for an execution
func (s *SQLiteStore) GetRollbackPlan(ctx context.Context, executionID string) (*engine.RollbackPlan, error) {
	query := `
		SELECT execution_id, steps, pre_change_snapshot, estimated_risk, executed, created_at
		FROM rollback_plans
		WHERE execution_id = ?
	`

	plan := &engine.RollbackPlan{}
	var steps, snapshot, estimatedRisk string
	err := s.db.QueryRowContext(ctx, query, executionID).Scan(
		&plan.ExecutionID,
		&steps,
		&snapshot,
		&estimatedRisk,
		&plan.Executed,
		&plan.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("rollback plan not found for execution: %s", executionID), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback plan: %w", err)
	}

	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rollback steps: %w", err)
	}
	plan.PreChangeSnapshot = json.RawMessage(snapshot)
	plan.EstimatedRisk = engine.RiskLevel(estimatedRisk)

	return plan, nil
}

// MarkRollbackExecuted sets the executed marker on a plan
func (s *SQLiteStore) MarkRollbackExecuted(ctx context.Context, executionID string) error {
	query := `UPDATE rollback_plans SET executed = 1 WHERE execution_id = ?`

	result, err := s.db.ExecContext(ctx, query, executionID)
	if err != nil {
		return fmt.Errorf("failed to mark rollback executed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("rollback plan not found for execution: %s", executionID), nil,
		).WithCode(engine.ErrCodeNotFound)
	}

	return nil
}

// AppendEvent appends an audit event. The store assigns the event ID; events
// are never updated or deleted.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (execution_id, type, from_status, to_status, stage, message, actor, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var details interface{}
	if len(event.Details) > 0 {
		details = string(event.Details)
	}

	result, err := s.db.ExecContext(ctx, query,
		event.ExecutionID,
		string(event.Type),
		string(event.FromStatus),
		string(event.ToStatus),
		event.Stage,
		event.Message,
		event.Actor,
		details,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	event.ID = id

	return nil
}

// GetEvents returns the audit trail for an execution in append order
func (s *SQLiteStore) GetEvents(ctx context.Context, executionID string) ([]*engine.AuditEvent, error) {
	query := `
		SELECT id, execution_id, type, from_status, to_status, stage, message, actor, details, timestamp
		FROM audit_events
		WHERE execution_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*engine.AuditEvent
	for rows.Next() {
		event := &engine.AuditEvent{}
		var eventType, fromStatus, toStatus string
		var details sql.NullString
		if err := rows.Scan(
			&event.ID,
			&event.ExecutionID,
			&eventType,
			&fromStatus,
			&toStatus,
			&event.Stage,
			&event.Message,
			&event.Actor,
			&details,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		event.FromStatus = engine.ExecutionStatus(fromStatus)
		event.ToStatus = engine.ExecutionStatus(toStatus)
		if details.Valid {
			event.Details = json.RawMessage(details.String)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	return events, nil
}

// AcquireLock records a lock on the target for the execution. The primary
// key on target_resource_id makes this a single conflict-checked insert.
func (s *SQLiteStore) AcquireLock(ctx context.Context, targetID, executionID string) error {
	query := `
		INSERT INTO resource_locks (target_resource_id, execution_id, acquired_at)
		VALUES (?, ?, ?)
		ON CONFLICT(target_resource_id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query, targetID, executionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Insert was a no-op: someone holds the lock. Re-acquisition by the
	// same execution is fine (crash recovery path).
	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT execution_id FROM resource_locks WHERE target_resource_id = ?`, targetID,
	).Scan(&holder)
	if err == sql.ErrNoRows {
		// Lock released between insert and read; retry once.
		return s.AcquireLock(ctx, targetID, executionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lock holder: %w", err)
	}

	if holder == executionID {
		return nil
	}

	return engine.NewConflictError(
		fmt.Sprintf("target resource is locked by execution %s", holder), nil,
	).WithCode(engine.ErrCodeLockHeld).
		WithTarget(targetID).
		WithDetail("holder_execution_id", holder)
}

// ReleaseLock releases the target lock held by the execution. Releasing a
// lock the execution does not hold is a no-op.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, targetID, executionID string) error {
	query := `DELETE FROM resource_locks WHERE target_resource_id = ? AND execution_id = ?`

	if _, err := s.db.ExecContext(ctx, query, targetID, executionID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanExecution reads one execution row and rebuilds the domain record from
// its JSON blobs.
func scanExecution(row rowScanner) (*engine.ExecutionRecord, error) {
	record := &engine.ExecutionRecord{}
	var status, request string
	var stageHistory, validationResult, rollbackPlanID, execError sql.NullString

	err := row.Scan(
		&record.ID,
		&status,
		&record.CurrentStage,
		&request,
		&stageHistory,
		&validationResult,
		&rollbackPlanID,
		&execError,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Status = engine.ExecutionStatus(status)

	if err := json.Unmarshal([]byte(request), &record.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	if stageHistory.Valid {
		if err := json.Unmarshal([]byte(stageHistory.String), &record.StageHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stage history: %w", err)
		}
	}
	if validationResult.Valid {
		record.ValidationResult = &engine.ValidationResult{}
		if err := json.Unmarshal([]byte(validationResult.String), record.ValidationResult); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation result: %w", err)
		}
	}
	if rollbackPlanID.Valid {
		record.RollbackPlanID = rollbackPlanID.String
	}
	if execError.Valid {
		record.Error = &engine.ExecutionError{}
		if err := json.Unmarshal([]byte(execError.String), record.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution error: %w", err)
		}
	}

	return record, nil
}

// marshalNullable marshals a value to a nullable JSON column. Nil pointers
// and empty slices store as NULL.
func marshalNullable(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *engine.ValidationResult:
		if val == nil {
			return nil, nil
		}
	case *engine.ExecutionError:
		if val == nil {
			return nil, nil
		}
	case []engine.StageStatus:
		if len(val) == 0 {
			return nil, nil
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// nullString converts an empty string to a NULL column value
func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
