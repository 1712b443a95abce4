package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	core "eventflow/data/db"
	"eventflow/data/db/dialect"
)

// SQLSagaStateStore is the durable ISagaStateStore (component D, §4.5,
// §6 `saga_state` table), the SQL-backed counterpart to
// MemorySagaStateStore for deployments that need saga progress to survive
// a process restart. Follows the same shape as view.SQLStore and
// writebehind.SQLDurableTier: one table, an existence check then an insert for Start,
// a transaction for the compare-and-set so a concurrent CompareAndSetStatus
// from another process loses the race instead of corrupting state.
type SQLSagaStateStore struct {
	db        core.IDatabase
	dialect   dialect.Dialect
	tableName string
}

type SQLSagaStateStoreOptions struct {
	TableName string
}

func NewSQLSagaStateStore(database core.IDatabase, opts SQLSagaStateStoreOptions) *SQLSagaStateStore {
	if database == nil {
		panic("saga.NewSQLSagaStateStore: db cannot be nil")
	}
	table := opts.TableName
	if table == "" {
		table = "saga_state"
	}
	return &SQLSagaStateStore{db: database, dialect: dialect.FromDatabase(database), tableName: table}
}

func (s *SQLSagaStateStore) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    saga_id         TEXT PRIMARY KEY,
    saga_type       TEXT NOT NULL,
    status          TEXT NOT NULL,
    correlation_id  TEXT,
    total_steps     INTEGER NOT NULL,
    current_step    INTEGER NOT NULL,
    steps           TEXT NOT NULL,
    failure_reason  TEXT,
    failed_at_step  INTEGER NOT NULL,
    context         TEXT NOT NULL,
    deadline        TIMESTAMP NOT NULL,
    created_at      TIMESTAMP NOT NULL,
    updated_at      TIMESTAMP NOT NULL,
    completed_at    TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_deadline ON %[1]s (deadline);
`, s.tableName)
}

func (s *SQLSagaStateStore) Start(ctx context.Context, state *SagaState) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("saga sql state store start: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(ctx, fmt.Sprintf("SELECT saga_id FROM %s WHERE saga_id = ?", s.tableName), state.SagaID)
	var existing string
	if err := row.Scan(&existing); err == nil {
		return ErrSagaInvalidState
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("saga sql state store start: check existing: %w", err)
	}

	if err := s.insert(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("saga sql state store start: commit: %w", err)
	}
	return nil
}

func (s *SQLSagaStateStore) insert(ctx context.Context, db core.IDatabase, state *SagaState) error {
	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		return fmt.Errorf("saga sql state store: marshal steps: %w", err)
	}
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("saga sql state store: marshal context: %w", err)
	}

	var completedAt any
	if !state.CompletedAt.IsZero() {
		completedAt = state.CompletedAt
	}

	_, err = db.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (saga_id, saga_type, status, correlation_id, total_steps, current_step, steps,
    failure_reason, failed_at_step, context, deadline, created_at, updated_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName),
		state.SagaID, state.SagaType, string(state.Status), state.CorrelationID,
		state.TotalSteps, state.CurrentStep, string(stepsJSON),
		state.FailureReason, state.FailedAtStep, string(contextJSON),
		state.Deadline, state.CreatedAt, state.UpdatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("saga sql state store: insert: %w", err)
	}
	return nil
}

func (s *SQLSagaStateStore) Get(ctx context.Context, sagaID string) (*SagaState, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, status, correlation_id, total_steps, current_step, steps,
    failure_reason, failed_at_step, context, deadline, created_at, updated_at, completed_at
FROM %s WHERE saga_id = ?`, s.tableName), sagaID)
	return scanSagaState(row)
}

func scanSagaState(row core.IRow) (*SagaState, error) {
	var (
		status                     string
		stepsJSON, contextJSON     string
		correlationID, failureReason sql.NullString
		completedAt                sql.NullTime
		state                      SagaState
	)
	if err := row.Scan(&state.SagaID, &state.SagaType, &status, &correlationID,
		&state.TotalSteps, &state.CurrentStep, &stepsJSON,
		&failureReason, &state.FailedAtStep, &contextJSON,
		&state.Deadline, &state.CreatedAt, &state.UpdatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("saga sql state store: scan: %w", err)
	}

	state.Status = SagaStatus(status)
	state.CorrelationID = correlationID.String
	state.FailureReason = failureReason.String
	if completedAt.Valid {
		state.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal([]byte(stepsJSON), &state.Steps); err != nil {
		return nil, fmt.Errorf("saga sql state store: unmarshal steps: %w", err)
	}
	state.Context = make(map[string]any)
	if err := json.Unmarshal([]byte(contextJSON), &state.Context); err != nil {
		return nil, fmt.Errorf("saga sql state store: unmarshal context: %w", err)
	}
	return &state, nil
}

func (s *SQLSagaStateStore) Update(ctx context.Context, state *SagaState) error {
	if state == nil || state.SagaID == "" {
		return ErrSagaInvalidState
	}

	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		return fmt.Errorf("saga sql state store update: marshal steps: %w", err)
	}
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("saga sql state store update: marshal context: %w", err)
	}
	var completedAt any
	if !state.CompletedAt.IsZero() {
		completedAt = state.CompletedAt
	}

	result, err := s.db.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET saga_type = ?, status = ?, correlation_id = ?, total_steps = ?, current_step = ?,
    steps = ?, failure_reason = ?, failed_at_step = ?, context = ?, deadline = ?, updated_at = ?,
    completed_at = ?
WHERE saga_id = ?`, s.tableName),
		state.SagaType, string(state.Status), state.CorrelationID, state.TotalSteps, state.CurrentStep,
		string(stepsJSON), state.FailureReason, state.FailedAtStep, string(contextJSON),
		state.Deadline, time.Now(), completedAt, state.SagaID)
	if err != nil {
		return fmt.Errorf("saga sql state store update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSagaNotFound
	}
	return nil
}

// CompareAndSetStatus runs the read-check-write inside one transaction so a
// concurrent caller (another scheduler tick, another process) racing the
// same saga_id sees either the old or the new row, never a torn update
// (§5 "the loser aborts").
func (s *SQLSagaStateStore) CompareAndSetStatus(ctx context.Context, sagaID string, expectedFrom, to SagaStatus, reason string) (*SagaState, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("saga sql state store cas: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, status, correlation_id, total_steps, current_step, steps,
    failure_reason, failed_at_step, context, deadline, created_at, updated_at, completed_at
FROM %s WHERE saga_id = ?`, s.tableName), sagaID)
	state, err := scanSagaState(row)
	if err != nil {
		return nil, err
	}
	if state.Status != expectedFrom {
		return nil, ErrSagaConcurrentUpdate
	}
	if !canTransition(state.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSagaInvalidTransition, state.Status, to)
	}

	state.Status = to
	state.UpdatedAt = time.Now()
	if to == SagaStatusCompensating {
		state.FailureReason = reason
	}
	if to.IsTerminal() {
		state.CompletedAt = state.UpdatedAt
	}

	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		return nil, fmt.Errorf("saga sql state store cas: marshal steps: %w", err)
	}
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return nil, fmt.Errorf("saga sql state store cas: marshal context: %w", err)
	}
	var completedAt any
	if !state.CompletedAt.IsZero() {
		completedAt = state.CompletedAt
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET status = ?, failure_reason = ?, steps = ?, context = ?, updated_at = ?, completed_at = ?
WHERE saga_id = ? AND status = ?`, s.tableName),
		string(state.Status), state.FailureReason, string(stepsJSON), string(contextJSON),
		state.UpdatedAt, completedAt, sagaID, string(expectedFrom)); err != nil {
		return nil, fmt.Errorf("saga sql state store cas: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("saga sql state store cas: commit: %w", err)
	}
	return state, nil
}

func (s *SQLSagaStateStore) Delete(ctx context.Context, sagaID string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE saga_id = ?", s.tableName), sagaID)
	return err
}

func (s *SQLSagaStateStore) ByStatus(ctx context.Context, status SagaStatus) ([]*SagaState, error) {
	return s.query(ctx, "status = ?", string(status))
}

func (s *SQLSagaStateStore) ByType(ctx context.Context, sagaType string) ([]*SagaState, error) {
	return s.query(ctx, "saga_type = ?", sagaType)
}

func (s *SQLSagaStateStore) ByCorrelation(ctx context.Context, correlationID string) ([]*SagaState, error) {
	return s.query(ctx, "correlation_id = ?", correlationID)
}

// PastDeadline lists sagas in an active status (SagaStatus.IsActive) whose
// deadline is at or before now, relying on the `idx_<table>_deadline`
// index named in Schema (§6). A saga already in COMPENSATING is excluded
// even though it isn't terminal, since it has already been handed to the
// CompensationTrigger once (§4.7 at-most-once).
func (s *SQLSagaStateStore) PastDeadline(ctx context.Context, now int64) ([]*SagaState, error) {
	cutoff := time.Unix(0, now)
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, status, correlation_id, total_steps, current_step, steps,
    failure_reason, failed_at_step, context, deadline, created_at, updated_at, completed_at
FROM %s WHERE deadline <= ? AND status IN (?, ?)`, s.tableName),
		cutoff, string(SagaStatusStarted), string(SagaStatusInProgress))
	if err != nil {
		return nil, fmt.Errorf("saga sql state store past_deadline: %w", err)
	}
	defer rows.Close()
	return scanSagaStates(rows)
}

func (s *SQLSagaStateStore) Count(ctx context.Context, status SagaStatus) (int, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = ?", s.tableName), string(status))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("saga sql state store count: %w", err)
	}
	return n, nil
}

func (s *SQLSagaStateStore) query(ctx context.Context, where string, arg any) ([]*SagaState, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
SELECT saga_id, saga_type, status, correlation_id, total_steps, current_step, steps,
    failure_reason, failed_at_step, context, deadline, created_at, updated_at, completed_at
FROM %s WHERE %s`, s.tableName, where), arg)
	if err != nil {
		return nil, fmt.Errorf("saga sql state store query: %w", err)
	}
	defer rows.Close()
	return scanSagaStates(rows)
}

func scanSagaStates(rows core.IRows) ([]*SagaState, error) {
	var result []*SagaState
	for rows.Next() {
		var (
			status                       string
			stepsJSON, contextJSON       string
			correlationID, failureReason sql.NullString
			completedAt                  sql.NullTime
			state                        SagaState
		)
		if err := rows.Scan(&state.SagaID, &state.SagaType, &status, &correlationID,
			&state.TotalSteps, &state.CurrentStep, &stepsJSON,
			&failureReason, &state.FailedAtStep, &contextJSON,
			&state.Deadline, &state.CreatedAt, &state.UpdatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("saga sql state store: scan row: %w", err)
		}
		state.Status = SagaStatus(status)
		state.CorrelationID = correlationID.String
		state.FailureReason = failureReason.String
		if completedAt.Valid {
			state.CompletedAt = completedAt.Time
		}
		if err := json.Unmarshal([]byte(stepsJSON), &state.Steps); err != nil {
			return nil, fmt.Errorf("saga sql state store: unmarshal steps: %w", err)
		}
		state.Context = make(map[string]any)
		if err := json.Unmarshal([]byte(contextJSON), &state.Context); err != nil {
			return nil, fmt.Errorf("saga sql state store: unmarshal context: %w", err)
		}
		result = append(result, &state)
	}
	return result, rows.Err()
}

var _ ISagaStateStore = (*SQLSagaStateStore)(nil)
