package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	core "eventflow/data/db"
	"eventflow/data/db/dialect"
)

// SQLCheckpointStore SQL 检查点存储实现
//
// 使用通用的 core.IDatabase 接口持久化检查点，UPSERT 通过先删后插实现
// （与 view.SQLStore.upsert 同样的权衡：表很小，正确性优先于一次往返）。
type SQLCheckpointStore struct {
	db        core.IDatabase
	tableName string
	dialect   dialect.Dialect
}

func NewSQLCheckpointStore(database core.IDatabase, tableName string) *SQLCheckpointStore {
	if tableName == "" {
		tableName = "projection_checkpoints"
	}
	return &SQLCheckpointStore{db: database, tableName: tableName, dialect: dialect.FromDatabase(database)}
}

func (s *SQLCheckpointStore) Load(ctx context.Context, projectionName string) (*Checkpoint, error) {
	query := fmt.Sprintf(`SELECT projection_name, position, last_event_id, last_event_time, updated_at
		FROM %s WHERE projection_name = ?`, s.tableName)
	row := s.db.QueryRow(ctx, query, projectionName)

	var checkpoint Checkpoint
	var lastEventTime sql.NullTime
	err := row.Scan(&checkpoint.ProjectionName, &checkpoint.Position, &checkpoint.LastEventID, &lastEventTime, &checkpoint.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}
	if lastEventTime.Valid {
		checkpoint.LastEventTime = lastEventTime.Time
	}
	return &checkpoint, nil
}

func (s *SQLCheckpointStore) Save(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || !checkpoint.IsValid() {
		return ErrInvalidCheckpoint
	}
	checkpoint.UpdatedAt = time.Now()
	return s.upsert(ctx, s.db, checkpoint)
}

func (s *SQLCheckpointStore) upsert(ctx context.Context, database core.IDatabase, checkpoint *Checkpoint) error {
	if _, err := database.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE projection_name = ?`, s.tableName), checkpoint.ProjectionName); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	insertSQL := fmt.Sprintf(`INSERT INTO %s (projection_name, position, last_event_id, last_event_time, updated_at)
		VALUES (?, ?, ?, ?, ?)`, s.tableName)
	if _, err := database.Exec(ctx, insertSQL, checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, checkpoint.LastEventTime, checkpoint.UpdatedAt); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

func (s *SQLCheckpointStore) Delete(ctx context.Context, projectionName string) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE projection_name = ?`, s.tableName), projectionName); err != nil {
		return errors.Join(ErrCheckpointStoreFailed, err)
	}
	return nil
}

// CreateTable 创建检查点表，幂等
func (s *SQLCheckpointStore) CreateTable(ctx context.Context) error {
	var query string
	switch s.dialect.Name() {
	case dialect.NamePostgres:
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				projection_name VARCHAR(255) PRIMARY KEY,
				position BIGINT NOT NULL DEFAULT 0,
				last_event_id VARCHAR(255) NOT NULL DEFAULT '',
				last_event_time TIMESTAMPTZ NULL,
				updated_at TIMESTAMPTZ NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_projection_checkpoints_updated_at ON %s(updated_at);
		`, s.tableName, s.tableName)
	default:
		// sqlite/mysql 兼容方言
		query = fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				projection_name TEXT PRIMARY KEY,
				position INTEGER NOT NULL DEFAULT 0,
				last_event_id TEXT NOT NULL DEFAULT '',
				last_event_time TIMESTAMP NULL,
				updated_at TIMESTAMP NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_projection_checkpoints_updated_at ON %s(updated_at);
		`, s.tableName, s.tableName)
	}

	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// List 列出所有检查点，按名称排序
func (s *SQLCheckpointStore) List(ctx context.Context) ([]*Checkpoint, error) {
	query := fmt.Sprintf(`SELECT projection_name, position, last_event_id, last_event_time, updated_at
		FROM %s ORDER BY projection_name ASC`, s.tableName)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var checkpoint Checkpoint
		var lastEventTime sql.NullTime
		if err := rows.Scan(&checkpoint.ProjectionName, &checkpoint.Position, &checkpoint.LastEventID, &lastEventTime, &checkpoint.UpdatedAt); err != nil {
			return nil, errors.Join(ErrCheckpointStoreFailed, err)
		}
		if lastEventTime.Valid {
			checkpoint.LastEventTime = lastEventTime.Time
		}
		checkpoints = append(checkpoints, &checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrCheckpointStoreFailed, err)
	}
	return checkpoints, nil
}

// SaveBatch 在一个事务内批量保存多个检查点
func (s *SQLCheckpointStore) SaveBatch(ctx context.Context, checkpoints []*Checkpoint) error {
	if len(checkpoints) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, cp := range checkpoints {
		if cp == nil || !cp.IsValid() {
			continue
		}
		cp.UpdatedAt = time.Now()
		if err := s.upsert(ctx, tx, cp); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

var _ ICheckpointStore = (*SQLCheckpointStore)(nil)
