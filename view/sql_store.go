package view

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	core "eventflow/data/db"
	"eventflow/data/db/dialect"
)

// SQLStore 基于通用 SQL 接口的视图存储实现
//
// 表结构见 Schema()：PK (view_name, key)，AtomicUpdate 在一个事务内
// SELECT ... 再 DELETE+INSERT（写入新值）或 DELETE（删除），依赖事务隔离级别提供 per-key 的
// 比较并交换语义（同一行上两个并发事务会被底层数据库的行锁序列化）。
type SQLStore struct {
	db        core.IDatabase
	dialect   dialect.Dialect
	tableName string
}

type Options struct {
	TableName string
}

func New(database core.IDatabase, opts Options) *SQLStore {
	if database == nil {
		panic("view.New: db cannot be nil")
	}
	tableName := opts.TableName
	if tableName == "" {
		tableName = "view_store"
	}
	return &SQLStore{db: database, dialect: dialect.FromDatabase(database), tableName: tableName}
}

func (s *SQLStore) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    view_name  TEXT NOT NULL,
    key        TEXT NOT NULL,
    payload    TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (view_name, key)
);
`, s.tableName)
}

func (s *SQLStore) Get(ctx context.Context, view, key string) (*Record, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT payload, updated_at FROM %s WHERE view_name = ? AND key = ?", s.tableName), view, key)
	return scanRecord(row, view, key)
}

func (s *SQLStore) Put(ctx context.Context, view, key string, payload []byte) error {
	return s.upsert(ctx, s.db, view, key, payload)
}

func (s *SQLStore) upsert(ctx context.Context, database core.IDatabase, view, key string, payload []byte) error {
	now := time.Now().UTC()
	_, err := database.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE view_name = ? AND key = ?`, s.tableName), view, key)
	if err != nil {
		return fmt.Errorf("upsert view record: delete old row: %w", err)
	}
	_, err = database.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (view_name, key, payload, updated_at) VALUES (?, ?, ?, ?)`, s.tableName),
		view, key, string(payload), now)
	if err != nil {
		return fmt.Errorf("upsert view record: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, view, key string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE view_name = ? AND key = ?`, s.tableName), view, key)
	return err
}

func (s *SQLStore) Clear(ctx context.Context, view string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE view_name = ?`, s.tableName), view)
	return err
}

func (s *SQLStore) Scan(ctx context.Context, view string, visitor Visitor) error {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT key, payload, updated_at FROM %s WHERE view_name = ? ORDER BY key ASC`, s.tableName), view)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var key, payload string
		var updatedAt time.Time
		if err := rows.Scan(&key, &payload, &updatedAt); err != nil {
			return fmt.Errorf("scan view record: %w", err)
		}
		rec := Record{View: view, Key: key, Payload: []byte(payload), UpdatedAt: updatedAt.UnixNano()}
		if err := visitor(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) AtomicUpdate(ctx context.Context, view, key string, fn UpdateFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("atomic update begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRow(ctx, fmt.Sprintf("SELECT payload, updated_at FROM %s WHERE view_name = ? AND key = ?", s.tableName), view, key)
	current, err := scanRecord(row, view, key)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("atomic update read current: %w", err)
	}
	if err == ErrNotFound {
		current = nil
	}

	next, fnErr := fn(current)
	switch fnErr {
	case nil:
		if err := s.upsert(ctx, tx, view, key, next); err != nil {
			return err
		}
	case Deleted:
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE view_name = ? AND key = ?`, s.tableName), view, key); err != nil {
			return fmt.Errorf("atomic update delete: %w", err)
		}
	case Unchanged:
		return tx.Rollback()
	default:
		return fnErr
	}

	return tx.Commit()
}

func scanRecord(row core.IRow, view, key string) (*Record, error) {
	var payload string
	var updatedAt time.Time
	if err := row.Scan(&payload, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &Record{View: view, Key: key, Payload: []byte(payload), UpdatedAt: updatedAt.UnixNano()}, nil
}

var _ IStore = (*SQLStore)(nil)
