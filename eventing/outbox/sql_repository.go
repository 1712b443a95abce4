package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	core "eventflow/data/db"
	"eventflow/eventing"
	estore "eventflow/eventing/store/sql"
	"eventflow/logging"
)

// SQLRepository 基于 database/sql 的 Outbox 仓储：业务事件追加和 Outbox
// 暂存行写入同一个事务，发布状态流转用独立的 UPDATE 语句。
type SQLRepository struct {
	db         core.IDatabase
	eventStore *estore.SQLEventStore
	table      string
	log        logging.ILogger
}

func NewSQLRepository(database core.IDatabase, eventStore *estore.SQLEventStore, logger logging.ILogger) *SQLRepository {
	if logger == nil {
		logger = logging.ComponentLogger("eventing.outbox")
	}
	return &SQLRepository{db: database, eventStore: eventStore, table: "event_outbox", log: logger}
}

// Schema 返回建表 DDL
func (r *SQLRepository) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id            INTEGER PRIMARY KEY,
    domain        TEXT NOT NULL,
    key           TEXT NOT NULL,
    event_id      TEXT NOT NULL UNIQUE,
    event_type    TEXT NOT NULL,
    event_data    TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    created_at    TIMESTAMP NOT NULL,
    published_at  TIMESTAMP,
    retry_count   INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    next_retry_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_%s_status ON %s (status, next_retry_at);
`, r.table, r.table, r.table)
}

func (r *SQLRepository) StageWithEvent(ctx context.Context, entryID int64, domain, key string, event *eventing.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := r.eventStore.AppendWithDB(ctx, tx, domain, key, event); err != nil {
		var dup *eventing.EventStoreError
		if errors.As(err, &dup) && dup.Code == eventing.ErrCodeDuplicateEvent {
			// 事件已追加过：幂等地跳过 Outbox 暂存，视为本次写入成功
			return nil
		}
		return fmt.Errorf("append event: %w", err)
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(id, domain, key, event_id, event_type, event_data, status, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`, r.table)
	_, err = tx.Exec(ctx, insertSQL, entryID, domain, key, event.GetID(), event.GetType(), string(eventData), StatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *SQLRepository) GetPending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id, domain, key, event_id, event_type, event_data, status,
		created_at, published_at, retry_count, last_error, next_retry_at
		FROM %s
		WHERE status = ? OR (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
		ORDER BY created_at ASC LIMIT ?`, r.table)

	rows, err := r.db.Query(ctx, query, StatusPending, StatusFailed, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var publishedAt, nextRetryAt sql.NullTime
		var lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.Domain, &e.Key, &e.EventID, &e.EventType, &e.EventData, &e.Status,
			&e.CreatedAt, &publishedAt, &e.RetryCount, &lastError, &nextRetryAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		if publishedAt.Valid {
			e.PublishedAt = &publishedAt.Time
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		if nextRetryAt.Valid {
			e.NextRetryAt = &nextRetryAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLRepository) MarkPublished(ctx context.Context, entryID int64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, published_at = ? WHERE id = ?`, r.table)
	_, err := r.db.Exec(ctx, query, StatusPublished, time.Now().UTC(), entryID)
	return err
}

func (r *SQLRepository) MarkFailed(ctx context.Context, entryID int64, errMsg string, nextRetryAt time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET status = ?, last_error = ?, retry_count = retry_count + 1, next_retry_at = ? WHERE id = ?`, r.table)
	_, err := r.db.Exec(ctx, query, StatusFailed, errMsg, nextRetryAt.UTC(), entryID)
	return err
}

func (r *SQLRepository) DeletePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE status = ? AND published_at < ?`, r.table)
	result, err := r.db.Exec(ctx, query, StatusPublished, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete published entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

var _ IRepository = (*SQLRepository)(nil)
