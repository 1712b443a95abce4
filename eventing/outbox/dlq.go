package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventflow/codegen/snowflake"
	core "eventflow/data/db"
)

// DLQEntry 死信队列记录：Outbox 记录重试耗尽后落到这里，等待人工介入。
//
// Replayable (§3.6, §6 `dead_letter.replayable`) gates Replay: a permanent
// failure (bad payload, unknown destination) should not be silently
// re-enqueued to fail the same way again.
type DLQEntry struct {
	ID              int64     `json:"id"`
	OriginalEntryID int64     `json:"original_entry_id"`
	Domain          string    `json:"domain"`
	Key             string    `json:"key"`
	EventID         string    `json:"event_id"`
	EventType       string    `json:"event_type"`
	EventData       string    `json:"event_data"`
	FailureReason   string    `json:"failure_reason"`
	RetryCount      int       `json:"retry_count"`
	MovedAt         time.Time `json:"moved_at"`
	Replayable      bool      `json:"replayable"`
}

func (DLQEntry) TableName() string { return "event_outbox_dlq" }

// IDLQRepository 管理死信队列记录
type IDLQRepository interface {
	MoveToDLQ(ctx context.Context, entry Entry, reason string, replayable bool) error
	GetEntries(ctx context.Context, limit int) ([]DLQEntry, error)
	// Replay 把一条 DLQ 记录重新放回 Outbox 的 pending 队列，并从 DLQ 删除；
	// 若该记录 Replayable 为 false 则拒绝（§3.6 "replay(id) ... if replayable"）。
	Replay(ctx context.Context, dlqID int64) error
	Discard(ctx context.Context, dlqID int64) error
	Count(ctx context.Context) (int64, error)
}

// ErrNotReplayable is returned by Replay for a DLQ entry whose Replayable
// field is false.
var ErrNotReplayable = fmt.Errorf("dlq entry is not replayable")

// SQLDLQRepository 基于 database/sql 的 DLQ 实现
type SQLDLQRepository struct {
	db         core.IDatabase
	outboxRepo *SQLRepository
	ids        *snowflake.Generator
	maxRetries int
}

func NewSQLDLQRepository(database core.IDatabase, outboxRepo *SQLRepository, ids *snowflake.Generator, maxRetries int) *SQLDLQRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &SQLDLQRepository{db: database, outboxRepo: outboxRepo, ids: ids, maxRetries: maxRetries}
}

func (r *SQLDLQRepository) Schema() string {
	return `
CREATE TABLE IF NOT EXISTS event_outbox_dlq (
    id                INTEGER PRIMARY KEY,
    original_entry_id INTEGER NOT NULL,
    domain            TEXT NOT NULL,
    key               TEXT NOT NULL,
    event_id          TEXT NOT NULL,
    event_type        TEXT NOT NULL,
    event_data        TEXT NOT NULL,
    failure_reason    TEXT,
    retry_count       INTEGER NOT NULL,
    moved_at          TIMESTAMP NOT NULL,
    replayable        BOOLEAN NOT NULL
);
`
}

// ShouldMoveToDLQ 判断一条 Outbox 记录的重试次数是否已耗尽
func (r *SQLDLQRepository) ShouldMoveToDLQ(entry Entry) bool {
	return entry.RetryCount >= r.maxRetries
}

func (r *SQLDLQRepository) MoveToDLQ(ctx context.Context, entry Entry, reason string, replayable bool) error {
	id, err := r.ids.NextID()
	if err != nil {
		return fmt.Errorf("allocate dlq id: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertSQL := `INSERT INTO event_outbox_dlq
		(id, original_entry_id, domain, key, event_id, event_type, event_data, failure_reason, retry_count, moved_at, replayable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.Exec(ctx, insertSQL, id, entry.ID, entry.Domain, entry.Key, entry.EventID, entry.EventType,
		entry.EventData, reason, entry.RetryCount, time.Now().UTC(), replayable)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.outboxRepo.table), entry.ID); err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}

	return tx.Commit()
}

func (r *SQLDLQRepository) GetEntries(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, original_entry_id, domain, key, event_id, event_type, event_data,
		failure_reason, retry_count, moved_at, replayable FROM event_outbox_dlq ORDER BY moved_at DESC LIMIT ?`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query dlq entries: %w", err)
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.OriginalEntryID, &e.Domain, &e.Key, &e.EventID, &e.EventType,
			&e.EventData, &reason, &e.RetryCount, &e.MovedAt, &e.Replayable); err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		e.FailureReason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *SQLDLQRepository) Replay(ctx context.Context, dlqID int64) error {
	var e DLQEntry
	var reason sql.NullString
	row := r.db.QueryRow(ctx, `SELECT id, original_entry_id, domain, key, event_id, event_type, event_data,
		failure_reason, retry_count, moved_at, replayable FROM event_outbox_dlq WHERE id = ?`, dlqID)
	if err := row.Scan(&e.ID, &e.OriginalEntryID, &e.Domain, &e.Key, &e.EventID, &e.EventType,
		&e.EventData, &reason, &e.RetryCount, &e.MovedAt, &e.Replayable); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("dlq entry %d not found", dlqID)
		}
		return fmt.Errorf("query dlq entry: %w", err)
	}
	if !e.Replayable {
		return fmt.Errorf("dlq entry %d: %w", dlqID, ErrNotReplayable)
	}

	newID, err := r.ids.NextID()
	if err != nil {
		return fmt.Errorf("allocate outbox id: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(id, domain, key, event_id, event_type, event_data, status, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`, r.outboxRepo.table)
	_, err = tx.Exec(ctx, insertSQL, newID, e.Domain, e.Key, e.EventID, e.EventType, e.EventData, StatusPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("reinsert outbox entry: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM event_outbox_dlq WHERE id = ?`, dlqID); err != nil {
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	return tx.Commit()
}

func (r *SQLDLQRepository) Discard(ctx context.Context, dlqID int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM event_outbox_dlq WHERE id = ?`, dlqID)
	if err != nil {
		return fmt.Errorf("discard dlq entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("dlq entry %d not found", dlqID)
	}
	return nil
}

func (r *SQLDLQRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	row := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox_dlq`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count dlq entries: %w", err)
	}
	return count, nil
}

var _ IDLQRepository = (*SQLDLQRepository)(nil)
