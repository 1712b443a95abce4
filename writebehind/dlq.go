package writebehind

import (
	"context"
	"fmt"
	"time"

	"eventflow/codegen/snowflake"
	core "eventflow/data/db"
)

// DeadLetterEntry is a write-behind flush that never durably landed after
// MaxAttempts, preserving the original payload for later replay (§3.6,
// §4.10 "Failure modes").
type DeadLetterEntry struct {
	ID            int64
	Domain        string
	Key           string
	Payload       []byte
	FailureReason string
	Attempts      int
	FirstSeen     time.Time
	Replayable    bool
}

// SQLDeadLetterSink is the SQL-backed DeadLetterSink, mirroring
// eventing/outbox's SQLDLQRepository shape but for write-behind batches
// rather than outbox publish attempts.
type SQLDeadLetterSink struct {
	db        core.IDatabase
	ids       *snowflake.Generator
	tableName string
}

func NewSQLDeadLetterSink(database core.IDatabase, ids *snowflake.Generator, tableName string) *SQLDeadLetterSink {
	if tableName == "" {
		tableName = "write_behind_dlq"
	}
	return &SQLDeadLetterSink{db: database, ids: ids, tableName: tableName}
}

func (s *SQLDeadLetterSink) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id             INTEGER PRIMARY KEY,
    domain         TEXT NOT NULL,
    key            TEXT NOT NULL,
    payload        TEXT NOT NULL,
    failure_reason TEXT,
    attempts       INTEGER NOT NULL,
    first_seen     TIMESTAMP NOT NULL,
    replayable     BOOLEAN NOT NULL
);
`, s.tableName)
}

func (s *SQLDeadLetterSink) Park(ctx context.Context, record Record, reason string, attempts int) error {
	id, err := s.ids.NextID()
	if err != nil {
		return fmt.Errorf("allocate dead-letter id: %w", err)
	}

	_, err = s.db.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, domain, key, payload, failure_reason, attempts, first_seen, replayable) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		s.tableName),
		id, record.Domain, record.Key, string(record.Payload), reason, attempts, time.Now().UTC(), true)
	if err != nil {
		return fmt.Errorf("write-behind dead-letter insert: %w", err)
	}
	return nil
}

func (s *SQLDeadLetterSink) GetEntries(ctx context.Context, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(
		"SELECT id, domain, key, payload, failure_reason, attempts, first_seen, replayable FROM %s ORDER BY first_seen DESC LIMIT ?",
		s.tableName), limit)
	if err != nil {
		return nil, fmt.Errorf("write-behind dead-letter query: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		var e DeadLetterEntry
		var payload, reason string
		if err := rows.Scan(&e.ID, &e.Domain, &e.Key, &payload, &reason, &e.Attempts, &e.FirstSeen, &e.Replayable); err != nil {
			return nil, fmt.Errorf("write-behind dead-letter scan: %w", err)
		}
		e.Payload = []byte(payload)
		e.FailureReason = reason
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLDeadLetterSink) Discard(ctx context.Context, id int64) error {
	result, err := s.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.tableName), id)
	if err != nil {
		return fmt.Errorf("write-behind dead-letter discard: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("dead-letter entry %d not found", id)
	}
	return nil
}

var _ DeadLetterSink = (*SQLDeadLetterSink)(nil)
