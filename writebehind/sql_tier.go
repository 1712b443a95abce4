package writebehind

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	core "eventflow/data/db"
	"eventflow/data/db/dialect"
)

// SQLDurableTier is the relational durable tier for write-behind records
// (§3.7, §6 `event_store`/`view_store` shape generalized to one shared
// table keyed by `(domain, key)`). UpsertBatch follows the same
// delete-then-insert pattern view.SQLStore uses for its single-row upsert,
// run once per record inside a single per-partition-flush transaction.
type SQLDurableTier struct {
	db        core.IDatabase
	dialect   dialect.Dialect
	tableName string
}

type SQLDurableTierOptions struct {
	TableName string
}

func NewSQLDurableTier(database core.IDatabase, opts SQLDurableTierOptions) *SQLDurableTier {
	if database == nil {
		panic("writebehind.NewSQLDurableTier: db cannot be nil")
	}
	table := opts.TableName
	if table == "" {
		table = "write_behind_store"
	}
	return &SQLDurableTier{db: database, dialect: dialect.FromDatabase(database), tableName: table}
}

func (t *SQLDurableTier) Schema() string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    domain     TEXT NOT NULL,
    key        TEXT NOT NULL,
    sequence   BIGINT,
    payload    TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (domain, key)
);
`, t.tableName)
}

func (t *SQLDurableTier) Get(ctx context.Context, domain, key string) (Record, bool, error) {
	row := t.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT sequence, payload, updated_at FROM %s WHERE domain = ? AND key = ?", t.tableName), domain, key)

	var seq sql.NullInt64
	var payload string
	var updatedAt time.Time
	if err := row.Scan(&seq, &payload, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("write-behind durable get: %w", err)
	}

	rec := Record{Domain: domain, Key: key, Payload: []byte(payload), UpdatedAt: updatedAt}
	if seq.Valid {
		rec.Sequence = &seq.Int64
	}
	return rec, true, nil
}

// UpsertBatch writes every record in one transaction (§4.10 "issues an
// upsert in one transaction per partition"). A mid-batch failure rolls the
// whole flush back so the caller's retry re-sends the complete batch
// rather than a partially-applied one.
func (t *SQLDurableTier) UpsertBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := t.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("write-behind upsert batch: begin: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE domain = ? AND key = ?", t.tableName),
			rec.Domain, rec.Key); err != nil {
			return fmt.Errorf("write-behind upsert batch: delete old row: %w", err)
		}

		var seq any
		if rec.Sequence != nil {
			seq = *rec.Sequence
		}
		updatedAt := rec.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO %s (domain, key, sequence, payload, updated_at) VALUES (?, ?, ?, ?, ?)", t.tableName),
			rec.Domain, rec.Key, seq, string(rec.Payload), updatedAt); err != nil {
			return fmt.Errorf("write-behind upsert batch: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write-behind upsert batch: commit: %w", err)
	}
	return nil
}

var _ DurableTier = (*SQLDurableTier)(nil)
