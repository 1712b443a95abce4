package sql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"eventflow/data/db"
	"eventflow/eventing"
	log "eventflow/logging"
)

func (s *SQLEventStore) Append(ctx context.Context, domain, key string, event *eventing.Event) (uint64, error) {
	if event == nil {
		return 0, eventing.NewInvalidEventError("", "", "event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return 0, eventing.NewInvalidEventErrorWithCause(event.GetID(), event.GetType(), "event validation failed", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, eventing.NewStoreFailedError("begin transaction failed", err)
	}
	defer tx.Rollback()

	sequence, err := s.appendWithDB(ctx, tx, domain, key, event)
	if err != nil {
		return sequence, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eventing.NewStoreFailedError("commit transaction failed", err)
	}

	log.GetLogger().Debug(ctx, "event appended",
		log.String("domain", domain), log.String("key", key),
		log.Uint64("sequence", sequence), log.String("event_id", event.GetID()))
	return sequence, nil
}

// AppendWithDB 在调用方提供的事务内追加事件，供 outbox 把业务写入、事件
// 追加和 Outbox 暂存行绑定到同一个数据库事务时使用。
func (s *SQLEventStore) AppendWithDB(ctx context.Context, database db.IDatabase, domain, key string, event *eventing.Event) (uint64, error) {
	if event == nil {
		return 0, eventing.NewInvalidEventError("", "", "event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return 0, eventing.NewInvalidEventErrorWithCause(event.GetID(), event.GetType(), "event validation failed", err)
	}
	return s.appendWithDB(ctx, database, domain, key, event)
}

func (s *SQLEventStore) appendWithDB(ctx context.Context, database db.IDatabase, domain, key string, event *eventing.Event) (uint64, error) {
	// 重复检测先行，把 §7 要求的幂等 no-op 和真正的分区编号冲突区分开。
	if existingSeq, found, err := s.findByEventID(ctx, database, domain, event.GetID()); err != nil {
		return 0, eventing.NewStoreFailedError("duplicate check failed", err)
	} else if found {
		return existingSeq, eventing.NewDuplicateEventError(domain, event.GetID())
	}

	current, err := s.maxSequence(ctx, database, domain, key)
	if err != nil {
		return 0, eventing.NewStoreFailedError("query current sequence failed", err)
	}
	nextSeq := current + 1

	payloadJSON, err := json.Marshal(event.GetPayload())
	if err != nil {
		return 0, &eventing.EventStoreError{Code: eventing.ErrCodeSerializePayload, Message: "serialize payload failed", Cause: err, EventID: event.GetID(), EventType: event.GetType()}
	}
	metadataJSON, err := json.Marshal(event.GetMetadata())
	if err != nil {
		return 0, &eventing.EventStoreError{Code: eventing.ErrCodeSerializeMetadata, Message: "serialize metadata failed", Cause: err, EventID: event.GetID(), EventType: event.GetType()}
	}
	var sagaMetaJSON []byte
	if event.SagaMeta != nil {
		sagaMetaJSON, err = json.Marshal(event.SagaMeta)
		if err != nil {
			return 0, &eventing.EventStoreError{Code: eventing.ErrCodeSerializeMetadata, Message: "serialize saga_meta failed", Cause: err, EventID: event.GetID(), EventType: event.GetType()}
		}
	}

	insertSQL := fmt.Sprintf(`INSERT INTO %s
		(domain, key, sequence, event_id, event_type, event_version, source, correlation_id, saga_meta, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)

	_, err = database.Exec(ctx, insertSQL,
		domain, key, nextSeq, event.GetID(), event.GetType(), event.EventVersion,
		event.Source, event.CorrelationID, nullableString(sagaMetaJSON),
		string(payloadJSON), string(metadataJSON), event.GetTimestamp().UTC())
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			// 并发写入同一分区：让调用方按 SequenceConflict 重试
			return 0, eventing.NewSequenceConflictError(domain, key, nextSeq, current)
		}
		return 0, eventing.NewStoreFailedError("insert event failed", err)
	}
	return nextSeq, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLEventStore) maxSequence(ctx context.Context, database db.IDatabase, domain, key string) (uint64, error) {
	var current uint64
	row := database.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE domain = ? AND key = ?", s.tableName), domain, key)
	if err := row.Scan(&current); err != nil {
		return 0, err
	}
	return current, nil
}

func (s *SQLEventStore) findByEventID(ctx context.Context, database db.IDatabase, domain, eventID string) (uint64, bool, error) {
	var sequence uint64
	row := database.QueryRow(ctx, fmt.Sprintf("SELECT sequence FROM %s WHERE domain = ? AND event_id = ?", s.tableName), domain, eventID)
	err := row.Scan(&sequence)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return sequence, true, nil
}
