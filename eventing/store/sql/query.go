package sql

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"eventflow/data/db"
	"eventflow/eventing"
	"eventflow/eventing/store"
	"eventflow/messaging"
)

func (s *SQLEventStore) GetByKey(ctx context.Context, domain, key string) ([]*eventing.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE domain = ? AND key = ? ORDER BY sequence ASC`, selectColumns, s.tableName)
	rows, err := s.db.Query(ctx, query, domain, key)
	if err != nil {
		return nil, eventing.NewStoreFailedError("query by key failed", err)
	}
	defer rows.Close()

	events, _, err := s.scanEvents(rows)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *SQLEventStore) ReplayAll(ctx context.Context, domain string, visitor store.EventVisitor) error {
	query := fmt.Sprintf(`SELECT %s, global_offset FROM %s WHERE domain = ? ORDER BY global_offset ASC`, selectColumns, s.tableName)
	rows, err := s.db.Query(ctx, query, domain)
	if err != nil {
		return eventing.NewStoreFailedError("replay query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, sequence, globalOffset, err := s.scanEventRow(rows)
		if err != nil {
			return err
		}
		if err := visitor(event, sequence, globalOffset); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLEventStore) Count(ctx context.Context, domain string) (int64, error) {
	var count int64
	row := s.db.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE domain = ?", s.tableName), domain)
	if err := row.Scan(&count); err != nil {
		return 0, eventing.NewStoreFailedError("count failed", err)
	}
	return count, nil
}

const selectColumns = "event_id, event_type, domain, key, sequence, event_version, source, correlation_id, saga_meta, payload, metadata, created_at"

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
}

// scanEvents 扫描不带 global_offset/sequence 额外列的结果集（GetByKey 场景）
func (s *SQLEventStore) scanEvents(rows db.IRows) ([]*eventing.Event, []uint64, error) {
	var events []*eventing.Event
	var sequences []uint64
	for rows.Next() {
		var (
			eventID, eventType, domain, key, eventVersion string
			source, correlationID, sagaMetaJSON           *string
			sequence                                      uint64
			payloadJSON, metadataJSON                     string
			createdAt                                     time.Time
		)
		if err := rows.Scan(&eventID, &eventType, &domain, &key, &sequence, &eventVersion,
			&source, &correlationID, &sagaMetaJSON, &payloadJSON, &metadataJSON, &createdAt); err != nil {
			return nil, nil, eventing.NewStoreFailedError("scan event row failed", err)
		}
		event, err := assembleEvent(eventID, eventType, domain, key, eventVersion, source, correlationID, sagaMetaJSON, payloadJSON, metadataJSON, createdAt)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, event)
		sequences = append(sequences, sequence)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, eventing.NewStoreFailedError("iterate event rows failed", err)
	}
	return events, sequences, nil
}

// scanEventRow 扫描带末尾 global_offset 列的单行（ReplayAll 场景）
func (s *SQLEventStore) scanEventRow(rows rowScanner) (*eventing.Event, uint64, uint64, error) {
	var (
		eventID, eventType, domain, key, eventVersion string
		source, correlationID, sagaMetaJSON           *string
		payloadJSON, metadataJSON                     string
		createdAt                                     time.Time
		sequence, globalOffset                        uint64
	)
	if err := rows.Scan(&eventID, &eventType, &domain, &key, &sequence, &eventVersion,
		&source, &correlationID, &sagaMetaJSON, &payloadJSON, &metadataJSON, &createdAt,
		&globalOffset); err != nil {
		return nil, 0, 0, eventing.NewStoreFailedError("scan replay row failed", err)
	}
	event, err := assembleEvent(eventID, eventType, domain, key, eventVersion, source, correlationID, sagaMetaJSON, payloadJSON, metadataJSON, createdAt)
	if err != nil {
		return nil, 0, 0, err
	}
	return event, sequence, globalOffset, nil
}

func assembleEvent(eventID, eventType, domain, key, eventVersion string, source, correlationID, sagaMetaJSON *string, payloadJSON, metadataJSON string, createdAt time.Time) (*eventing.Event, error) {
	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for event %s: %w", eventID, err)
		}
	}
	var metadata map[string]any
	if metadataJSON != "" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for event %s: %w", eventID, err)
		}
	}
	event := &eventing.Event{
		Message: messaging.Message{
			ID:        eventID,
			Type:      eventType,
			Timestamp: createdAt,
			Payload:   payload,
			Metadata:  metadata,
		},
		Domain:       domain,
		Key:          key,
		EventVersion: eventVersion,
	}
	if source != nil {
		event.Source = *source
	}
	if correlationID != nil {
		event.CorrelationID = *correlationID
	}
	if sagaMetaJSON != nil && *sagaMetaJSON != "" {
		var meta eventing.SagaMeta
		if err := json.Unmarshal([]byte(*sagaMetaJSON), &meta); err != nil {
			return nil, fmt.Errorf("unmarshal saga_meta for event %s: %w", eventID, err)
		}
		event.SagaMeta = &meta
	}
	return event, nil
}

var _ store.IEventStore = (*SQLEventStore)(nil)
