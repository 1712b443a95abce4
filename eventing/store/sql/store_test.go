package sql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	basicdb "eventflow/data/db/basic"
	core "eventflow/data/db"
	"eventflow/eventing"
)

func setupTestStore(t *testing.T) *SQLEventStore {
	t.Helper()
	database, err := basicdb.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s := New(database, Options{TableName: "event_store"})
	require.NoError(t, database.(interface{ MustExecDDL(string) error }).MustExecDDL(s.Schema()))
	return s
}

func TestSQLEventStore_AppendAssignsGapFreeSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		event := eventing.NewEvent("orders", "order-1", "OrderCreated", "1", "test", map[string]any{"n": i})
		seq, err := s.Append(ctx, "orders", "order-1", event)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), seq)
	}

	events, err := s.GetByKey(ctx, "orders", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
}

func TestSQLEventStore_AppendIsIdempotentOnDuplicateEventID(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	event := eventing.NewEvent("orders", "order-1", "OrderCreated", "1", "test", nil)
	seq1, err := s.Append(ctx, "orders", "order-1", event)
	require.NoError(t, err)

	seq2, err := s.Append(ctx, "orders", "order-1", event)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventing.ErrDuplicateEvent())
	assert.Equal(t, seq1, seq2)
}

func TestSQLEventStore_ReplayAllOrdersByWriteSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, "orders", "order-1", eventing.NewEvent("orders", "order-1", "OrderCreated", "1", "test", nil))
	require.NoError(t, err)
	_, err = s.Append(ctx, "orders", "order-2", eventing.NewEvent("orders", "order-2", "OrderCreated", "1", "test", nil))
	require.NoError(t, err)
	_, err = s.Append(ctx, "orders", "order-1", eventing.NewEvent("orders", "order-1", "OrderShipped", "1", "test", nil))
	require.NoError(t, err)

	var keys []string
	err = s.ReplayAll(ctx, "orders", func(event *eventing.Event, sequence, globalOffset uint64) error {
		keys = append(keys, event.Key)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"order-1", "order-2", "order-1"}, keys)

	count, err := s.Count(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestSQLEventStore_PayloadAndSagaMetaRoundtrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	event := eventing.NewEvent("orders", "order-1", "OrderCreated", "1", "test", map[string]any{"total": float64(42)})
	event.WithSaga("saga-1", "order-fulfillment", 1, false)
	_, err := s.Append(ctx, "orders", "order-1", event)
	require.NoError(t, err)

	events, err := s.GetByKey(ctx, "orders", "order-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, float64(42), events[0].GetPayload().(map[string]any)["total"])
	require.NotNil(t, events[0].SagaMeta)
	assert.Equal(t, "saga-1", events[0].SagaMeta.SagaID)
}
