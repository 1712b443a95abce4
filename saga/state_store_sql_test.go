package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "eventflow/data/db"
	basicdb "eventflow/data/db/basic"
)

func newTestSQLSagaStateStore(t *testing.T) *SQLSagaStateStore {
	t.Helper()
	database, err := basicdb.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	store := NewSQLSagaStateStore(database, SQLSagaStateStoreOptions{TableName: "saga_state"})
	require.NoError(t, database.(interface{ MustExecDDL(string) error }).MustExecDDL(store.Schema()))
	return store
}

func TestSQLSagaStateStore_StartGetUpdateDelete(t *testing.T) {
	store := newTestSQLSagaStateStore(t)
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "corr-1", 1, time.Minute)
	require.NoError(t, store.Start(ctx, state))
	assert.ErrorIs(t, store.Start(ctx, state), ErrSagaInvalidState)

	loaded, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, "saga-1", loaded.SagaID)
	assert.Equal(t, "corr-1", loaded.CorrelationID)

	require.NoError(t, loaded.RecordStepCompleted(0, "X", "svc", "evt-1", map[string]any{"k": "v"}))
	require.NoError(t, store.Update(ctx, loaded))

	reloaded, err := store.Get(ctx, "saga-1")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompleted, reloaded.Status)
	assert.Equal(t, "v", reloaded.Context["k"])
	require.Len(t, reloaded.Steps, 1)

	require.NoError(t, store.Delete(ctx, "saga-1"))
	_, err = store.Get(ctx, "saga-1")
	assert.ErrorIs(t, err, ErrSagaNotFound)
}

func TestSQLSagaStateStore_Queries(t *testing.T) {
	store := newTestSQLSagaStateStore(t)
	ctx := context.Background()

	s1 := NewSagaState("saga-1", "OrderSaga", "corr-a", 1, time.Minute)
	s2 := NewSagaState("saga-2", "OrderSaga", "corr-b", 1, time.Minute)
	s3 := NewSagaState("saga-3", "ShipmentSaga", "corr-a", 1, time.Minute)
	require.NoError(t, store.Start(ctx, s1))
	require.NoError(t, store.Start(ctx, s2))
	require.NoError(t, store.Start(ctx, s3))

	byStatus, err := store.ByStatus(ctx, SagaStatusStarted)
	require.NoError(t, err)
	assert.Len(t, byStatus, 3)

	byType, err := store.ByType(ctx, "OrderSaga")
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byCorr, err := store.ByCorrelation(ctx, "corr-a")
	require.NoError(t, err)
	assert.Len(t, byCorr, 2)

	count, err := store.Count(ctx, SagaStatusStarted)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestSQLSagaStateStore_PastDeadlineExcludesCompensating(t *testing.T) {
	store := newTestSQLSagaStateStore(t)
	ctx := context.Background()

	expired := NewSagaState("saga-expired", "OrderSaga", "", 2, -time.Minute)
	active := NewSagaState("saga-active", "OrderSaga", "", 1, time.Hour)
	require.NoError(t, store.Start(ctx, expired))
	require.NoError(t, store.Start(ctx, active))

	past, err := store.PastDeadline(ctx, time.Now().UnixNano())
	require.NoError(t, err)
	require.Len(t, past, 1)
	assert.Equal(t, "saga-expired", past[0].SagaID)

	_, err = store.CompareAndSetStatus(ctx, "saga-expired", SagaStatusStarted, SagaStatusCompensating, "TIMEOUT")
	require.NoError(t, err)

	past, err = store.PastDeadline(ctx, time.Now().UnixNano())
	require.NoError(t, err)
	assert.Empty(t, past, "a COMPENSATING saga must not be returned again, or a winning tick would retrigger compensation")
}

func TestSQLSagaStateStore_CompareAndSetStatus(t *testing.T) {
	store := newTestSQLSagaStateStore(t)
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, store.Start(ctx, state))

	won, err := store.CompareAndSetStatus(ctx, "saga-1", SagaStatusStarted, SagaStatusCompensating, "TIMEOUT")
	require.NoError(t, err)
	assert.Equal(t, SagaStatusCompensating, won.Status)
	assert.Equal(t, "TIMEOUT", won.FailureReason)

	_, err = store.CompareAndSetStatus(ctx, "saga-1", SagaStatusStarted, SagaStatusCompensating, "TIMEOUT")
	assert.ErrorIs(t, err, ErrSagaConcurrentUpdate)
}

func TestSQLSagaStateStore_CompareAndSetStatusRejectsInvalidTransition(t *testing.T) {
	store := newTestSQLSagaStateStore(t)
	ctx := context.Background()

	state := NewSagaState("saga-1", "OrderSaga", "", 2, time.Minute)
	require.NoError(t, store.Start(ctx, state))

	_, err := store.CompareAndSetStatus(ctx, "saga-1", SagaStatusStarted, SagaStatusCompensated, "bad")
	assert.ErrorIs(t, err, ErrSagaInvalidTransition)
}
