package view

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	core "eventflow/data/db"
	basicdb "eventflow/data/db/basic"
)

func setupTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	database, err := basicdb.New(core.DBConfig{Driver: "sqlite", Database: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	s := New(database, Options{TableName: "view_store"})
	require.NoError(t, database.(interface{ MustExecDDL(string) error }).MustExecDDL(s.Schema()))
	return s
}

func TestSQLStore_PutAndGet(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "Customer", "c1", []byte(`{"status":"ACTIVE"}`)))
	rec, err := s.Get(ctx, "Customer", "c1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"status":"ACTIVE"}`), rec.Payload)
}

func TestSQLStore_GetMissingReturnsNotFound(t *testing.T) {
	s := setupTestSQLStore(t)
	_, err := s.Get(context.Background(), "Customer", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_PutOverwritesExistingRow(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`1`)))
	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`2`)))

	rec, err := s.Get(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`2`), rec.Payload)
}

func TestSQLStore_ClearOnlyAffectsNamedView(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`1`)))
	require.NoError(t, s.Put(ctx, "Customer", "c1", []byte(`1`)))

	require.NoError(t, s.Clear(ctx, "Product"))

	_, err := s.Get(ctx, "Product", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "Customer", "c1")
	assert.NoError(t, err)
}

func TestSQLStore_ScanOrdersByKey(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Product", "p2", []byte(`2`)))
	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`1`)))

	var keys []string
	require.NoError(t, s.Scan(ctx, "Product", func(rec Record) error {
		keys = append(keys, rec.Key)
		return nil
	}))
	assert.Equal(t, []string{"p1", "p2"}, keys)
}

func TestSQLStore_AtomicUpdateAppliesFunctionTransactionally(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()

	require.NoError(t, s.AtomicUpdate(ctx, "Product", "p1", func(current *Record) ([]byte, error) {
		assert.Nil(t, current)
		return []byte(`{"qty":100}`), nil
	}))

	require.NoError(t, s.AtomicUpdate(ctx, "Product", "p1", func(current *Record) ([]byte, error) {
		require.NotNil(t, current)
		return []byte(`{"qty":98}`), nil
	}))

	rec, err := s.Get(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"qty":98}`), rec.Payload)
}

func TestSQLStore_AtomicUpdateDeletedSentinelRemovesRow(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`{}`)))

	require.NoError(t, s.AtomicUpdate(ctx, "Product", "p1", func(current *Record) ([]byte, error) {
		return nil, Deleted
	}))

	_, err := s.Get(ctx, "Product", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLStore_AtomicUpdateUnchangedSentinelRollsBack(t *testing.T) {
	s := setupTestSQLStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "Product", "p1", []byte(`{"qty":5}`)))

	require.NoError(t, s.AtomicUpdate(ctx, "Product", "p1", func(current *Record) ([]byte, error) {
		return nil, Unchanged
	}))

	rec, err := s.Get(ctx, "Product", "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"qty":5}`), rec.Payload)
}
