package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	query := `UPDATE payments SET status = ? WHERE id = ? AND status = ?`

	assert.Equal(t, `UPDATE payments SET status = $1 WHERE id = $2 AND status = $3`, Postgres.rebind(query))
	assert.Equal(t, query, SQLite.rebind(query))
}

func TestLockClause(t *testing.T) {
	assert.Equal(t, " FOR UPDATE", Postgres.lockClause())
	assert.Empty(t, SQLite.lockClause())
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := OpenStore(ctx, Memory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
	assert.NoError(t, closeStore())

	store, closeStore, err = OpenStore(ctx, SQLite, ":memory:")
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, store)
	_, err = store.ListActiveRuns(ctx)
	assert.NoError(t, err)
	assert.NoError(t, closeStore())

	_, err = Open(ctx, Memory, "")
	assert.Error(t, err)
}
