package progress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileJournal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "progress.json")
	j := NewFileJournal(path)

	_, ok, err := j.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Record(ctx, "op-1", "dump.yaml", 0))
	require.NoError(t, j.Record(ctx, "op-1", "dump.yaml", 2))
	require.NoError(t, j.Record(ctx, "op-1", "dump.yaml", 1))
	require.NoError(t, j.Record(ctx, "op-2", "other.xml", 0))
	assert.Error(t, j.Record(ctx, "op-1", "dump.yaml", -1))
	assert.Error(t, j.Record(ctx, " ", "dump.yaml", 0))

	e, ok, err := j.Get(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, e.Chunks, "the count never goes back")
	assert.Equal(t, "dump.yaml", e.Input)
	assert.False(t, e.Updated.IsZero())

	// a fresh journal sees what the first one wrote
	reopened := NewFileJournal(path)
	e, ok, err = reopened.Get(ctx, "op-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, e.Chunks)

	require.NoError(t, reopened.Clear(ctx, "op-1"))
	require.NoError(t, reopened.Clear(ctx, "op-1"))
	_, ok, err = NewFileJournal(path).Get(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileJournalCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, _, err := NewFileJournal(path).Get(context.Background(), "op")
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "p.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileJournal{}, j)
	_, err = Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOperationID(t *testing.T) {
	a := OperationID("https://icat.example.org", "dump.yaml")
	assert.Equal(t, a, OperationID("https://icat.example.org", "dump.yaml"))
	assert.NotEqual(t, a, OperationID("https://icat.example.org", "dump.xml"))
	assert.NotEqual(t, OperationID("ab", "c"), OperationID("a", "bc"))
	assert.Len(t, a, 36)
}

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestPostgresQueries(t *testing.T) {
	assert.Contains(t, createTable, "CREATE TABLE IF NOT EXISTS icat_ingest_progress (")
	assert.Contains(t, createTable, "operation VARCHAR(64) PRIMARY KEY")
	assert.Contains(t, createTable, "updated_at TIMESTAMP WITH TIME ZONE NOT NULL")

	q, args := recordQuery("op", "dump.yaml", 3, fixedTime)
	assert.Contains(t, q, "ON CONFLICT")
	assert.Contains(t, q, "GREATEST")
	assert.Equal(t, []any{"op", "dump.yaml", 3, fixedTime}, args)

	q, args = getQuery("op")
	assert.Contains(t, q, "$1")
	assert.Equal(t, []any{"op"}, args)

	q, _ = clearQuery("op")
	assert.Contains(t, q, "DELETE FROM")
}
