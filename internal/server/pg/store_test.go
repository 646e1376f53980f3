package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/crewsync/internal/remote"
)

// testStore connects to the Postgres named by CREWSYNC_TEST_POSTGRES_DSN
// and works in a throwaway entity per test. Skips when no database is
// available.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("CREWSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CREWSYNC_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func testEntity(t *testing.T) string {
	return fmt.Sprintf("test_%s_%d", t.Name(), time.Now().UnixNano())
}

func TestApplyBatchThenQuery(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	entity := testEntity(t)

	require.NoError(t, s.ApplyBatch(ctx, entity, []remote.Write{
		{ID: "task-1", Data: json.RawMessage(`{"title":"pour slab"}`)},
		{ID: "task-2", Data: json.RawMessage(`{"title":"strip forms"}`)},
	}))

	docs, err := s.Query(ctx, entity, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "task-1", docs[0].ID)
	assert.Greater(t, docs[1].UpdatedAt, docs[0].UpdatedAt)
}

func TestApplyBatch_MergesExistingDocument(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	entity := testEntity(t)

	require.NoError(t, s.ApplyBatch(ctx, entity, []remote.Write{
		{ID: "task-1", Data: json.RawMessage(`{"title":"pour slab","done":false}`)},
	}))
	require.NoError(t, s.ApplyBatch(ctx, entity, []remote.Write{
		{ID: "task-1", Data: json.RawMessage(`{"done":true}`)},
	}))

	docs, err := s.Query(ctx, entity, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.JSONEq(t, `{"title":"pour slab","done":true}`, string(docs[0].Data))
}

func TestQuery_SinceFiltersStrictlyGreater(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	entity := testEntity(t)

	require.NoError(t, s.ApplyBatch(ctx, entity, []remote.Write{
		{ID: "task-1", Data: json.RawMessage(`{"n":1}`)},
	}))

	docs, err := s.Query(ctx, entity, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	docs, err = s.Query(ctx, entity, docs[0].UpdatedAt)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
