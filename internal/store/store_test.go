package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/crewsync/internal/record"
)

// testDB creates an isolated record database in a temp dir.
func testDB(t *testing.T) *Store {
	t.Helper()

	s, err := LoadAt(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestInsert_StartsDirtyWithoutCanonicalID(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Task, json.RawMessage(`{"title":"pour slab"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.LocalID)
	assert.Equal(t, record.Dirty, rec.State)
	assert.Empty(t, rec.CanonicalID)
	assert.Zero(t, rec.UpdatedAt)
}

func TestInsert_LocalIDsNeverReused(t *testing.T) {
	s := testDB(t)

	first, err := s.Insert(record.Task, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	second, err := s.Insert(record.Task, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	assert.Greater(t, second.LocalID, first.LocalID)
}

func TestUpdate_MarksDirtyKeepsCanonicalID(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Task, json.RawMessage(`{"title":"pour slab"}`))
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(record.Task, []Confirmation{
		{LocalID: rec.LocalID, CanonicalID: "task-1"},
	}))

	updated, err := s.Update(record.Task, rec.LocalID, json.RawMessage(`{"title":"pour slab","done":true}`))
	require.NoError(t, err)
	assert.Equal(t, record.Dirty, updated.State)
	assert.Equal(t, "task-1", updated.CanonicalID)
}

func TestUpdate_UnknownRow(t *testing.T) {
	s := testDB(t)

	_, err := s.Update(record.Task, 99, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDirty_FiltersSyncedRows(t *testing.T) {
	s := testDB(t)

	a, err := s.Insert(record.Task, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	b, err := s.Insert(record.Task, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(record.Task, []Confirmation{
		{LocalID: a.LocalID, CanonicalID: "task-a"},
	}))

	dirty, err := s.Dirty(record.Task)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, b.LocalID, dirty[0].LocalID)
}

func TestMarkSynced_PopulatesCanonicalIndex(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Project, json.RawMessage(`{"name":"site A"}`))
	require.NoError(t, err)

	require.NoError(t, s.MarkSynced(record.Project, []Confirmation{
		{LocalID: rec.LocalID, CanonicalID: "proj-9"},
	}))

	found, err := s.GetByCanonical(record.Project, "proj-9")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.LocalID, found.LocalID)
	assert.Equal(t, record.Synced, found.State)
}

func TestSetCanonicalID_PreservesDirtyState(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Worker, json.RawMessage(`{"employee_number":"emp-042"}`))
	require.NoError(t, err)

	require.NoError(t, s.SetCanonicalID(record.Worker, rec.LocalID, "emp-042"))

	found, err := s.Get(record.Worker, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "emp-042", found.CanonicalID)
	assert.Equal(t, record.Dirty, found.State)

	byCanonical, err := s.GetByCanonical(record.Worker, "emp-042")
	require.NoError(t, err)
	require.NotNil(t, byCanonical)
	assert.Equal(t, rec.LocalID, byCanonical.LocalID)
}

func TestCursor_RoundTrip(t *testing.T) {
	s := testDB(t)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Zero(t, cursor)

	require.NoError(t, s.SetCursor(1700000000000))

	cursor, err = s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), cursor)

	require.NoError(t, s.ClearCursor())

	cursor, err = s.Cursor()
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestApplyPull_UpsertPreservesLocalID(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Task, json.RawMessage(`{"title":"old"}`))
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(record.Task, []Confirmation{
		{LocalID: rec.LocalID, CanonicalID: "task-1"},
	}))

	applied, err := s.ApplyPull(map[record.EntityType][]record.Record{
		record.Task: {{
			CanonicalID: "task-1",
			UpdatedAt:   42,
			Data:        json.RawMessage(`{"title":"new"}`),
		}},
	}, false, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	found, err := s.GetByCanonical(record.Task, "task-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rec.LocalID, found.LocalID)
	assert.Equal(t, int64(42), found.UpdatedAt)
	assert.JSONEq(t, `{"title":"new"}`, string(found.Data))
	assert.Equal(t, record.Synced, found.State)
}

func TestApplyPull_NewRecordGetsFreshLocalID(t *testing.T) {
	s := testDB(t)

	_, err := s.ApplyPull(map[record.EntityType][]record.Record{
		record.Tool: {{
			CanonicalID: "tool-7",
			UpdatedAt:   10,
			Data:        json.RawMessage(`{"name":"drill"}`),
		}},
	}, false, 50)
	require.NoError(t, err)

	found, err := s.GetByCanonical(record.Tool, "tool-7")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.NotZero(t, found.LocalID)
}

func TestApplyPull_FullResyncPreservesDirtyRows(t *testing.T) {
	s := testDB(t)

	synced, err := s.Insert(record.Task, json.RawMessage(`{"title":"stale"}`))
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(record.Task, []Confirmation{
		{LocalID: synced.LocalID, CanonicalID: "task-stale"},
	}))

	dirty, err := s.Insert(record.Task, json.RawMessage(`{"title":"unpushed"}`))
	require.NoError(t, err)

	_, err = s.ApplyPull(map[record.EntityType][]record.Record{
		record.Task: {{
			CanonicalID: "task-fresh",
			UpdatedAt:   99,
			Data:        json.RawMessage(`{"title":"fresh"}`),
		}},
	}, true, 200)
	require.NoError(t, err)

	gone, err := s.GetByCanonical(record.Task, "task-stale")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := s.Get(record.Task, dirty.LocalID)
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, record.Dirty, kept.State)

	fresh, err := s.GetByCanonical(record.Task, "task-fresh")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}

func TestApplyPull_FullResyncKeepsLocalIDOfMatchedRows(t *testing.T) {
	s := testDB(t)

	rec, err := s.Insert(record.Task, json.RawMessage(`{"title":"pour slab"}`))
	require.NoError(t, err)
	require.NoError(t, s.MarkSynced(record.Task, []Confirmation{
		{LocalID: rec.LocalID, CanonicalID: "task-1"},
	}))

	// The same row comes back in the full pull: it must be overwritten
	// in place, not pruned and reinserted under a new local ID.
	_, err = s.ApplyPull(map[record.EntityType][]record.Record{
		record.Task: {{
			CanonicalID: "task-1",
			UpdatedAt:   42,
			Data:        json.RawMessage(`{"title":"pour slab"}`),
		}},
	}, true, 200)
	require.NoError(t, err)

	got, err := s.Get(record.Task, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "task-1", got.CanonicalID)
	assert.Equal(t, int64(42), got.UpdatedAt)
	assert.Equal(t, record.Synced, got.State)

	byCanonical, err := s.GetByCanonical(record.Task, "task-1")
	require.NoError(t, err)
	require.NotNil(t, byCanonical)
	assert.Equal(t, rec.LocalID, byCanonical.LocalID)
}

func TestApplyPull_AdvancesCursor(t *testing.T) {
	s := testDB(t)

	_, err := s.ApplyPull(nil, false, 12345)
	require.NoError(t, err)

	cursor, err := s.Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(12345), cursor)
}

func TestWatch_NotifiesOnMutation(t *testing.T) {
	s := testDB(t)

	calls := 0
	unsub := s.Watch(record.Task, func() { calls++ })

	_, err := s.Insert(record.Task, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	unsub()

	_, err = s.Insert(record.Task, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWatch_OtherTableNotNotified(t *testing.T) {
	s := testDB(t)

	calls := 0
	defer s.Watch(record.Tool, func() { calls++ })()

	_, err := s.Insert(record.Task, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	assert.Zero(t, calls)
}
