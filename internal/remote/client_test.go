package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrew/crewsync/internal/record"
	"github.com/fieldcrew/crewsync/internal/syncerrors"
)

func TestQuery_SendsSinceAndPrincipal(t *testing.T) {
	var gotPath, gotSince, gotPrincipal string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSince = r.URL.Query().Get("since")
		gotPrincipal = r.Header.Get("X-Principal")

		json.NewEncoder(w).Encode(QueryResponse{Docs: []Doc{
			{ID: "task-1", UpdatedAt: 150, Data: json.RawMessage(`{"title":"pour slab"}`)},
		}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-17", nil)

	docs, err := c.Query(context.Background(), record.Task, 100)
	require.NoError(t, err)
	assert.Equal(t, "/v1/task", gotPath)
	assert.Equal(t, "100", gotSince)
	assert.Equal(t, "worker-17", gotPrincipal)
	require.Len(t, docs, 1)
	assert.Equal(t, "task-1", docs[0].ID)
	assert.Equal(t, int64(150), docs[0].UpdatedAt)
}

func TestQuery_ZeroSinceOmitsParam(t *testing.T) {
	var hadSince bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadSince = r.URL.Query()["since"]
		json.NewEncoder(w).Encode(QueryResponse{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-17", nil)

	docs, err := c.Query(context.Background(), record.Project, 0)
	require.NoError(t, err)
	assert.False(t, hadSince)
	assert.Empty(t, docs)
}

func TestQuery_ForbiddenMapsToPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"missing principal"}`, http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)

	_, err := c.Query(context.Background(), record.Task, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrPermissionDenied)
}

func TestQuery_ServerErrorIncludesAPIMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(APIError{Error: "storage unavailable"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-17", nil)

	_, err := c.Query(context.Background(), record.Task, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrRemoteResponse)
	assert.Contains(t, err.Error(), "storage unavailable")
}

func TestQuery_ConnectionFailure(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "worker-17", nil)

	_, err := c.Query(context.Background(), record.Task, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrRemoteRequest)
}

func TestCommitBatch_PostsWrites(t *testing.T) {
	var gotPath string
	var gotBody BatchRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotBody))

		json.NewEncoder(w).Encode(map[string]string{"res": "ok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-17", nil)

	err := c.CommitBatch(context.Background(), record.TimeRecord, []Write{
		{ID: "tr-1", Data: json.RawMessage(`{"hours":8}`)},
		{ID: "tr-2", Data: json.RawMessage(`{"hours":4}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/time_record/batch", gotPath)
	require.Len(t, gotBody.Writes, 2)
	assert.Equal(t, "tr-1", gotBody.Writes[0].ID)
}

func TestCommitBatch_ForbiddenMapsToPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "worker-17", nil)

	err := c.CommitBatch(context.Background(), record.Task, []Write{{ID: "x", Data: json.RawMessage(`{}`)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerrors.ErrPermissionDenied)
}

func TestAllocateID_Unique(t *testing.T) {
	c := NewClient("http://example.com", "worker-17", nil)

	a := c.AllocateID()
	b := c.AllocateID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
