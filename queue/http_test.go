package queue

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, store Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(Handler(store, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func postAction(t *testing.T, srv *httptest.Server, in Incoming) *http.Response {
	t.Helper()
	body, err := json.Marshal(in)
	require.NoError(t, err)
	res, err := http.Post(srv.URL+"/actions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestEnqueueEndpoint(t *testing.T) {
	store := NewMemStore(0)
	srv := newTestServer(t, store)

	res := postAction(t, srv, Incoming{Type: "CREATE_CHECKIN", Payload: map[string]any{"customerName": "Alex"}})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	var action Action
	require.NoError(t, json.NewDecoder(res.Body).Decode(&action))
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, SourceOffline, action.Source)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, action.ID, pending[0].ID)
}

func TestEnqueueEndpointRejectsMissingType(t *testing.T) {
	srv := newTestServer(t, NewMemStore(0))
	res := postAction(t, srv, Incoming{Payload: map[string]any{"x": 1.0}})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestEnqueueEndpointCapacity(t *testing.T) {
	store := NewMemStore(1)
	srv := newTestServer(t, store)

	res := postAction(t, srv, Incoming{Type: "CREATE_CHECKIN"})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res = postAction(t, srv, Incoming{Type: "CREATE_CHECKIN"})
	assert.Equal(t, http.StatusInsufficientStorage, res.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Contains(t, body["error"], "too many pending actions")
}

func TestPendingEndpointOrdered(t *testing.T) {
	store := NewMemStore(0)
	srv := newTestServer(t, store)
	for _, ts := range []int64{300, 100, 200} {
		res := postAction(t, srv, Incoming{Type: "CREATE_CHECKIN", ClientCreatedAt: ts})
		require.Equal(t, http.StatusCreated, res.StatusCode)
	}

	res, err := http.Get(srv.URL + "/actions/pending")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var actions []Action
	require.NoError(t, json.NewDecoder(res.Body).Decode(&actions))
	require.Len(t, actions, 3)
	assert.Equal(t, int64(100), actions[0].ClientCreatedAt)
	assert.Equal(t, int64(200), actions[1].ClientCreatedAt)
	assert.Equal(t, int64(300), actions[2].ClientCreatedAt)
}

func TestSyncedAndClearEndpoints(t *testing.T) {
	store := NewMemStore(0)
	srv := newTestServer(t, store)

	res := postAction(t, srv, Incoming{Type: "CREATE_CHECKIN"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var action Action
	require.NoError(t, json.NewDecoder(res.Body).Decode(&action))

	syncRes, err := http.Post(srv.URL+"/actions/"+action.ID+"/synced", "application/json", nil)
	require.NoError(t, err)
	syncRes.Body.Close()
	assert.Equal(t, http.StatusNoContent, syncRes.StatusCode)

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/actions/synced", nil)
	require.NoError(t, err)
	delRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delRes.Body.Close()
	assert.Equal(t, http.StatusNoContent, delRes.StatusCode)

	size, err := store.Size()
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRetryEndpoint(t *testing.T) {
	store := NewMemStore(0)
	srv := newTestServer(t, store)

	res := postAction(t, srv, Incoming{Type: "CREATE_CHECKIN"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	var action Action
	require.NoError(t, json.NewDecoder(res.Body).Decode(&action))

	retryRes, err := http.Post(srv.URL+"/actions/"+action.ID+"/retry", "application/json", nil)
	require.NoError(t, err)
	retryRes.Body.Close()
	assert.Equal(t, http.StatusNoContent, retryRes.StatusCode)

	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestStatsEndpoint(t *testing.T) {
	store := NewMemStore(0)
	srv := newTestServer(t, store)

	first := postAction(t, srv, Incoming{Type: "A"})
	require.Equal(t, http.StatusCreated, first.StatusCode)
	var action Action
	require.NoError(t, json.NewDecoder(first.Body).Decode(&action))
	second := postAction(t, srv, Incoming{Type: "B"})
	require.Equal(t, http.StatusCreated, second.StatusCode)
	require.NoError(t, store.MarkSynced(action.ID))

	res, err := http.Get(srv.URL + "/actions/stats")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var stats map[string]int
	require.NoError(t, json.NewDecoder(res.Body).Decode(&stats))
	assert.Equal(t, 2, stats["total"])
	assert.Equal(t, 1, stats["pending"])
}
