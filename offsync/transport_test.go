package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// roundTripFunc lets tests script HTTP responses without a listener.
type roundTripFunc func(req *http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}

func newFakeServer(rt roundTripFunc) *HTTPServer {
	s := NewHTTPServer("http://devdash.test", func(ctx context.Context) (string, error) {
		return "test-token", nil
	})
	s.HTTP = &http.Client{Transport: rt}
	return s
}

func TestSyncBatchRequestShape(t *testing.T) {
	var captured *http.Request
	var body []byte
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		captured = req
		body, _ = io.ReadAll(req.Body)
		return jsonResponse(http.StatusOK, `{"applied":[{"clientOperationId":"op-1","entity":"task","entityId":"t1","version":2}],"conflicts":[]}`), nil
	})

	base := int64(1)
	resp, err := s.SyncBatch(context.Background(), &BatchRequest{Operations: []BatchOperation{{
		Entity:      "task",
		Op:          "patch",
		EntityID:    "t1",
		Payload:     json.RawMessage(`{"status":"done"}`),
		BaseVersion: &base,
		ClientOpID:  "op-1",
	}}})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, captured.Method)
	assert.Equal(t, "/api/sync/batch", captured.URL.Path)
	assert.Equal(t, "Bearer test-token", captured.Header.Get("Authorization"))
	assert.Equal(t, "application/json", captured.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"operations":[{"entity":"task","operation":"patch","entityId":"t1","payload":{"status":"done"},"baseVersion":1,"clientOperationId":"op-1"}]}`, string(body))

	require.Len(t, resp.Applied, 1)
	assert.Equal(t, "op-1", resp.Applied[0].ClientOpID)
	assert.Equal(t, int64(2), resp.Applied[0].Version)
}

func TestFetchDeltaQueryParameters(t *testing.T) {
	var captured *http.Request
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusOK, `[{"_id":"t1","version":1}]`), nil
	})

	snapshots, err := s.FetchDelta(context.Background(),
		Scope{Entity: "task", ProjectID: "p1"}, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	assert.Equal(t, http.MethodGet, captured.Method)
	assert.Equal(t, "/api/tasks/delta", captured.URL.Path)
	assert.Equal(t, "2026-01-01T00:00:00Z", captured.URL.Query().Get("since"))
	assert.Equal(t, "p1", captured.URL.Query().Get("projectId"))
}

func TestPatchConflictBecomesVersionMismatchError(t *testing.T) {
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPatch, req.Method)
		assert.Equal(t, "/api/tasks/t1", req.URL.Path)
		assert.Equal(t, "3", req.URL.Query().Get("baseVersion"))
		return jsonResponse(http.StatusConflict, `{"reason":"version-mismatch","server":{"_id":"t1","title":"newer","version":5}}`), nil
	})

	_, err := s.Patch(context.Background(), "task", "t1", json.RawMessage(`{"title":"mine"}`), 3)
	require.Error(t, err)

	var vm *VersionMismatchError
	require.True(t, errors.As(err, &vm))
	assert.Equal(t, "task", vm.Entity)
	assert.Equal(t, "t1", vm.EntityID)
	assert.Equal(t, "version-mismatch", vm.Reason)
	assert.Equal(t, int64(5), vm.ServerVersion())
}

func TestConflictWithEmptyBodyStillClassified(t *testing.T) {
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusConflict, ``), nil
	})

	err := s.Delete(context.Background(), "task", "t1", 2)
	var vm *VersionMismatchError
	require.True(t, errors.As(err, &vm))
	assert.Equal(t, "version-mismatch", vm.Reason)
	assert.Equal(t, "t1", vm.EntityID)
}

func TestServerErrorSurfacesStatusAndBody(t *testing.T) {
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusInternalServerError, `{"error":"boom"}`), nil
	})

	_, err := s.SyncBatch(context.Background(), &BatchRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestCreatePostsDraftAndDecodesSnapshot(t *testing.T) {
	var captured *http.Request
	s := newFakeServer(func(req *http.Request) (*http.Response, error) {
		captured = req
		return jsonResponse(http.StatusCreated, `{"_id":"real-7","title":"x","version":1}`), nil
	})

	snapshot, err := s.Create(context.Background(), "task", json.RawMessage(`{"title":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, "/api/tasks", captured.URL.Path)
	assert.JSONEq(t, `{"_id":"real-7","title":"x","version":1}`, string(snapshot))
}
