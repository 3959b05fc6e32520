package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Server is the engine's view of the authoritative backend: the batch-sync
// endpoint, the delta-fetch endpoint and the direct single-entity RPCs used
// by the online optimistic path. Tests substitute a stub.
type Server interface {
	SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error)
	// FetchDelta returns full snapshots of entities in scope changed since
	// the cursor (all of them when since is empty).
	FetchDelta(ctx context.Context, scope Scope, since string) ([]json.RawMessage, error)
	Create(ctx context.Context, entity string, payload json.RawMessage) (json.RawMessage, error)
	Patch(ctx context.Context, entity, id string, patch json.RawMessage, baseVersion int64) (json.RawMessage, error)
	Delete(ctx context.Context, entity, id string, baseVersion int64) error
}

// VersionMismatchError is returned by the direct RPCs when the server
// rejects a mutation because the base version is stale. Callers convert it
// into a conflict record, identical to a batch conflict.
type VersionMismatchError struct {
	Entity   string
	EntityID string
	Reason   string          `json:"reason"`
	Server   json.RawMessage `json:"server,omitempty"`
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch on %s %s: %s", e.Entity, e.EntityID, e.Reason)
}

// ServerVersion is the version carried by the server snapshot.
func (e *VersionMismatchError) ServerVersion() int64 { return SnapshotVersion(e.Server) }

// HTTPServer talks to the DevDash backend over HTTP+JSON. Token is called
// per request; auth internals stay outside the engine.
type HTTPServer struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPServer creates a transport with a reasonable request timeout.
func NewHTTPServer(baseURL string, token func(ctx context.Context) (string, error)) *HTTPServer {
	return &HTTPServer{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPServer) SyncBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	var resp BatchResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/sync/batch", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (s *HTTPServer) FetchDelta(ctx context.Context, scope Scope, since string) ([]json.RawMessage, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if scope.ProjectID != "" {
		q.Set("projectId", scope.ProjectID)
	}
	var snapshots []json.RawMessage
	path := fmt.Sprintf("/api/%ss/delta", scope.Entity)
	if err := s.doJSON(ctx, http.MethodGet, path, q, nil, &snapshots); err != nil {
		return nil, err
	}
	return snapshots, nil
}

func (s *HTTPServer) Create(ctx context.Context, entity string, payload json.RawMessage) (json.RawMessage, error) {
	var snapshot json.RawMessage
	path := fmt.Sprintf("/api/%ss", entity)
	if err := s.doJSON(ctx, http.MethodPost, path, nil, payload, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *HTTPServer) Patch(ctx context.Context, entity, id string, patch json.RawMessage, baseVersion int64) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("baseVersion", fmt.Sprintf("%d", baseVersion))
	var snapshot json.RawMessage
	path := fmt.Sprintf("/api/%ss/%s", entity, url.PathEscape(id))
	if err := s.doJSON(ctx, http.MethodPatch, path, q, patch, &snapshot); err != nil {
		return nil, s.annotateMismatch(err, entity, id)
	}
	return snapshot, nil
}

func (s *HTTPServer) Delete(ctx context.Context, entity, id string, baseVersion int64) error {
	q := url.Values{}
	q.Set("baseVersion", fmt.Sprintf("%d", baseVersion))
	path := fmt.Sprintf("/api/%ss/%s", entity, url.PathEscape(id))
	err := s.doJSON(ctx, http.MethodDelete, path, q, nil, nil)
	return s.annotateMismatch(err, entity, id)
}

func (s *HTTPServer) annotateMismatch(err error, entity, id string) error {
	if vm, ok := err.(*VersionMismatchError); ok {
		vm.Entity = entity
		vm.EntityID = id
	}
	return err
}

func (s *HTTPServer) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) error {
	reqURL := s.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	token, err := s.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		vm := &VersionMismatchError{}
		if err := json.NewDecoder(resp.Body).Decode(vm); err != nil {
			vm.Reason = "version-mismatch"
		}
		if vm.Reason == "" {
			vm.Reason = "version-mismatch"
		}
		return vm
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
