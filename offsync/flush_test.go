package offsync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

func TestFlushReconcilesOfflineCreate(t *testing.T) {
	srv := &stubServer{}
	e, st := newTestEngine(t, srv)
	conn := newStubConn(false)
	e.Conn = conn
	ctx := context.Background()

	res, err := e.CreateTask(ctx, TaskDraft{Title: "write report", Project: "p1"})
	require.NoError(t, err)
	require.True(t, res.Offline)
	require.True(t, IsTempID(res.Task.ID))
	assert.Equal(t, int64(0), res.Task.Version)

	tmpID := res.Task.ID
	srv.syncBatchFn = func(req *BatchRequest) (*BatchResponse, error) {
		require.Len(t, req.Operations, 1)
		op := req.Operations[0]
		assert.Equal(t, offstore.OpUpsert, op.Op)
		assert.Equal(t, tmpID, op.EntityID)
		assert.NotEmpty(t, op.ClientOpID)
		return &BatchResponse{Applied: []AppliedResult{{
			ClientOpID: op.ClientOpID,
			Entity:     offstore.EntityTask,
			EntityID:   "real-42",
			Version:    1,
		}}}, nil
	}

	conn.set(true)
	require.NoError(t, e.Flush(ctx))

	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	gone, err := st.GetTask(ctx, tmpID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	real, err := st.GetTask(ctx, "real-42")
	require.NoError(t, err)
	require.NotNil(t, real)
	assert.Equal(t, "write report", real.Title)
	assert.Equal(t, int64(1), real.Version)
}

func TestFlushPartitionsAppliedAndConflicts(t *testing.T) {
	srv := &stubServer{}
	e, st := newTestEngine(t, srv)
	ctx := context.Background()

	require.NoError(t, st.PutTasks(ctx, []offstore.Task{
		{ID: "t1", Title: "one", Version: 2, UpdatedAt: time.Now()},
		{ID: "t2", Title: "two", Version: 3, UpdatedAt: time.Now()},
	}))

	base1 := int64(2)
	op1, err := e.Enqueue(ctx, Mutation{
		Entity: offstore.EntityTask, Op: offstore.OpPatch, EntityID: "t1",
		Payload: json.RawMessage(`{"status":"done"}`), BaseVersion: &base1,
	})
	require.NoError(t, err)
	base2 := int64(3)
	op2, err := e.Enqueue(ctx, Mutation{
		Entity: offstore.EntityTask, Op: offstore.OpPatch, EntityID: "t2",
		Payload: json.RawMessage(`{"title":"renamed"}`), BaseVersion: &base2,
	})
	require.NoError(t, err)

	srv.syncBatchFn = func(req *BatchRequest) (*BatchResponse, error) {
		require.Len(t, req.Operations, 2)
		return &BatchResponse{
			Applied: []AppliedResult{{
				ClientOpID: op1, Entity: offstore.EntityTask, EntityID: "t1", Version: 3,
			}},
			Conflicts: []ConflictResult{{
				ClientOpID: op2, Entity: offstore.EntityTask, EntityID: "t2",
				Reason: "version-mismatch",
				Server: json.RawMessage(`{"_id":"t2","title":"server wins","version":5}`),
				Client: json.RawMessage(`{"_id":"t2","title":"renamed","version":3}`),
			}},
		}, nil
	}

	require.NoError(t, e.Flush(ctx))

	// Both items are acknowledged: applied and conflicted alike leave the
	// queue; the conflict lives on as a record instead.
	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	applied, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), applied.Version)

	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "t2", c.EntityID)
	assert.Equal(t, int64(5), c.ServerVersion)
	assert.Equal(t, int64(3), c.ClientVersion)
	assert.JSONEq(t, `{"title":"renamed"}`, string(c.OriginalIntent))
	assert.False(t, c.Resolved)

	assert.False(t, e.LastSync().IsZero())
}

func TestFlushFailureEscalatesBackoffAndKeepsOutbox(t *testing.T) {
	srv := &stubServer{
		syncBatchFn: func(*BatchRequest) (*BatchResponse, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	e, st := newTestEngine(t, srv)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, Mutation{Entity: offstore.EntityTask, Op: offstore.OpUpsert, EntityID: "t1"})
	require.NoError(t, err)

	require.Error(t, e.Flush(ctx))

	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "failed submissions must stay queued")

	e.mu.Lock()
	failures := e.failures
	next := e.nextAttemptAt
	e.mu.Unlock()
	assert.Equal(t, 1, failures)
	assert.True(t, next.After(time.Now()))

	// The open backoff window makes further flushes silent no-ops.
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 1, srv.batchCalls())
}

func TestFlushEmptyOutboxResetsBackoff(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()

	e.escalateBackoff(ctx)
	e.escalateBackoff(ctx)
	// Clear the window so the flush attempt is allowed through.
	e.mu.Lock()
	e.nextAttemptAt = time.Time{}
	e.mu.Unlock()

	require.NoError(t, e.Flush(ctx))

	e.mu.Lock()
	failures := e.failures
	e.mu.Unlock()
	assert.Zero(t, failures)

	fc, err := st.GetMeta(ctx, metaFailureCount)
	require.NoError(t, err)
	assert.Equal(t, "0", fc)
	next, err := st.GetMeta(ctx, metaNextAttemptAt)
	require.NoError(t, err)
	assert.Equal(t, "", next)
}

func TestFlushSkipsWhileOffline(t *testing.T) {
	srv := &stubServer{}
	e, _ := newTestEngine(t, srv)
	e.Conn = newStubConn(false)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, Mutation{Entity: offstore.EntityTask, Op: offstore.OpUpsert, EntityID: "t1"})
	require.NoError(t, err)

	require.NoError(t, e.Flush(ctx))
	assert.Zero(t, srv.batchCalls())
}

func TestFlushResubmissionIsIdempotent(t *testing.T) {
	srv := &stubServer{}
	e, st := newTestEngine(t, srv)
	ctx := context.Background()

	require.NoError(t, st.PutTasks(ctx, []offstore.Task{{ID: "t1", Title: "x", Version: 0, UpdatedAt: time.Now()}}))
	opID, err := e.Enqueue(ctx, Mutation{
		Entity: offstore.EntityTask, Op: offstore.OpUpsert, EntityID: "t1",
		Payload: json.RawMessage(`{"_id":"t1","title":"x"}`),
	})
	require.NoError(t, err)

	// The server applies the op once and answers any retry of the same
	// clientOperationId with the original outcome.
	srv.syncBatchFn = func(req *BatchRequest) (*BatchResponse, error) {
		resp := &BatchResponse{}
		for _, op := range req.Operations {
			require.Equal(t, opID, op.ClientOpID)
			resp.Applied = append(resp.Applied, AppliedResult{
				ClientOpID: op.ClientOpID, Entity: offstore.EntityTask, EntityID: "t1", Version: 1,
			})
		}
		return resp, nil
	}

	require.NoError(t, e.Flush(ctx))

	// Simulate a crash after submit but before removal: the same item is
	// back in the queue with the same idempotency key.
	require.NoError(t, st.EnqueueOutbox(ctx, &offstore.OutboxItem{
		ClientOpID: opID,
		Entity:     offstore.EntityTask,
		Op:         offstore.OpUpsert,
		EntityID:   "t1",
		Payload:    json.RawMessage(`{"_id":"t1","title":"x"}`),
		EnqueuedAt: time.Now(),
	}))
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, 2, srv.batchCalls())
	got, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	conflicts, err := st.ListConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestFlushLeavesUnacknowledgedItemsQueued(t *testing.T) {
	srv := &stubServer{
		syncBatchFn: func(*BatchRequest) (*BatchResponse, error) {
			// The server accepted the batch but processed none of it.
			return &BatchResponse{}, nil
		},
	}
	e, st := newTestEngine(t, srv)
	ctx := context.Background()

	_, err := e.Enqueue(ctx, Mutation{Entity: offstore.EntityTask, Op: offstore.OpUpsert, EntityID: "t1"})
	require.NoError(t, err)

	require.NoError(t, e.Flush(ctx))

	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestFlushRespectsBatchSizeLimit(t *testing.T) {
	srv := &stubServer{}
	e, _ := newTestEngine(t, srv)
	e.cfg.FlushBatchSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.Enqueue(ctx, Mutation{
			Entity: offstore.EntityTask, Op: offstore.OpUpsert,
			EntityID: fmt.Sprintf("t%d", i),
		})
		require.NoError(t, err)
	}

	var submitted int
	srv.syncBatchFn = func(req *BatchRequest) (*BatchResponse, error) {
		submitted = len(req.Operations)
		return &BatchResponse{}, nil
	}
	require.NoError(t, e.Flush(ctx))
	assert.Equal(t, 2, submitted)
}
