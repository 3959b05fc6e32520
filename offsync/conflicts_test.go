package offsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
)

func seedConflict(t *testing.T, st offstore.Store) *offstore.Conflict {
	t.Helper()
	c := &offstore.Conflict{
		Entity:         offstore.EntityTask,
		EntityID:       "t1",
		ClientOpID:     "op-1",
		Reason:         "version-mismatch",
		ServerVersion:  5,
		ClientVersion:  3,
		ServerData:     json.RawMessage(`{"_id":"t1","title":"server title","version":5}`),
		ClientData:     json.RawMessage(`{"_id":"t1","title":"client title","version":3}`),
		OriginalIntent: json.RawMessage(`{"title":"client title"}`),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.AddConflict(context.Background(), c))
	return c
}

func TestApplyServerEnqueuesServerSnapshot(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()
	c := seedConflict(t, st)

	// The cache must stay untouched by resolution itself; convergence
	// happens through the flush path.
	require.NoError(t, st.PutTasks(ctx, []offstore.Task{{ID: "t1", Title: "local", Version: 3, UpdatedAt: time.Now()}}))

	require.NoError(t, e.ApplyServer(ctx, c.ID))

	batch, err := st.OutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	item := batch[0]
	assert.Equal(t, offstore.OpUpsert, item.Op)
	assert.Equal(t, "t1", item.EntityID)
	assert.JSONEq(t, string(c.ServerData), string(item.Payload))
	require.NotNil(t, item.BaseVersion)
	assert.Equal(t, int64(5), *item.BaseVersion)

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)

	cached, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "local", cached.Title)
	assert.Equal(t, int64(3), cached.Version)
}

func TestReplayClientEnqueuesOriginalIntentUnversioned(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()
	c := seedConflict(t, st)

	require.NoError(t, e.ReplayClient(ctx, c.ID))

	batch, err := st.OutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	item := batch[0]
	assert.Equal(t, offstore.OpUpsert, item.Op)
	assert.JSONEq(t, string(c.OriginalIntent), string(item.Payload))
	// No base version: the replay overwrites whatever the server holds now.
	assert.Nil(t, item.BaseVersion)

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

func TestManualMergeEnqueuesMergedPayload(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()
	c := seedConflict(t, st)

	merged := json.RawMessage(`{"_id":"t1","title":"merged title","version":5}`)
	require.NoError(t, e.ManualMerge(ctx, c.ID, merged))

	batch, err := st.OutboxBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	item := batch[0]
	assert.JSONEq(t, string(merged), string(item.Payload))
	require.NotNil(t, item.BaseVersion)
	assert.Equal(t, int64(5), *item.BaseVersion)

	got, err := st.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
}

func TestManualMergeRequiresPayload(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	c := seedConflict(t, st)

	assert.Error(t, e.ManualMerge(context.Background(), c.ID, nil))
}

func TestResolveRejectsUnknownAndAlreadyResolved(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()
	c := seedConflict(t, st)

	assert.Error(t, e.ApplyServer(ctx, 9999))

	require.NoError(t, e.ApplyServer(ctx, c.ID))
	assert.Error(t, e.ApplyServer(ctx, c.ID))
	assert.Error(t, e.ReplayClient(ctx, c.ID))
}

func TestReplayClientRequiresOriginalIntent(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()

	c := &offstore.Conflict{
		Entity:        offstore.EntityTask,
		EntityID:      "t1",
		Reason:        "version-mismatch",
		ServerVersion: 2,
		ServerData:    json.RawMessage(`{"_id":"t1","version":2}`),
		CreatedAt:     time.Now(),
	}
	require.NoError(t, st.AddConflict(ctx, c))

	assert.Error(t, e.ReplayClient(ctx, c.ID))
}

func TestClearResolvedKeepsUnresolved(t *testing.T) {
	e, st := newTestEngine(t, &stubServer{})
	ctx := context.Background()
	resolved := seedConflict(t, st)
	unresolved := seedConflict(t, st)
	_ = unresolved

	require.NoError(t, e.ApplyServer(ctx, resolved.ID))
	require.NoError(t, e.ClearResolved(ctx))

	remaining, err := e.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.False(t, remaining[0].Resolved)

	require.NoError(t, e.PurgeConflicts(ctx))
	remaining, err = e.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
