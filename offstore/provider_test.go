package offstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderDisabledPersistence(t *testing.T) {
	p := NewProvider("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := p.Store()
	assert.True(t, s.Degraded())
}

func TestProviderDegradesOnInitFailure(t *testing.T) {
	// The parent directory does not exist, so SQLite cannot create the file.
	p := NewProvider("/nonexistent-devdash-dir/cache.db", slog.New(slog.NewTextHandler(io.Discard, nil)))
	s := p.Store()
	require.True(t, s.Degraded())

	// Degraded stores stay unconditionally callable.
	ctx := context.Background()
	require.NoError(t, s.PutTasks(ctx, []Task{{ID: "t1", Version: 1}}))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
	batch, err := s.OutboxBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
	v, err := s.GetMeta(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}

func TestProviderConcurrentCallersConverge(t *testing.T) {
	p := NewProvider(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))

	var wg sync.WaitGroup
	stores := make([]Store, 8)
	for i := range stores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stores[i] = p.Store()
		}(i)
	}
	wg.Wait()

	for _, s := range stores {
		assert.Same(t, stores[0], s)
		assert.False(t, s.Degraded())
	}
}
