package catalogue_test

import (
	"context"
	"testing"

	"icatkit/internal/catalogue"
	"icatkit/internal/entity"
	"icatkit/internal/query"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingClient struct {
	catalogue.Client
	resolves int
}

func (c *countingClient) ResolveByUniqueKey(ctx context.Context, key string) (*entity.Entity, error) {
	c.resolves++
	return c.Client.ResolveByUniqueKey(ctx, key)
}

func TestKeyCacheMiddleware(t *testing.T) {
	mem, _ := newMemory(t)
	inner := &countingClient{Client: mem}
	c := catalogue.Wrap(inner, catalogue.WithKeyCache(16))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g, err := c.ResolveByUniqueKey(ctx, "Grouping_name-writer")
		require.NoError(t, err)
		assert.Equal(t, "writer", g.Get("name"))
	}
	assert.Equal(t, 1, inner.resolves)

	for i := 0; i < 2; i++ {
		_, err := c.ResolveByUniqueKey(ctx, "Grouping_name-nope")
		assert.ErrorIs(t, err, catalogue.ErrNotFound)
	}
	assert.Equal(t, 3, inner.resolves)

	assert.Same(t, inner, catalogue.Wrap(inner, catalogue.WithKeyCache(0)))
}

func TestLoggingMiddleware(t *testing.T) {
	mem, _ := newMemory(t)
	core, logs := observer.New(zapcore.DebugLevel)
	c := catalogue.Wrap(mem, catalogue.WithLogging(zap.New(core)))
	ctx := context.Background()

	_, err := c.Search(ctx, query.New("User"))
	require.NoError(t, err)
	_, err = c.Search(ctx, query.New("Nope"))
	require.Error(t, err)

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, int64(3), entries[0].ContextMap()["results"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "catalogue search failed", entries[1].Message)
}
