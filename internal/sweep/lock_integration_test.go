//go:build integration

package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	a, err := NewRedisLocker(ctx, url)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedisLocker(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	release, ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	releaseB, ok, err := b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// A stale release from the first holder leaves the new lock in place.
	require.NoError(t, release(ctx))
	_, ok, err = a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, releaseB(ctx))
}
