package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/geoplace/geoplace/types"
)

func setupRedisIndex(t *testing.T) (*miniredis.Miniredis, Index) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	idx, err := NewRedisIndex(RedisConfig{
		Addr:     mr.Addr(),
		LeaseTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)

	return mr, idx
}

func TestRedisIndex_CommitAndLookup(t *testing.T) {
	_, idx := setupRedisIndex(t)
	ctx := context.Background()

	_, ok, err := idx.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.Commit(ctx, "fp1", testEntry("light", "light")))

	got, ok, err := idx.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fp1", got.Fingerprint)
	assert.Equal(t, "light", got.Stage)
	assert.Equal(t, "voxel-style object", got.Prompt)
}

func TestRedisIndex_WriteOnce(t *testing.T) {
	_, idx := setupRedisIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Commit(ctx, "fp1", testEntry("light", "light")))

	err := idx.Commit(ctx, "fp1", testEntry("refine", "refined"))
	require.Error(t, err)
	assert.Equal(t, types.ErrAlreadyCommitted, types.GetErrorCode(err))

	got, _, err := idx.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.Equal(t, "light", got.Stage)
}

func TestRedisIndex_Lease(t *testing.T) {
	mr, idx := setupRedisIndex(t)
	ctx := context.Background()

	ok, err := idx.AcquireLease(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = idx.AcquireLease(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, idx.ReleaseLease(ctx, "fp1"))

	ok, err = idx.AcquireLease(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)

	// leases expire so a crashed builder cannot hold one forever
	mr.FastForward(2 * time.Minute)

	ok, err = idx.AcquireLease(ctx, "fp1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisIndex_Clear(t *testing.T) {
	_, idx := setupRedisIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Commit(ctx, "fp1", testEntry("light", "light")))
	require.NoError(t, idx.Commit(ctx, "fp2", testEntry("refine", "refined")))

	require.NoError(t, idx.Clear(ctx))

	_, ok, err := idx.Lookup(ctx, "fp1")
	require.NoError(t, err)
	assert.False(t, ok)

	// cleared fingerprints can be committed again
	require.NoError(t, idx.Commit(ctx, "fp1", testEntry("light", "light")))
}
