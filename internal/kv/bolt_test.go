package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := OpenBolt(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBoltGetSet(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	_, found, err := b.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, b.Set(ctx, "k", "v", 0))
	val, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestBoltIncr(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	for want := int64(1); want <= 3; want++ {
		n, err := b.Incr(ctx, "ctr")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestBoltSetNX(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	set, err := b.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	set, err = b.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)

	val, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestBoltTTLAndExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	require.NoError(t, b.Set(ctx, "short", "v", 30*time.Millisecond))
	require.NoError(t, b.Set(ctx, "long", "v", time.Hour))

	ttl, ok, err := b.TTL(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)

	time.Sleep(50 * time.Millisecond)
	_, found, err := b.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = b.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestBoltDel(t *testing.T) {
	ctx := context.Background()
	b := newTestBolt(t)

	require.NoError(t, b.Set(ctx, "a", "1", 0))
	require.NoError(t, b.Del(ctx, "a", "never-existed"))

	_, found, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	b, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", "v", time.Hour))
	require.NoError(t, b.Close())

	b, err = OpenBolt(path)
	require.NoError(t, err)
	defer b.Close()

	val, found, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}
