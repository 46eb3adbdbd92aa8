package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedlock(t *testing.T, nodes int) ([]*miniredis.Miniredis, *Redlock) {
	t.Helper()
	servers := make([]*miniredis.Miniredis, 0, nodes)
	clients := make([]goredis.UniversalClient, 0, nodes)
	for range nodes {
		mr := miniredis.RunT(t)
		c := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		servers = append(servers, mr)
		clients = append(clients, c)
	}
	return servers, NewRedlock(clients, nil)
}

func TestRedlock_AcquireReleaseAcrossNodes(t *testing.T) {
	servers, locker := setupRedlock(t, 3)
	ctx := context.Background()

	token, ok, err := locker.Acquire(ctx, "deal:42", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	for _, mr := range servers {
		stored, err := mr.Get("deal:42")
		require.NoError(t, err)
		assert.Equal(t, token, stored)
	}

	_, ok, err = locker.Acquire(ctx, "deal:42", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := locker.Release(ctx, "deal:42", token)
	require.NoError(t, err)
	assert.True(t, released)

	for _, mr := range servers {
		assert.False(t, mr.Exists("deal:42"))
	}
}

func TestRedlock_StaleReleaseIsNoop(t *testing.T) {
	servers, locker := setupRedlock(t, 1)
	ctx := context.Background()

	first, ok, err := locker.Acquire(ctx, "deal:9", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	servers[0].FastForward(5 * time.Second)

	second, ok, err := locker.Acquire(ctx, "deal:9", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	released, err := locker.Release(ctx, "deal:9", first)
	require.NoError(t, err)
	assert.False(t, released)

	stored, err := servers[0].Get("deal:9")
	require.NoError(t, err)
	assert.Equal(t, second, stored)
}

func TestRedlock_QuorumLostIsBusy(t *testing.T) {
	servers, locker := setupRedlock(t, 3)
	ctx := context.Background()

	// Another holder owns the key on two of three nodes.
	require.NoError(t, servers[0].Set("deal:5", "other"))
	require.NoError(t, servers[1].Set("deal:5", "other"))

	_, ok, err := locker.Acquire(ctx, "deal:5", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := servers[0].Get("deal:5")
	require.NoError(t, err)
	assert.Equal(t, "other", stored)
}
