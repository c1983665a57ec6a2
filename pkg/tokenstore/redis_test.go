package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set DIDMESH_TEST_REDIS_ADDR (for example localhost:6379) to run against a
// real server.
func redisAddr(t *testing.T) string {
	t.Helper()
	addr := os.Getenv("DIDMESH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DIDMESH_TEST_REDIS_ADDR not set")
	}
	return addr
}

func TestRedisPersister(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	rdb, err := NewRedisClient(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	key := "didmesh:test:" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(context.Background(), key) })
	p := NewRedisPersister(rdb, key)

	entries, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	s := New(WithPersister(p))
	s.Store("fp", "tok", time.Now().Add(time.Hour))
	require.NoError(t, s.Flush(ctx))

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Minute)

	restored := New(WithPersister(p))
	require.NoError(t, restored.Load(ctx))
	tok, _, err := restored.Get("fp")
	require.NoError(t, err)
	assert.Equal(t, "tok", tok)

	require.NoError(t, rdb.Set(ctx, key, "garbage", time.Minute).Err())
	healed := New(WithPersister(p))
	require.NoError(t, healed.Load(ctx))
	assert.Equal(t, 0, healed.Len())
}
