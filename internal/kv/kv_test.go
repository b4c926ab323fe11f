package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract exercises behavior every backend shares. advance moves the
// backend's clock forward.
func storeContract(t *testing.T, s Store, advance func(time.Duration)) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, s.Set(ctx, "a", "1", 0))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = s.GetDel(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	_, err = s.GetDel(ctx, "a")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, s.Set(ctx, "ttl", "x", time.Minute))
	advance(2 * time.Minute)
	_, err = s.Get(ctx, "ttl")
	assert.ErrorIs(t, err, ErrNil)

	require.NoError(t, s.Set(ctx, "gone", "x", 0))
	require.NoError(t, s.Del(ctx, "gone"))
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, ErrNil)

	assert.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	storeContract(t, m, func(d time.Duration) { now = now.Add(d) })
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	storeContract(t, r, mr.FastForward)
}

func TestRedisBadURL(t *testing.T) {
	_, err := NewRedis("not a url")
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "duckpond:compaction:abc", CompactionKey("abc"))
	assert.Equal(t, "duckpond:context:abc", ContextKey("abc"))
	assert.Equal(t, "duckpond:session_start", SessionStartKey)
}
