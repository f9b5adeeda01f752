package semcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsIndependentOfParamOrder(t *testing.T) {
	k1 := Key("hello", map[string]any{"a": 1, "b": "x"})
	k2 := Key("hello", map[string]any{"b": "x", "a": 1})
	assert.Equal(t, k1, k2)
}

func TestKeyDiffersOnPromptOrParams(t *testing.T) {
	k1 := Key("hello", map[string]any{"a": 1})
	k2 := Key("world", map[string]any{"a": 1})
	k3 := Key("hello", map[string]any{"a": 2})
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func withFrozenClock(t *testing.T, unix int64) {
	t.Helper()
	orig := Now
	Now = func() int64 { return unix }
	t.Cleanup(func() { Now = orig })
}

func TestInProcessPutThenQueryHits(t *testing.T) {
	withFrozenClock(t, 1000)
	c := New(NewInProcessBackend())
	require.NoError(t, c.Put(context.Background(), "p", nil, "resp", nil, 10*time.Second))

	entry, ok, err := c.Query(context.Background(), "p", nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "resp", entry.Response)
	assert.Equal(t, float64(1), c.Stats().HitRate())
}

func TestQueryMissesAfterTTLExpires(t *testing.T) {
	withFrozenClock(t, 1000)
	c := New(NewInProcessBackend())
	require.NoError(t, c.Put(context.Background(), "p", nil, "resp", nil, 5*time.Second))

	withFrozenClock(t, 1006)
	_, ok, err := c.Query(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearExpiredRemovesOnlyExpiredEntries(t *testing.T) {
	withFrozenClock(t, 1000)
	c := New(NewInProcessBackend())
	require.NoError(t, c.Put(context.Background(), "stale", nil, "old", nil, 1*time.Second))
	require.NoError(t, c.Put(context.Background(), "fresh", nil, "new", nil, 1*time.Hour))

	withFrozenClock(t, 1002)
	removed, err := c.ClearExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, _ := c.Query(context.Background(), "fresh", nil)
	assert.True(t, ok)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	withFrozenClock(t, 2000)
	backend := NewRedisBackend(client, "semcache:")
	c := New(backend)

	require.NoError(t, c.Put(context.Background(), "prompt", map[string]any{"temp": 0.2}, "answer", nil, time.Minute))
	entry, ok, err := c.Query(context.Background(), "prompt", map[string]any{"temp": 0.2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "answer", entry.Response)
}
