package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestGetSetRoundTrip(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k1", []byte(`{"v":1}`), time.Minute))

	data, err := client.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), data)

	ttl, err := client.TTL(ctx, "k1")
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

	mr.FastForward(2 * time.Minute)
	_, err = client.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetMissing(t *testing.T) {
	client, _ := setupClient(t)
	_, err := client.Get(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelAbsentKeyIsNoop(t *testing.T) {
	client, _ := setupClient(t)
	n, err := client.Del(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHashOps(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.HSet(ctx, "h1", map[string]interface{}{
		"owner": "team@example.com",
		"tier":  "standard",
	}))

	m, err := client.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "team@example.com", m["owner"])
	assert.Equal(t, "standard", m["tier"])

	n, err := client.HIncrBy(ctx, "h1", "count", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSetOps(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.SAdd(ctx, "s1", "a", "b"))
	require.NoError(t, client.SAdd(ctx, "s1", "b", "c"))

	members, err := client.SMembers(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)
}

func TestCounters(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	n, err := client.Incr(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = client.IncrBy(ctx, "c1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	require.NoError(t, client.Expire(ctx, "c1", time.Minute))
	mr.FastForward(2 * time.Minute)
	ok, err := client.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPagination(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	for _, k := range []string{"p:1", "p:2", "p:3", "q:1"} {
		require.NoError(t, client.Set(ctx, k, []byte("x"), 0))
	}

	var collected []string
	var cursor uint64
	for {
		page, next, err := client.Scan(ctx, cursor, "p:*", 2)
		require.NoError(t, err)
		collected = append(collected, page...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	assert.ElementsMatch(t, []string{"p:1", "p:2", "p:3"}, collected)
}

func TestBatchExec(t *testing.T) {
	client, mr := setupClient(t)
	ctx := context.Background()

	batch := client.Pipeline()
	batch.SetEX("entry", []byte("payload"), time.Minute)
	batch.HSet("entry:meta", map[string]interface{}{"access_count": 1})
	batch.Expire("entry:meta", time.Minute)
	batch.SAdd("tag:default:x", "entry")
	batch.Incr("stats:sets")
	batch.HIncrBy("usage:d:llm", "sets", 1)
	assert.Equal(t, 6, batch.Len())

	require.NoError(t, batch.Exec(ctx))

	data, err := client.Get(ctx, "entry")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.True(t, mr.Exists("entry:meta"))

	count, err := client.Get(ctx, "stats:sets")
	require.NoError(t, err)
	assert.Equal(t, "1", string(count))
}

func TestBatchDelTracksFirstKey(t *testing.T) {
	client, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, client.Set(ctx, "b", []byte("2"), 0))

	batch := client.Pipeline()
	batch.Del("a", "b")
	require.NoError(t, batch.Exec(ctx))

	for _, k := range []string{"a", "b"} {
		_, err := client.Get(ctx, k)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestBatchErrorUnwrap(t *testing.T) {
	inner := assert.AnError
	be := &BatchError{Applied: []string{"k1"}, FailedKey: "k2", Err: inner}
	assert.ErrorIs(t, be, inner)
	assert.Contains(t, be.Error(), "k2")
}
