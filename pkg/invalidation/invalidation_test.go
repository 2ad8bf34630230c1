package invalidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
)

func setupEngine(t *testing.T, cfg Config) (*Engine, kv.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store, nil, cfg, nil, nil), store, mr
}

// seedEntry writes an entry plus its metadata hash
func seedEntry(t *testing.T, store kv.Client, key string, cachedAt time.Time, sourceURL string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, key, []byte("payload"), time.Hour))
	fields := map[string]interface{}{
		"cached_at":    cachedAt.UTC().Format(time.RFC3339Nano),
		"access_count": 1,
	}
	if sourceURL != "" {
		fields["source_url"] = sourceURL
	}
	require.NoError(t, store.HSet(ctx, key+":meta", fields))
}

func TestRunExactKey(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	key := "agentcache:v1:acme:openai:gpt-4:abc"
	seedEntry(t, store, key, time.Now(), "")

	res, err := engine.Run(ctx, Request{Namespace: "acme", Key: key})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Invalidated)

	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	ok, err := store.Exists(ctx, key+":meta")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRunExactKeyOutsideNamespace(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})

	_, err := engine.Run(context.Background(), Request{
		Namespace: "acme",
		Key:       "agentcache:v1:other:openai:gpt-4:abc",
	})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestRunExactKeyNamespaceInOtherSegment(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	// "acme" sits in the provider segment of another tenant's key
	victim := "agentcache:v1:default:acme:gpt-4:deadbeef"
	seedEntry(t, store, victim, time.Now(), "")

	_, err := engine.Run(ctx, Request{Namespace: "acme", Key: victim})
	assert.ErrorIs(t, err, ErrInvalidScope)

	ok, err := store.Exists(ctx, victim)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunExactKeyToolAndDBNamespaces(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	toolKey := "agentcache:tool:v1:acme:weather:abc"
	dbKey := "agentcache:db:v1:acme:orders:abc"
	seedEntry(t, store, toolKey, time.Now(), "")
	seedEntry(t, store, dbKey, time.Now(), "")

	for _, key := range []string{toolKey, dbKey} {
		res, err := engine.Run(ctx, Request{Namespace: "acme", Key: key})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Invalidated)
	}

	// tool and db keys carry the namespace in segment 3, not 2
	_, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Key:       "agentcache:tool:acme:default:weather:abc",
	})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestRunPattern(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedEntry(t, store, fmt.Sprintf("agentcache:v1:acme:openai:gpt-4:%d", i), time.Now(), "")
	}
	seedEntry(t, store, "agentcache:v1:other:openai:gpt-4:x", time.Now(), "")

	res, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Pattern:   "agentcache:v1:acme:openai:*",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Invalidated)

	// the other tenant's entry survives
	ok, err := store.Exists(ctx, "agentcache:v1:other:openai:gpt-4:x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunPatternRespectsKeyCap(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{ScanMaxKeys: 5})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		seedEntry(t, store, fmt.Sprintf("agentcache:v1:acme:openai:gpt-4:%02d", i), time.Now(), "")
	}

	res, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Pattern:   "agentcache:v1:acme:*",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Invalidated)
}

func TestRunPatternOutsideNamespace(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})

	_, err := engine.Run(context.Background(), Request{
		Namespace: "acme",
		Pattern:   "agentcache:v1:other:*",
	})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestRunPatternNamespaceInOtherSegment(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	victim := "agentcache:v1:default:acme:gpt-4:deadbeef"
	seedEntry(t, store, victim, time.Now(), "")

	_, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Pattern:   "agentcache:v1:default:acme:*",
	})
	assert.ErrorIs(t, err, ErrInvalidScope)

	ok, err := store.Exists(ctx, victim)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunTags(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	k1 := "agentcache:v1:acme:openai:gpt-4:1"
	k2 := "agentcache:v1:acme:openai:gpt-4:2"
	seedEntry(t, store, k1, time.Now(), "")
	seedEntry(t, store, k2, time.Now(), "")
	require.NoError(t, store.SAdd(ctx, fingerprint.TagKey("acme", "reports"), k1, k2))
	require.NoError(t, store.SAdd(ctx, fingerprint.TagKey("acme", "daily"), k2))

	res, err := engine.Run(ctx, Request{Namespace: "acme", Tags: []string{"reports", "daily"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Invalidated)

	// tag sets are dropped with their members
	members, err := store.SMembers(ctx, fingerprint.TagKey("acme", "reports"))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRunTagsRespectKeyCap(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{ScanMaxKeys: 5})
	ctx := context.Background()

	tagKey := fingerprint.TagKey("acme", "reports")
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("agentcache:v1:acme:openai:gpt-4:%d", i)
		seedEntry(t, store, key, time.Now(), "")
		require.NoError(t, store.SAdd(ctx, tagKey, key))
	}

	res, err := engine.Run(ctx, Request{Namespace: "acme", Tags: []string{"reports"}})
	require.NoError(t, err)
	assert.Equal(t, int64(5), res.Invalidated)

	// the truncated run keeps the tag set for the remainder
	members, err := store.SMembers(ctx, tagKey)
	require.NoError(t, err)
	assert.Len(t, members, 8)
}

func TestRunSchemaVersion(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	k1 := "agentcache:db:v1:acme:orders:1"
	k2 := "agentcache:db:v1:acme:orders:2"
	seedEntry(t, store, k1, time.Now(), "")
	seedEntry(t, store, k2, time.Now(), "")
	require.NoError(t, store.SAdd(ctx, fingerprint.SchemaKey("acme", "orders", "1"), k1, k2))

	res, err := engine.Run(ctx, Request{
		Namespace:     "acme",
		SchemaDB:      "orders",
		SchemaVersion: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Invalidated)

	for _, k := range []string{k1, k2} {
		_, err := store.Get(ctx, k)
		assert.ErrorIs(t, err, kv.ErrNotFound)
	}
}

func TestRunSchemaRespectsKeyCap(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{ScanMaxKeys: 2})
	ctx := context.Background()

	setKey := fingerprint.SchemaKey("acme", "orders", "1")
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("agentcache:db:v1:acme:orders:%d", i)
		seedEntry(t, store, key, time.Now(), "")
		require.NoError(t, store.SAdd(ctx, setKey, key))
	}

	res, err := engine.Run(ctx, Request{
		Namespace:     "acme",
		SchemaDB:      "orders",
		SchemaVersion: "1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Invalidated)

	members, err := store.SMembers(ctx, setKey)
	require.NoError(t, err)
	assert.Len(t, members, 4)
}

func TestRunNamespaceRequiresConfirm(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})

	_, err := engine.Run(context.Background(), Request{Namespace: "acme", Namespaces: true})
	assert.ErrorIs(t, err, ErrScopeTooBroad)
}

func TestRunNamespaceWithConfirm(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	seedEntry(t, store, "agentcache:v1:acme:openai:gpt-4:1", time.Now(), "")
	seedEntry(t, store, "agentcache:tool:v1:acme:weather:2", time.Now(), "")
	seedEntry(t, store, "agentcache:db:v1:acme:orders:3", time.Now(), "")
	seedEntry(t, store, "agentcache:v1:other:openai:gpt-4:4", time.Now(), "")

	res, err := engine.Run(ctx, Request{Namespace: "acme", Namespaces: true, Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Invalidated)

	ok, err := store.Exists(ctx, "agentcache:v1:other:openai:gpt-4:4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOlderThanModifier(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	engine.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	old := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 8, 24, 11, 59, 0, 0, time.UTC)

	seedEntry(t, store, "agentcache:v1:acme:openai:gpt-4:old", old, "")
	seedEntry(t, store, "agentcache:v1:acme:openai:gpt-4:new", fresh, "")

	res, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Pattern:   "agentcache:v1:acme:*",
		OlderThan: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Invalidated)

	ok, err := store.Exists(ctx, "agentcache:v1:acme:openai:gpt-4:new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunURLModifier(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	seedEntry(t, store, "agentcache:db:v1:acme:orders:a", time.Now(), "https://api.example.com/orders")
	seedEntry(t, store, "agentcache:db:v1:acme:orders:b", time.Now(), "https://api.example.com/users")

	res, err := engine.Run(ctx, Request{
		Namespace: "acme",
		Pattern:   "agentcache:db:v1:acme:*",
		URL:       "https://api.example.com/orders",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Invalidated)
}

func TestRunNoScope(t *testing.T) {
	engine, _, _ := setupEngine(t, Config{})
	_, err := engine.Run(context.Background(), Request{Namespace: "acme"})
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestRunRecordsDailyCounter(t *testing.T) {
	engine, store, _ := setupEngine(t, Config{})
	ctx := context.Background()

	seedEntry(t, store, "agentcache:v1:acme:openai:gpt-4:1", time.Now(), "")
	_, err := engine.Run(ctx, Request{Namespace: "acme", Key: "agentcache:v1:acme:openai:gpt-4:1"})
	require.NoError(t, err)

	date := time.Now().UTC().Format("2006-01-02")
	raw, err := store.Get(ctx, fingerprint.DailyInvalidationsKey(date))
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
}
