package cache

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/vector"
)

// fakeVectorStore keeps semantic records in memory and ranks matches by
// cosine similarity
type fakeVectorStore struct {
	mu   sync.Mutex
	recs map[string]vector.SemanticRecord
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{recs: make(map[string]vector.SemanticRecord)}
}

func (f *fakeVectorStore) Upsert(_ context.Context, rec vector.SemanticRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ID] = rec
	return nil
}

func (f *fakeVectorStore) Query(_ context.Context, namespace, provider, model string, embedding []float32, topK int) ([]vector.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *vector.Match
	for _, rec := range f.recs {
		if rec.Namespace != namespace || rec.Provider != provider || rec.Model != model {
			continue
		}
		sim := cosine(embedding, rec.Embedding)
		if best == nil || sim > best.Similarity {
			best = &vector.Match{ID: rec.ID, Similarity: sim, Response: rec.Response, CachedAt: rec.CachedAt}
		}
	}
	if best == nil {
		return nil, nil
	}
	return []vector.Match{*best}, nil
}

func (f *fakeVectorStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)
	return nil
}

func (f *fakeVectorStore) HealthCheck(context.Context) error { return nil }

func (f *fakeVectorStore) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func setupEngine(t *testing.T, vectors vector.Store) (*Engine, *miniredis.Miniredis, kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewRedisClientFromExisting(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	var embedder vector.Embedder
	if vectors != nil {
		embedder = vector.NewStaticEmbedder(64)
	}
	engine := NewEngine(store, vectors, embedder, Config{AsyncWorkers: 1}, nil, nil)
	t.Cleanup(func() {
		engine.Close()
		_ = store.Close()
	})
	return engine, mr, store
}

func demoPrincipal() *models.Principal {
	return models.NewPrincipal(models.KeyDemo, "", "free", 0, 100, "demodigest")
}

func llmInputs(content string, temp float64) models.Inputs {
	return models.Inputs{
		Kind: models.KindLLM,
		LLM: &models.LLMInputs{
			Provider:    "openai",
			Model:       "gpt-4",
			Messages:    []models.Message{{Role: "user", Content: content}},
			Temperature: &temp,
		},
	}
}

func TestSetThenGetServesL2ThenL1(t *testing.T) {
	engine, _, _ := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()
	in := llmInputs("hi", 0.7)

	set, err := engine.Set(ctx, "default", in, p, []byte(`"hello"`), SetOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, int64(60), set.TTLSeconds)
	assert.Len(t, set.KeySuffix, 12)

	got, err := engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)
	assert.True(t, got.Hit)
	assert.Equal(t, models.TierL2, got.Tier)
	assert.JSONEq(t, `"hello"`, string(got.Payload))
	assert.Equal(t, set.KeySuffix, got.KeySuffix)

	again, err := engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)
	assert.True(t, again.Hit)
	assert.Equal(t, models.TierL1, again.Tier)
	assert.JSONEq(t, `"hello"`, string(again.Payload))
}

func TestGetMissOnTemperatureDrift(t *testing.T) {
	engine, _, _ := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()

	_, err := engine.Set(ctx, "default", llmInputs("hi", 0.7), p, []byte(`"hello"`), SetOptions{})
	require.NoError(t, err)

	got, err := engine.Get(ctx, "default", llmInputs("hi", 0.8), p, GetOptions{})
	require.NoError(t, err)
	assert.False(t, got.Hit)
	assert.NotEmpty(t, got.KeySuffix)
}

func TestNamespaceIsolation(t *testing.T) {
	engine, _, _ := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()

	in := models.Inputs{
		Kind: models.KindTool,
		Tool: &models.ToolInputs{
			ToolName:   "weather",
			Parameters: map[string]interface{}{"city": "SFO"},
		},
	}

	_, err := engine.Set(ctx, "acme", in, p, []byte(`{"temp":65}`), SetOptions{})
	require.NoError(t, err)

	hit, err := engine.Get(ctx, "acme", in, p, GetOptions{})
	require.NoError(t, err)
	assert.True(t, hit.Hit)

	miss, err := engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)
	assert.False(t, miss.Hit)
}

func TestDefaultTTLPerKind(t *testing.T) {
	engine, mr, _ := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()

	in := models.Inputs{
		Kind: models.KindDB,
		DB:   &models.DBInputs{DBName: "orders", Query: "SELECT 1"},
	}
	set, err := engine.Set(ctx, "default", in, p, []byte(`[]`), SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), set.TTLSeconds)
	assert.InDelta(t, 300, mr.TTL(set.Key).Seconds(), 1)
}

func TestSetWritesMetadataAndIndexes(t *testing.T) {
	engine, mr, store := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()

	in := models.Inputs{
		Kind: models.KindDB,
		DB: &models.DBInputs{
			DBName:        "orders",
			Query:         "SELECT * FROM orders",
			SchemaVersion: "1",
		},
	}
	set, err := engine.Set(ctx, "acme", in, p, []byte(`[{"id":1}]`), SetOptions{
		TTL:           time.Minute,
		Tags:          []string{"reports"},
		RowCount:      1,
		SchemaVersion: "1",
	})
	require.NoError(t, err)

	meta, err := store.HGetAll(ctx, set.Key+":meta")
	require.NoError(t, err)
	assert.Equal(t, "1", meta["access_count"])
	assert.Equal(t, "60", meta["ttl"])
	assert.Equal(t, "1", meta["row_count"])
	assert.Equal(t, "1", meta["schema_version"])
	assert.NotEmpty(t, meta["cached_at"])

	tagMembers, err := store.SMembers(ctx, fingerprint.TagKey("acme", "reports"))
	require.NoError(t, err)
	assert.Equal(t, []string{set.Key}, tagMembers)

	schemaMembers, err := store.SMembers(ctx, fingerprint.SchemaKey("acme", "orders", "1"))
	require.NoError(t, err)
	assert.Equal(t, []string{set.Key}, schemaMembers)

	// index sets outlive the entry by the grace period
	assert.Greater(t, mr.TTL(fingerprint.TagKey("acme", "reports")), time.Minute)

	date := time.Now().UTC().Format("2006-01-02")
	sets, err := store.Get(ctx, fingerprint.DailySetsKey(models.KindDB, date))
	require.NoError(t, err)
	assert.Equal(t, "1", string(sets))

	usage, err := store.HGetAll(ctx, fingerprint.UsageKey(p.RateKey(), models.KindDB))
	require.NoError(t, err)
	assert.Equal(t, "1", usage["sets"])
}

func TestL2HitTouchesMetadataAndCounters(t *testing.T) {
	engine, _, store := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()
	in := llmInputs("hi", 0.7)

	set, err := engine.Set(ctx, "default", in, p, []byte(`"hello"`), SetOptions{})
	require.NoError(t, err)

	_, err = engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)

	date := time.Now().UTC().Format("2006-01-02")
	assert.Eventually(t, func() bool {
		meta, err := store.HGetAll(ctx, set.Key+":meta")
		if err != nil || meta["access_count"] != "2" {
			return false
		}
		hits, err := store.Get(ctx, fingerprint.DailyHitsKey(models.TierL2, date))
		return err == nil && string(hits) == "1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMissRecordsDailyCounter(t *testing.T) {
	engine, _, store := setupEngine(t, nil)
	ctx := context.Background()

	_, err := engine.Get(ctx, "default", llmInputs("hi", 0.7), demoPrincipal(), GetOptions{})
	require.NoError(t, err)

	date := time.Now().UTC().Format("2006-01-02")
	assert.Eventually(t, func() bool {
		misses, err := store.Get(ctx, fingerprint.DailyMissesKey(date))
		return err == nil && string(misses) == "1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSemanticHitOnDrift(t *testing.T) {
	vectors := newFakeVectorStore()
	engine, _, _ := setupEngine(t, vectors)
	ctx := context.Background()
	p := demoPrincipal()

	_, err := engine.Set(ctx, "default", llmInputs("what is photosynthesis?", 0.7), p, []byte(`"R"`), SetOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return vectors.size() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a different temperature misses L2 but embeds to the same text
	got, err := engine.Get(ctx, "default", llmInputs("what is photosynthesis?", 0.8), p, GetOptions{Semantic: true})
	require.NoError(t, err)
	assert.True(t, got.Hit)
	assert.Equal(t, models.TierL3, got.Tier)
	assert.JSONEq(t, `"R"`, string(got.Payload))
	assert.GreaterOrEqual(t, got.Similarity, float32(0.85))
}

func TestSemanticBelowThresholdMisses(t *testing.T) {
	vectors := newFakeVectorStore()
	engine, _, _ := setupEngine(t, vectors)
	ctx := context.Background()
	p := demoPrincipal()

	_, err := engine.Set(ctx, "default", llmInputs("what is photosynthesis?", 0.7), p, []byte(`"R"`), SetOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return vectors.size() == 1 }, 2*time.Second, 10*time.Millisecond)

	// unrelated text embeds far from the stored record
	got, err := engine.Get(ctx, "default", llmInputs("compile a kernel", 0.7), p, GetOptions{Semantic: true})
	require.NoError(t, err)
	assert.False(t, got.Hit)
}

func TestSemanticScopedByNamespace(t *testing.T) {
	vectors := newFakeVectorStore()
	engine, _, _ := setupEngine(t, vectors)
	ctx := context.Background()
	p := demoPrincipal()

	_, err := engine.Set(ctx, "acme", llmInputs("what is photosynthesis?", 0.7), p, []byte(`"R"`), SetOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return vectors.size() == 1 }, 2*time.Second, 10*time.Millisecond)

	got, err := engine.Get(ctx, "default", llmInputs("what is photosynthesis?", 0.8), p, GetOptions{Semantic: true})
	require.NoError(t, err)
	assert.False(t, got.Hit)
}

func TestInvalidateRemovesEntryAndL1(t *testing.T) {
	engine, _, _ := setupEngine(t, nil)
	ctx := context.Background()
	p := demoPrincipal()
	in := llmInputs("hi", 0.7)

	_, err := engine.Set(ctx, "default", in, p, []byte(`"hello"`), SetOptions{})
	require.NoError(t, err)

	// prime L1 through an L2 hit
	_, err = engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)

	key, err := fingerprint.Compute("default", in)
	require.NoError(t, err)
	n, err := engine.Invalidate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := engine.Get(ctx, "default", in, p, GetOptions{})
	require.NoError(t, err)
	assert.False(t, got.Hit)
}

func TestParseMetadata(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	m := ParseMetadata(map[string]string{
		"cached_at":    now.Format(time.RFC3339Nano),
		"access_count": "7",
		"row_count":    "3",
		"ttl":          "300",
		"source_url":   "https://example.com/orders",
	})
	assert.True(t, m.CachedAt.Equal(now))
	assert.Equal(t, int64(7), m.AccessCount)
	assert.Equal(t, 3, m.RowCount)
	assert.Equal(t, int64(300), m.TTLSeconds)
	assert.Equal(t, "https://example.com/orders", m.SourceURL)
}
