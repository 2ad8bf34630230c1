// Package cache implements the three-tier engine: an in-process L1 LRU,
// the exact L2 tier in the KV store, and the semantic L3 tier backed by
// the vector index. Reads fall through the tiers; writes go to L2 in a
// single pipelined batch with best-effort compensation on failure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/vector"
)

// index sets outlive their entries by this grace so age filters can
// still resolve members briefly after expiry
const indexGrace = time.Hour

// Config holds the tier engine's operational parameters
type Config struct {
	L1Size            int           `mapstructure:"l1_size"`
	L1TTL             time.Duration `mapstructure:"l1_ttl"`
	LLMTTL            time.Duration `mapstructure:"llm_ttl"`
	ToolTTL           time.Duration `mapstructure:"tool_ttl"`
	DBTTL             time.Duration `mapstructure:"db_ttl"`
	SemanticThreshold float64       `mapstructure:"semantic_threshold"`
	AsyncWorkers      int           `mapstructure:"async_workers"`
	AsyncQueueSize    int           `mapstructure:"async_queue_size"`
}

func (c *Config) applyDefaults() {
	if c.L1Size <= 0 {
		c.L1Size = 4096
	}
	if c.L1TTL <= 0 {
		c.L1TTL = time.Minute
	}
	if c.LLMTTL <= 0 {
		c.LLMTTL = 7 * 24 * time.Hour
	}
	if c.ToolTTL <= 0 {
		c.ToolTTL = time.Hour
	}
	if c.DBTTL <= 0 {
		c.DBTTL = 5 * time.Minute
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = 0.85
	}
}

// GetOptions modify a lookup
type GetOptions struct {
	// Semantic enables the L3 fallthrough for llm lookups
	Semantic bool
	// Threshold overrides the configured similarity floor when positive
	Threshold float64
}

// SetOptions carry the optional attributes of a store
type SetOptions struct {
	TTL           time.Duration
	Tags          []string
	RowCount      int
	Version       string
	SchemaVersion string
	SourceURL     string
}

// Engine orchestrates the three cache tiers
type Engine struct {
	store    kv.Client
	l1       *expirable.LRU[string, []byte]
	vectors  vector.Store
	embedder vector.Embedder
	writer   *asyncWriter
	config   Config
	logger   observability.Logger
	metrics  observability.MetricsClient

	now func() time.Time
}

// NewEngine creates a tier engine. A nil vectors store disables L3.
func NewEngine(store kv.Client, vectors vector.Store, embedder vector.Embedder, config Config, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	config.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &Engine{
		store:    store,
		l1:       expirable.NewLRU[string, []byte](config.L1Size, nil, config.L1TTL),
		vectors:  vectors,
		embedder: embedder,
		writer:   newAsyncWriter(config.AsyncWorkers, config.AsyncQueueSize, 2*time.Second, logger, metrics),
		config:   config,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SemanticEnabled reports whether the L3 tier is wired
func (e *Engine) SemanticEnabled() bool {
	return e.vectors != nil && e.embedder != nil
}

// Close drains the async write queue
func (e *Engine) Close() {
	e.writer.Close()
}

// Get looks the request up through the tiers. KV read failures are
// treated as a miss for that tier so the next one still gets a chance.
func (e *Engine) Get(ctx context.Context, namespace string, in models.Inputs, p *models.Principal, opts GetOptions) (*models.GetResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.get")
	defer span.End()
	span.SetAttribute("kind", string(in.Kind))
	span.SetAttribute("namespace", namespace)

	key, err := fingerprint.Compute(namespace, in)
	if err != nil {
		return nil, err
	}
	start := e.now()

	// L1
	if payload, ok := e.l1.Get(key.Entry); ok {
		e.recordHit(key, p, models.TierL1)
		span.SetAttribute("tier", string(models.TierL1))
		return e.hitResult(key, models.TierL1, payload, nil, 0, start), nil
	}

	// L2
	payload, err := e.store.Get(ctx, key.Entry)
	switch {
	case err == nil:
		e.l1.Add(key.Entry, payload)
		meta := e.fetchMetadata(ctx, key)
		e.touchOnHit(key, p)
		e.recordHit(key, p, models.TierL2)
		span.SetAttribute("tier", string(models.TierL2))
		return e.hitResult(key, models.TierL2, payload, meta, 0, start), nil
	case errors.Is(err, kv.ErrNotFound):
		// fall through
	default:
		e.logger.Warn("L2 read failed, treating as miss", map[string]interface{}{
			"error":      err.Error(),
			"key_suffix": key.Suffix(),
		})
		e.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{"tier": "L2"})
	}

	// L3
	if in.Kind == models.KindLLM && opts.Semantic && e.SemanticEnabled() {
		if res := e.semanticLookup(ctx, namespace, in.LLM, p, opts, key, start); res != nil {
			span.SetAttribute("tier", string(models.TierL3))
			return res, nil
		}
	}

	e.recordMiss(key)
	e.metrics.RecordCacheOperation("get", false, e.now().Sub(start).Seconds())
	return &models.GetResult{
		Hit:       false,
		KeySuffix: key.Suffix(),
		LatencyMs: e.now().Sub(start).Milliseconds(),
	}, nil
}

func (e *Engine) semanticLookup(ctx context.Context, namespace string, in *models.LLMInputs, p *models.Principal, opts GetOptions, key fingerprint.Key, start time.Time) *models.GetResult {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = e.config.SemanticThreshold
	}

	embedding, err := e.embedder.Embed(ctx, fingerprint.EmbeddingText(in))
	if err != nil {
		e.logger.Warn("Embedding failed, skipping semantic tier", map[string]interface{}{
			"error": err.Error(),
		})
		e.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{"tier": "L3"})
		return nil
	}

	matches, err := e.vectors.Query(ctx, namespace, in.Provider, in.Model, embedding, 1)
	if err != nil {
		e.logger.Warn("Semantic query failed", map[string]interface{}{
			"error": err.Error(),
		})
		e.metrics.IncrementCounterWithLabels("cache_tier_errors_total", 1, map[string]string{"tier": "L3"})
		return nil
	}
	if len(matches) == 0 || float64(matches[0].Similarity) < threshold {
		return nil
	}

	e.recordHit(key, p, models.TierL3)
	res := e.hitResult(key, models.TierL3, matches[0].Response, nil, matches[0].Similarity, start)
	return res
}

// Set stores the payload in L2 inside a single pipelined batch. On a
// partial batch failure the entry and metadata keys already written are
// deleted so no orphaned entry survives.
func (e *Engine) Set(ctx context.Context, namespace string, in models.Inputs, p *models.Principal, payload json.RawMessage, opts SetOptions) (*models.SetResult, error) {
	ctx, span := observability.StartSpan(ctx, "cache.set")
	defer span.End()
	span.SetAttribute("kind", string(in.Kind))
	span.SetAttribute("namespace", namespace)

	key, err := fingerprint.Compute(namespace, in)
	if err != nil {
		return nil, err
	}
	start := e.now()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL(in.Kind)
	}

	batch := e.store.Pipeline()
	batch.SetEX(key.Entry, payload, ttl)
	batch.HSet(key.Meta(), e.metaFields(in, opts, ttl))
	batch.Expire(key.Meta(), ttl)

	for _, tag := range opts.Tags {
		tagKey := fingerprint.TagKey(namespace, tag)
		batch.SAdd(tagKey, key.Entry)
		batch.Expire(tagKey, ttl+indexGrace)
	}
	if in.Kind == models.KindDB && in.DB != nil && in.DB.SchemaVersion != "" {
		schemaKey := fingerprint.SchemaKey(namespace, in.DB.DBName, in.DB.SchemaVersion)
		batch.SAdd(schemaKey, key.Entry)
		batch.Expire(schemaKey, ttl+indexGrace)
	}

	batch.Incr(fingerprint.DailySetsKey(in.Kind, e.today()))
	batch.HIncrBy(fingerprint.UsageKey(p.RateKey(), in.Kind), "sets", 1)

	if err := batch.Exec(ctx); err != nil {
		e.compensate(key, err)
		e.metrics.RecordCacheOperation("set", false, e.now().Sub(start).Seconds())
		return nil, fmt.Errorf("cache set: %w", err)
	}

	if in.Kind == models.KindLLM && e.SemanticEnabled() {
		e.submitSemanticUpsert(namespace, in.LLM, key, payload, ttl)
	}

	e.metrics.RecordCacheOperation("set", true, e.now().Sub(start).Seconds())
	return &models.SetResult{
		Key:        key.Entry,
		KeySuffix:  key.Suffix(),
		TTLSeconds: int64(ttl.Seconds()),
		LatencyMs:  e.now().Sub(start).Milliseconds(),
	}, nil
}

// compensate removes the entry and metadata keys a failed batch managed
// to write. Counter increments are left alone; analytics tolerates
// at-most-once loss and the reverse.
func (e *Engine) compensate(key fingerprint.Key, batchErr error) {
	var be *kv.BatchError
	if !errors.As(batchErr, &be) {
		return
	}

	var doomed []string
	for _, applied := range be.Applied {
		if applied == key.Entry || applied == key.Meta() {
			doomed = append(doomed, applied)
		}
	}
	if len(doomed) == 0 {
		return
	}

	e.writer.submit("compensate_set", func(ctx context.Context) error {
		_, err := e.store.Del(ctx, doomed...)
		return err
	})
	e.logger.Warn("Compensating partial cache set", map[string]interface{}{
		"key_suffix": key.Suffix(),
		"keys":       len(doomed),
	})
}

// Invalidate removes the entry and its metadata from L2 and L1
func (e *Engine) Invalidate(ctx context.Context, key fingerprint.Key) (int64, error) {
	e.l1.Remove(key.Entry)
	n, err := e.store.Del(ctx, key.Entry, key.Meta())
	if err != nil {
		return 0, fmt.Errorf("invalidate entry: %w", err)
	}
	return n, nil
}

// DropL1 evicts an entry key from the in-process tier
func (e *Engine) DropL1(entryKey string) {
	e.l1.Remove(entryKey)
}

func (e *Engine) defaultTTL(kind models.Kind) time.Duration {
	switch kind {
	case models.KindTool:
		return e.config.ToolTTL
	case models.KindDB:
		return e.config.DBTTL
	}
	return e.config.LLMTTL
}

func (e *Engine) metaFields(in models.Inputs, opts SetOptions, ttl time.Duration) map[string]interface{} {
	now := e.now().UTC()
	fields := map[string]interface{}{
		"cached_at":     now.Format(time.RFC3339Nano),
		"last_accessed": now.Format(time.RFC3339Nano),
		"access_count":  1,
		"ttl":           int64(ttl.Seconds()),
	}
	if in.Kind == models.KindDB {
		fields["row_count"] = opts.RowCount
	}
	if opts.Version != "" {
		fields["version"] = opts.Version
	}
	if opts.SchemaVersion != "" {
		fields["schema_version"] = opts.SchemaVersion
	}
	if opts.SourceURL != "" {
		fields["source_url"] = opts.SourceURL
	}
	return fields
}

// fetchMetadata reads the sibling hash; failure is non-fatal and the
// hit is served with defaults.
func (e *Engine) fetchMetadata(ctx context.Context, key fingerprint.Key) *models.Metadata {
	raw, err := e.store.HGetAll(ctx, key.Meta())
	if err != nil || len(raw) == 0 {
		return nil
	}
	return ParseMetadata(raw)
}

// ParseMetadata decodes a metadata hash. Unparseable fields keep their
// zero values.
func ParseMetadata(raw map[string]string) *models.Metadata {
	m := &models.Metadata{
		SchemaVersion: raw["schema_version"],
		Version:       raw["version"],
		SourceURL:     raw["source_url"],
	}
	if t, err := time.Parse(time.RFC3339Nano, raw["cached_at"]); err == nil {
		m.CachedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, raw["last_accessed"]); err == nil {
		m.LastAccessed = t
	}
	if n, err := strconv.ParseInt(raw["access_count"], 10, 64); err == nil {
		m.AccessCount = n
	}
	if n, err := strconv.Atoi(raw["row_count"]); err == nil {
		m.RowCount = n
	}
	if n, err := strconv.ParseInt(raw["ttl"], 10, 64); err == nil {
		m.TTLSeconds = n
	}
	return m
}

// touchOnHit schedules the fire-and-forget metadata update for an L2 hit
func (e *Engine) touchOnHit(key fingerprint.Key, p *models.Principal) {
	metaKey := key.Meta()
	accessedAt := e.now().UTC().Format(time.RFC3339Nano)
	usageKey := fingerprint.UsageKey(p.RateKey(), key.Kind)

	e.writer.submit("touch_metadata", func(ctx context.Context) error {
		if _, err := e.store.HIncrBy(ctx, metaKey, "access_count", 1); err != nil {
			return err
		}
		return e.store.HSet(ctx, metaKey, map[string]interface{}{"last_accessed": accessedAt})
	})
	e.writer.submit("usage_hit", func(ctx context.Context) error {
		_, err := e.store.HIncrBy(ctx, usageKey, "hits", 1)
		return err
	})
}

// recordHit schedules the daily tier counters for a hit
func (e *Engine) recordHit(key fingerprint.Key, p *models.Principal, tier models.Tier) {
	hitsKey := fingerprint.DailyHitsKey(tier, e.today())
	kindKey := fingerprint.DailyKindHitsKey(key.Kind, e.today())

	e.writer.submit("daily_hit", func(ctx context.Context) error {
		if _, err := e.store.Incr(ctx, hitsKey); err != nil {
			return err
		}
		if err := e.store.Expire(ctx, hitsKey, 7*24*time.Hour); err != nil {
			return err
		}
		if _, err := e.store.Incr(ctx, kindKey); err != nil {
			return err
		}
		return e.store.Expire(ctx, kindKey, 7*24*time.Hour)
	})
	e.metrics.IncrementCounterWithLabels("cache_hits_total", 1, map[string]string{
		"tier": string(tier),
		"kind": string(key.Kind),
	})
}

func (e *Engine) recordMiss(key fingerprint.Key) {
	missKey := fingerprint.DailyMissesKey(e.today())
	e.writer.submit("daily_miss", func(ctx context.Context) error {
		if _, err := e.store.Incr(ctx, missKey); err != nil {
			return err
		}
		return e.store.Expire(ctx, missKey, 7*24*time.Hour)
	})
	e.metrics.IncrementCounterWithLabels("cache_misses_total", 1, map[string]string{
		"kind": string(key.Kind),
	})
}

func (e *Engine) submitSemanticUpsert(namespace string, in *models.LLMInputs, key fingerprint.Key, payload json.RawMessage, ttl time.Duration) {
	text := fingerprint.EmbeddingText(in)
	rec := vector.SemanticRecord{
		ID:        fingerprint.SemanticID(namespace, in.Provider, in.Model, key.Digest),
		Namespace: namespace,
		Provider:  in.Provider,
		Model:     in.Model,
		Response:  payload,
		CachedAt:  e.now().UTC(),
		TTL:       ttl,
	}

	e.writer.submit("semantic_upsert", func(ctx context.Context) error {
		embedding, err := e.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		rec.Embedding = embedding
		return e.vectors.Upsert(ctx, rec)
	})
}

func (e *Engine) hitResult(key fingerprint.Key, tier models.Tier, payload []byte, meta *models.Metadata, similarity float32, start time.Time) *models.GetResult {
	e.metrics.RecordCacheOperation("get", true, e.now().Sub(start).Seconds())
	return &models.GetResult{
		Hit:        true,
		Tier:       tier,
		Payload:    payload,
		Metadata:   meta,
		Similarity: similarity,
		KeySuffix:  key.Suffix(),
		LatencyMs:  e.now().Sub(start).Milliseconds(),
	}
}

func (e *Engine) today() string {
	return e.now().UTC().Format("2006-01-02")
}
