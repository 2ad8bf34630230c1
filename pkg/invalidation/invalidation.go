// Package invalidation removes cache entries by exact key, pattern,
// tag set, or schema version, with age and source-URL filters. Every
// sweep is bounded by key and iteration caps so one request can never
// monopolize the store.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
)

// Guardrail errors
var (
	ErrInvalidScope  = errors.New("no invalidation scope supplied")
	ErrScopeTooBroad = errors.New("namespace-wide invalidation requires confirm")
)

const scanCountHint = 100

// Config bounds the work one invalidation request may perform
type Config struct {
	ScanMaxKeys          int `mapstructure:"scan_max_keys"`
	ScanMaxNamespaceKeys int `mapstructure:"scan_max_namespace_keys"`
	ScanIterCap          int `mapstructure:"scan_iter_cap"`
	DeleteBatchSize      int `mapstructure:"delete_batch_size"`
}

func (c *Config) applyDefaults() {
	if c.ScanMaxKeys <= 0 {
		c.ScanMaxKeys = 1000
	}
	if c.ScanMaxNamespaceKeys <= 0 {
		c.ScanMaxNamespaceKeys = 10000
	}
	if c.ScanIterCap <= 0 {
		c.ScanIterCap = 100
	}
	if c.DeleteBatchSize <= 0 {
		c.DeleteBatchSize = 100
	}
}

// Request selects exactly one primary invalidation mode plus optional
// modifiers
type Request struct {
	Namespace string

	// primary modes
	Key           string
	Pattern       string
	PatternKind   models.Kind
	Tags          []string
	SchemaDB      string
	SchemaVersion string
	Namespaces    bool

	// guards and modifiers
	Confirm   bool
	OlderThan time.Duration
	URL       string
}

// Result summarizes one invalidation run
type Result struct {
	Invalidated int64  `json:"invalidated"`
	Scope       string `json:"scope"`
	ElapsedMs   int64  `json:"elapsed_ms"`
}

// L1Dropper evicts entries from the in-process tier
type L1Dropper interface {
	DropL1(entryKey string)
}

// Engine executes invalidation requests
type Engine struct {
	store   kv.Client
	l1      L1Dropper
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient

	now func() time.Time
}

// NewEngine creates an invalidation engine. l1 may be nil.
func NewEngine(store kv.Client, l1 L1Dropper, config Config, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	config.applyDefaults()
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{
		store:   store,
		l1:      l1,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Run resolves the request's candidates, applies the modifiers, and
// deletes entries plus their metadata in bounded batches.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := observability.StartSpan(ctx, "invalidation.run")
	defer span.End()
	span.SetAttribute("namespace", req.Namespace)

	start := e.now()

	candidates, indexKeys, scope, err := e.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttribute("scope", scope)

	if req.OlderThan > 0 || req.URL != "" {
		candidates = e.filterCandidates(ctx, candidates, req)
	}

	deleted, err := e.deleteEntries(ctx, candidates)
	if err != nil {
		return nil, err
	}
	if len(indexKeys) > 0 {
		if _, err := e.store.Del(ctx, indexKeys...); err != nil {
			e.logger.Warn("Failed to drop invalidation index sets", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	e.recordRun(ctx, scope, deleted)
	return &Result{
		Invalidated: deleted,
		Scope:       scope,
		ElapsedMs:   e.now().Sub(start).Milliseconds(),
	}, nil
}

// resolve maps the request to candidate entry keys plus any index set
// keys that should be dropped with them.
func (e *Engine) resolve(ctx context.Context, req Request) (candidates, indexKeys []string, scope string, err error) {
	switch {
	case req.Key != "":
		if !scopedToNamespace(req.Key, req.Namespace) {
			return nil, nil, "", fmt.Errorf("%w: key outside namespace", ErrInvalidScope)
		}
		return []string{req.Key}, nil, "key:" + req.Key, nil

	case req.Namespaces:
		if !req.Confirm {
			return nil, nil, "", ErrScopeTooBroad
		}
		keys, err := e.sweepNamespace(ctx, req.Namespace)
		if err != nil {
			return nil, nil, "", err
		}
		return keys, nil, "namespace:" + req.Namespace, nil

	case req.Pattern != "":
		pattern := req.Pattern
		if !scopedToNamespace(pattern, req.Namespace) {
			return nil, nil, "", fmt.Errorf("%w: pattern outside namespace", ErrInvalidScope)
		}
		keys, err := e.sweep(ctx, pattern, e.config.ScanMaxKeys)
		if err != nil {
			return nil, nil, "", err
		}
		return keys, nil, "pattern:" + pattern, nil

	case len(req.Tags) > 0:
		seen := make(map[string]struct{})
		var keys []string
		var sets []string
		truncated := false
		for _, tag := range req.Tags {
			setKey := fingerprint.TagKey(req.Namespace, tag)
			members, err := e.store.SMembers(ctx, setKey)
			if err != nil {
				return nil, nil, "", fmt.Errorf("resolve tag %q: %w", tag, err)
			}
			for _, m := range members {
				if _, dup := seen[m]; dup {
					continue
				}
				if len(keys) >= e.config.ScanMaxKeys {
					truncated = true
					break
				}
				seen[m] = struct{}{}
				keys = append(keys, m)
			}
			sets = append(sets, setKey)
		}
		// a truncated run keeps the index sets so the remainder stays
		// reachable for the next request
		if truncated {
			sets = nil
		}
		return keys, sets, "tags:" + strings.Join(req.Tags, ","), nil

	case req.SchemaVersion != "":
		if req.SchemaDB == "" {
			return nil, nil, "", fmt.Errorf("%w: schema invalidation requires db_name", ErrInvalidScope)
		}
		setKey := fingerprint.SchemaKey(req.Namespace, req.SchemaDB, req.SchemaVersion)
		members, err := e.store.SMembers(ctx, setKey)
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve schema set: %w", err)
		}
		scope := fmt.Sprintf("schema:%s:%s", req.SchemaDB, req.SchemaVersion)
		if len(members) > e.config.ScanMaxKeys {
			return members[:e.config.ScanMaxKeys], nil, scope, nil
		}
		return members, []string{setKey}, scope, nil
	}

	return nil, nil, "", ErrInvalidScope
}

// scopedToNamespace checks the namespace at its structural position in
// the key grammar: segment 2 for llm keys, segment 3 for tool and db.
// Works for patterns too; the namespace segment must match literally.
func scopedToNamespace(key, namespace string) bool {
	parts := strings.Split(key, ":")
	if len(parts) < 4 || parts[0] != "agentcache" {
		return false
	}
	switch parts[1] {
	case "v1":
		return parts[2] == namespace
	case "tool", "db":
		return parts[3] == namespace
	}
	return false
}

// sweep pages matching keys via SCAN up to maxKeys, skipping metadata
// siblings. The iteration cap stops pathological keyspaces.
func (e *Engine) sweep(ctx context.Context, pattern string, maxKeys int) ([]string, error) {
	var keys []string
	var cursor uint64
	for iter := 0; iter < e.config.ScanIterCap; iter++ {
		page, next, err := e.store.Scan(ctx, cursor, pattern, scanCountHint)
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		for _, k := range page {
			if strings.HasSuffix(k, ":meta") {
				continue
			}
			keys = append(keys, k)
			if len(keys) >= maxKeys {
				return keys, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// sweepNamespace runs the kind-scoped patterns sequentially under the
// shared namespace cap
func (e *Engine) sweepNamespace(ctx context.Context, namespace string) ([]string, error) {
	var keys []string
	for _, kind := range []models.Kind{models.KindLLM, models.KindTool, models.KindDB} {
		remaining := e.config.ScanMaxNamespaceKeys - len(keys)
		if remaining <= 0 {
			break
		}
		page, err := e.sweep(ctx, fingerprint.EntryPattern(kind, namespace), remaining)
		if err != nil {
			return nil, err
		}
		keys = append(keys, page...)
	}
	return keys, nil
}

// filterCandidates applies the olderThan and url modifiers by reading
// each candidate's metadata. Unreadable metadata keeps the candidate.
func (e *Engine) filterCandidates(ctx context.Context, candidates []string, req Request) []string {
	now := e.now()
	kept := candidates[:0]
	for _, key := range candidates {
		meta, err := e.store.HGetAll(ctx, key+":meta")
		if err != nil || len(meta) == 0 {
			kept = append(kept, key)
			continue
		}
		if req.OlderThan > 0 {
			if cachedAt, err := time.Parse(time.RFC3339Nano, meta["cached_at"]); err == nil {
				if now.Sub(cachedAt) < req.OlderThan {
					continue
				}
			}
		}
		if req.URL != "" && meta["source_url"] != req.URL {
			continue
		}
		kept = append(kept, key)
	}
	return kept
}

// deleteEntries removes entries and their metadata in pipelined batches
func (e *Engine) deleteEntries(ctx context.Context, candidates []string) (int64, error) {
	var deleted int64
	for offset := 0; offset < len(candidates); offset += e.config.DeleteBatchSize {
		end := offset + e.config.DeleteBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		batch := e.store.Pipeline()
		for _, key := range candidates[offset:end] {
			batch.Del(key, key+":meta")
			if e.l1 != nil {
				e.l1.DropL1(key)
			}
		}
		if err := batch.Exec(ctx); err != nil {
			var be *kv.BatchError
			if errors.As(err, &be) {
				deleted += int64(len(be.Applied))
			}
			return deleted, fmt.Errorf("invalidation batch: %w", err)
		}
		deleted += int64(end - offset)
	}
	return deleted, nil
}

func (e *Engine) recordRun(ctx context.Context, scope string, deleted int64) {
	date := e.now().UTC().Format("2006-01-02")
	counterKey := fingerprint.DailyInvalidationsKey(date)
	if _, err := e.store.IncrBy(ctx, counterKey, 1); err != nil {
		e.logger.Warn("Failed to record invalidation counter", map[string]interface{}{
			"error": err.Error(),
		})
	} else if err := e.store.Expire(ctx, counterKey, 7*24*time.Hour); err != nil {
		e.logger.Warn("Failed to expire invalidation counter", map[string]interface{}{
			"error": err.Error(),
		})
	}

	e.metrics.IncrementCounter("cache_invalidated_keys_total", float64(deleted))
	e.logger.Info("Invalidation completed", map[string]interface{}{
		"scope":       scope,
		"invalidated": deleted,
	})
}
