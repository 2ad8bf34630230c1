package fingerprint

import (
	"fmt"

	"github.com/agentcache/agentcache/pkg/models"
)

// Index and counter key builders. Clients rely on these prefixes for
// pattern sweeps, so the formats are stable.

// TagKey returns the inverted-index set key for a tag
func TagKey(namespace, tag string) string {
	return fmt.Sprintf("tag:%s:%s", namespace, tag)
}

// SchemaKey returns the inverted-index set key for a db schema version
func SchemaKey(namespace, dbName, schemaVersion string) string {
	return fmt.Sprintf("schema:%s:%s:%s", namespace, dbName, schemaVersion)
}

// SemanticID returns the L3 record identifier for an llm entry
func SemanticID(namespace, provider, model, digest string) string {
	return fmt.Sprintf("ns:%s:semantic:v1:%s:%s:%s", namespace, provider, model, digest)
}

// EntryPattern returns the Redis glob matching all entries of a kind
// inside a namespace. Metadata siblings are excluded by the sweep itself.
func EntryPattern(kind models.Kind, namespace string) string {
	switch kind {
	case models.KindLLM:
		return fmt.Sprintf("agentcache:%s:%s:*", llmKeyVersion, namespace)
	case models.KindTool:
		return fmt.Sprintf("agentcache:tool:*:%s:*", namespace)
	case models.KindDB:
		return fmt.Sprintf("agentcache:db:%s:%s:*", dbKeyVersion, namespace)
	}
	return ""
}

// RateBucketKey returns the sliding-window counter key for one minute
func RateBucketKey(rateKey string, minuteEpoch int64) string {
	return fmt.Sprintf("rl:%s:%d", rateKey, minuteEpoch)
}

// QuotaKey returns the monthly quota counter key
func QuotaKey(digest, yearMonth string) string {
	return fmt.Sprintf("quota:%s:m:%s", digest, yearMonth)
}

// APIKeyRecord returns the hash key holding a live key's metadata
func APIKeyRecord(digest string) string {
	return fmt.Sprintf("apikey:%s", digest)
}

// DailyHitsKey returns the per-tier daily hit counter key
func DailyHitsKey(tier models.Tier, date string) string {
	return fmt.Sprintf("stats:global:hits:%s:d:%s", tier, date)
}

// DailyMissesKey returns the daily miss counter key
func DailyMissesKey(date string) string {
	return fmt.Sprintf("stats:global:misses:d:%s", date)
}

// DailySetsKey returns the per-kind daily set counter key
func DailySetsKey(kind models.Kind, date string) string {
	return fmt.Sprintf("stats:%s:sets:d:%s", kind, date)
}

// DailyKindHitsKey returns the per-kind daily hit counter key
func DailyKindHitsKey(kind models.Kind, date string) string {
	return fmt.Sprintf("stats:%s:hits:d:%s", kind, date)
}

// DailyInvalidationsKey returns the daily invalidation counter key
func DailyInvalidationsKey(date string) string {
	return fmt.Sprintf("stats:invalidations:d:%s", date)
}

// UsageKey returns the per-tenant usage hash key for a kind
func UsageKey(digest string, kind models.Kind) string {
	return fmt.Sprintf("usage:%s:%s", digest, kind)
}
