// Package models holds the shared domain types of the cache gateway:
// request kinds, canonical inputs, principals, and per-entry metadata.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the family of cached artifacts. It is a closed set;
// handlers and the tier engine dispatch on the tag, never on raw strings.
type Kind string

// Cache kinds
const (
	KindLLM  Kind = "llm"
	KindTool Kind = "tool"
	KindDB   Kind = "db"
)

// ParseKind validates a kind string
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLLM, KindTool, KindDB:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown cache kind %q", s)
}

// Valid reports whether the kind is one of the closed set
func (k Kind) Valid() bool {
	return k == KindLLM || k == KindTool || k == KindDB
}

// Tier identifies which cache level served a request
type Tier string

// Cache tiers
const (
	TierL1 Tier = "L1"
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
)

// Message is a single chat message inside an LLM request
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMInputs are the canonical inputs of an LLM completion fingerprint
type LLMInputs struct {
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// ToolInputs are the canonical inputs of a tool call fingerprint
type ToolInputs struct {
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
	Version    string                 `json:"version,omitempty"`
}

// DBInputs are the canonical inputs of a database query fingerprint
type DBInputs struct {
	DBName        string        `json:"db_name"`
	Query         string        `json:"query"`
	Params        []interface{} `json:"params,omitempty"`
	SchemaVersion string        `json:"schema_version,omitempty"`
}

// Inputs is the tagged union of canonical inputs. Exactly one of the
// pointers matching Kind must be set.
type Inputs struct {
	Kind Kind
	LLM  *LLMInputs
	Tool *ToolInputs
	DB   *DBInputs
}

// KeyKind distinguishes demo from live API keys
type KeyKind string

// API key kinds
const (
	KeyDemo KeyKind = "demo"
	KeyLive KeyKind = "live"
)

// Principal is the authenticated caller of a request. Demo principals
// carry no digest and bypass the monthly quota; rate limiting still
// applies via RateKey.
type Principal struct {
	Kind         KeyKind
	Digest       string // SHA-256 hex of the raw key; empty for demo
	Tier         string
	MonthlyQuota int64
	RPM          int
	Owner        string

	// rateKey is the bucket identity used by the sliding-window limiter.
	// For live keys it equals Digest; demo keys get a digest computed
	// from the raw key so separate demo callers get separate buckets.
	rateKey string
}

// NewPrincipal builds a principal with an explicit rate bucket identity
func NewPrincipal(kind KeyKind, digest, tier string, quota int64, rpm int, rateKey string) *Principal {
	return &Principal{
		Kind:         kind,
		Digest:       digest,
		Tier:         tier,
		MonthlyQuota: quota,
		RPM:          rpm,
		rateKey:      rateKey,
	}
}

// RateKey returns the identity used for rate-limit buckets
func (p *Principal) RateKey() string {
	if p.rateKey != "" {
		return p.rateKey
	}
	return p.Digest
}

// IsDemo reports whether the principal authenticated with a demo key
func (p *Principal) IsDemo() bool {
	return p.Kind == KeyDemo
}

// Metadata is the sibling record of a cache entry. It lives in a Redis
// hash keyed `{entry}:meta` and expires together with the entry.
type Metadata struct {
	CachedAt      time.Time `json:"cached_at"`
	LastAccessed  time.Time `json:"last_accessed"`
	AccessCount   int64     `json:"access_count"`
	RowCount      int       `json:"row_count,omitempty"`
	SchemaVersion string    `json:"schema_version,omitempty"`
	Version       string    `json:"version,omitempty"`
	SourceURL     string    `json:"source_url,omitempty"`
	TTLSeconds    int64     `json:"ttl"`
}

// GetResult is the outcome of a cache lookup
type GetResult struct {
	Hit        bool            `json:"hit"`
	Tier       Tier            `json:"tier,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Metadata   *Metadata       `json:"metadata,omitempty"`
	Similarity float32         `json:"similarity,omitempty"`
	KeySuffix  string          `json:"key_suffix"`
	LatencyMs  int64           `json:"latency_ms"`
}

// SetResult is the outcome of a cache store
type SetResult struct {
	Key        string `json:"-"`
	KeySuffix  string `json:"key_suffix"`
	TTLSeconds int64  `json:"ttl"`
	LatencyMs  int64  `json:"latency_ms"`
}
