// Package fingerprint turns canonical request inputs into stable cache
// keys. Two requests with identical canonical inputs always produce the
// same key; any drift in a canonical field produces a different digest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/agentcache/agentcache/pkg/models"
)

// ErrInvalidInput marks a fingerprint request missing a required field
var ErrInvalidInput = errors.New("invalid input")

const (
	llmKeyVersion  = "v1"
	dbKeyVersion   = "v1"
	defaultToolVer = "v1"
)

// Key is a structured cache key plus the digest it embeds
type Key struct {
	Kind      models.Kind
	Namespace string
	Entry     string
	Digest    string
}

// Meta returns the sibling metadata hash key
func (k Key) Meta() string {
	return k.Entry + ":meta"
}

// Suffix returns the trailing digest fragment used in responses for
// client-side correlation.
func (k Key) Suffix() string {
	if len(k.Digest) <= 12 {
		return k.Digest
	}
	return k.Digest[len(k.Digest)-12:]
}

// Compute canonicalizes the inputs for the given namespace and returns
// the structured key. The canonical concatenation order per kind is
// fixed: llm is provider:model:messages:temperature, tool is
// tool_name:parameters:version, db is query:params:schema_version.
func Compute(namespace string, in models.Inputs) (Key, error) {
	switch in.Kind {
	case models.KindLLM:
		return computeLLM(namespace, in.LLM)
	case models.KindTool:
		return computeTool(namespace, in.Tool)
	case models.KindDB:
		return computeDB(namespace, in.DB)
	}
	return Key{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
}

func computeLLM(namespace string, in *models.LLMInputs) (Key, error) {
	if in == nil {
		return Key{}, fmt.Errorf("%w: llm inputs missing", ErrInvalidInput)
	}
	if in.Provider == "" {
		return Key{}, fmt.Errorf("%w: provider is required", ErrInvalidInput)
	}
	if in.Model == "" {
		return Key{}, fmt.Errorf("%w: model is required", ErrInvalidInput)
	}
	if len(in.Messages) == 0 {
		return Key{}, fmt.Errorf("%w: messages must be non-empty", ErrInvalidInput)
	}

	messages, err := CanonicalJSON(in.Messages)
	if err != nil {
		return Key{}, fmt.Errorf("canonicalize messages: %w", err)
	}

	canonical := strings.Join([]string{
		in.Provider,
		in.Model,
		messages,
		normalizeTemperature(in.Temperature),
	}, ":")
	digest := digestHex(canonical)

	return Key{
		Kind:      models.KindLLM,
		Namespace: namespace,
		Entry:     fmt.Sprintf("agentcache:%s:%s:%s:%s:%s", llmKeyVersion, namespace, in.Provider, in.Model, digest),
		Digest:    digest,
	}, nil
}

func computeTool(namespace string, in *models.ToolInputs) (Key, error) {
	if in == nil {
		return Key{}, fmt.Errorf("%w: tool inputs missing", ErrInvalidInput)
	}
	if in.ToolName == "" {
		return Key{}, fmt.Errorf("%w: tool_name is required", ErrInvalidInput)
	}
	if in.Parameters == nil {
		return Key{}, fmt.Errorf("%w: parameters object is required", ErrInvalidInput)
	}

	params, err := CanonicalJSON(in.Parameters)
	if err != nil {
		return Key{}, fmt.Errorf("canonicalize parameters: %w", err)
	}

	version := in.Version
	if version == "" {
		version = defaultToolVer
	}

	canonical := strings.Join([]string{in.ToolName, params, version}, ":")
	digest := digestHex(canonical)

	return Key{
		Kind:      models.KindTool,
		Namespace: namespace,
		Entry:     fmt.Sprintf("agentcache:tool:%s:%s:%s:%s", version, namespace, in.ToolName, digest),
		Digest:    digest,
	}, nil
}

func computeDB(namespace string, in *models.DBInputs) (Key, error) {
	if in == nil {
		return Key{}, fmt.Errorf("%w: db inputs missing", ErrInvalidInput)
	}
	if in.DBName == "" {
		return Key{}, fmt.Errorf("%w: db_name is required", ErrInvalidInput)
	}
	if in.Query == "" {
		return Key{}, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}

	params := ""
	if len(in.Params) > 0 {
		canonical, err := CanonicalJSON(in.Params)
		if err != nil {
			return Key{}, fmt.Errorf("canonicalize params: %w", err)
		}
		params = canonical
	}

	canonical := strings.Join([]string{in.Query, params, in.SchemaVersion}, ":")
	digest := digestHex(canonical)

	return Key{
		Kind:      models.KindDB,
		Namespace: namespace,
		Entry:     fmt.Sprintf("agentcache:db:%s:%s:%s:%s", dbKeyVersion, namespace, in.DBName, digest),
		Digest:    digest,
	}, nil
}

// normalizeTemperature renders the temperature at fixed precision so
// 0.70 and 0.7 fingerprint identically. A missing temperature is a
// distinct canonical value from any explicit one.
func normalizeTemperature(t *float64) string {
	if t == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *t)
}

func digestHex(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// DigestOf returns the SHA-256 hex digest of an arbitrary string.
// Auth uses it for API key lookup; it is the same digest primitive the
// fingerprints are built on.
func DigestOf(s string) string {
	return digestHex(s)
}

// EmbeddingText flattens llm messages into the text submitted to the
// embedder for L3 lookups.
func EmbeddingText(in *models.LLMInputs) string {
	parts := make([]string, 0, len(in.Messages))
	for _, m := range in.Messages {
		parts = append(parts, m.Role+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}
