// Package auth resolves API keys to principals and namespaces. Demo keys
// authenticate without a store lookup; live keys are resolved by digest
// against a Redis hash written by the provisioning pipeline.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
)

// Key prefixes
const (
	DemoPrefix = "ac_demo_"
	LivePrefix = "ac_live_"
)

// DefaultNamespace is used when no X-Cache-Namespace header is supplied
const DefaultNamespace = "default"

// Authentication errors
var (
	ErrMissingKey   = errors.New("missing API key")
	ErrBadKeyFormat = errors.New("malformed API key")
	ErrUnknownKey   = errors.New("unknown API key")
	ErrForbidden    = errors.New("forbidden")
)

var namespacePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Config holds the tier defaults applied to authenticated principals
type Config struct {
	DemoRPM          int   `mapstructure:"demo_rpm"`
	LiveRPM          int   `mapstructure:"live_rpm"`
	LiveMonthlyQuota int64 `mapstructure:"live_monthly_quota"`
}

// Service authenticates requests and resolves tenancy
type Service struct {
	store  kv.Client
	config Config
	logger observability.Logger
}

// NewService creates an auth service backed by the KV store
func NewService(store kv.Client, config Config, logger observability.Logger) *Service {
	if config.DemoRPM <= 0 {
		config.DemoRPM = 100
	}
	if config.LiveRPM <= 0 {
		config.LiveRPM = 500
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Service{store: store, config: config, logger: logger}
}

// ExtractAPIKey pulls the raw key from X-API-Key or a Bearer token
func ExtractAPIKey(h http.Header) (string, error) {
	if key := strings.TrimSpace(h.Get("X-API-Key")); key != "" {
		return key, nil
	}
	authz := strings.TrimSpace(h.Get("Authorization"))
	if authz == "" {
		return "", ErrMissingKey
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrBadKeyFormat
	}
	return strings.TrimSpace(parts[1]), nil
}

// Authenticate resolves a raw API key to a principal. Demo keys skip the
// store lookup and carry no digest; rate limiting still applies through
// the principal's rate bucket identity.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*models.Principal, error) {
	ctx, span := observability.StartSpan(ctx, "auth.authenticate")
	defer span.End()

	switch {
	case strings.HasPrefix(rawKey, DemoPrefix):
		span.SetAttribute("key_kind", string(models.KeyDemo))
		return models.NewPrincipal(models.KeyDemo, "", "free", 0, s.config.DemoRPM, fingerprint.DigestOf(rawKey)), nil
	case strings.HasPrefix(rawKey, LivePrefix):
		span.SetAttribute("key_kind", string(models.KeyLive))
		return s.authenticateLive(ctx, rawKey)
	}
	return nil, ErrBadKeyFormat
}

func (s *Service) authenticateLive(ctx context.Context, rawKey string) (*models.Principal, error) {
	digest := fingerprint.DigestOf(rawKey)

	record, err := s.store.HGetAll(ctx, fingerprint.APIKeyRecord(digest))
	if err != nil {
		return nil, fmt.Errorf("look up API key: %w", err)
	}
	if len(record) == 0 || record["owner"] == "" {
		return nil, ErrUnknownKey
	}

	tier := record["tier"]
	if tier == "" {
		tier = "standard"
	}
	quota := s.config.LiveMonthlyQuota
	if raw := record["quota"]; raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			quota = parsed
		}
	}
	rpm := s.config.LiveRPM
	if raw := record["rpm"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			rpm = parsed
		}
	}

	p := models.NewPrincipal(models.KeyLive, digest, tier, quota, rpm, digest)
	p.Owner = record["owner"]
	return p, nil
}

// ResolveNamespace returns the request namespace, defaulting and
// validating the charset. Keys embed the namespace, so this is the
// tenancy boundary.
func ResolveNamespace(h http.Header) (string, error) {
	ns := strings.TrimSpace(h.Get("X-Cache-Namespace"))
	if ns == "" {
		return DefaultNamespace, nil
	}
	if !namespacePattern.MatchString(ns) {
		return "", fmt.Errorf("%w: invalid namespace %q", ErrForbidden, ns)
	}
	return ns, nil
}
