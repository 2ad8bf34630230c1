// Package ratelimit enforces the per-key sliding window and the monthly
// quota with atomic counters in the KV store. When the store is down,
// demo traffic degrades to an in-process limiter and live traffic is
// refused, keeping paid usage accounting honest.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
)

// Limit errors
var (
	ErrQuotaExceeded = errors.New("monthly quota exceeded")
)

// RateLimitedError reports a denied request with a retry hint
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

const (
	bucketTTL = 120 * time.Second
	quotaTTL  = 35 * 24 * time.Hour
)

// Limiter enforces a per-minute request ceiling per key
type Limiter struct {
	store   kv.Client
	logger  observability.Logger
	metrics observability.MetricsClient

	// fallback holds in-process limiters used for demo keys when the
	// store is unreachable. Entries are never evicted; demo rate keys
	// are a small set in practice.
	mu       sync.Mutex
	fallback map[string]*rate.Limiter

	now func() time.Time
}

// NewLimiter creates a sliding-window limiter
func NewLimiter(store kv.Client, logger observability.Logger, metrics observability.MetricsClient) *Limiter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Limiter{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		fallback: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Allow admits or denies one request under the principal's RPM. The
// counter is incremented first so a denied request still counts against
// the window.
func (l *Limiter) Allow(ctx context.Context, p *models.Principal) error {
	now := l.now()
	minute := now.Unix() / 60
	bucket := fingerprint.RateBucketKey(p.RateKey(), minute)

	count, err := l.store.Incr(ctx, bucket)
	if err != nil {
		return l.allowDegraded(p, err)
	}
	if count == 1 {
		if err := l.store.Expire(ctx, bucket, bucketTTL); err != nil {
			l.logger.Warn("Failed to set rate bucket TTL", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	if count > int64(p.RPM) {
		l.metrics.IncrementCounterWithLabels("rate_limited_total", 1, map[string]string{
			"key_kind": string(p.Kind),
		})
		nextWindow := time.Unix((minute+1)*60, 0)
		return &RateLimitedError{RetryAfter: nextWindow.Sub(now)}
	}
	return nil
}

// allowDegraded handles a store failure: demo keys fail open through a
// local limiter, live keys fail closed.
func (l *Limiter) allowDegraded(p *models.Principal, cause error) error {
	l.logger.Error("Rate limit store unavailable", map[string]interface{}{
		"error":    cause.Error(),
		"key_kind": string(p.Kind),
	})
	l.metrics.IncrementCounter("rate_limit_store_errors_total", 1)

	if !p.IsDemo() {
		return fmt.Errorf("rate limit check: %w", cause)
	}

	l.mu.Lock()
	local, ok := l.fallback[p.RateKey()]
	if !ok {
		local = rate.NewLimiter(rate.Limit(float64(p.RPM)/60.0), p.RPM)
		l.fallback[p.RateKey()] = local
	}
	l.mu.Unlock()

	if !local.Allow() {
		return &RateLimitedError{RetryAfter: time.Second}
	}
	return nil
}

// Quota tracks monthly usage per live key. Demo keys bypass it.
type Quota struct {
	store  kv.Client
	logger observability.Logger
	now    func() time.Time
}

// NewQuota creates a monthly quota tracker
func NewQuota(store kv.Client, logger observability.Logger) *Quota {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Quota{store: store, logger: logger, now: time.Now}
}

// Check denies when the month's counter has already reached the
// principal's quota. It does not consume.
func (q *Quota) Check(ctx context.Context, p *models.Principal) error {
	if p.IsDemo() || p.MonthlyQuota <= 0 {
		return nil
	}

	key := fingerprint.QuotaKey(p.Digest, q.now().UTC().Format("2006-01"))
	raw, err := q.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("quota check: %w", err)
	}

	var used int64
	if _, err := fmt.Sscanf(string(raw), "%d", &used); err != nil {
		q.logger.Warn("Unparseable quota counter", map[string]interface{}{
			"key":   key,
			"value": string(raw),
		})
		return nil
	}
	if used >= p.MonthlyQuota {
		return ErrQuotaExceeded
	}
	return nil
}

// Consume records one unit of successful work. Called after the tier
// engine so failed requests never burn quota.
func (q *Quota) Consume(ctx context.Context, p *models.Principal) error {
	if p.IsDemo() || p.MonthlyQuota <= 0 {
		return nil
	}

	key := fingerprint.QuotaKey(p.Digest, q.now().UTC().Format("2006-01"))
	count, err := q.store.Incr(ctx, key)
	if err != nil {
		return fmt.Errorf("quota consume: %w", err)
	}
	if count == 1 {
		if err := q.store.Expire(ctx, key, quotaTTL); err != nil {
			q.logger.Warn("Failed to set quota TTL", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
	return nil
}
