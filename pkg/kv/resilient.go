package kv

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/retry"
)

// ResilientClient wraps a Client with a circuit breaker and bounded
// retry. A miss (ErrNotFound) is a successful round trip and never
// trips the breaker or triggers a retry.
type ResilientClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
	retry   retry.Policy
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewResilientClient creates a resilient wrapper around a Client
func NewResilientClient(inner Client, logger observability.Logger, metrics observability.MetricsClient) *ResilientClient {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	rc := &ResilientClient{
		inner:   inner,
		logger:  logger,
		metrics: metrics,
		retry: retry.NewExponentialBackoff(retry.Config{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     500 * time.Millisecond,
			MaxElapsedTime:  2 * time.Second,
			MaxRetries:      3,
		}),
	}

	rc.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kv",
		MaxRequests: 5,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kv circuit breaker state change", map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
			metrics.IncrementCounterWithLabels("kv_breaker_state_changes_total", 1, map[string]string{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})

	return rc
}

func (r *ResilientClient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.retry.Execute(ctx, fn)
	})
	return err
}

// doRead is like do but a not-found result ends the retry loop; the
// miss is handed back to the caller unchanged.
func (r *ResilientClient) doRead(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		var last error
		retryErr := r.retry.Execute(ctx, func(ctx context.Context) error {
			last = fn(ctx)
			if errors.Is(last, ErrNotFound) {
				return nil
			}
			return last
		})
		if retryErr != nil {
			return nil, retryErr
		}
		return nil, last
	})
	return err
}

// Get retrieves a value with breaker protection
func (r *ResilientClient) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.doRead(ctx, func(ctx context.Context) error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return err
	})
	return data, err
}

// Set stores a value with breaker protection
func (r *ResilientClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.Set(ctx, key, value, ttl)
	})
}

// Del removes keys with breaker protection
func (r *ResilientClient) Del(ctx context.Context, keys ...string) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.inner.Del(ctx, keys...)
		return err
	})
	return n, err
}

// Exists checks key presence with breaker protection
func (r *ResilientClient) Exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

// TTL reads a key's TTL with breaker protection
func (r *ResilientClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		d, err = r.inner.TTL(ctx, key)
		return err
	})
	return d, err
}

// HSet writes hash fields with breaker protection
func (r *ResilientClient) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.HSet(ctx, key, fields)
	})
}

// HGetAll reads hash fields with breaker protection
func (r *ResilientClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var m map[string]string
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		m, err = r.inner.HGetAll(ctx, key)
		return err
	})
	return m, err
}

// HIncrBy increments a hash field with breaker protection
func (r *ResilientClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.inner.HIncrBy(ctx, key, field, incr)
		return err
	})
	return n, err
}

// SAdd adds set members with breaker protection
func (r *ResilientClient) SAdd(ctx context.Context, key string, members ...string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.SAdd(ctx, key, members...)
	})
}

// SMembers reads set members with breaker protection
func (r *ResilientClient) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		members, err = r.inner.SMembers(ctx, key)
		return err
	})
	return members, err
}

// Incr increments a counter with breaker protection
func (r *ResilientClient) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.inner.Incr(ctx, key)
		return err
	})
	return n, err
}

// IncrBy adds to a counter with breaker protection
func (r *ResilientClient) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		var err error
		n, err = r.inner.IncrBy(ctx, key, value)
		return err
	})
	return n, err
}

// Expire sets a key's TTL with breaker protection
func (r *ResilientClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.inner.Expire(ctx, key, ttl)
	})
}

// Scan pages matching keys. Scans are not retried; the cursor protocol
// already tolerates repeated pages.
func (r *ResilientClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	var keys []string
	var next uint64
	_, err := r.breaker.Execute(func() (interface{}, error) {
		var err error
		keys, next, err = r.inner.Scan(ctx, cursor, match, count)
		return nil, err
	})
	return keys, next, err
}

// Pipeline starts a batch on the inner client. Batches are not retried
// as a unit; the caller compensates on partial failure.
func (r *ResilientClient) Pipeline() Batch {
	return r.inner.Pipeline()
}

// Ping checks connectivity through the breaker
func (r *ResilientClient) Ping(ctx context.Context) error {
	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.inner.Ping(ctx)
	})
	return err
}

// Close closes the inner client
func (r *ResilientClient) Close() error {
	return r.inner.Close()
}
