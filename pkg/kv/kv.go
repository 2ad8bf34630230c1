// Package kv is the gateway's driver for the external key-value store.
// It exposes the typed operations the tier, invalidation, rate-limit,
// and analytics engines need, plus a pipelined batch whose partial
// results are reported precisely enough to issue compensating deletes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = errors.New("kv: key not found")

// Client defines the operations against the key-value store
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)

	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, value int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan returns one page of keys matching the glob plus the cursor
	// for the next page. A returned cursor of 0 means the scan is done.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// Pipeline starts a batch. Queued commands are dispatched together
	// on Exec.
	Pipeline() Batch

	Ping(ctx context.Context) error
	Close() error
}

// Batch queues commands for pipelined dispatch
type Batch interface {
	SetEX(key string, value []byte, ttl time.Duration)
	HSet(key string, fields map[string]interface{})
	Expire(key string, ttl time.Duration)
	SAdd(key string, members ...string)
	Incr(key string)
	HIncrBy(key, field string, incr int64)
	Del(keys ...string)

	// Exec dispatches the batch. On failure the returned error is a
	// *BatchError naming which command keys were acknowledged, so the
	// caller can compensate.
	Exec(ctx context.Context) error

	// Len reports the number of queued commands
	Len() int
}

// BatchError reports a partially applied batch
type BatchError struct {
	// Applied holds the keys of commands acknowledged by the store
	Applied []string
	// FailedKey is the key of the first command that failed
	FailedKey string
	Err       error
}

// Error implements the error interface
func (e *BatchError) Error() string {
	return "kv: batch failed at " + e.FailedKey + ": " + e.Err.Error()
}

// Unwrap returns the underlying store error
func (e *BatchError) Unwrap() error {
	return e.Err
}
