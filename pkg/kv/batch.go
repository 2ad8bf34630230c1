package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBatch queues commands on a go-redis pipeline, remembering the
// target key of each command in order. On a failed Exec it walks the
// per-command results to report exactly which keys were acknowledged.
type redisBatch struct {
	pipe redis.Pipeliner
	keys []string
}

func (b *redisBatch) SetEX(key string, value []byte, ttl time.Duration) {
	b.pipe.Set(context.Background(), key, value, ttl)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) HSet(key string, fields map[string]interface{}) {
	b.pipe.HSet(context.Background(), key, flattenFields(fields)...)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) Expire(key string, ttl time.Duration) {
	b.pipe.Expire(context.Background(), key, ttl)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	b.pipe.SAdd(context.Background(), key, args...)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) Incr(key string) {
	b.pipe.Incr(context.Background(), key)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) HIncrBy(key, field string, incr int64) {
	b.pipe.HIncrBy(context.Background(), key, field, incr)
	b.keys = append(b.keys, key)
}

func (b *redisBatch) Del(keys ...string) {
	b.pipe.Del(context.Background(), keys...)
	// a multi-key DEL is tracked under its first key
	if len(keys) > 0 {
		b.keys = append(b.keys, keys[0])
	} else {
		b.keys = append(b.keys, "")
	}
}

func (b *redisBatch) Len() int {
	return len(b.keys)
}

// Exec dispatches the pipeline. The context passed here governs the
// whole round trip; the background contexts captured at queue time are
// never used for I/O.
func (b *redisBatch) Exec(ctx context.Context) error {
	cmds, err := b.pipe.Exec(ctx)
	if err == nil {
		return nil
	}

	applied := make([]string, 0, len(cmds))
	failedKey := ""
	var failedErr error
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			if i < len(b.keys) {
				applied = append(applied, b.keys[i])
			}
			continue
		}
		if failedErr == nil {
			failedErr = cmd.Err()
			if i < len(b.keys) {
				failedKey = b.keys[i]
			}
		}
	}
	if failedErr == nil {
		// transport-level failure before any command was acknowledged
		failedErr = err
	}

	return &BatchError{
		Applied:   applied,
		FailedKey: failedKey,
		Err:       failedErr,
	}
}
