package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis client
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// RedisClient implements Client on go-redis
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	options := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	}

	client := redis.NewClient(options)

	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFromExisting wraps an already constructed go-redis client.
// Tests use this with miniredis.
func NewRedisClientFromExisting(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Get retrieves a value
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return data, nil
}

// Set stores a value with a TTL; ttl of zero stores without expiry
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Del removes keys, returning how many existed
func (c *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("kv del: %w", err)
	}
	return n, nil
}

// Exists checks whether a key exists
func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv exists: %w", err)
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of a key
func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv ttl: %w", err)
	}
	return d, nil
}

// HSet writes hash fields
func (c *RedisClient) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := c.client.HSet(ctx, key, flattenFields(fields)...).Err(); err != nil {
		return fmt.Errorf("kv hset: %w", err)
	}
	return nil
}

// HGetAll reads all hash fields; a missing key yields an empty map
func (c *RedisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall: %w", err)
	}
	return m, nil
}

// HIncrBy atomically increments a hash field
func (c *RedisClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	n, err := c.client.HIncrBy(ctx, key, field, incr).Result()
	if err != nil {
		return 0, fmt.Errorf("kv hincrby: %w", err)
	}
	return n, nil
}

// SAdd adds members to a set
func (c *RedisClient) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv sadd: %w", err)
	}
	return nil
}

// SMembers returns all members of a set
func (c *RedisClient) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv smembers: %w", err)
	}
	return members, nil
}

// Incr atomically increments a counter
func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr: %w", err)
	}
	return n, nil
}

// IncrBy atomically adds to a counter
func (c *RedisClient) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incrby: %w", err)
	}
	return n, nil
}

// Expire sets a key's TTL
func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv expire: %w", err)
	}
	return nil
}

// Scan returns one page of matching keys
func (c *RedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	keys, next, err := c.client.Scan(ctx, cursor, match, count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("kv scan: %w", err)
	}
	return keys, next, nil
}

// Pipeline starts a batch
func (c *RedisClient) Pipeline() Batch {
	return &redisBatch{pipe: c.client.Pipeline()}
}

// Ping checks connectivity
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying connection pool
func (c *RedisClient) Close() error {
	return c.client.Close()
}

func flattenFields(fields map[string]interface{}) []interface{} {
	flat := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return flat
}
