// Package config loads the gateway configuration from an optional YAML
// file and AGENTCACHE_* environment variables, with defaults for every
// operational parameter.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentcache/agentcache/pkg/analytics"
	"github.com/agentcache/agentcache/pkg/auth"
	"github.com/agentcache/agentcache/pkg/cache"
	"github.com/agentcache/agentcache/pkg/invalidation"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/vector"
)

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	ListenAddress   string        `mapstructure:"listen_address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// VectorConfig holds the L3 tier settings. An empty DSN disables L3.
type VectorConfig struct {
	DSN             string                `mapstructure:"dsn"`
	MaxOpenConns    int                   `mapstructure:"max_open_conns"`
	MaxIdleConns    int                   `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration         `mapstructure:"conn_max_lifetime"`
	Embedder        vector.EmbedderConfig `mapstructure:"embedder"`
}

// Config is the root configuration of the gateway
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Redis        kv.RedisConfig              `mapstructure:"redis"`
	Vector       VectorConfig                `mapstructure:"vector"`
	Auth         auth.Config                 `mapstructure:"auth"`
	Cache        cache.Config                `mapstructure:"cache"`
	Invalidation invalidation.Config         `mapstructure:"invalidation"`
	Costs        analytics.CostConfig        `mapstructure:"costs"`
	Logging      observability.LoggingConfig `mapstructure:"logging"`
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the AGENTCACHE prefix with
// underscores, e.g. AGENTCACHE_REDIS_ADDRESS.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.handler_timeout", "5s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 10)
	v.SetDefault("redis.max_retries", 3)

	v.SetDefault("vector.dsn", "")
	v.SetDefault("vector.max_open_conns", 25)
	v.SetDefault("vector.max_idle_conns", 5)
	v.SetDefault("vector.conn_max_lifetime", "5m")
	v.SetDefault("vector.embedder.endpoint", "")
	v.SetDefault("vector.embedder.model", "text-embedding-3-small")
	v.SetDefault("vector.embedder.timeout", "10s")

	v.SetDefault("auth.demo_rpm", 100)
	v.SetDefault("auth.live_rpm", 500)
	v.SetDefault("auth.live_monthly_quota", 100000)

	v.SetDefault("cache.l1_size", 4096)
	v.SetDefault("cache.l1_ttl", "60s")
	v.SetDefault("cache.llm_ttl", "168h")
	v.SetDefault("cache.tool_ttl", "1h")
	v.SetDefault("cache.db_ttl", "5m")
	v.SetDefault("cache.semantic_threshold", 0.85)
	v.SetDefault("cache.async_workers", 4)
	v.SetDefault("cache.async_queue_size", 256)

	v.SetDefault("invalidation.scan_max_keys", 1000)
	v.SetDefault("invalidation.scan_max_namespace_keys", 10000)
	v.SetDefault("invalidation.scan_iter_cap", 100)
	v.SetDefault("invalidation.delete_batch_size", 100)

	v.SetDefault("costs.llm_call_cost", 0.03)
	v.SetDefault("costs.l1_cost_per_hit", 0.0)
	v.SetDefault("costs.l2_cost_per_hit", 0.0)
	v.SetDefault("costs.l3_cost_per_hit", 0.0001)
	v.SetDefault("costs.tool_call_saved", 0.001)
	v.SetDefault("costs.db_query_saved", 0.0005)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}
