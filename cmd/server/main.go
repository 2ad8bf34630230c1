// Command server runs the agentcache gateway: the HTTP surface over the
// three-tier cache, invalidation, and analytics engines.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/agentcache/agentcache/internal/api"
	"github.com/agentcache/agentcache/internal/config"
	"github.com/agentcache/agentcache/pkg/analytics"
	"github.com/agentcache/agentcache/pkg/auth"
	"github.com/agentcache/agentcache/pkg/cache"
	"github.com/agentcache/agentcache/pkg/invalidation"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/ratelimit"
	"github.com/agentcache/agentcache/pkg/vector"
)

func main() {
	configFile := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		observability.NewLogger("agentcache").Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewLoggerWithLevel("agentcache", cfg.Logging.Level)
	metrics := observability.NewMetricsClient()

	store, err := buildStore(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error":   err.Error(),
			"address": cfg.Redis.Address,
		})
	}

	vectors, vectorDB := buildVectorStore(cfg, logger, metrics)
	embedder := buildEmbedder(cfg, logger)

	engine := cache.NewEngine(store, vectors, embedder, cfg.Cache, logger.WithPrefix("cache"), metrics)
	invalidator := invalidation.NewEngine(store, engine, cfg.Invalidation, logger.WithPrefix("invalidation"), metrics)
	aggregator := analytics.NewAggregator(store, cfg.Costs, logger.WithPrefix("analytics"))
	authSvc := auth.NewService(store, cfg.Auth, logger.WithPrefix("auth"))
	limiter := ratelimit.NewLimiter(store, logger.WithPrefix("ratelimit"), metrics)
	quota := ratelimit.NewQuota(store, logger.WithPrefix("ratelimit"))

	server := api.NewServer(api.Config{
		ListenAddress:   cfg.Server.ListenAddress,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		HandlerTimeout:  cfg.Server.HandlerTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, api.Dependencies{
		Store:       store,
		Vectors:     vectors,
		Engine:      engine,
		Invalidator: invalidator,
		Analytics:   aggregator,
		Auth:        authSvc,
		Limiter:     limiter,
		Quota:       quota,
		Logger:      logger.WithPrefix("api"),
		Metrics:     metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", map[string]interface{}{"signal": sig.String()})
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", map[string]interface{}{
			"error": err.Error(),
		})
	}
	engine.Close()
	if vectorDB != nil {
		if err := vectorDB.Close(); err != nil {
			logger.Warn("Failed to close vector store", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := store.Close(); err != nil {
		logger.Warn("Failed to close Redis", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Shutdown complete", nil)
}

func buildStore(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (kv.Client, error) {
	client, err := kv.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return kv.NewResilientClient(client, logger.WithPrefix("kv"), metrics), nil
}

// buildVectorStore connects the L3 tier. An empty DSN leaves it
// disabled; the gateway serves L1/L2 only.
func buildVectorStore(cfg *config.Config, logger observability.Logger, metrics observability.MetricsClient) (vector.Store, *sqlx.DB) {
	if cfg.Vector.DSN == "" {
		logger.Info("Vector store disabled, semantic tier off", nil)
		return nil, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Vector.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to vector store", map[string]interface{}{
			"error": err.Error(),
		})
	}
	db.SetMaxOpenConns(cfg.Vector.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Vector.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Vector.ConnMaxLifetime)

	return vector.NewPgVectorStore(db, logger.WithPrefix("vector"), metrics), db
}

func buildEmbedder(cfg *config.Config, logger observability.Logger) vector.Embedder {
	if cfg.Vector.DSN == "" {
		return nil
	}
	if cfg.Vector.Embedder.Endpoint == "" {
		logger.Warn("No embedder endpoint configured, using deterministic embeddings", nil)
		return vector.NewStaticEmbedder(0)
	}
	return vector.NewHTTPEmbedder(cfg.Vector.Embedder, logger.WithPrefix("embedder"))
}
