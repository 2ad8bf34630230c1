// Package api exposes the cache gateway over HTTP: a gin engine with
// logging, metrics, tracing, auth, and rate-limit middleware in front
// of the tier, invalidation, and analytics engines.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcache/agentcache/pkg/analytics"
	"github.com/agentcache/agentcache/pkg/auth"
	"github.com/agentcache/agentcache/pkg/cache"
	"github.com/agentcache/agentcache/pkg/invalidation"
	"github.com/agentcache/agentcache/pkg/kv"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/ratelimit"
	"github.com/agentcache/agentcache/pkg/vector"
)

// Config holds the server's listener settings
type Config struct {
	ListenAddress   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	HandlerTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// Dependencies collects everything the server serves
type Dependencies struct {
	Store       kv.Client
	Vectors     vector.Store
	Engine      *cache.Engine
	Invalidator *invalidation.Engine
	Analytics   *analytics.Aggregator
	Auth        *auth.Service
	Limiter     *ratelimit.Limiter
	Quota       *ratelimit.Quota
	Logger      observability.Logger
	Metrics     observability.MetricsClient
}

// Server is the HTTP surface of the gateway
type Server struct {
	router *gin.Engine
	http   *http.Server
	config Config

	store       kv.Client
	vectors     vector.Store
	engine      *cache.Engine
	invalidator *invalidation.Engine
	analytics   *analytics.Aggregator
	authSvc     *auth.Service
	limiter     *ratelimit.Limiter
	quota       *ratelimit.Quota
	logger      observability.Logger
	metrics     observability.MetricsClient
}

// NewServer builds the router and wires the middleware chain
func NewServer(config Config, deps Dependencies) *Server {
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 5 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 15 * time.Second
	}

	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewNoopMetricsClient()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		router:      router,
		config:      config,
		store:       deps.Store,
		vectors:     deps.Vectors,
		engine:      deps.Engine,
		invalidator: deps.Invalidator,
		analytics:   deps.Analytics,
		authSvc:     deps.Auth,
		limiter:     deps.Limiter,
		quota:       deps.Quota,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
	}

	router.Use(Recovery(s.logger))
	router.Use(RequestLogger(s.logger))
	router.Use(Metrics(s.metrics))
	router.Use(Tracing())

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(Deadline(config.HandlerTimeout))
	v1.Use(Authenticate(s.authSvc, s.logger))
	v1.Use(RateLimit(s.limiter, s.logger))
	{
		v1.POST("/cache/llm", s.handleLLM)
		v1.POST("/cache/tool", s.handleTool)
		v1.POST("/cache/db", s.handleDB)
		v1.POST("/cache/invalidate", s.handleInvalidate)
		v1.GET("/analytics", s.handleAnalytics)
	}

	s.http = &http.Server{
		Addr:         config.ListenAddress,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Router exposes the gin engine for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", map[string]interface{}{
		"address": s.config.ListenAddress,
	})
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
