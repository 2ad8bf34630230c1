package api

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentcache/agentcache/pkg/auth"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/ratelimit"
)

// gin context keys
const (
	ctxPrincipal = "principal"
	ctxNamespace = "namespace"
)

// RequestLogger logs one line per request with latency and status
func RequestLogger(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if c.Writer.Status() >= 500 {
			logger.Error("Request completed", fields)
		} else {
			logger.Info("Request completed", fields)
		}
	}
}

// Metrics records request counts and durations per route
func Metrics(metrics observability.MetricsClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := map[string]string{
			"method": c.Request.Method,
			"route":  route,
			"status": statusClass(c.Writer.Status()),
		}
		metrics.IncrementCounterWithLabels("http_requests_total", 1, labels)
		metrics.RecordHistogram("http_request_duration_seconds", time.Since(start).Seconds(), labels)
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}

// Tracing opens a span per request and stores it on the context
func Tracing() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := observability.StartSpan(c.Request.Context(), "http "+c.Request.Method+" "+c.FullPath())
		defer span.End()
		span.SetAttribute("http.method", c.Request.Method)
		span.SetAttribute("http.path", c.Request.URL.Path)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttribute("http.status_code", c.Writer.Status())
	}
}

// Recovery converts panics into internal_error responses
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				correlationID := uuid.New().String()
				logger.Error("Panic recovered", map[string]interface{}{
					"panic":          r,
					"path":           c.Request.URL.Path,
					"correlation_id": correlationID,
				})
				c.AbortWithStatusJSON(500, errorResponse{
					Error:         kindInternalError,
					Details:       "internal error",
					CorrelationID: correlationID,
				})
			}
		}()
		c.Next()
	}
}

// Deadline bounds each handler with an ambient timeout
func Deadline(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Authenticate resolves the API key and namespace and stores the
// principal on the gin context
func Authenticate(service *auth.Service, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey, err := auth.ExtractAPIKey(c.Request.Header)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		principal, err := service.Authenticate(c.Request.Context(), rawKey)
		if err != nil {
			if !errors.Is(err, auth.ErrBadKeyFormat) && !errors.Is(err, auth.ErrUnknownKey) {
				err = asStorage(err)
			}
			writeError(c, logger, err)
			return
		}
		namespace, err := auth.ResolveNamespace(c.Request.Header)
		if err != nil {
			writeError(c, logger, err)
			return
		}

		c.Set(ctxPrincipal, principal)
		c.Set(ctxNamespace, namespace)
		c.Next()
	}
}

// RateLimit enforces the per-key sliding window before any work
func RateLimit(limiter *ratelimit.Limiter, logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := principalFrom(c)
		if principal == nil {
			c.Next()
			return
		}
		if err := limiter.Allow(c.Request.Context(), principal); err != nil {
			var limited *ratelimit.RateLimitedError
			if !errors.As(err, &limited) {
				err = asStorage(err)
			}
			writeError(c, logger, err)
			return
		}
		c.Next()
	}
}

func principalFrom(c *gin.Context) *models.Principal {
	v, ok := c.Get(ctxPrincipal)
	if !ok {
		return nil
	}
	p, _ := v.(*models.Principal)
	return p
}

func namespaceFrom(c *gin.Context) string {
	v, ok := c.Get(ctxNamespace)
	if !ok {
		return auth.DefaultNamespace
	}
	ns, _ := v.(string)
	return ns
}
