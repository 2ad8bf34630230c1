package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentcache/agentcache/pkg/auth"
	"github.com/agentcache/agentcache/pkg/fingerprint"
	"github.com/agentcache/agentcache/pkg/invalidation"
	"github.com/agentcache/agentcache/pkg/observability"
	"github.com/agentcache/agentcache/pkg/ratelimit"
)

// Error kinds surfaced to clients
const (
	kindMissingKey    = "missing_key"
	kindBadKeyFormat  = "bad_key_format"
	kindUnknownKey    = "unknown_key"
	kindForbidden     = "forbidden"
	kindInvalidInput  = "invalid_input"
	kindRateLimited   = "rate_limited"
	kindQuotaExceeded = "quota_exceeded"
	kindStorageError  = "storage_error"
	kindInvalidScope  = "invalid_scope"
	kindScopeTooBroad = "scope_too_broad"
	kindInternalError = "internal_error"
)

type errorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details"`
	CorrelationID string `json:"correlation_id"`
	RetryAfter    int64  `json:"retry_after,omitempty"`
}

// writeError classifies err into the error taxonomy and writes the
// response. Internal errors are logged with a correlation id; the id is
// returned to the caller either way.
func writeError(c *gin.Context, logger observability.Logger, err error) {
	correlationID := uuid.New().String()
	resp := errorResponse{CorrelationID: correlationID, Details: err.Error()}
	status := http.StatusInternalServerError
	resp.Error = kindInternalError

	var rateErr *ratelimit.RateLimitedError
	switch {
	case errors.Is(err, auth.ErrMissingKey):
		status, resp.Error = http.StatusUnauthorized, kindMissingKey
	case errors.Is(err, auth.ErrBadKeyFormat):
		status, resp.Error = http.StatusUnauthorized, kindBadKeyFormat
	case errors.Is(err, auth.ErrUnknownKey):
		status, resp.Error = http.StatusUnauthorized, kindUnknownKey
	case errors.Is(err, auth.ErrForbidden):
		status, resp.Error = http.StatusForbidden, kindForbidden
	case errors.Is(err, fingerprint.ErrInvalidInput):
		status, resp.Error = http.StatusBadRequest, kindInvalidInput
	case errors.As(err, &rateErr):
		status, resp.Error = http.StatusTooManyRequests, kindRateLimited
		resp.RetryAfter = int64(rateErr.RetryAfter.Seconds()) + 1
	case errors.Is(err, ratelimit.ErrQuotaExceeded):
		status, resp.Error = http.StatusTooManyRequests, kindQuotaExceeded
	case errors.Is(err, invalidation.ErrInvalidScope):
		status, resp.Error = http.StatusBadRequest, kindInvalidScope
	case errors.Is(err, invalidation.ErrScopeTooBroad):
		status, resp.Error = http.StatusBadRequest, kindScopeTooBroad
	case errors.As(err, new(*storageFailure)):
		status, resp.Error = http.StatusServiceUnavailable, kindStorageError
	}

	if resp.Error == kindInternalError || resp.Error == kindStorageError {
		logger.Error("Request failed", map[string]interface{}{
			"error":          err.Error(),
			"kind":           resp.Error,
			"correlation_id": correlationID,
			"path":           c.FullPath(),
		})
	}
	c.AbortWithStatusJSON(status, resp)
}

// badRequest writes an invalid_input response for handler-level
// validation failures
func badRequest(c *gin.Context, details string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{
		Error:         kindInvalidInput,
		Details:       details,
		CorrelationID: uuid.New().String(),
	})
}

// storageFailure marks an engine error caused by the KV or vector
// store. Handlers wrap with asStorage so the taxonomy can map it to 503
// without inspecting error strings.
type storageFailure struct {
	err error
}

func (e *storageFailure) Error() string { return e.err.Error() }
func (e *storageFailure) Unwrap() error { return e.err }

// asStorage classifies an engine failure: caller-fixable input errors
// pass through, everything else is a storage fault.
func asStorage(err error) error {
	if errors.Is(err, fingerprint.ErrInvalidInput) ||
		errors.Is(err, invalidation.ErrInvalidScope) ||
		errors.Is(err, invalidation.ErrScopeTooBroad) {
		return err
	}
	return &storageFailure{err: err}
}
