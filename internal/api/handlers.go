package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentcache/agentcache/pkg/analytics"
	"github.com/agentcache/agentcache/pkg/cache"
	"github.com/agentcache/agentcache/pkg/invalidation"
	"github.com/agentcache/agentcache/pkg/models"
	"github.com/agentcache/agentcache/pkg/ratelimit"
)

// Request actions
const (
	actionGet    = "get"
	actionSet    = "set"
	actionSearch = "search"
)

type llmRequest struct {
	Action      string           `json:"action"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	Response    json.RawMessage  `json:"response,omitempty"`
	TTL         *int64           `json:"ttl,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Threshold   float64          `json:"threshold,omitempty"`
}

type toolRequest struct {
	Action     string                 `json:"action"`
	ToolName   string                 `json:"tool_name"`
	Parameters map[string]interface{} `json:"parameters"`
	Version    string                 `json:"version,omitempty"`
	Result     json.RawMessage        `json:"result,omitempty"`
	TTL        *int64                 `json:"ttl,omitempty"`
	Tags       []string               `json:"tags,omitempty"`
}

type dbRequest struct {
	Action        string          `json:"action"`
	DBName        string          `json:"db_name"`
	Query         string          `json:"query"`
	Params        []interface{}   `json:"params,omitempty"`
	SchemaVersion string          `json:"schema_version,omitempty"`
	Rows          json.RawMessage `json:"rows,omitempty"`
	RowCount      int             `json:"row_count,omitempty"`
	SourceURL     string          `json:"source_url,omitempty"`
	TTL           *int64          `json:"ttl,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
}

type invalidateRequest struct {
	Key                 string   `json:"key,omitempty"`
	Pattern             string   `json:"pattern,omitempty"`
	Tags                []string `json:"tags,omitempty"`
	InvalidateSchema    bool     `json:"invalidate_schema,omitempty"`
	DBName              string   `json:"db_name,omitempty"`
	SchemaVersion       string   `json:"schema_version,omitempty"`
	InvalidateNamespace bool     `json:"invalidate_namespace,omitempty"`
	Confirm             bool     `json:"confirm,omitempty"`
	OlderThanMs         int64    `json:"older_than_ms,omitempty"`
	URL                 string   `json:"url,omitempty"`
}

func (s *Server) handleLLM(c *gin.Context) {
	var req llmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed JSON body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		badRequest(c, "messages must be non-empty")
		return
	}

	in := models.Inputs{Kind: models.KindLLM, LLM: &models.LLMInputs{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}}

	switch req.Action {
	case actionGet, actionSearch, "":
		s.doGet(c, in, cache.GetOptions{
			Semantic:  req.Action == actionSearch,
			Threshold: req.Threshold,
		})
	case actionSet:
		if len(req.Response) == 0 {
			badRequest(c, "response is required for set")
			return
		}
		s.doSet(c, in, req.Response, req.TTL, cache.SetOptions{Tags: req.Tags})
	default:
		badRequest(c, "unknown action "+req.Action)
	}
}

func (s *Server) handleTool(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed JSON body: "+err.Error())
		return
	}

	in := models.Inputs{Kind: models.KindTool, Tool: &models.ToolInputs{
		ToolName:   req.ToolName,
		Parameters: req.Parameters,
		Version:    req.Version,
	}}

	switch req.Action {
	case actionGet, "":
		s.doGet(c, in, cache.GetOptions{})
	case actionSet:
		if len(req.Result) == 0 {
			badRequest(c, "result is required for set")
			return
		}
		s.doSet(c, in, req.Result, req.TTL, cache.SetOptions{
			Tags:    req.Tags,
			Version: req.Version,
		})
	default:
		badRequest(c, "unknown action "+req.Action)
	}
}

func (s *Server) handleDB(c *gin.Context) {
	var req dbRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed JSON body: "+err.Error())
		return
	}

	in := models.Inputs{Kind: models.KindDB, DB: &models.DBInputs{
		DBName:        req.DBName,
		Query:         req.Query,
		Params:        req.Params,
		SchemaVersion: req.SchemaVersion,
	}}

	switch req.Action {
	case actionGet, "":
		s.doGet(c, in, cache.GetOptions{})
	case actionSet:
		if len(req.Rows) == 0 {
			badRequest(c, "rows are required for set")
			return
		}
		rowCount := req.RowCount
		if rowCount == 0 {
			var rows []json.RawMessage
			if err := json.Unmarshal(req.Rows, &rows); err == nil {
				rowCount = len(rows)
			}
		}
		s.doSet(c, in, req.Rows, req.TTL, cache.SetOptions{
			Tags:          req.Tags,
			RowCount:      rowCount,
			SchemaVersion: req.SchemaVersion,
			SourceURL:     req.SourceURL,
		})
	default:
		badRequest(c, "unknown action "+req.Action)
	}
}

func (s *Server) doGet(c *gin.Context, in models.Inputs, opts cache.GetOptions) {
	principal := principalFrom(c)
	namespace := namespaceFrom(c)

	if err := s.quota.Check(c.Request.Context(), principal); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			writeError(c, s.logger, err)
		} else {
			writeError(c, s.logger, asStorage(err))
		}
		return
	}

	result, err := s.engine.Get(c.Request.Context(), namespace, in, principal, opts)
	if err != nil {
		writeError(c, s.logger, asStorage(err))
		return
	}

	s.consumeQuota(c, principal)
	c.JSON(http.StatusOK, result)
}

func (s *Server) doSet(c *gin.Context, in models.Inputs, payload json.RawMessage, ttl *int64, opts cache.SetOptions) {
	principal := principalFrom(c)
	namespace := namespaceFrom(c)

	if ttl != nil {
		if *ttl <= 0 {
			badRequest(c, "ttl must be positive")
			return
		}
		opts.TTL = time.Duration(*ttl) * time.Second
	}

	if err := s.quota.Check(c.Request.Context(), principal); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			writeError(c, s.logger, err)
		} else {
			writeError(c, s.logger, asStorage(err))
		}
		return
	}

	result, err := s.engine.Set(c.Request.Context(), namespace, in, principal, payload, opts)
	if err != nil {
		writeError(c, s.logger, asStorage(err))
		return
	}

	s.consumeQuota(c, principal)
	c.JSON(http.StatusOK, result)
}

// consumeQuota records one unit of successful work; failure to record
// is logged but never fails the request already served
func (s *Server) consumeQuota(c *gin.Context, principal *models.Principal) {
	if err := s.quota.Consume(c.Request.Context(), principal); err != nil {
		s.logger.Warn("Failed to consume quota", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (s *Server) handleInvalidate(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "malformed JSON body: "+err.Error())
		return
	}
	if req.InvalidateSchema && req.SchemaVersion == "" {
		badRequest(c, "schema_version is required with invalidate_schema")
		return
	}

	run := invalidation.Request{
		Namespace:  namespaceFrom(c),
		Key:        req.Key,
		Pattern:    req.Pattern,
		Tags:       req.Tags,
		Namespaces: req.InvalidateNamespace,
		Confirm:    req.Confirm,
		OlderThan:  time.Duration(req.OlderThanMs) * time.Millisecond,
		URL:        req.URL,
	}
	if req.InvalidateSchema {
		run.SchemaDB = req.DBName
		run.SchemaVersion = req.SchemaVersion
	}

	result, err := s.invalidator.Run(c.Request.Context(), run)
	if err != nil {
		writeError(c, s.logger, asStorage(err))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAnalytics(c *gin.Context) {
	summary, err := s.analytics.Summarize(c.Request.Context(), c.Query("period"))
	if err != nil {
		if errors.Is(err, analytics.ErrBadPeriod) {
			badRequest(c, err.Error())
			return
		}
		writeError(c, s.logger, asStorage(err))
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	components := gin.H{}

	if err := s.store.Ping(ctx); err != nil {
		components["redis"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		components["redis"] = "healthy"
	}

	if s.vectors != nil {
		if err := s.vectors.HealthCheck(ctx); err != nil {
			components["vector_store"] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
		} else {
			components["vector_store"] = "healthy"
		}
	} else {
		components["vector_store"] = "disabled"
	}

	c.JSON(status, gin.H{
		"status":     healthWord(status),
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "unhealthy"
}
