package vector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentcache/agentcache/pkg/observability"
)

// PgVectorStore implements Store on PostgreSQL with the pgvector
// extension. Rows carry an expires_at column; expired rows are filtered
// at query time and reaped by CleanupExpired.
type PgVectorStore struct {
	db      *sqlx.DB
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewPgVectorStore creates a pgvector-backed store
func NewPgVectorStore(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) *PgVectorStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &PgVectorStore{db: db, logger: logger, metrics: metrics}
}

// Upsert inserts or replaces a semantic record
func (s *PgVectorStore) Upsert(ctx context.Context, rec SemanticRecord) error {
	ctx, span := observability.StartSpan(ctx, "vector.upsert")
	defer span.End()

	query := `
		INSERT INTO semantic_cache (id, namespace, provider, model, embedding, response, cached_at, expires_at)
		VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			embedding = EXCLUDED.embedding,
			response = EXCLUDED.response,
			cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at
	`

	start := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Namespace, rec.Provider, rec.Model,
		vectorLiteral(rec.Embedding), []byte(rec.Response),
		rec.CachedAt, rec.CachedAt.Add(rec.TTL),
	)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("Failed to upsert semantic record", map[string]interface{}{
			"error":     err.Error(),
			"id":        rec.ID,
			"namespace": rec.Namespace,
		})
	}
	s.metrics.RecordHistogram("vector_store_duration_seconds", duration, map[string]string{
		"operation": "upsert",
		"status":    status,
	})
	if err != nil {
		return fmt.Errorf("upsert semantic record: %w", err)
	}
	return nil
}

// Query returns the topK most similar live records for the scope,
// ordered by similarity and, on ties, the most recent cached_at.
func (s *PgVectorStore) Query(ctx context.Context, namespace, provider, model string, embedding []float32, topK int) ([]Match, error) {
	ctx, span := observability.StartSpan(ctx, "vector.query")
	defer span.End()
	span.SetAttribute("namespace", namespace)
	span.SetAttribute("top_k", topK)

	query := `
		SELECT id, 1 - (embedding <=> $4::vector) AS similarity, response, cached_at
		FROM semantic_cache
		WHERE namespace = $1
			AND provider = $2
			AND model = $3
			AND expires_at > NOW()
		ORDER BY similarity DESC, cached_at DESC
		LIMIT $5
	`

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, namespace, provider, model, vectorLiteral(embedding), topK)
	duration := time.Since(start).Seconds()
	if err != nil {
		s.metrics.RecordHistogram("vector_store_duration_seconds", duration, map[string]string{
			"operation": "query",
			"status":    "error",
		})
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.Warn("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var matches []Match
	for rows.Next() {
		var m Match
		var response []byte
		if err := rows.Scan(&m.ID, &m.Similarity, &response, &m.CachedAt); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}
		m.Response = response
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector rows: %w", err)
	}

	s.metrics.RecordHistogram("vector_store_duration_seconds", duration, map[string]string{
		"operation": "query",
		"status":    "success",
	})
	return matches, nil
}

// vectorLiteral renders the pgvector input format, [1,2,3]
func vectorLiteral(embedding []float32) string {
	elements := make([]string, len(embedding))
	for i, v := range embedding {
		elements[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(elements, ",") + "]"
}

// Delete removes a record by id
func (s *PgVectorStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete semantic record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		s.logger.Debug("No semantic record found to delete", map[string]interface{}{"id": id})
	}
	return nil
}

// CleanupExpired reaps rows whose expires_at has passed
func (s *PgVectorStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM semantic_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired semantic records: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		s.logger.Info("Reaped expired semantic records", map[string]interface{}{"rows": deleted})
		s.metrics.IncrementCounter("vector_store_expired_reaped_total", float64(deleted))
	}
	return deleted, nil
}

// HealthCheck verifies connectivity and the pgvector extension
func (s *PgVectorStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("vector store health check: %w", err)
	}

	var hasExtension bool
	err := s.db.GetContext(ctx, &hasExtension,
		"SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')")
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("pgvector extension is not installed")
		}
		return fmt.Errorf("check pgvector extension: %w", err)
	}
	if !hasExtension {
		return fmt.Errorf("pgvector extension is not installed")
	}
	return nil
}
