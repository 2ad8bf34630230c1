package vector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*PgVectorStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPgVectorStore(sqlx.NewDb(db, "postgres"), nil, nil), mock
}

func TestUpsert(t *testing.T) {
	store, mock := setupStore(t)

	cachedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(`VALUES \(\$1, \$2, \$3, \$4, \$5::vector`).
		WithArgs(
			"ns:default:semantic:v1:openai:gpt-4:abc",
			"default", "openai", "gpt-4",
			"[0.1,0.2]", sqlmock.AnyArg(),
			cachedAt, cachedAt.Add(time.Hour),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), SemanticRecord{
		ID:        "ns:default:semantic:v1:openai:gpt-4:abc",
		Namespace: "default",
		Provider:  "openai",
		Model:     "gpt-4",
		Embedding: []float32{0.1, 0.2},
		Response:  json.RawMessage(`"R"`),
		CachedAt:  cachedAt,
		TTL:       time.Hour,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryReturnsMatches(t *testing.T) {
	store, mock := setupStore(t)

	cachedAt := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "similarity", "response", "cached_at"}).
		AddRow("rec-1", 0.93, []byte(`"R"`), cachedAt)

	mock.ExpectQuery(`SELECT id, 1 - \(embedding <=> \$4::vector\)`).
		WithArgs("default", "openai", "gpt-4", "[0.1]", 1).
		WillReturnRows(rows)

	matches, err := store.Query(context.Background(), "default", "openai", "gpt-4", []float32{0.1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "rec-1", matches[0].ID)
	assert.InDelta(t, 0.93, float64(matches[0].Similarity), 1e-6)
	assert.Equal(t, json.RawMessage(`"R"`), matches[0].Response)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEmpty(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectQuery(`SELECT id, 1 - \(embedding <=> \$4::vector\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "similarity", "response", "cached_at"}))

	matches, err := store.Query(context.Background(), "default", "openai", "gpt-4", []float32{0.1}, 1)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestDelete(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec("DELETE FROM semantic_cache WHERE id").
		WithArgs("rec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), "rec-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupExpired(t *testing.T) {
	store, mock := setupStore(t)

	mock.ExpectExec("DELETE FROM semantic_cache WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.CleanupExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.1,0.2,0.5]", vectorLiteral([]float32{0.1, 0.2, 0.5}))
	assert.Equal(t, "[-1,0]", vectorLiteral([]float32{-1, 0}))
	assert.Equal(t, "[]", vectorLiteral(nil))
}

func TestStaticEmbedderDeterministic(t *testing.T) {
	e := NewStaticEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "what is photosynthesis?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "what is photosynthesis?")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := e.Embed(ctx, "something else entirely")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// unit norm
	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
