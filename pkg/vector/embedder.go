package vector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agentcache/agentcache/pkg/observability"
)

// EmbedderConfig configures the HTTP embedder client
type EmbedderConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPEmbedder calls an OpenAI-compatible embeddings endpoint. Transient
// failures are retried with exponential backoff; 4xx responses are not.
type HTTPEmbedder struct {
	config EmbedderConfig
	client *http.Client
	logger observability.Logger
}

// NewHTTPEmbedder creates an embedder against an embeddings API
func NewHTTPEmbedder(config EmbedderConfig, logger observability.Logger) *HTTPEmbedder {
	if config.Model == "" {
		config.Model = "text-embedding-3-small"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &HTTPEmbedder{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed computes the embedding of text
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32

	operation := func() error {
		body, err := json.Marshal(embeddingRequest{Input: text, Model: e.config.Model})
		if err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if e.config.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+e.config.APIKey)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("embedding request rejected: %s: %s", resp.Status, payload))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("embedding request failed: %s", resp.Status)
		}

		var decoded embeddingResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return fmt.Errorf("decode embedding response: %w", err)
		}
		if len(decoded.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("embedding response contained no vectors"))
		}
		embedding = decoded.Data[0].Embedding
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return embedding, nil
}

// StaticEmbedder derives a deterministic unit vector from the text
// digest. It exists for tests and for running the gateway without an
// embedding service; similarity scores from it are not semantic.
type StaticEmbedder struct {
	Dimensions int
}

// NewStaticEmbedder creates a deterministic embedder
func NewStaticEmbedder(dimensions int) *StaticEmbedder {
	if dimensions <= 0 {
		dimensions = 64
	}
	return &StaticEmbedder{Dimensions: dimensions}
}

// Embed maps text to a stable pseudo-random unit vector
func (s *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, s.Dimensions)
	seed := sha256.Sum256([]byte(text))

	var norm float64
	for i := range vec {
		// stretch the 32-byte digest by rehashing per block of 8 values
		block := i / 8
		if i%8 == 0 && block > 0 {
			seed = sha256.Sum256(seed[:])
		}
		bits := binary.BigEndian.Uint32(seed[(i%8)*4 : (i%8)*4+4])
		v := float64(bits)/float64(math.MaxUint32)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
