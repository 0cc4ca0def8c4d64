// Package embed converts chunk text to float32 vectors via any
// OpenAI-compatible embedding server (Ollama, vLLM, ONNX Runtime Server,
// OpenAI itself).
//
// Usage:
//
//	emb := embed.New(embed.Config{
//	    Endpoint: "http://ollama:11434",
//	    Model:    "qwen3-Embedding-0.6B:Q8_0",
//	})
//	vec, err := emb.Embed(ctx, "when did we book the cabin?")
package embed

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns embeddings for multiple texts, split into HTTP
	// calls of at most BatchSize inputs.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension, or 0 before the first call.
	Dimension() int

	// Model returns the model name. It doubles as the embedding version
	// stamped on chunks and vector records.
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server.
	Endpoint string

	// Model is the model name sent in each request.
	Model string

	// Dimension is the expected vector dimension. 0 means auto-detect on
	// first call; every later response must match.
	Dimension int

	// BatchSize is the maximum number of texts per HTTP request. Default: 64.
	BatchSize int

	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 || c.BatchSize > 64 {
		c.BatchSize = 64
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Embedder from config. Endpoint and Model must be set;
// validation happens on first use so a half-configured instance can exist
// before the user fills in settings.
func New(cfg Config) Embedder {
	cfg.defaults()
	return newClient(cfg)
}
