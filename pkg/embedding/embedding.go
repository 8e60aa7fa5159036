// Package embedding generates vector embeddings through any OpenAI-compatible
// embeddings API.
package embedding

import (
	"context"
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/avrora-labs/opskb/internal/resilience"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Config configures the OpenAI-compatible embedding client.
type Config struct {
	// BaseURL points at the embeddings service. Empty means api.openai.com.
	BaseURL string

	// APIKey authenticates the service. Local services that skip auth still
	// need a placeholder token, so empty falls back to "none".
	APIKey string

	// Model is the embedding model name.
	Model string

	// BatchSize caps texts per upstream request. Default: 16.
	BatchSize int

	// Retry controls transient-failure retries per batch.
	Retry resilience.RetryConfig

	// Breaker is the circuit breaker to route calls through. A private one
	// is created when nil.
	Breaker *resilience.CircuitBreaker
}

// openAIEmbedder implements Embedder over langchaingo's OpenAI client.
type openAIEmbedder struct {
	embedder  embeddings.Embedder
	batchSize int
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
}

// New creates an Embedder backed by an OpenAI-compatible API.
func New(cfg Config) (Embedder, error) {
	token := cfg.APIKey
	if token == "" {
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create client")
	}

	emb, err := embeddings.NewEmbedder(client, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, eris.Wrap(err, "embedding: create embedder")
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	retry := cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("embeddings", "embed_documents")
	}

	return &openAIEmbedder{
		embedder:  emb,
		batchSize: batchSize,
		retry:     retry,
		breaker:   breaker,
	}, nil
}

// EmbedText generates a vector embedding for a single text.
func (e *openAIEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, eris.New("embedding: empty result")
	}
	return vecs[0], nil
}

// EmbedTexts generates embeddings for texts, splitting the work into batches.
// Each batch is retried independently on transient failures.
func (e *openAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		vecs, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([][]float32, error) {
			return resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) ([][]float32, error) {
				vecs, err := e.embedder.EmbedDocuments(ctx, batch)
				if err != nil {
					return nil, classify("embedding: embed documents", err)
				}
				return vecs, nil
			})
		})
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, eris.Errorf("embedding: got %d vectors for %d texts", len(vecs), len(batch))
		}

		out = append(out, vecs...)
		zap.L().Debug("embedded batch",
			zap.Int("batch_size", len(batch)),
			zap.Int("total", len(out)),
		)
	}

	return out, nil
}

// statusRe pulls the HTTP status out of langchaingo's error text.
var statusRe = regexp.MustCompile(`status code: (\d{3})`)

// classify wraps an embedding API error as fatal or transient. langchaingo
// surfaces upstream statuses only in the error text, so the code is sniffed
// from there; anything unrecognized stays transient.
func classify(op string, err error) error {
	wrapped := eris.Wrap(err, op)

	if m := statusRe.FindStringSubmatch(err.Error()); m != nil {
		code, convErr := strconv.Atoi(m[1])
		if convErr == nil && resilience.FatalStatus(code) {
			return resilience.NewFatalError(wrapped, code)
		}
		return resilience.NewTransientError(wrapped)
	}

	if resilience.IsFatal(err) {
		return resilience.NewFatalError(wrapped, 0)
	}
	return resilience.NewTransientError(wrapped)
}
