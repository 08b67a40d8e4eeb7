// Package embedding turns extracted text into normalized sentence vectors.
//
// Vectors are produced with CLS pooling: the model's first-position hidden
// state is the sentence representation. Every stored document records this
// policy, and a corpus must never mix vectors pooled differently.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/sync/semaphore"

	"github.com/dmaharana/docindex/internal/models"
)

// ErrClosed is returned by a Client after Close.
var ErrClosed = errors.New("embedding client closed")

// Model is the raw text-to-vector capability. langchaingo embedders satisfy it.
type Model interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	ModelName     string
	Pooling       string
	Dimension     int
	MaxInputChars int
	// MaxConcurrent bounds in-flight calls; 1 serializes access for
	// runtimes that are not reentrant.
	MaxConcurrent int
	Timeout       time.Duration
}

// Client is a long-lived handle around a Model. It is safe for concurrent use.
type Client struct {
	model  Model
	cfg    Config
	sem    *semaphore.Weighted
	closed atomic.Bool
	logger zerolog.Logger
}

func NewClient(model Model, cfg Config) (*Client, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: embedding model required", models.ErrInvalidInput)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", models.ErrInvalidInput)
	}
	if cfg.Pooling == "" {
		cfg.Pooling = models.PoolingCLS
	}
	if cfg.Pooling != models.PoolingCLS {
		return nil, fmt.Errorf("%w: unsupported pooling %q", models.ErrInvalidInput, cfg.Pooling)
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Client{
		model:  model,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger: log.With().Str("component", "embedding").Str("model", cfg.ModelName).Logger(),
	}, nil
}

// NewOllamaModel connects to an Ollama server hosting the embedding model.
func NewOllamaModel(baseURL, model string) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(baseURL),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("init ollama: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

// NewOpenAIModel connects to an OpenAI-compatible embeddings endpoint, such
// as a text-embeddings-inference server started with --pooling cls.
func NewOpenAIModel(baseURL, apiKey, model string) (*embeddings.EmbedderImpl, error) {
	token := strings.TrimPrefix(apiKey, "Bearer ")
	if token == "" {
		// local servers ignore the token but the client insists on one
		token = "none"
	}
	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("init openai: %w", err)
	}
	return embeddings.NewEmbedder(llm)
}

func (c *Client) Pooling() string   { return c.cfg.Pooling }
func (c *Client) ModelName() string { return c.cfg.ModelName }
func (c *Client) Dimension() int    { return c.cfg.Dimension }

// Embed returns the unit-length vector for text. Text longer than
// MaxInputChars is truncated deterministically before the model sees it.
func (c *Client) Embed(ctx context.Context, text string) (models.EmbeddingVector, error) {
	if c.closed.Load() {
		return nil, &models.EmbeddingError{Err: ErrClosed}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &models.EmbeddingError{Err: fmt.Errorf("%w: empty text", models.ErrInvalidInput)}
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	input := Truncate(text, c.cfg.MaxInputChars)
	if len(input) < len(text) {
		c.logger.Debug().Int("chars", len(text)).Int("kept", len(input)).Msg("Truncated embedding input")
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, c.wrap(err)
	}
	raw, err := c.model.EmbedQuery(ctx, input)
	c.sem.Release(1)
	if err != nil {
		return nil, c.wrap(err)
	}

	if len(raw) != c.cfg.Dimension {
		return nil, &models.EmbeddingError{
			Err: fmt.Errorf("model returned %d dimensions, want %d", len(raw), c.cfg.Dimension),
		}
	}
	vec, err := Normalize(raw)
	if err != nil {
		return nil, &models.EmbeddingError{Err: err}
	}
	return vec, nil
}

// EmbedBatch embeds each text through Embed, so a text yields the same
// vector whether it is embedded alone or in a batch.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]models.EmbeddingVector, error) {
	out := make([]models.EmbeddingVector, len(texts))
	for i, text := range texts {
		vec, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Close releases the handle. In-flight calls finish; later calls fail.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Client) wrap(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &models.TimeoutError{Stage: models.StageEmbedding, Err: err}
	}
	return &models.EmbeddingError{Err: err}
}
