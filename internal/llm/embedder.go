package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// Embedder generates embedding vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OpenAIEmbedder generates embeddings with the OpenAI API. It holds no
// per-request state and is shared by all requests.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	maxRetries int
	backoff    time.Duration
	logger     *logger.Logger
}

// NewOpenAIEmbedder creates an embedding client.
func NewOpenAIEmbedder(opts Options, log *logger.Logger) (*OpenAIEmbedder, error) {
	if opts.APIKey == "" {
		return nil, errors.New("OpenAI API key is required for embeddings")
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	model := opts.Model
	if model == "" {
		model = defaultEmbeddingModel
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		maxRetries: 3,
		backoff:    250 * time.Millisecond,
		logger:     log,
	}, nil
}

// Embed generates an embedding vector for the given text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := e.doWithRetry(ctx, func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return errors.New("empty embedding response")
		}
		result = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	return result, nil
}

// doWithRetry executes fn with exponential backoff.
func (e *OpenAIEmbedder) doWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	wait := e.backoff
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == e.maxRetries {
			break
		}

		e.logger.Debug("embedding request failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
	}
	return lastErr
}
