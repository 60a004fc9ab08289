// Package retrieval finds tenant documents relevant to a citizen question and
// turns them into bounded prompt context.
package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a tenant-scoped similarity search.
type Searcher interface {
	SearchDocuments(ctx context.Context, tenantID string, embedding []float32, threshold float64, topK int) ([]model.RetrievedDocument, error)
}

// Failure reasons reported by RetrievalError.
const (
	ReasonEmbeddingFailed = "embedding_failed"
	ReasonSearchFailed    = "search_failed"
)

// RetrievalError is returned when the embedding or search call fails. It is
// never converted into an empty result.
type RetrievalError struct {
	Reason string
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed (%s): %v", e.Reason, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// Pass identifies which search pass produced the result.
type Pass string

const (
	PassStrict  Pass = "strict"
	PassRelaxed Pass = "relaxed"
	PassEmpty   Pass = "empty"
)

// Config holds retrieval thresholds.
type Config struct {
	Threshold        float64
	RelaxedThreshold float64
	TopK             int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Threshold:        0.50,
		RelaxedThreshold: 0.35,
		TopK:             5,
	}
}

// Result is the outcome of a retrieval.
type Result struct {
	Documents     []model.RetrievedDocument
	ThresholdUsed float64
	Pass          Pass
}

// Retriever performs two-pass similarity search.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	config   Config
	logger   *logger.Logger
}

// NewRetriever creates a retriever. The embedder is a shared, reentrant handle.
func NewRetriever(embedder Embedder, searcher Searcher, cfg Config, log *logger.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		config:   cfg,
		logger:   log,
	}
}

// Retrieve embeds the query and searches at the strict threshold, retrying at
// the relaxed threshold only when the strict pass returns nothing.
func (r *Retriever) Retrieve(ctx context.Context, query, tenantID string) (*Result, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, &RetrievalError{Reason: ReasonEmbeddingFailed, Err: err}
	}

	docs, err := r.search(ctx, tenantID, embedding, r.config.Threshold)
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		metrics.RetrievalPasses.WithLabelValues(string(PassStrict)).Inc()
		return &Result{Documents: docs, ThresholdUsed: r.config.Threshold, Pass: PassStrict}, nil
	}

	docs, err = r.search(ctx, tenantID, embedding, r.config.RelaxedThreshold)
	if err != nil {
		return nil, err
	}

	pass := PassRelaxed
	if len(docs) == 0 {
		pass = PassEmpty
	}
	metrics.RetrievalPasses.WithLabelValues(string(pass)).Inc()

	r.logger.Debug("relaxed retrieval pass",
		zap.String("tenant_id", tenantID),
		zap.Int("documents", len(docs)),
		zap.Float64("threshold", r.config.RelaxedThreshold),
	)

	return &Result{Documents: docs, ThresholdUsed: r.config.RelaxedThreshold, Pass: pass}, nil
}

func (r *Retriever) search(ctx context.Context, tenantID string, embedding []float32, threshold float64) ([]model.RetrievedDocument, error) {
	rows, err := r.searcher.SearchDocuments(ctx, tenantID, embedding, threshold, r.config.TopK)
	if err != nil {
		return nil, &RetrievalError{Reason: ReasonSearchFailed, Err: err}
	}

	docs := make([]model.RetrievedDocument, 0, len(rows))
	for _, d := range rows {
		if d.Similarity >= threshold {
			docs = append(docs, d)
		}
	}
	return docs, nil
}
