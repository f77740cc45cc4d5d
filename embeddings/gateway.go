package embeddings

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/fabfab/sales-rag/domain"
)

const (
	defaultBatchSize = 100
	defaultTimeout   = 30 * time.Second
)

// Gateway is the single entry point for embedding text. It splits input into
// provider-sized batches, throttles calls and validates that every vector has
// the deployment dimension. Failures are reported as *domain.EmbeddingError and
// are never papered over with placeholder vectors.
type Gateway struct {
	embedder  Embedder
	dimension int
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
}

type GatewayOption func(*Gateway)

func WithBatchSize(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.batchSize = n
		}
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithRateLimit caps provider calls per second. Zero disables throttling.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *Gateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewGateway(embedder Embedder, dimension int, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		embedder:  embedder,
		dimension: dimension,
		batchSize: defaultBatchSize,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dimension is the fixed output size of every vector.
func (g *Gateway) Dimension() int {
	return g.dimension
}

// EmbedOne embeds a single text.
func (g *Gateway) EmbedOne(ctx context.Context, text string, task TaskType) ([]float32, error) {
	vectors, err := g.EmbedMany(ctx, []string{text}, task)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany embeds texts in order; vector i belongs to texts[i].
func (g *Gateway) EmbedMany(ctx context.Context, texts []string, task TaskType) ([][]float32, error) {
	if g.embedder == nil {
		return nil, &domain.EmbeddingError{Op: "embed", Err: fmt.Errorf("embedder not configured")}
	}
	if g.dimension <= 0 {
		return nil, &domain.EmbeddingError{Op: "embed", Err: fmt.Errorf("embedding dimension must be positive")}
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := g.embedBatch(ctx, texts[start:end], task)
		if err != nil {
			return nil, &domain.EmbeddingError{Op: fmt.Sprintf("embed batch %d-%d", start, end), Err: err}
		}
		results = append(results, vectors...)
	}

	return results, nil
}

func (g *Gateway) embedBatch(ctx context.Context, batch []string, task TaskType) ([][]float32, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	vectors, err := g.embedder.Embed(callCtx, Request{Texts: batch, TaskType: task, Dimension: g.dimension})
	if err != nil {
		return nil, err
	}

	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(batch), len(vectors))
	}
	for i, vec := range vectors {
		if len(vec) != g.dimension {
			return nil, fmt.Errorf("embedding dimension mismatch at %d: expected %d, got %d", i, g.dimension, len(vec))
		}
	}
	return vectors, nil
}
