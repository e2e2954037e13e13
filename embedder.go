package simcache

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Embedder converts text to vectors. Implement it to plug any embedding
// model into the text operations of Engine.
type Embedder interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of vectors produced by this embedder.
	Dim() int
}

// FuncEmbedder adapts a single-text function into an Embedder. EmbedBatch
// calls the function concurrently, at most Concurrency at a time.
type FuncEmbedder struct {
	EmbedFunc   func(ctx context.Context, text string) ([]float32, error)
	Dimension   int
	Concurrency int // <= 0 means unlimited
}

// Embed calls the underlying function.
func (f *FuncEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.EmbedFunc(ctx, text)
}

// EmbedBatch embeds texts concurrently and fails on the first error.
func (f *FuncEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	if f.Concurrency > 0 {
		g.SetLimit(f.Concurrency)
	}
	for i, text := range texts {
		g.Go(func() error {
			vec, err := f.EmbedFunc(gctx, text)
			if err != nil {
				return err
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Dim returns the configured dimension.
func (f *FuncEmbedder) Dim() int {
	return f.Dimension
}
