// Package embedding turns text into fixed-length vectors for similarity search.
//
// The concrete embedders compose: OpenAI talks to the provider, Cached puts a
// Redis lookup in front of it, and Fallback swaps in Simulated vectors when the
// provider cannot be reached. Simulated vectors are always tagged so callers
// can tell them apart from real output.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

const (
	DefaultDim      = 1536
	DefaultMaxChars = 8000
	MaxBatchSize    = 100
)

var ErrEmptyText = errors.New("embedding input is empty")

type Embedding struct {
	Vector    []float32
	Simulated bool
}

type Embedder interface {
	Embed(ctx context.Context, text string) (Embedding, error)
	// EmbedBatch embeds up to MaxBatchSize texts in one provider call.
	EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error)
}

// Provider is a raw embeddings endpoint, such as llm.Client.
type Provider interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type OpenAI struct {
	provider Provider
	dim      int
	maxChars int
}

func NewOpenAI(provider Provider, dim, maxChars int) *OpenAI {
	if dim <= 0 {
		dim = DefaultDim
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &OpenAI{provider: provider, dim: dim, maxChars: maxChars}
}

func (o *OpenAI) Embed(ctx context.Context, text string) (Embedding, error) {
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return Embedding{}, err
	}
	return out[0], nil
}

func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d", len(texts), MaxBatchSize)
	}

	cleaned := make([]string, len(texts))
	for i, t := range texts {
		cleaned[i] = Clean(t, o.maxChars)
		if cleaned[i] == "" {
			return nil, fmt.Errorf("text %d: %w", i, ErrEmptyText)
		}
	}

	vectors, err := o.provider.CreateEmbeddings(ctx, cleaned)
	if err != nil {
		return nil, err
	}

	out := make([]Embedding, len(vectors))
	for i, v := range vectors {
		if len(v) != o.dim {
			return nil, fmt.Errorf("provider returned %d dimensions, expected %d", len(v), o.dim)
		}
		out[i] = Embedding{Vector: v}
	}
	return out, nil
}
