package embedding

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// Fallback serves Simulated vectors when the primary embedder fails. A caller
// cancellation is returned unchanged rather than papered over.
type Fallback struct {
	primary    Embedder
	simulated  *Simulated
	onFallback func(err error)
}

func NewFallback(primary Embedder, simulated *Simulated, onFallback func(err error)) *Fallback {
	return &Fallback{primary: primary, simulated: simulated, onFallback: onFallback}
}

func (f *Fallback) Embed(ctx context.Context, text string) (Embedding, error) {
	emb, err := f.primary.Embed(ctx, text)
	if err == nil {
		return emb, nil
	}
	if !f.shouldFallBack(ctx, err) {
		return Embedding{}, err
	}
	return f.simulated.Embed(ctx, text)
}

func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	out, err := f.primary.EmbedBatch(ctx, texts)
	if err == nil {
		return out, nil
	}
	if !f.shouldFallBack(ctx, err) {
		return nil, err
	}
	return f.simulated.EmbedBatch(ctx, texts)
}

func (f *Fallback) shouldFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyText) {
		return false
	}

	logger.Warn("Embedding provider unavailable, using simulated vectors", zap.Error(err))
	if f.onFallback != nil {
		f.onFallback(err)
	}
	return true
}
