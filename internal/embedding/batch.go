package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// BatchFailure covers texts[Start:End] that could not be embedded.
type BatchFailure struct {
	Start int
	End   int
	Err   error
}

// BatchResult keeps every chunk that succeeded. Embeddings[i] has a nil Vector
// when input i belonged to a failed chunk.
type BatchResult struct {
	Embeddings []Embedding
	Failures   []BatchFailure
}

func (r BatchResult) Succeeded(i int) bool {
	return i >= 0 && i < len(r.Embeddings) && r.Embeddings[i].Vector != nil
}

func (r BatchResult) Complete() bool {
	return len(r.Failures) == 0
}

type Batcher struct {
	embedder Embedder
	size     int
	delay    time.Duration
}

func NewBatcher(embedder Embedder, size int, delay time.Duration) *Batcher {
	if size <= 0 || size > MaxBatchSize {
		size = MaxBatchSize
	}
	return &Batcher{embedder: embedder, size: size, delay: delay}
}

// EmbedAll chunks texts and embeds each chunk with a pause in between. A failed
// chunk is recorded and the remaining chunks are still attempted, unless ctx ends.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) BatchResult {
	result := BatchResult{Embeddings: make([]Embedding, len(texts))}

	for start := 0; start < len(texts); start += b.size {
		end := min(start+b.size, len(texts))

		if start > 0 && b.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(b.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			result.Failures = append(result.Failures, BatchFailure{Start: start, End: len(texts), Err: err})
			break
		}

		out, err := b.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			logger.Warn("Embedding batch failed",
				zap.Int("start", start),
				zap.Int("end", end),
				zap.Error(err),
			)
			result.Failures = append(result.Failures, BatchFailure{Start: start, End: end, Err: err})
			continue
		}
		copy(result.Embeddings[start:end], out)
	}

	logger.Debug("Embedding batches finished",
		zap.Int("texts", len(texts)),
		zap.Int("failed_batches", len(result.Failures)),
	)
	return result
}
