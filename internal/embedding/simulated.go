package embedding

import (
	"context"
	"math"
	"math/rand"

	"github.com/supportdesk/deflection-engine/pkg/utils"
)

// Simulated produces deterministic unit vectors seeded from the text. Results
// carry Simulated=true and must not be mistaken for provider output.
type Simulated struct {
	dim      int
	maxChars int
}

func NewSimulated(dim, maxChars int) *Simulated {
	if dim <= 0 {
		dim = DefaultDim
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Simulated{dim: dim, maxChars: maxChars}
}

func (s *Simulated) Embed(_ context.Context, text string) (Embedding, error) {
	rng := rand.New(rand.NewSource(utils.Seed64(Clean(text, s.maxChars))))

	vec := make([]float32, s.dim)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}

	return Embedding{Vector: vec, Simulated: true}, nil
}

func (s *Simulated) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	out := make([]Embedding, len(texts))
	for i, t := range texts {
		out[i], _ = s.Embed(ctx, t)
	}
	return out, nil
}
