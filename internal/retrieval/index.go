package retrieval

import (
	"context"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

// Candidate is a stored vector returned by an index for exact re-scoring.
type Candidate struct {
	OwnerType models.EmbeddingOwner
	OwnerID   string
	Text      string
	Vector    []float32
}

// VectorIndex holds embeddings of knowledge entries, templates and resolved tickets.
type VectorIndex interface {
	Upsert(ctx context.Context, items []models.StoredEmbedding) error
	// Candidates returns up to limit vectors of the given owner types for a user.
	// Implementations may return more than the best matches; callers re-score.
	Candidates(ctx context.Context, userID string, query []float32, limit int, owners ...models.EmbeddingOwner) ([]Candidate, error)
}

// EmbeddingStore is the slice of the SQLite store a StoreIndex needs.
type EmbeddingStore interface {
	UpsertEmbedding(ctx context.Context, e *models.StoredEmbedding) error
	ListEmbeddings(ctx context.Context, userID string, owners ...models.EmbeddingOwner) ([]models.StoredEmbedding, error)
}

// StoreIndex scans every stored vector of a user. It suits small knowledge bases
// and deployments without a vector database.
type StoreIndex struct {
	store EmbeddingStore
}

func NewStoreIndex(store EmbeddingStore) *StoreIndex {
	return &StoreIndex{store: store}
}

func (s *StoreIndex) Upsert(ctx context.Context, items []models.StoredEmbedding) error {
	for i := range items {
		if err := s.store.UpsertEmbedding(ctx, &items[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreIndex) Candidates(ctx context.Context, userID string, _ []float32, _ int, owners ...models.EmbeddingOwner) ([]Candidate, error) {
	stored, err := s.store.ListEmbeddings(ctx, userID, owners...)
	if err != nil {
		return nil, err
	}

	out := make([]Candidate, len(stored))
	for i, e := range stored {
		out[i] = Candidate{OwnerType: e.OwnerType, OwnerID: e.OwnerID, Text: e.Text, Vector: e.Vector}
	}
	return out, nil
}
