package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{-2, 0.5, 4}

	self, err := CosineSimilarity(a, a)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, self, 1e-9)

	ab, err := CosineSimilarity(a, b)
	require.NoError(t, err)
	ba, err := CosineSimilarity(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	orth, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, orth)

	zero, err := CosineSimilarity([]float32{0, 0, 0}, a)
	require.NoError(t, err)
	assert.Equal(t, 0.0, zero)

	_, err = CosineSimilarity([]float32{1, 2}, a)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestExtractKeywords(t *testing.T) {
	got := ExtractKeywords("Hi! How do I reset my password? The password reset email never arrived.", 0)
	assert.Equal(t, []string{"reset", "password", "email", "never", "arrived"}, got)
}

func TestExtractKeywords_Cap(t *testing.T) {
	text := "alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike november oscar papa quebec"
	got := ExtractKeywords(text, 0)
	assert.Len(t, got, DefaultMaxKeywords)
	assert.Equal(t, "alpha", got[0])
	assert.Equal(t, "oscar", got[DefaultMaxKeywords-1])
}

func TestRankEntries(t *testing.T) {
	entries := []models.KnowledgeEntry{
		{ID: "kb-1", Title: "Password reset", Content: "Use the reset link", SuccessRate: 0.6, UsageCount: 10},
		{ID: "kb-2", Title: "Refunds", Content: "Refunds take 5 days", SuccessRate: 0.9},
		{ID: "kb-3", Title: "Reset two factor", Content: "Contact support", SuccessRate: 0.6, UsageCount: 40},
		{ID: "kb-4", Title: "Billing", Content: "Invoices", Keywords: []string{"password"}, SuccessRate: 0.95},
	}

	got := RankEntries(entries, []string{"reset", "password"}, 5)

	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"kb-4", "kb-3", "kb-1"}, ids)
	assert.Empty(t, RankEntries(entries, nil, 5))
	assert.Len(t, RankEntries(entries, []string{"reset", "password"}, 2), 2)
}

func TestScoreCandidates(t *testing.T) {
	query := []float32{1, 0, 0}
	candidates := []Candidate{
		{OwnerID: "exact", Vector: []float32{2, 0, 0}},
		{OwnerID: "close", Vector: []float32{1, 0.3, 0}},
		{OwnerID: "far", Vector: []float32{0, 1, 0}},
		{OwnerID: "broken", Vector: []float32{1, 0}},
		{OwnerID: "zero", Vector: []float32{0, 0, 0}},
	}

	got := ScoreCandidates(query, candidates, 0.8, 5)

	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].OwnerID)
	assert.Equal(t, "close", got[1].OwnerID)
	assert.GreaterOrEqual(t, got[0].Similarity, got[1].Similarity)

	assert.Len(t, ScoreCandidates(query, candidates, 0.8, 1), 1)
}

type fakeKnowledge struct {
	entries   []models.KnowledgeEntry
	templates []models.ResponseTemplate
	err       error
}

func (f *fakeKnowledge) ListKnowledgeEntries(context.Context, string) ([]models.KnowledgeEntry, error) {
	return f.entries, f.err
}

func (f *fakeKnowledge) ListTemplates(context.Context, string) ([]models.ResponseTemplate, error) {
	return f.templates, nil
}

type fakeEmbeddingStore struct {
	rows []models.StoredEmbedding
}

func (f *fakeEmbeddingStore) UpsertEmbedding(_ context.Context, e *models.StoredEmbedding) error {
	f.rows = append(f.rows, *e)
	return nil
}

func (f *fakeEmbeddingStore) ListEmbeddings(_ context.Context, userID string, owners ...models.EmbeddingOwner) ([]models.StoredEmbedding, error) {
	var out []models.StoredEmbedding
	for _, r := range f.rows {
		if r.UserID != userID {
			continue
		}
		for _, o := range owners {
			if r.OwnerType == o {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func TestRetriever_MergesSimilarityAndKeywordMatches(t *testing.T) {
	knowledge := &fakeKnowledge{
		entries: []models.KnowledgeEntry{
			{ID: "kb-1", Title: "Password reset", Content: "Use the reset link", SuccessRate: 0.5},
			{ID: "kb-2", Title: "Shipping times", Content: "Orders ship in 2 days", SuccessRate: 0.5},
		},
		templates: []models.ResponseTemplate{
			{ID: "tpl-1", Name: "Reset instructions", Content: "Hi {{name}}, click reset", SuccessRate: 0.7},
		},
	}
	store := &fakeEmbeddingStore{}
	index := NewStoreIndex(store)
	require.NoError(t, index.Upsert(context.Background(), []models.StoredEmbedding{
		{OwnerType: models.OwnerKnowledgeEntry, OwnerID: "kb-2", UserID: "u-1", Vector: []float32{1, 0}},
		{OwnerType: models.OwnerTicket, OwnerID: "t-old", UserID: "u-1", Text: "reset did not arrive", Vector: []float32{0.9, 0.1}},
		{OwnerType: models.OwnerTicket, OwnerID: "t-1", UserID: "u-1", Vector: []float32{1, 0}},
		{OwnerType: models.OwnerTicket, OwnerID: "t-other", UserID: "u-2", Vector: []float32{1, 0}},
	}))

	r := NewRetriever(knowledge, index, Config{})
	res, err := r.Retrieve(context.Background(), Query{
		UserID:   "u-1",
		TicketID: "t-1",
		Text:     "I need a password reset",
		Vector:   []float32{1, 0},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"kb-2", "kb-1"}, res.EntryIDs())
	assert.Equal(t, []string{"tpl-1"}, res.TemplateIDs())
	require.Len(t, res.SimilarTickets, 1)
	assert.Equal(t, "t-old", res.SimilarTickets[0].OwnerID)
	assert.Equal(t, "reset did not arrive", res.SimilarTickets[0].Text)
}

func TestRetriever_WithoutVectorUsesKeywordsOnly(t *testing.T) {
	knowledge := &fakeKnowledge{entries: []models.KnowledgeEntry{{ID: "kb-1", Title: "Password reset"}}}
	r := NewRetriever(knowledge, NewStoreIndex(&fakeEmbeddingStore{}), Config{})

	res, err := r.Retrieve(context.Background(), Query{UserID: "u-1", Text: "password reset please"})
	require.NoError(t, err)
	assert.Equal(t, []string{"kb-1"}, res.EntryIDs())
	assert.Empty(t, res.SimilarTickets)
}

func TestRetriever_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db locked")
	r := NewRetriever(&fakeKnowledge{err: boom}, nil, Config{})

	_, err := r.Retrieve(context.Background(), Query{UserID: "u-1", Text: "password reset"})
	assert.ErrorIs(t, err, boom)
}
