package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/embedding"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

type memStore struct {
	entries   map[string]models.KnowledgeEntry
	templates map[string]models.ResponseTemplate
	resolved  []models.Ticket
}

func newMemStore() *memStore {
	return &memStore{
		entries:   map[string]models.KnowledgeEntry{},
		templates: map[string]models.ResponseTemplate{},
	}
}

func (m *memStore) UpsertKnowledgeEntry(_ context.Context, e *models.KnowledgeEntry) error {
	m.entries[e.ID] = *e
	return nil
}

func (m *memStore) UpsertTemplate(_ context.Context, t *models.ResponseTemplate) error {
	m.templates[t.ID] = *t
	return nil
}

func (m *memStore) ListResolvedTickets(_ context.Context, _ string, limit int) ([]models.Ticket, error) {
	if len(m.resolved) > limit {
		return m.resolved[:limit], nil
	}
	return m.resolved, nil
}

type memIndex struct {
	items []models.StoredEmbedding
}

func (m *memIndex) Upsert(_ context.Context, items []models.StoredEmbedding) error {
	m.items = append(m.items, items...)
	return nil
}

func (m *memIndex) Candidates(context.Context, string, []float32, int, ...models.EmbeddingOwner) ([]retrieval.Candidate, error) {
	return nil, nil
}

// failingOn fails any batch containing a text with the marker.
type failingOn struct {
	inner  embedding.Embedder
	marker string
}

func (f failingOn) Embed(ctx context.Context, text string) (embedding.Embedding, error) {
	return f.inner.Embed(ctx, text)
}

func (f failingOn) EmbedBatch(ctx context.Context, texts []string) ([]embedding.Embedding, error) {
	for _, t := range texts {
		if strings.Contains(t, f.marker) {
			return nil, errors.New("rate limited")
		}
	}
	return f.inner.EmbedBatch(ctx, texts)
}

func newProcessor(store Store, index retrieval.VectorIndex, e embedding.Embedder, batch int) *Processor {
	return NewProcessor(store, index, embedding.NewBatcher(e, batch, 0), 0, 0)
}

func TestIngestEntries_FromHTML(t *testing.T) {
	store, index := newMemStore(), &memIndex{}
	p := newProcessor(store, index, embedding.NewSimulated(8, 0), 10)

	report, err := p.IngestEntries(context.Background(), "acct-1", []EntryInput{{
		HTML:      `<html><head><title>Resetting your password</title></head><body><nav>Home</nav><p>Open Settings and choose Reset password.</p></body></html>`,
		SourceURL: "https://help.example.com/reset",
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Stored)
	assert.Equal(t, 1, report.Indexed)
	assert.Equal(t, 1, report.Simulated)
	require.Len(t, store.entries, 1)

	for id, e := range store.entries {
		assert.Len(t, id, 32)
		assert.Equal(t, "Resetting your password", e.Title)
		assert.Equal(t, "Open Settings and choose Reset password.", e.Content)
		assert.NotContains(t, e.Content, "Home")
		assert.Contains(t, e.Keywords, "password")
		assert.Equal(t, 0.5, e.SuccessRate)
	}
	assert.Equal(t, models.OwnerKnowledgeEntry, index.items[0].OwnerType)
}

func TestIngestEntries_RejectsEmpty(t *testing.T) {
	store := newMemStore()
	p := newProcessor(store, &memIndex{}, embedding.NewSimulated(8, 0), 10)

	report, err := p.IngestEntries(context.Background(), "acct-1", []EntryInput{{Title: "Blank", Content: "   "}})
	require.NoError(t, err)
	assert.True(t, report.Partial())
	assert.Empty(t, store.entries)
}

func TestIngestTemplates_DerivesTags(t *testing.T) {
	store, index := newMemStore(), &memIndex{}
	p := newProcessor(store, index, embedding.NewSimulated(8, 0), 10)

	_, err := p.IngestTemplates(context.Background(), "acct-1", []TemplateInput{{
		ID:      "tpl-1",
		Name:    "Refund status",
		Content: "Refunds are processed within five business days.",
	}})
	require.NoError(t, err)

	assert.Contains(t, store.templates["tpl-1"].Tags, "refunds")
	require.Len(t, index.items, 1)
	assert.Equal(t, "tpl-1", index.items[0].OwnerID)
}

func TestReindexResolvedTickets_PartialSuccess(t *testing.T) {
	store, index := newMemStore(), &memIndex{}
	store.resolved = []models.Ticket{
		{ID: "t-1", Subject: "Login", Content: "Cannot sign in"},
		{ID: "t-2", Subject: "Billing", Content: "POISON charge twice"},
		{ID: "t-3", Subject: "Export", Content: "CSV export is empty"},
	}
	e := failingOn{inner: embedding.NewSimulated(8, 0), marker: "POISON"}
	p := newProcessor(store, index, e, 1)

	report, err := p.ReindexResolvedTickets(context.Background(), "acct-1", 0)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Requested)
	assert.Equal(t, 2, report.Indexed)
	assert.Equal(t, []string{"t-2"}, report.Failed)
	assert.True(t, report.Partial())

	ids := []string{index.items[0].OwnerID, index.items[1].OwnerID}
	assert.ElementsMatch(t, []string{"t-1", "t-3"}, ids)
}
