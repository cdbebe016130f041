package feedback

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

type memStore struct {
	feedback  []models.CustomerFeedback
	responses map[string]*models.AIResponse
	entries   map[string]*models.KnowledgeEntry
	templates map[string]*models.ResponseTemplate
}

func newMemStore() *memStore {
	return &memStore{
		responses: map[string]*models.AIResponse{},
		entries:   map[string]*models.KnowledgeEntry{},
		templates: map[string]*models.ResponseTemplate{},
	}
}

func (m *memStore) InsertFeedback(_ context.Context, f *models.CustomerFeedback) error {
	if err := f.Validate(); err != nil {
		return err
	}
	m.feedback = append(m.feedback, *f)
	return nil
}

func (m *memStore) GetAIResponse(_ context.Context, ticketID string) (*models.AIResponse, error) {
	r, ok := m.responses[ticketID]
	if !ok {
		return nil, fmt.Errorf("response %s: %w", ticketID, models.ErrNotFound)
	}
	return r, nil
}

func (m *memStore) GetKnowledgeEntry(_ context.Context, id string) (*models.KnowledgeEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *memStore) GetTemplate(_ context.Context, id string) (*models.ResponseTemplate, error) {
	t, ok := m.templates[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) UpdateKnowledgeStats(_ context.Context, id string, rate float64, usage int) error {
	m.entries[id].SuccessRate = rate
	m.entries[id].UsageCount = usage
	return nil
}

func (m *memStore) UpdateTemplateStats(_ context.Context, id string, rate float64, usage int) error {
	m.templates[id].SuccessRate = rate
	m.templates[id].UsageCount = usage
	return nil
}

type conversions struct {
	calls []string
}

func (c *conversions) RecordConversion(_ context.Context, testID, variantID, ticketID string) (bool, error) {
	c.calls = append(c.calls, testID+"/"+variantID+"/"+ticketID)
	return true, nil
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, 1.0, Outcome(&models.CustomerFeedback{SatisfactionScore: 5, ResponseHelpful: true}))
	assert.Equal(t, 0.0, Outcome(&models.CustomerFeedback{SatisfactionScore: 1}))
	assert.Equal(t, 0.75, Outcome(&models.CustomerFeedback{SatisfactionScore: 3, ResponseHelpful: true}))
}

func TestNextSuccessRate(t *testing.T) {
	assert.InDelta(t, 0.6, NextSuccessRate(0.5, 1), 1e-9)
	assert.InDelta(t, 0.4, NextSuccessRate(0.5, 0), 1e-9)

	rate := 0.5
	for i := 0; i < 200; i++ {
		rate = NextSuccessRate(rate, 1)
		assert.LessOrEqual(t, rate, 1.0)
	}
	assert.InDelta(t, 1.0, rate, 1e-6)
}

func TestRecord_UpdatesReferencedKnowledge(t *testing.T) {
	store := newMemStore()
	store.entries["kb-1"] = &models.KnowledgeEntry{ID: "kb-1", SuccessRate: 0.5, UsageCount: 3}
	store.entries["kb-2"] = &models.KnowledgeEntry{ID: "kb-2", SuccessRate: 0.5}
	store.templates["tpl-1"] = &models.ResponseTemplate{ID: "tpl-1", SuccessRate: 0.8, UsageCount: 1}
	store.responses["t-1"] = &models.AIResponse{
		TicketID:          "t-1",
		KnowledgeEntryIDs: []string{"kb-1", "kb-missing"},
		TemplateIDs:       []string{"tpl-1"},
		ABTestID:          "ab-1",
		VariantID:         "v-b",
	}
	conv := &conversions{}

	summary, err := NewLoop(store, conv).Record(context.Background(), &models.CustomerFeedback{
		TicketID:          "t-1",
		SatisfactionScore: 5,
		ResponseHelpful:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.EntriesUpdated)
	assert.Equal(t, 1, summary.TemplatesUpdated)
	assert.True(t, summary.Converted)
	assert.Equal(t, []string{"ab-1/v-b/t-1"}, conv.calls)

	assert.InDelta(t, 0.6, store.entries["kb-1"].SuccessRate, 1e-9)
	assert.Equal(t, 4, store.entries["kb-1"].UsageCount)
	assert.InDelta(t, 0.5, store.entries["kb-2"].SuccessRate, 1e-9)
	assert.InDelta(t, 0.84, store.templates["tpl-1"].SuccessRate, 1e-9)
	assert.Equal(t, 2, store.templates["tpl-1"].UsageCount)
}

func TestRecord_UnhelpfulIsNotAConversion(t *testing.T) {
	store := newMemStore()
	store.responses["t-1"] = &models.AIResponse{TicketID: "t-1", ABTestID: "ab-1", VariantID: "v-a"}
	conv := &conversions{}

	summary, err := NewLoop(store, conv).Record(context.Background(), &models.CustomerFeedback{
		TicketID:          "t-1",
		SatisfactionScore: 2,
	})
	require.NoError(t, err)
	assert.False(t, summary.Converted)
	assert.Empty(t, conv.calls)
}

func TestRecord_UnanalyzedTicket(t *testing.T) {
	store := newMemStore()

	summary, err := NewLoop(store, nil).Record(context.Background(), &models.CustomerFeedback{
		TicketID:          "t-9",
		SatisfactionScore: 4,
	})
	require.NoError(t, err)
	assert.Zero(t, summary.EntriesUpdated)
	assert.Len(t, store.feedback, 1)
}

func TestRecord_RejectsInvalidScore(t *testing.T) {
	_, err := NewLoop(newMemStore(), nil).Record(context.Background(), &models.CustomerFeedback{
		TicketID:          "t-1",
		SatisfactionScore: 9,
	})

	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}
