package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func seedTicket(t *testing.T, c *Client, id string) *models.Ticket {
	t.Helper()

	ticket := &models.Ticket{
		ID:            id,
		UserID:        "user-1",
		Content:       "How do I reset my password for the dashboard?",
		Subject:       "Password reset",
		CustomerEmail: "jo@example.com",
	}
	inserted, err := c.InsertTicket(context.Background(), ticket)
	require.NoError(t, err)
	require.True(t, inserted)
	return ticket
}

func TestInsertTicket_IgnoresRedelivery(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedTicket(t, c, "t-1")

	inserted, err := c.InsertTicket(ctx, &models.Ticket{ID: "t-1", UserID: "user-1", Content: "changed content"})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := c.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "How do I reset my password for the dashboard?", got.Content)
	assert.Equal(t, models.TicketStatusOpen, got.Status)
}

func TestGetTicket_NotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetTicket(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSaveSettings_RejectsInvertedThresholds(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	valid := &models.DeflectionSettings{
		UserID:              "user-1",
		AutoResponseEnabled: true,
		ConfidenceThreshold: 0.8,
		EscalationThreshold: 0.5,
		ResponseLanguage:    "en",
		EscalationKeywords:  []string{"lawyer"},
	}
	require.NoError(t, c.SaveSettings(ctx, valid))

	invalid := *valid
	invalid.ConfidenceThreshold = 0.4
	err := c.SaveSettings(ctx, &invalid)

	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "confidence_threshold", verr.Field)

	stored, err := c.GetSettings(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, stored.ConfidenceThreshold)
	assert.Equal(t, []string{"lawyer"}, stored.EscalationKeywords)
}

func TestInsertAIResponse_OncePerTicket(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedTicket(t, c, "t-1")

	first := &models.AIResponse{
		TicketID: "t-1",
		UserID:   "user-1",
		Response: models.GeneratedResponse{
			Content:    "Use the reset link on the login page.",
			Type:       models.ResponseAutoResolve,
			Confidence: 0.95,
		},
		State:             models.StateAutoResolved,
		KnowledgeEntryIDs: []string{"kb-1"},
		TokensUsed:        1000,
		Cost:              0.000285,
	}
	inserted, err := c.InsertAIResponse(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := *first
	second.ID = ""
	second.State = models.StateEscalated
	inserted, err = c.InsertAIResponse(ctx, &second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := c.GetAIResponse(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoResolved, got.State)
	assert.Equal(t, []string{"kb-1"}, got.KnowledgeEntryIDs)
	assert.InDelta(t, 0.95, got.Response.Confidence, 1e-9)
}

func TestInsertDeflectionEvent_AtMostOnePerTicket(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedTicket(t, c, "t-1")

	for i, id := range []string{"01HZX0000000000000000000A1", "01HZX0000000000000000000A2"} {
		inserted, err := c.InsertDeflectionEvent(ctx, &models.DeflectionEvent{
			ID:         id,
			TicketID:   "t-1",
			UserID:     "user-1",
			Type:       models.EventAutoResponse,
			Confidence: 0.95,
		})
		require.NoError(t, err)
		assert.Equal(t, i == 0, inserted)
	}

	n, err := c.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListEmbeddings_FiltersByOwner(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.UpsertEmbedding(ctx, &models.StoredEmbedding{
		OwnerType: models.OwnerKnowledgeEntry, OwnerID: "kb-1", UserID: "user-1", Vector: []float32{1, 0},
	}))
	require.NoError(t, c.UpsertEmbedding(ctx, &models.StoredEmbedding{
		OwnerType: models.OwnerTicket, OwnerID: "t-9", UserID: "user-1", Vector: []float32{0, 1}, Simulated: true,
	}))

	got, err := c.ListEmbeddings(ctx, "user-1", models.OwnerTicket)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-9", got[0].OwnerID)
	assert.True(t, got[0].Simulated)
	assert.Equal(t, []float32{0, 1}, got[0].Vector)

	all, err := c.ListEmbeddings(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestABTest_ImpressionsAreIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	test := &models.ABTest{
		UserID:   "user-1",
		Name:     "tone",
		Variants: []models.ABTestVariant{{Name: "formal"}, {Name: "casual"}},
	}
	require.NoError(t, c.CreateABTest(ctx, test))
	a := test.Variants[0].ID

	for i := 0; i < 3; i++ {
		_, err := c.RecordImpression(ctx, test.ID, a, "t-1")
		require.NoError(t, err)
	}
	_, err := c.RecordConversion(ctx, test.ID, a, "t-1")
	require.NoError(t, err)

	stats, err := c.VariantStats(ctx, test.ID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, models.VariantStats{VariantID: a, Impressions: 1, Conversions: 1}, stats[0])
	assert.Equal(t, 0, stats[1].Impressions)

	running, err := c.GetRunningABTest(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, test.ID, running.ID)
}

func TestDailyMetrics_UpsertOnUserAndDate(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	m := &models.DailyMetrics{UserID: "user-1", Date: day, TicketsProcessed: 4, TicketsDeflected: 1}
	require.NoError(t, c.UpsertDailyMetrics(ctx, m))

	m.TicketsProcessed = 10
	m.TicketsDeflected = 7
	require.NoError(t, c.UpsertDailyMetrics(ctx, m))

	rows, err := c.ListDailyMetrics(ctx, "user-1", day, day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 10, rows[0].TicketsProcessed)
	assert.Equal(t, 7, rows[0].TicketsDeflected)
	assert.True(t, rows[0].Date.Equal(day))
}

func TestClaimDelivery_OneHolderUntilReleasedOrStale(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	seedTicket(t, c, "t-1")

	_, err := c.InsertAIResponse(ctx, &models.AIResponse{
		TicketID: "t-1",
		UserID:   "user-1",
		Response: models.GeneratedResponse{Content: "Use the reset link.", Type: models.ResponseAutoResolve, Confidence: 0.95},
		State:    models.StateAutoResolved,
	})
	require.NoError(t, err)

	now := time.Now()
	claimed, err := c.ClaimDelivery(ctx, "t-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = c.ClaimDelivery(ctx, "t-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, claimed, "a live claim blocks a second holder")

	require.NoError(t, c.ReleaseDelivery(ctx, "t-1"))
	claimed, err = c.ClaimDelivery(ctx, "t-1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed)

	later := now.Add(2 * time.Minute)
	claimed, err = c.ClaimDelivery(ctx, "t-1", later, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, claimed, "a stale claim can be taken over")

	claimed, err = c.ClaimDelivery(ctx, "t-missing", now, now)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestDailyAggregates_CountsGatedTickets(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	at := day.Add(10 * time.Hour)

	_, err := c.InsertTicket(ctx, &models.Ticket{ID: "t-deflected", UserID: "user-1", Content: "How do I reset my password?", CreatedAt: at})
	require.NoError(t, err)
	_, err = c.InsertAIResponse(ctx, &models.AIResponse{
		TicketID:     "t-deflected",
		UserID:       "user-1",
		Response:     models.GeneratedResponse{Content: "Use the reset link.", Type: models.ResponseAutoResolve, Confidence: 0.95},
		State:        models.StateAutoResolved,
		ProcessingMS: 800,
		CreatedAt:    at,
	})
	require.NoError(t, err)
	_, err = c.InsertDeflectionEvent(ctx, &models.DeflectionEvent{
		ID:         "01HZX0000000000000000000B1",
		TicketID:   "t-deflected",
		UserID:     "user-1",
		Type:       models.EventAutoResponse,
		Confidence: 0.95,
		CreatedAt:  at,
	})
	require.NoError(t, err)

	// Gated before analysis: ticket rows only.
	for _, id := range []string{"t-hi-1", "t-hi-2", "t-hi-3"} {
		_, err := c.InsertTicket(ctx, &models.Ticket{ID: id, UserID: "user-1", Content: "Hi", CreatedAt: at})
		require.NoError(t, err)
	}
	_, err = c.InsertTicket(ctx, &models.Ticket{ID: "t-other-day", UserID: "user-1", Content: "Hi", CreatedAt: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	_, err = c.InsertTicket(ctx, &models.Ticket{ID: "t-gated-only", UserID: "user-2", Content: "Hi", CreatedAt: at})
	require.NoError(t, err)

	agg, err := c.DailyAggregates(ctx, "user-1", day)
	require.NoError(t, err)
	assert.Equal(t, 4, agg.TicketsProcessed)
	assert.Equal(t, 1, agg.TicketsDeflected)
	assert.Equal(t, 800.0, agg.AvgProcessingMS)

	users, err := c.ListActiveUsers(ctx, day)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, users)
}
