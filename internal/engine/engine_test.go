package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportdesk/deflection-engine/internal/embedding"
	"github.com/supportdesk/deflection-engine/internal/generation"
	"github.com/supportdesk/deflection-engine/internal/llm"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/internal/storage/sqlite"
	"github.com/supportdesk/deflection-engine/internal/stream/kafka"
)

type stubLLM struct {
	mu      sync.Mutex
	content string
	tokens  int
	err     error
	calls   int
}

func (s *stubLLM) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content, Usage: llm.Usage{TotalTokens: s.tokens}}, nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	sent  []string
	err   error
	delay time.Duration
}

func (d *recordingDispatcher) Send(_ context.Context, t *models.Ticket, content string) error {
	time.Sleep(d.delay)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, t.ID+": "+content)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.DecisionEvent
}

func (p *recordingPublisher) PublishDecision(_ context.Context, ev kafka.DecisionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	engine     *Engine
	store      *sqlite.Client
	llm        *stubLLM
	dispatcher *recordingDispatcher
	publisher  *recordingPublisher
}

var defaults = models.DeflectionSettings{
	AutoResponseEnabled: true,
	ConfidenceThreshold: 0.75,
	EscalationThreshold: 0.5,
	ResponseLanguage:    "en",
}

func newHarness(t *testing.T, reply string) *harness {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitSchema(context.Background()))

	h := &harness{
		store:      store,
		llm:        &stubLLM{content: reply, tokens: 1000},
		dispatcher: &recordingDispatcher{},
		publisher:  &recordingPublisher{},
	}

	h.engine = New(Deps{
		Store:      store,
		Settings:   NewSettings(store, nil, defaults, 0),
		Embedder:   embedding.NewSimulated(16, 0),
		Retriever:  retrieval.NewRetriever(store, retrieval.NewStoreIndex(store), retrieval.Config{}),
		Generator:  generation.NewGenerator(h.llm, time.Second),
		Dispatcher: h.dispatcher,
		Publisher:  h.publisher,
	}, Config{Model: "test-model"})
	return h
}

func ticket(id, content string) *models.Ticket {
	return &models.Ticket{
		ID:            id,
		UserID:        "acct-1",
		Subject:       "Password reset",
		Content:       content,
		CustomerEmail: "sam@example.com",
	}
}

const confident = `{"content":"Use the Forgot password link on the sign-in page.","type":"auto_resolve","confidence":0.95,"reasoning":"documented flow"}`

func TestAnalyze_ConfidentAnswerIsDeflected(t *testing.T) {
	h := newHarness(t, confident)
	ctx := context.Background()

	res, err := h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	require.NoError(t, res.Err)

	assert.True(t, res.ShouldRespond)
	assert.Equal(t, models.StateAutoResolved, res.State)
	assert.Equal(t, 1000, res.TokensUsed)
	assert.InDelta(t, 0.000285, res.Cost, 1e-12)
	require.NotNil(t, res.Response)
	assert.Equal(t, 0.95, res.Response.Confidence)

	n, err := h.store.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusResolved, stored.Status)

	assert.Len(t, h.dispatcher.sent, 1)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "AUTO_RESOLVED", h.publisher.events[0].State)

	msgs, err := h.store.ListMessages(ctx, "t-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.AuthorAI, msgs[0].Author)
}

func TestAnalyze_ReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t, confident)
	ctx := context.Background()

	first, err := h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	second, err := h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, 1, h.llm.calls)
	assert.Len(t, h.dispatcher.sent, 1)

	n, err := h.store.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalyze_FailedDeliveryIsResumed(t *testing.T) {
	h := newHarness(t, confident)
	ctx := context.Background()
	h.dispatcher.err = errors.New("help desk unavailable")

	res, err := h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	assert.Error(t, res.Err)

	n, err := h.store.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	h.dispatcher.err = nil
	res, err = h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Len(t, h.dispatcher.sent, 1)
	assert.Equal(t, 1, h.llm.calls)

	n, err = h.store.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalyze_ConcurrentPassesDeliverOnce(t *testing.T) {
	h := newHarness(t, confident)
	h.dispatcher.delay = 300 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.engine.Analyze(ctx, ticket("t-race", "I forgot my password and cannot sign in."))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for _, res := range results {
		require.NotNil(t, res)
		assert.NoError(t, res.Err)
		assert.Equal(t, models.StateAutoResolved, res.State)
	}
	assert.Len(t, h.dispatcher.sent, 1)

	n, err := h.store.CountDeflectionEvents(ctx, "t-race")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalyze_ResumeWaitsForLiveClaim(t *testing.T) {
	h := newHarness(t, confident)
	ctx := context.Background()
	h.dispatcher.err = errors.New("help desk unavailable")

	res, err := h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	require.Error(t, res.Err)
	h.dispatcher.err = nil

	// Another pass is mid-send.
	claimed, err := h.store.ClaimDelivery(ctx, "t-1", time.Now(), time.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	res, err = h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.True(t, res.Duplicate)
	assert.Contains(t, res.Reason, "delivery in progress")
	assert.Empty(t, h.dispatcher.sent)

	// The holder died long ago.
	require.NoError(t, h.store.ReleaseDelivery(ctx, "t-1"))
	stale := time.Now().Add(-2 * time.Minute)
	claimed, err = h.store.ClaimDelivery(ctx, "t-1", stale, stale)
	require.NoError(t, err)
	require.True(t, claimed)

	res, err = h.engine.Analyze(ctx, ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Len(t, h.dispatcher.sent, 1)

	n, err := h.store.CountDeflectionEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAnalyze_GateScenarios(t *testing.T) {
	tests := []struct {
		name    string
		content string
		disable bool
		reason  string
	}{
		{name: "too short", content: "Hi", reason: "too short"},
		{name: "too long", content: strings.Repeat("A", 6000), reason: "too long"},
		{name: "auto response disabled", content: "I forgot my password and cannot sign in.", disable: true, reason: "Auto-response disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, confident)
			ctx := context.Background()
			if tt.disable {
				s := defaults
				s.UserID = "acct-1"
				s.AutoResponseEnabled = false
				require.NoError(t, h.store.SaveSettings(ctx, &s))
			}

			res, err := h.engine.Analyze(ctx, ticket("t-1", tt.content))
			require.NoError(t, err)

			assert.False(t, res.ShouldRespond)
			assert.Equal(t, models.StateGatedOut, res.State)
			assert.Contains(t, res.Reason, tt.reason)
			assert.Zero(t, h.llm.calls)
			assert.Empty(t, h.dispatcher.sent)
		})
	}
}

func TestAnalyze_RoutingOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		content string
		state   models.DecisionState
		status  models.TicketStatus
		follow  bool
	}{
		{
			name:    "low confidence escalates",
			reply:   `{"content":"Not sure.","type":"auto_resolve","confidence":0.3,"reasoning":"weak match"}`,
			content: "My dashboard looks different today.",
			state:   models.StateEscalated,
			status:  models.TicketStatusOpen,
		},
		{
			name:    "middle confidence follows up",
			reply:   `{"content":"Could you share a screenshot?","type":"follow_up","confidence":0.6,"reasoning":"need detail"}`,
			content: "My dashboard looks different today.",
			state:   models.StateFollowUp,
			status:  models.TicketStatusPending,
			follow:  true,
		},
		{
			name:    "refund requires a human",
			reply:   confident,
			content: "I was charged twice, I want a refund now.",
			state:   models.StateEscalated,
			status:  models.TicketStatusOpen,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.reply)
			ctx := context.Background()

			res, err := h.engine.Analyze(ctx, ticket("t-1", tt.content))
			require.NoError(t, err)
			require.NoError(t, res.Err)

			assert.False(t, res.ShouldRespond)
			assert.Equal(t, tt.state, res.State)
			assert.Empty(t, h.dispatcher.sent)

			stored, err := h.store.GetTicket(ctx, "t-1")
			require.NoError(t, err)
			assert.Equal(t, tt.status, stored.Status)
			assert.Equal(t, tt.follow, stored.FollowUpRequired)

			n, err := h.store.CountDeflectionEvents(ctx, "t-1")
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestAnalyze_GenerationFailureIsNegative(t *testing.T) {
	h := newHarness(t, "")
	h.llm.err = errors.New("connection reset")

	res, err := h.engine.Analyze(context.Background(), ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)

	assert.False(t, res.ShouldRespond)
	assert.Contains(t, res.Reason, "call_failed")

	var gerr *generation.GenerationError
	assert.ErrorAs(t, res.Err, &gerr)

	_, err = h.store.GetAIResponse(context.Background(), "t-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestAnalyze_InvalidModelOutputIsNegative(t *testing.T) {
	h := newHarness(t, `{"content":"x","type":"auto_resolve","confidence":1.7}`)

	res, err := h.engine.Analyze(context.Background(), ticket("t-1", "I forgot my password and cannot sign in."))
	require.NoError(t, err)
	assert.False(t, res.ShouldRespond)
	assert.Contains(t, res.Reason, "invalid_output")
}

func TestAnalyze_IsReproducible(t *testing.T) {
	var states []models.DecisionState
	for i := 0; i < 3; i++ {
		h := newHarness(t, `{"content":"Could you share a screenshot?","type":"follow_up","confidence":0.6,"reasoning":"need detail"}`)
		res, err := h.engine.Analyze(context.Background(), ticket("t-1", "My dashboard looks different today."))
		require.NoError(t, err)
		states = append(states, res.State)
	}
	assert.Equal(t, []models.DecisionState{models.StateFollowUp, models.StateFollowUp, models.StateFollowUp}, states)
}

func TestAnalyze_RejectsInvalidTicket(t *testing.T) {
	h := newHarness(t, confident)

	_, err := h.engine.Analyze(context.Background(), &models.Ticket{ID: "t-1"})
	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAnalyze_ReportsProgress(t *testing.T) {
	h := newHarness(t, confident)

	var stages []Stage
	_, err := h.engine.AnalyzeWithProgress(context.Background(), ticket("t-1", "I forgot my password and cannot sign in."), func(p Progress) {
		stages = append(stages, p.Stage)
	})
	require.NoError(t, err)

	assert.Equal(t, []Stage{
		StageSettings, StagePreflight, StageEmbedding, StageRetrieval, StageGeneration, StageRouting, StageDelivery,
	}, stages)
}
