// Package engine runs one ticket through the deflection pipeline: preflight,
// retrieval, generation, routing and cost accounting, then persists and acts
// on the decision.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/cost"
	"github.com/supportdesk/deflection-engine/internal/embedding"
	"github.com/supportdesk/deflection-engine/internal/generation"
	"github.com/supportdesk/deflection-engine/internal/metrics"
	"github.com/supportdesk/deflection-engine/internal/preflight"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/routing"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/internal/stream/kafka"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const (
	DefaultEmbedTimeout     = 15 * time.Second
	DefaultRetrievalTimeout = 10 * time.Second
	DefaultDeliveryTimeout  = 10 * time.Second

	historyLimit         = 10
	customerHistoryLimit = 5
)

// ErrDeliveryInProgress is returned when another pass holds the delivery claim.
var ErrDeliveryInProgress = errors.New("delivery already in progress")

type Store interface {
	InsertTicket(ctx context.Context, t *models.Ticket) (bool, error)
	UpdateTicketStatus(ctx context.Context, id string, status models.TicketStatus, followUpRequired bool) error
	ListMessages(ctx context.Context, ticketID string, limit int) ([]models.ConversationMessage, error)
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	ListCustomerTickets(ctx context.Context, userID, customerEmail, excludeTicketID string, limit int) ([]models.CustomerTicketSummary, error)
	GetAIResponse(ctx context.Context, ticketID string) (*models.AIResponse, error)
	InsertAIResponse(ctx context.Context, r *models.AIResponse) (bool, error)
	InsertDeflectionEvent(ctx context.Context, e *models.DeflectionEvent) (bool, error)
	CountDeflectionEvents(ctx context.Context, ticketID string) (int, error)
	ClaimDelivery(ctx context.Context, ticketID string, now, staleBefore time.Time) (bool, error)
	ReleaseDelivery(ctx context.Context, ticketID string) error
}

type SettingsSource interface {
	Get(ctx context.Context, userID string) (*models.DeflectionSettings, error)
}

type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

type ResponseGenerator interface {
	Generate(ctx context.Context, req generation.Request) (*generation.Output, error)
}

// Dispatcher delivers an approved response to the customer.
type Dispatcher interface {
	Send(ctx context.Context, ticket *models.Ticket, content string) error
}

type Experiments interface {
	Assign(ctx context.Context, userID, ticketID string) (*models.ABTest, models.ABTestVariant, bool, error)
}

type Config struct {
	Model            string
	EmbedTimeout     time.Duration
	RetrievalTimeout time.Duration
	DeliveryTimeout  time.Duration
	// DeliveryClaimTTL is how long a delivery claim blocks other passes. A
	// claim older than this is treated as abandoned by a crashed worker.
	DeliveryClaimTTL time.Duration
	// Now is the clock used by the business-hours check and delivery claims.
	Now func() time.Time
}

type Deps struct {
	Store       Store
	Settings    SettingsSource
	Embedder    embedding.Embedder
	Retriever   KnowledgeRetriever
	Generator   ResponseGenerator
	Dispatcher  Dispatcher
	Publisher   kafka.Publisher
	Experiments Experiments
}

// Result is what a caller learns about one ticket. Err holds the collaborator
// failure behind a negative result so an outer layer can decide to retry.
type Result struct {
	TicketID      string                    `json:"ticket_id"`
	ShouldRespond bool                      `json:"should_respond"`
	Response      *models.GeneratedResponse `json:"response,omitempty"`
	Reason        string                    `json:"reason"`
	State         models.DecisionState      `json:"state"`
	Cost          float64                   `json:"cost"`
	TokensUsed    int                       `json:"tokens_used"`
	Duplicate     bool                      `json:"duplicate,omitempty"`
	Err           error                     `json:"-"`
}

type Stage string

const (
	StageSettings   Stage = "settings"
	StagePreflight  Stage = "preflight"
	StageEmbedding  Stage = "embedding"
	StageRetrieval  Stage = "retrieval"
	StageGeneration Stage = "generation"
	StageRouting    Stage = "routing"
	StageDelivery   Stage = "delivery"
)

// Progress is reported after each stage completes.
type Progress struct {
	TicketID string         `json:"ticket_id"`
	Stage    Stage          `json:"stage"`
	Elapsed  time.Duration  `json:"elapsed_ns"`
	Detail   map[string]any `json:"detail,omitempty"`
}

type ProgressFunc func(Progress)

type Engine struct {
	deps Deps
	cfg  Config
}

func New(deps Deps, cfg Config) *Engine {
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = DefaultEmbedTimeout
	}
	if cfg.RetrievalTimeout <= 0 {
		cfg.RetrievalTimeout = DefaultRetrievalTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if cfg.DeliveryClaimTTL <= 0 {
		cfg.DeliveryClaimTTL = max(3*cfg.DeliveryTimeout, time.Minute)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = kafka.Nop{}
	}
	return &Engine{deps: deps, cfg: cfg}
}

func (e *Engine) Analyze(ctx context.Context, t *models.Ticket) (*Result, error) {
	return e.AnalyzeWithProgress(ctx, t, nil)
}

// AnalyzeWithProgress processes a ticket. The returned error is reserved for
// an invalid ticket; every other failure becomes a negative Result.
func (e *Engine) AnalyzeWithProgress(ctx context.Context, t *models.Ticket, progress ProgressFunc) (*Result, error) {
	if err := validateTicket(t); err != nil {
		return nil, err
	}

	run := &run{engine: e, ticket: t, start: time.Now(), progress: progress}
	res := run.execute(ctx)

	fields := []zap.Field{
		zap.String("ticket_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.String("state", string(res.State)),
		zap.Bool("should_respond", res.ShouldRespond),
		zap.String("reason", res.Reason),
		zap.Duration("elapsed", time.Since(run.start)),
	}
	if res.Err != nil {
		logger.Warn("Ticket not processed", append(fields, zap.Error(res.Err))...)
	} else {
		logger.Info("Ticket processed", fields...)
	}
	return res, nil
}

func validateTicket(t *models.Ticket) error {
	if t == nil {
		return &models.ValidationError{Field: "ticket", Message: "is required"}
	}
	if t.ID == "" {
		return &models.ValidationError{Field: "id", Message: "is required"}
	}
	if t.UserID == "" {
		return &models.ValidationError{Field: "user_id", Message: "is required"}
	}
	return nil
}

// run carries the per-ticket state of one pass.
type run struct {
	engine   *Engine
	ticket   *models.Ticket
	start    time.Time
	progress ProgressFunc

	stageStart time.Time
}

func (r *run) report(stage Stage, detail map[string]any) {
	metrics.ObserveStage(string(stage), r.stageStart)
	if r.progress != nil {
		r.progress(Progress{
			TicketID: r.ticket.ID,
			Stage:    stage,
			Elapsed:  time.Since(r.stageStart),
			Detail:   detail,
		})
	}
	r.stageStart = time.Now()
}

func (r *run) failed(state models.DecisionState, reason string, err error) *Result {
	return &Result{TicketID: r.ticket.ID, State: state, Reason: reason, Err: err}
}

func (r *run) execute(ctx context.Context) *Result {
	e, t := r.engine, r.ticket
	r.stageStart = time.Now()

	existing, err := e.deps.Store.GetAIResponse(ctx, t.ID)
	switch {
	case err == nil:
		return r.resume(ctx, existing)
	case !errors.Is(err, models.ErrNotFound):
		return r.failed(models.StateReceived, "Failed to check previous analysis", err)
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = models.TicketStatusOpen
	}
	if _, err := e.deps.Store.InsertTicket(ctx, t); err != nil {
		return r.failed(models.StateReceived, "Failed to store ticket", err)
	}

	settings, err := e.deps.Settings.Get(ctx, t.UserID)
	if err != nil {
		return r.failed(models.StateReceived, "Failed to load deflection settings", err)
	}
	r.report(StageSettings, nil)

	gate := preflight.Evaluate(t, settings, e.cfg.Now())
	r.report(StagePreflight, map[string]any{"proceed": gate.Proceed, "check": gate.Check})
	if !gate.Proceed {
		metrics.GateFailures.WithLabelValues(string(gate.Check)).Inc()
		metrics.TicketsTotal.WithLabelValues(string(models.StateGatedOut)).Inc()
		res := &Result{TicketID: t.ID, State: models.StateGatedOut, Reason: gate.Reason}
		r.publish(ctx, res, 0, nil)
		return res
	}

	var (
		test    *models.ABTest
		variant models.ABTestVariant
	)
	if e.deps.Experiments != nil {
		tst, v, ok, err := e.deps.Experiments.Assign(ctx, t.UserID, t.ID)
		if err != nil {
			logger.Warn("A/B assignment failed", zap.String("ticket_id", t.ID), zap.Error(err))
		} else if ok {
			test, variant = tst, v
		}
	}

	text := t.Subject + "\n" + t.Content
	embedCtx, cancel := context.WithTimeout(ctx, e.cfg.EmbedTimeout)
	emb, err := e.deps.Embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		return r.failed(models.StateReceived, "Ticket embedding failed", err)
	}
	r.report(StageEmbedding, map[string]any{"simulated": emb.Simulated, "dim": len(emb.Vector)})

	retrieveCtx, cancel := context.WithTimeout(ctx, e.cfg.RetrievalTimeout)
	knowledge, err := e.deps.Retriever.Retrieve(retrieveCtx, retrieval.Query{
		UserID:   t.UserID,
		TicketID: t.ID,
		Text:     text,
		Vector:   emb.Vector,
	})
	cancel()
	if err != nil {
		return r.failed(models.StateReceived, "Knowledge retrieval failed", err)
	}
	metrics.KnowledgeMatches.WithLabelValues("entries").Observe(float64(len(knowledge.Entries)))
	metrics.KnowledgeMatches.WithLabelValues("templates").Observe(float64(len(knowledge.Templates)))
	metrics.KnowledgeMatches.WithLabelValues("tickets").Observe(float64(len(knowledge.SimilarTickets)))
	r.report(StageRetrieval, map[string]any{
		"entries":         len(knowledge.Entries),
		"templates":       len(knowledge.Templates),
		"similar_tickets": len(knowledge.SimilarTickets),
	})

	history, err := e.deps.Store.ListMessages(ctx, t.ID, historyLimit)
	if err != nil {
		logger.Warn("Conversation history unavailable", zap.String("ticket_id", t.ID), zap.Error(err))
	}
	var customerHistory []models.CustomerTicketSummary
	if t.CustomerEmail != "" {
		customerHistory, err = e.deps.Store.ListCustomerTickets(ctx, t.UserID, t.CustomerEmail, t.ID, customerHistoryLimit)
		if err != nil {
			logger.Warn("Customer history unavailable", zap.String("ticket_id", t.ID), zap.Error(err))
		}
	}

	out, err := e.deps.Generator.Generate(ctx, generation.Request{
		Ticket:             t,
		Settings:           settings,
		History:            history,
		Knowledge:          knowledge,
		CustomerHistory:    customerHistory,
		CustomInstructions: variant.CustomInstructions,
	})
	if err != nil {
		kind := generation.KindCallFailed
		var gerr *generation.GenerationError
		if errors.As(err, &gerr) {
			kind = gerr.Kind
		}
		metrics.GenerationErrors.WithLabelValues(string(kind)).Inc()
		return r.failed(models.StateReceived, fmt.Sprintf("Response generation failed (%s)", kind), err)
	}
	r.report(StageGeneration, map[string]any{
		"type":       out.Response.Type,
		"confidence": out.Response.Confidence,
		"complexity": out.Complexity,
		"tokens":     out.TokensUsed,
	})

	decision := routing.Route(&out.Response, out.RequiresHuman, settings)
	state, err := routing.Transition(models.StateReceived, models.StateAnalyzed)
	if err == nil {
		state, err = routing.Transition(state, decision.State)
	}
	if err != nil {
		return r.failed(models.StateReceived, "Invalid routing decision", err)
	}
	r.report(StageRouting, map[string]any{"state": state, "reason": decision.Reason})

	usage := cost.Estimate(out.TokensUsed)
	record := &models.AIResponse{
		TicketID:           t.ID,
		UserID:             t.UserID,
		Response:           out.Response,
		State:              state,
		RequiresHuman:      out.RequiresHuman,
		Complexity:         out.Complexity,
		KnowledgeEntryIDs:  knowledge.EntryIDs(),
		TemplateIDs:        knowledge.TemplateIDs(),
		TokensUsed:         usage.TotalTokens,
		Cost:               usage.Cost,
		ProcessingMS:       time.Since(r.start).Milliseconds(),
		SimulatedEmbedding: emb.Simulated,
	}
	if test != nil {
		record.ABTestID = test.ID
		record.VariantID = variant.ID
	}

	inserted, err := e.deps.Store.InsertAIResponse(ctx, record)
	if err != nil {
		return r.failed(state, "Failed to store response", err)
	}
	if !inserted {
		// Another pass stored this ticket first and owns its side effects.
		stored, err := e.deps.Store.GetAIResponse(ctx, t.ID)
		if err != nil {
			return r.failed(state, "Failed to load concurrent analysis", err)
		}
		return storedResult(stored)
	}

	metrics.TicketsTotal.WithLabelValues(string(state)).Inc()
	metrics.ConfidenceScore.Observe(out.Response.Confidence)
	metrics.RecordUsage(e.cfg.Model, usage.InputTokens, usage.OutputTokens, usage.Cost)

	res := &Result{
		TicketID:      t.ID,
		ShouldRespond: decision.CanDeflect,
		Response:      &record.Response,
		Reason:        decision.Reason,
		State:         state,
		Cost:          usage.Cost,
		TokensUsed:    usage.TotalTokens,
	}
	switch err := r.apply(ctx, record); {
	case errors.Is(err, ErrDeliveryInProgress):
		res.Reason = decision.Reason + "; delivery in progress"
	case err != nil:
		res.Err = err
		res.Reason = decision.Reason + "; " + err.Error()
	}
	r.publish(ctx, res, out.Response.Confidence, record)
	return res
}

// resume returns the stored outcome of an earlier pass. An auto-resolution
// whose delivery never completed is carried out now.
func (r *run) resume(ctx context.Context, stored *models.AIResponse) *Result {
	res := storedResult(stored)
	if stored.State != models.StateAutoResolved {
		return res
	}
	n, err := r.engine.deps.Store.CountDeflectionEvents(ctx, stored.TicketID)
	if err != nil {
		res.Err = err
		return res
	}
	if n == 0 {
		logger.Info("Resuming incomplete auto-resolution", zap.String("ticket_id", stored.TicketID))
		switch err := r.apply(ctx, stored); {
		case errors.Is(err, ErrDeliveryInProgress):
			res.Reason = "Ticket already analyzed; delivery in progress"
		case err != nil:
			res.Err = err
			res.Reason = "Delivery retry failed: " + err.Error()
		}
	}
	return res
}

func storedResult(stored *models.AIResponse) *Result {
	return &Result{
		TicketID:      stored.TicketID,
		ShouldRespond: stored.State == models.StateAutoResolved,
		Response:      &stored.Response,
		Reason:        "Ticket already analyzed",
		State:         stored.State,
		Cost:          stored.Cost,
		TokensUsed:    stored.TokensUsed,
		Duplicate:     true,
	}
}

// apply performs the side effects of a stored decision. For AUTO_RESOLVED
// the sender must hold the delivery claim, and the deflection event is
// written only after delivery succeeds so a failed delivery can be resumed.
func (r *run) apply(ctx context.Context, rec *models.AIResponse) error {
	e, t := r.engine, r.ticket
	store := e.deps.Store

	switch rec.State {
	case models.StateAutoResolved:
		now := e.cfg.Now()
		claimed, err := store.ClaimDelivery(ctx, t.ID, now, now.Add(-e.cfg.DeliveryClaimTTL))
		if err != nil {
			return err
		}
		if !claimed {
			logger.Info("Delivery claimed by another pass", zap.String("ticket_id", t.ID))
			return ErrDeliveryInProgress
		}

		if e.deps.Dispatcher != nil {
			dctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
			err := e.deps.Dispatcher.Send(dctx, t, rec.Response.Content)
			cancel()
			if err != nil {
				if rerr := store.ReleaseDelivery(context.WithoutCancel(ctx), t.ID); rerr != nil {
					logger.Warn("Failed to release delivery claim", zap.String("ticket_id", t.ID), zap.Error(rerr))
				}
				return fmt.Errorf("failed to deliver response: %w", err)
			}
		}
		r.report(StageDelivery, nil)

		if err := store.AppendMessage(ctx, &models.ConversationMessage{
			TicketID:  t.ID,
			Author:    models.AuthorAI,
			Body:      rec.Response.Content,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			logger.Warn("Failed to record AI reply", zap.String("ticket_id", t.ID), zap.Error(err))
		}

		ev := &models.DeflectionEvent{
			ID:         ulid.Make().String(),
			TicketID:   t.ID,
			UserID:     t.UserID,
			Type:       models.EventAutoResponse,
			Confidence: rec.Response.Confidence,
			CreatedAt:  time.Now().UTC(),
		}
		if len(rec.TemplateIDs) > 0 {
			ev.TemplateUsed = rec.TemplateIDs[0]
		}
		if _, err := store.InsertDeflectionEvent(ctx, ev); err != nil {
			return fmt.Errorf("failed to record deflection: %w", err)
		}
		return store.UpdateTicketStatus(ctx, t.ID, models.TicketStatusResolved, false)

	case models.StateFollowUp:
		return store.UpdateTicketStatus(ctx, t.ID, models.TicketStatusPending, true)

	case models.StateEscalated:
		// Left open for an agent.
		return nil
	}
	return &routing.TransitionError{From: models.StateAnalyzed, To: rec.State}
}

func (r *run) publish(ctx context.Context, res *Result, confidence float64, rec *models.AIResponse) {
	ev := kafka.DecisionEvent{
		TicketID:    res.TicketID,
		UserID:      r.ticket.UserID,
		State:       string(res.State),
		Confidence:  confidence,
		Reason:      res.Reason,
		TokensUsed:  res.TokensUsed,
		Cost:        res.Cost,
		DecidedAt:   time.Now().UTC(),
		ProcessedMS: time.Since(r.start).Milliseconds(),
	}
	if rec != nil {
		ev.ABTestID = rec.ABTestID
		ev.VariantID = rec.VariantID
	}
	if err := r.engine.deps.Publisher.PublishDecision(ctx, ev); err != nil {
		logger.Warn("Failed to publish decision", zap.String("ticket_id", res.TicketID), zap.Error(err))
	}
}
