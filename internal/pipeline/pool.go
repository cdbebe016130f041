// Package pipeline handles webhook events asynchronously with a bounded worker
// pool. Retries of failed collaborator calls happen here, outside the engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supportdesk/deflection-engine/internal/engine"
	"github.com/supportdesk/deflection-engine/internal/events"
	"github.com/supportdesk/deflection-engine/internal/llm"
	"github.com/supportdesk/deflection-engine/internal/metrics"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
	"github.com/supportdesk/deflection-engine/pkg/retry"
)

var (
	ErrQueueFull = errors.New("pipeline queue is full")
	ErrStopped   = errors.New("pipeline is stopped")
)

type Analyzer interface {
	Analyze(ctx context.Context, t *models.Ticket) (*engine.Result, error)
}

type Store interface {
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	AppendMessage(ctx context.Context, msg *models.ConversationMessage) error
	UpdateTicketStatus(ctx context.Context, id string, status models.TicketStatus, followUpRequired bool) error
}

type Config struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	InitialDelay time.Duration
}

type Pool struct {
	analyzer Analyzer
	store    Store
	workers  int
	retry    retry.Config

	mu      sync.RWMutex
	queue   chan events.Event
	stopped bool
}

func NewPool(analyzer Analyzer, store Store, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}

	rc := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		rc.InitialDelay = cfg.InitialDelay
	}
	rc.ShouldRetry = Retryable
	rc.Logger = logger.GetLogger()

	return &Pool{
		analyzer: analyzer,
		store:    store,
		workers:  cfg.Workers,
		retry:    rc,
		queue:    make(chan events.Event, cfg.QueueSize),
	}
}

// Retryable reports whether a failed attempt may succeed later: model or
// embedding rate limits, timeouts and temporary delivery failures.
func Retryable(err error) bool {
	if llm.IsRetryable(err) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// Submit enqueues an event without blocking.
func (p *Pool) Submit(ev events.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- ev:
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. Queued events are
// drained before it returns.
func (p *Pool) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}

	logger.Info("Pipeline started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))

	<-ctx.Done()
	p.mu.Lock()
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	err := g.Wait()
	logger.Info("Pipeline stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	// Events already queued are finished even after shutdown begins.
	handleCtx := context.WithoutCancel(ctx)

	for ev := range p.queue {
		metrics.PipelineQueueDepth.Set(float64(len(p.queue)))

		hctx, cancel := context.WithTimeout(handleCtx, 2*time.Minute)
		err := p.Handle(hctx, ev)
		cancel()

		status := "ok"
		if err != nil {
			status = "failed"
			logger.Error("Pipeline event failed",
				zap.Int("worker", worker),
				zap.String("type", string(ev.Type())),
				zap.String("ticket_id", ev.Ticket()),
				zap.Error(err),
			)
		}
		metrics.PipelineJobs.WithLabelValues(string(ev.Type()), status).Inc()
	}
}

// Handle processes one event synchronously.
func (p *Pool) Handle(ctx context.Context, ev events.Event) error {
	switch e := ev.(type) {
	case events.TicketCreated:
		_, err := p.analyze(ctx, e.ToTicket())
		return err

	case events.ConversationReplied:
		if err := p.store.AppendMessage(ctx, &models.ConversationMessage{
			TicketID:  e.TicketID,
			Author:    e.Author,
			Body:      e.Body,
			CreatedAt: e.SentAt,
		}); err != nil {
			return err
		}
		if e.Author != models.AuthorCustomer {
			return nil
		}
		// A customer answering a follow-up hands the ticket back to an agent.
		t, err := p.store.GetTicket(ctx, e.TicketID)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if t.Status == models.TicketStatusPending {
			return p.store.UpdateTicketStatus(ctx, t.ID, models.TicketStatusOpen, false)
		}
		return nil

	case events.TicketStatusChanged:
		return p.store.UpdateTicketStatus(ctx, e.TicketID, e.Status, false)

	default:
		return fmt.Errorf("%w: %T", events.ErrUnknownType, ev)
	}
}

func (p *Pool) analyze(ctx context.Context, t *models.Ticket) (*engine.Result, error) {
	attempt := 0
	return retry.DoWithResult(ctx, p.retry, func() (*engine.Result, error) {
		attempt++
		res, err := p.analyzer.Analyze(ctx, t)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if res.Err != nil {
			logger.Debug("Analysis attempt failed",
				zap.String("ticket_id", t.ID),
				zap.Int("attempt", attempt),
				zap.Error(res.Err),
			)
			return res, res.Err
		}
		return res, nil
	})
}
