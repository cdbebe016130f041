// Package feedback records customer feedback and folds it back into the
// success rates used to rank knowledge.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// Alpha is the weight of the newest outcome in the success-rate EWMA.
const Alpha = 0.2

type Store interface {
	InsertFeedback(ctx context.Context, f *models.CustomerFeedback) error
	GetAIResponse(ctx context.Context, ticketID string) (*models.AIResponse, error)
	GetKnowledgeEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error)
	GetTemplate(ctx context.Context, id string) (*models.ResponseTemplate, error)
	UpdateKnowledgeStats(ctx context.Context, id string, successRate float64, usageCount int) error
	UpdateTemplateStats(ctx context.Context, id string, successRate float64, usageCount int) error
}

// ConversionRecorder marks a helpful answer as an A/B conversion.
type ConversionRecorder interface {
	RecordConversion(ctx context.Context, testID, variantID, ticketID string) (bool, error)
}

type Summary struct {
	Outcome          float64 `json:"outcome"`
	EntriesUpdated   int     `json:"entries_updated"`
	TemplatesUpdated int     `json:"templates_updated"`
	Converted        bool    `json:"converted"`
}

type Loop struct {
	store       Store
	conversions ConversionRecorder
}

func NewLoop(store Store, conversions ConversionRecorder) *Loop {
	return &Loop{store: store, conversions: conversions}
}

// Outcome maps feedback to [0,1]: the mean of helpfulness and the rescaled score.
func Outcome(f *models.CustomerFeedback) float64 {
	helpful := 0.0
	if f.ResponseHelpful {
		helpful = 1
	}
	score := float64(f.SatisfactionScore-1) / 4
	return (helpful + score) / 2
}

// NextSuccessRate applies one EWMA step and clamps to [0,1].
func NextSuccessRate(current, outcome float64) float64 {
	next := (1-Alpha)*current + Alpha*outcome
	return math.Max(0, math.Min(1, next))
}

// Record stores the feedback, then updates every knowledge entry and template
// the ticket's response was built from. Feedback for a ticket that was never
// analyzed is stored without touching any stats.
func (l *Loop) Record(ctx context.Context, f *models.CustomerFeedback) (*Summary, error) {
	if err := l.store.InsertFeedback(ctx, f); err != nil {
		return nil, err
	}

	summary := &Summary{Outcome: Outcome(f)}

	resp, err := l.store.GetAIResponse(ctx, f.TicketID)
	if errors.Is(err, models.ErrNotFound) {
		logger.Info("Feedback for unanalyzed ticket", zap.String("ticket_id", f.TicketID))
		return summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load response for feedback: %w", err)
	}

	for _, id := range resp.KnowledgeEntryIDs {
		e, err := l.store.GetKnowledgeEntry(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := l.store.UpdateKnowledgeStats(ctx, id, NextSuccessRate(e.SuccessRate, summary.Outcome), e.UsageCount+1); err != nil {
			return nil, err
		}
		summary.EntriesUpdated++
	}

	for _, id := range resp.TemplateIDs {
		t, err := l.store.GetTemplate(ctx, id)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := l.store.UpdateTemplateStats(ctx, id, NextSuccessRate(t.SuccessRate, summary.Outcome), t.UsageCount+1); err != nil {
			return nil, err
		}
		summary.TemplatesUpdated++
	}

	if f.ResponseHelpful && resp.ABTestID != "" && l.conversions != nil {
		converted, err := l.conversions.RecordConversion(ctx, resp.ABTestID, resp.VariantID, f.TicketID)
		if err != nil {
			return nil, fmt.Errorf("failed to record conversion: %w", err)
		}
		summary.Converted = converted
	}

	logger.Info("Feedback recorded",
		zap.String("ticket_id", f.TicketID),
		zap.Int("score", f.SatisfactionScore),
		zap.Float64("outcome", summary.Outcome),
		zap.Int("entries_updated", summary.EntriesUpdated),
		zap.Int("templates_updated", summary.TemplatesUpdated),
	)
	return summary, nil
}
