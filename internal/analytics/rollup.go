// Package analytics computes daily deflection rollups and evaluates A/B tests.
package analytics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const DefaultFlatRatePerTicket = 25.0

type RollupStore interface {
	DailyAggregates(ctx context.Context, userID string, day time.Time) (*models.DailyAggregate, error)
	UpsertDailyMetrics(ctx context.Context, m *models.DailyMetrics) error
	ListActiveUsers(ctx context.Context, day time.Time) ([]string, error)
}

type Pricing struct {
	FlatRatePerTicket float64
	MonthlyCost       float64
}

// ComputeDaily derives rates, savings and ROI from a day's raw tally.
func ComputeDaily(userID string, day time.Time, agg models.DailyAggregate, p Pricing) models.DailyMetrics {
	m := models.DailyMetrics{
		UserID:           userID,
		Date:             time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC),
		TicketsProcessed: agg.TicketsProcessed,
		TicketsDeflected: agg.TicketsDeflected,
		AvgResponseTime:  agg.AvgProcessingMS,
		AvgSatisfaction:  agg.AvgSatisfaction,
		LLMCost:          agg.LLMCost,
	}

	if agg.TicketsProcessed > 0 {
		m.DeflectionRate = float64(agg.TicketsDeflected) / float64(agg.TicketsProcessed)
	}
	m.CostSavings = float64(agg.TicketsDeflected) * p.FlatRatePerTicket
	if p.MonthlyCost > 0 {
		m.ROIPercentage = (m.CostSavings - p.MonthlyCost) / p.MonthlyCost * 100
	}
	return m
}

type Aggregator struct {
	store   RollupStore
	pricing Pricing
}

func NewAggregator(store RollupStore, pricing Pricing) *Aggregator {
	if pricing.FlatRatePerTicket <= 0 {
		pricing.FlatRatePerTicket = DefaultFlatRatePerTicket
	}
	return &Aggregator{store: store, pricing: pricing}
}

// RollupUser recomputes and upserts one (user, day) row.
func (a *Aggregator) RollupUser(ctx context.Context, userID string, day time.Time) (*models.DailyMetrics, error) {
	day = day.UTC()
	agg, err := a.store.DailyAggregates(ctx, userID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", userID, err)
	}

	m := ComputeDaily(userID, day, *agg, a.pricing)
	if err := a.store.UpsertDailyMetrics(ctx, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// RollupDay refreshes every user active on the day. A failing user is logged
// and skipped so the others still get their row.
func (a *Aggregator) RollupDay(ctx context.Context, day time.Time) (int, error) {
	users, err := a.store.ListActiveUsers(ctx, day.UTC())
	if err != nil {
		return 0, err
	}

	done := 0
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if _, err := a.RollupUser(ctx, userID, day); err != nil {
			logger.Error("Daily rollup failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		done++
	}

	logger.Info("Daily rollup finished",
		zap.String("date", day.UTC().Format("2006-01-02")),
		zap.Int("users", len(users)),
		zap.Int("updated", done),
	)
	return done, nil
}

// Run refreshes today's rollups every interval until ctx is cancelled. When
// the UTC date changes the previous day gets one final pass.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastDay := now().UTC().Format("2006-01-02")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t := now().UTC()
			if day := t.Format("2006-01-02"); day != lastDay {
				if _, err := a.RollupDay(ctx, t.AddDate(0, 0, -1)); err != nil {
					logger.Warn("Previous day rollup failed", zap.Error(err))
				}
				lastDay = day
			}
			if _, err := a.RollupDay(ctx, t); err != nil {
				logger.Warn("Rollup failed", zap.Error(err))
			}
		}
	}
}
