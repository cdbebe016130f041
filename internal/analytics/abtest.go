package analytics

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
	"github.com/supportdesk/deflection-engine/pkg/utils"
)

// SignificanceGap is the conversion-rate spread a winner must exceed. It is a
// flat heuristic rather than a statistical test.
const SignificanceGap = 0.05

type ABStore interface {
	CreateABTest(ctx context.Context, test *models.ABTest) error
	GetABTest(ctx context.Context, id string) (*models.ABTest, error)
	GetRunningABTest(ctx context.Context, userID string) (*models.ABTest, error)
	RecordImpression(ctx context.Context, testID, variantID, ticketID string) (bool, error)
	RecordConversion(ctx context.Context, testID, variantID, ticketID string) (bool, error)
	VariantStats(ctx context.Context, testID string) ([]models.VariantStats, error)
	SetABTestWinner(ctx context.Context, testID, variantID string) error
}

// Winner returns the variant with the highest conversion rate, or false when
// the spread between best and worst does not exceed SignificanceGap.
func Winner(stats []models.VariantStats) (models.VariantStats, bool) {
	if len(stats) < 2 {
		return models.VariantStats{}, false
	}

	best, worst := stats[0], stats[0]
	for _, s := range stats[1:] {
		if s.ConversionRate() > best.ConversionRate() {
			best = s
		}
		if s.ConversionRate() < worst.ConversionRate() {
			worst = s
		}
	}

	if best.ConversionRate()-worst.ConversionRate() > SignificanceGap {
		return best, true
	}
	return models.VariantStats{}, false
}

// AssignVariant picks a variant deterministically from the ticket ID.
func AssignVariant(test *models.ABTest, ticketID string) (models.ABTestVariant, bool) {
	if test == nil || len(test.Variants) == 0 {
		return models.ABTestVariant{}, false
	}
	return test.Variants[utils.Bucket(ticketID, len(test.Variants))], true
}

type Experiments struct {
	store ABStore
}

func NewExperiments(store ABStore) *Experiments {
	return &Experiments{store: store}
}

func (e *Experiments) Create(ctx context.Context, test *models.ABTest) error {
	return e.store.CreateABTest(ctx, test)
}

// Assign returns the variant a ticket falls into under the user's running
// test and records the impression. ok is false when no test is running.
func (e *Experiments) Assign(ctx context.Context, userID, ticketID string) (*models.ABTest, models.ABTestVariant, bool, error) {
	test, err := e.store.GetRunningABTest(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.ABTestVariant{}, false, nil
	}
	if err != nil {
		return nil, models.ABTestVariant{}, false, err
	}

	variant, ok := AssignVariant(test, ticketID)
	if !ok {
		return nil, models.ABTestVariant{}, false, nil
	}

	if _, err := e.store.RecordImpression(ctx, test.ID, variant.ID, ticketID); err != nil {
		return nil, models.ABTestVariant{}, false, fmt.Errorf("failed to record impression: %w", err)
	}
	return test, variant, true, nil
}

func (e *Experiments) RecordImpression(ctx context.Context, testID, variantID, ticketID string) (bool, error) {
	return e.store.RecordImpression(ctx, testID, variantID, ticketID)
}

func (e *Experiments) RecordConversion(ctx context.Context, testID, variantID, ticketID string) (bool, error) {
	return e.store.RecordConversion(ctx, testID, variantID, ticketID)
}

type Evaluation struct {
	TestID   string                `json:"test_id"`
	Stats    []models.VariantStats `json:"stats"`
	WinnerID string                `json:"winner_id,omitempty"`
	Decided  bool                  `json:"decided"`
}

// Evaluate computes the current winner. With complete=true a decided winner
// is persisted and the test is closed.
func (e *Experiments) Evaluate(ctx context.Context, testID string, complete bool) (*Evaluation, error) {
	if _, err := e.store.GetABTest(ctx, testID); err != nil {
		return nil, err
	}

	stats, err := e.store.VariantStats(ctx, testID)
	if err != nil {
		return nil, err
	}

	ev := &Evaluation{TestID: testID, Stats: stats}
	if w, ok := Winner(stats); ok {
		ev.WinnerID = w.VariantID
		ev.Decided = true
	}

	if complete && ev.Decided {
		if err := e.store.SetABTestWinner(ctx, testID, ev.WinnerID); err != nil {
			return nil, err
		}
		logger.Info("A/B test completed", zap.String("test_id", testID), zap.String("winner", ev.WinnerID))
	}
	return ev, nil
}
