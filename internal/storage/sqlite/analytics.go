package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const dateLayout = "2006-01-02"

func dayBounds(day time.Time) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return start.Unix(), start.AddDate(0, 0, 1).Unix()
}

// DailyAggregates tallies one UTC day of activity for a user.
func (c *Client) DailyAggregates(ctx context.Context, userID string, day time.Time) (*models.DailyAggregate, error) {
	from, to := dayBounds(day)
	var agg models.DailyAggregate

	// Gated and failed tickets count as processed even without a response row.
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tickets
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
	`, userID, from, to).Scan(&agg.TicketsProcessed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate tickets: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(processing_ms), 0), COALESCE(SUM(cost), 0)
		FROM ai_responses
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
	`, userID, from, to).Scan(&agg.AvgProcessingMS, &agg.LLMCost)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate responses: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deflection_events
		WHERE user_id = ? AND created_at >= ? AND created_at < ?
	`, userID, from, to).Scan(&agg.TicketsDeflected)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate deflections: %w", err)
	}

	err = c.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(f.satisfaction_score), 0)
		FROM customer_feedback f
		JOIN tickets t ON t.id = f.ticket_id
		WHERE t.user_id = ? AND f.created_at >= ? AND f.created_at < ?
	`, userID, from, to).Scan(&agg.AvgSatisfaction)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback: %w", err)
	}

	return &agg, nil
}

func (c *Client) UpsertDailyMetrics(ctx context.Context, m *models.DailyMetrics) error {
	query := `
		INSERT INTO daily_metrics (user_id, date, tickets_processed, tickets_deflected, deflection_rate,
			avg_response_time, avg_satisfaction, cost_savings, roi_percentage, llm_cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date) DO UPDATE SET
			tickets_processed = excluded.tickets_processed,
			tickets_deflected = excluded.tickets_deflected,
			deflection_rate = excluded.deflection_rate,
			avg_response_time = excluded.avg_response_time,
			avg_satisfaction = excluded.avg_satisfaction,
			cost_savings = excluded.cost_savings,
			roi_percentage = excluded.roi_percentage,
			llm_cost = excluded.llm_cost,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		m.UserID,
		m.Date.UTC().Format(dateLayout),
		m.TicketsProcessed,
		m.TicketsDeflected,
		m.DeflectionRate,
		m.AvgResponseTime,
		m.AvgSatisfaction,
		m.CostSavings,
		m.ROIPercentage,
		m.LLMCost,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert daily metrics: %w", err)
	}

	logger.Debug("Daily metrics stored",
		zap.String("user_id", m.UserID),
		zap.String("date", m.Date.UTC().Format(dateLayout)),
		zap.Int("processed", m.TicketsProcessed),
	)
	return nil
}

// ListDailyMetrics returns rollups for an inclusive date range, oldest first.
func (c *Client) ListDailyMetrics(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetrics, error) {
	query := `
		SELECT user_id, date, tickets_processed, tickets_deflected, deflection_rate, avg_response_time,
			avg_satisfaction, cost_savings, roi_percentage, llm_cost
		FROM daily_metrics
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC
	`

	rows, err := c.db.QueryContext(ctx, query, userID, from.UTC().Format(dateLayout), to.UTC().Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list daily metrics: %w", err)
	}
	defer rows.Close()

	var result []models.DailyMetrics
	for rows.Next() {
		var m models.DailyMetrics
		var date string
		err := rows.Scan(&m.UserID, &date, &m.TicketsProcessed, &m.TicketsDeflected, &m.DeflectionRate,
			&m.AvgResponseTime, &m.AvgSatisfaction, &m.CostSavings, &m.ROIPercentage, &m.LLMCost)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Date, err = time.Parse(dateLayout, date)
		if err != nil {
			return nil, fmt.Errorf("invalid metrics date %q: %w", date, err)
		}
		result = append(result, m)
	}

	return result, rows.Err()
}

// ListActiveUsers returns users that received at least one ticket on the given day.
func (c *Client) ListActiveUsers(ctx context.Context, day time.Time) ([]string, error) {
	from, to := dayBounds(day)

	rows, err := c.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM tickets WHERE created_at >= ? AND created_at < ?`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (c *Client) CreateABTest(ctx context.Context, test *models.ABTest) error {
	if len(test.Variants) < 2 {
		return &models.ValidationError{Field: "variants", Message: "at least two variants are required"}
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if test.ID == "" {
		test.ID = uuid.New().String()
	}
	if test.Status == "" {
		test.Status = models.ABTestRunning
	}
	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO ab_tests (id, user_id, name, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		test.ID, test.UserID, test.Name, string(test.Status), test.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert ab test: %w", err)
	}

	for i := range test.Variants {
		v := &test.Variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		v.TestID = test.ID
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ab_test_variants (id, test_id, name, custom_instructions, position) VALUES (?, ?, ?, ?, ?)`,
			v.ID, test.ID, v.Name, v.CustomInstructions, i)
		if err != nil {
			return fmt.Errorf("failed to insert ab test variant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ab test: %w", err)
	}

	logger.Info("A/B test created", zap.String("test_id", test.ID), zap.Int("variants", len(test.Variants)))
	return nil
}

func (c *Client) GetABTest(ctx context.Context, id string) (*models.ABTest, error) {
	var test models.ABTest
	var status string
	var winner sql.NullString
	var createdAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, status, winner_variant_id, created_at FROM ab_tests WHERE id = ?`, id,
	).Scan(&test.ID, &test.UserID, &test.Name, &status, &winner, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ab test %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ab test: %w", err)
	}

	test.Status = models.ABTestStatus(status)
	test.WinnerID = winner.String
	test.CreatedAt = time.Unix(createdAt, 0).UTC()

	test.Variants, err = c.listVariants(ctx, id)
	if err != nil {
		return nil, err
	}
	return &test, nil
}

// GetRunningABTest returns the most recent running test of a user, if any.
func (c *Client) GetRunningABTest(ctx context.Context, userID string) (*models.ABTest, error) {
	var id string
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM ab_tests WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		userID, string(models.ABTestRunning),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("running ab test for %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find running ab test: %w", err)
	}
	return c.GetABTest(ctx, id)
}

func (c *Client) listVariants(ctx context.Context, testID string) ([]models.ABTestVariant, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, test_id, name, custom_instructions FROM ab_test_variants WHERE test_id = ? ORDER BY position`, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var variants []models.ABTestVariant
	for rows.Next() {
		var v models.ABTestVariant
		var instructions sql.NullString
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &instructions); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		v.CustomInstructions = instructions.String
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// RecordImpression is idempotent per (test, ticket).
func (c *Client) RecordImpression(ctx context.Context, testID, variantID, ticketID string) (bool, error) {
	return c.recordABEvent(ctx, "ab_test_impressions", testID, variantID, ticketID)
}

// RecordConversion is idempotent per (test, ticket).
func (c *Client) RecordConversion(ctx context.Context, testID, variantID, ticketID string) (bool, error) {
	return c.recordABEvent(ctx, "ab_test_conversions", testID, variantID, ticketID)
}

func (c *Client) recordABEvent(ctx context.Context, table, testID, variantID, ticketID string) (bool, error) {
	query := fmt.Sprintf(`INSERT OR IGNORE INTO %s (test_id, variant_id, ticket_id, created_at) VALUES (?, ?, ?, ?)`, table)

	res, err := c.db.ExecContext(ctx, query, testID, variantID, ticketID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// VariantStats returns impressions and conversions per variant in declaration order.
func (c *Client) VariantStats(ctx context.Context, testID string) ([]models.VariantStats, error) {
	query := `
		SELECT v.id,
			(SELECT COUNT(*) FROM ab_test_impressions i WHERE i.test_id = v.test_id AND i.variant_id = v.id),
			(SELECT COUNT(*) FROM ab_test_conversions c WHERE c.test_id = v.test_id AND c.variant_id = v.id)
		FROM ab_test_variants v
		WHERE v.test_id = ?
		ORDER BY v.position
	`

	rows, err := c.db.QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variant stats: %w", err)
	}
	defer rows.Close()

	var stats []models.VariantStats
	for rows.Next() {
		var s models.VariantStats
		if err := rows.Scan(&s.VariantID, &s.Impressions, &s.Conversions); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

func (c *Client) SetABTestWinner(ctx context.Context, testID, variantID string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE ab_tests SET winner_variant_id = ?, status = ? WHERE id = ?`,
		variantID, string(models.ABTestCompleted), testID)
	if err != nil {
		return fmt.Errorf("failed to set ab test winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ab test %s: %w", testID, models.ErrNotFound)
	}
	return nil
}
