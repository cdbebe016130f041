package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// GetAIResponse returns the stored analysis of a ticket or models.ErrNotFound.
func (c *Client) GetAIResponse(ctx context.Context, ticketID string) (*models.AIResponse, error) {
	query := `
		SELECT id, ticket_id, user_id, payload, state, requires_human, complexity, knowledge_entry_ids,
			template_ids, tokens_used, cost, processing_ms, simulated_embedding, ab_test_id, variant_id, created_at
		FROM ai_responses WHERE ticket_id = ?
	`

	var r models.AIResponse
	var payload, state string
	var requiresHuman, simulated int
	var complexity, entryIDs, templateIDs, testID, variantID sql.NullString
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, ticketID).Scan(
		&r.ID,
		&r.TicketID,
		&r.UserID,
		&payload,
		&state,
		&requiresHuman,
		&complexity,
		&entryIDs,
		&templateIDs,
		&r.TokensUsed,
		&r.Cost,
		&r.ProcessingMS,
		&simulated,
		&testID,
		&variantID,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ai response for %s: %w", ticketID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ai response: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &r.Response); err != nil {
		return nil, fmt.Errorf("failed to decode response payload: %w", err)
	}

	r.State = models.DecisionState(state)
	r.RequiresHuman = requiresHuman == 1
	r.Complexity = models.Complexity(complexity.String)
	r.KnowledgeEntryIDs = decodeStrings(entryIDs)
	r.TemplateIDs = decodeStrings(templateIDs)
	r.SimulatedEmbedding = simulated == 1
	r.ABTestID = testID.String
	r.VariantID = variantID.String
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

// InsertAIResponse stores the analysis once per ticket. It reports false when a
// response for the ticket already existed; the stored row is left unchanged.
func (c *Client) InsertAIResponse(ctx context.Context, r *models.AIResponse) (bool, error) {
	payload, err := json.Marshal(r.Response)
	if err != nil {
		return false, fmt.Errorf("failed to marshal response payload: %w", err)
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO ai_responses (id, ticket_id, user_id, content, response_type, confidence, reasoning, payload,
			state, requires_human, complexity, knowledge_entry_ids, template_ids, tokens_used, cost,
			processing_ms, simulated_embedding, ab_test_id, variant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO NOTHING
	`

	res, err := c.db.ExecContext(ctx, query,
		r.ID,
		r.TicketID,
		r.UserID,
		r.Response.Content,
		string(r.Response.Type),
		r.Response.Confidence,
		r.Response.Reasoning,
		string(payload),
		string(r.State),
		boolToInt(r.RequiresHuman),
		string(r.Complexity),
		encodeStrings(r.KnowledgeEntryIDs),
		encodeStrings(r.TemplateIDs),
		r.TokensUsed,
		r.Cost,
		r.ProcessingMS,
		boolToInt(r.SimulatedEmbedding),
		nullString(r.ABTestID),
		nullString(r.VariantID),
		r.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert ai response: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		logger.Debug("AI response already stored", zap.String("ticket_id", r.TicketID))
		return false, nil
	}
	return true, nil
}

// InsertDeflectionEvent appends the event unless the ticket already has one.
func (c *Client) InsertDeflectionEvent(ctx context.Context, e *models.DeflectionEvent) (bool, error) {
	query := `
		INSERT INTO deflection_events (id, ticket_id, user_id, event_type, confidence, template_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO NOTHING
	`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := c.db.ExecContext(ctx, query,
		e.ID,
		e.TicketID,
		e.UserID,
		string(e.Type),
		e.Confidence,
		nullString(e.TemplateUsed),
		e.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert deflection event: %w", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ClaimDelivery marks the ticket's reply as being delivered. It succeeds only
// when no claim exists or the existing one started before staleBefore, so one
// caller at a time may send.
func (c *Client) ClaimDelivery(ctx context.Context, ticketID string, now, staleBefore time.Time) (bool, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE ai_responses SET delivery_started_at = ?
		WHERE ticket_id = ? AND (delivery_started_at IS NULL OR delivery_started_at < ?)
	`, now.UnixNano(), ticketID, staleBefore.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}

	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseDelivery drops a claim after a failed send so the next attempt can
// take it immediately.
func (c *Client) ReleaseDelivery(ctx context.Context, ticketID string) error {
	_, err := c.db.ExecContext(ctx, `UPDATE ai_responses SET delivery_started_at = NULL WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	return nil
}

func (c *Client) CountDeflectionEvents(ctx context.Context, ticketID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM deflection_events WHERE ticket_id = ?`, ticketID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count deflection events: %w", err)
	}
	return n, nil
}

func (c *Client) InsertFeedback(ctx context.Context, f *models.CustomerFeedback) error {
	if err := f.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO customer_feedback (ticket_id, satisfaction_score, response_helpful, would_recommend, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	res, err := c.db.ExecContext(ctx, query,
		f.TicketID,
		f.SatisfactionScore,
		boolToInt(f.ResponseHelpful),
		boolToInt(f.WouldRecommend),
		f.Category,
		f.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert feedback: %w", err)
	}

	id, _ := res.LastInsertId()
	f.ID = int(id)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
