package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// InsertTicket stores a new ticket. Re-delivered tickets are ignored so the
// analyzed content stays immutable.
func (c *Client) InsertTicket(ctx context.Context, t *models.Ticket) (bool, error) {
	query := `
		INSERT INTO tickets (id, user_id, conversation_id, content, subject, customer_email, category,
			priority, status, follow_up_required, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	status := t.Status
	if status == "" {
		status = models.TicketStatusOpen
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	res, err := c.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		t.ConversationID,
		t.Content,
		t.Subject,
		t.CustomerEmail,
		t.Category,
		t.Priority,
		string(status),
		boolToInt(t.FollowUpRequired),
		createdAt.Unix(),
		time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert ticket: %w", err)
	}

	n, _ := res.RowsAffected()
	logger.Debug("Ticket stored", zap.String("ticket_id", t.ID), zap.Bool("inserted", n > 0))
	return n > 0, nil
}

func (c *Client) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	query := `
		SELECT id, user_id, conversation_id, content, subject, customer_email, category, priority,
			status, follow_up_required, created_at
		FROM tickets WHERE id = ?
	`

	t, err := scanTicket(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var conversationID, subject, email, category, priority sql.NullString
	var status string
	var followUp int
	var createdAt int64

	err := row.Scan(
		&t.ID,
		&t.UserID,
		&conversationID,
		&t.Content,
		&subject,
		&email,
		&category,
		&priority,
		&status,
		&followUp,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	t.ConversationID = conversationID.String
	t.Subject = subject.String
	t.CustomerEmail = email.String
	t.Category = category.String
	t.Priority = priority.String
	t.Status = models.TicketStatus(status)
	t.FollowUpRequired = followUp == 1
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

func (c *Client) UpdateTicketStatus(ctx context.Context, id string, status models.TicketStatus, followUpRequired bool) error {
	query := `UPDATE tickets SET status = ?, follow_up_required = ?, updated_at = ? WHERE id = ?`

	res, err := c.db.ExecContext(ctx, query, string(status), boolToInt(followUpRequired), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %s: %w", id, models.ErrNotFound)
	}

	logger.Debug("Ticket status updated", zap.String("ticket_id", id), zap.String("status", string(status)))
	return nil
}

// ListCustomerTickets returns earlier tickets from the same customer, newest first.
func (c *Client) ListCustomerTickets(ctx context.Context, userID, customerEmail, excludeTicketID string, limit int) ([]models.CustomerTicketSummary, error) {
	if customerEmail == "" {
		return nil, nil
	}

	query := `
		SELECT t.id, t.subject, t.status, r.state, t.created_at
		FROM tickets t
		LEFT JOIN ai_responses r ON r.ticket_id = t.id
		WHERE t.user_id = ? AND t.customer_email = ? AND t.id != ?
		ORDER BY t.created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, customerEmail, excludeTicketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list customer tickets: %w", err)
	}
	defer rows.Close()

	var summaries []models.CustomerTicketSummary
	for rows.Next() {
		var s models.CustomerTicketSummary
		var subject, state sql.NullString
		var status string
		var createdAt int64

		if err := rows.Scan(&s.TicketID, &subject, &status, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		s.Subject = subject.String
		s.Status = models.TicketStatus(status)
		s.State = models.DecisionState(state.String)
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		summaries = append(summaries, s)
	}

	return summaries, rows.Err()
}

// ListResolvedTickets returns resolved tickets for reindexing into the similarity index.
func (c *Client) ListResolvedTickets(ctx context.Context, userID string, limit int) ([]models.Ticket, error) {
	query := `
		SELECT id, user_id, conversation_id, content, subject, customer_email, category, priority,
			status, follow_up_required, created_at
		FROM tickets
		WHERE user_id = ? AND status IN ('resolved', 'closed')
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		tickets = append(tickets, *t)
	}

	return tickets, rows.Err()
}

func (c *Client) AppendMessage(ctx context.Context, msg *models.ConversationMessage) error {
	query := `INSERT INTO conversation_messages (ticket_id, author, body, created_at) VALUES (?, ?, ?, ?)`

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := c.db.ExecContext(ctx, query, msg.TicketID, string(msg.Author), msg.Body, createdAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns the latest messages of a ticket in chronological order.
func (c *Client) ListMessages(ctx context.Context, ticketID string, limit int) ([]models.ConversationMessage, error) {
	query := `
		SELECT id, ticket_id, author, body, created_at FROM (
			SELECT id, ticket_id, author, body, created_at
			FROM conversation_messages
			WHERE ticket_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC
	`

	rows, err := c.db.QueryContext(ctx, query, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var author string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.TicketID, &author, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Author = models.MessageAuthor(author)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (c *Client) GetSettings(ctx context.Context, userID string) (*models.DeflectionSettings, error) {
	query := `
		SELECT user_id, auto_response_enabled, confidence_threshold, escalation_threshold, response_language,
			business_hours_only, excluded_categories, escalation_keywords, custom_instructions
		FROM deflection_settings WHERE user_id = ?
	`

	var s models.DeflectionSettings
	var autoResponse, businessHours int
	var excluded, keywords, instructions sql.NullString

	err := c.db.QueryRowContext(ctx, query, userID).Scan(
		&s.UserID,
		&autoResponse,
		&s.ConfidenceThreshold,
		&s.EscalationThreshold,
		&s.ResponseLanguage,
		&businessHours,
		&excluded,
		&keywords,
		&instructions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("settings for %s: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings: %w", err)
	}

	s.AutoResponseEnabled = autoResponse == 1
	s.BusinessHoursOnly = businessHours == 1
	s.ExcludedCategories = decodeStrings(excluded)
	s.EscalationKeywords = decodeStrings(keywords)
	s.CustomInstructions = instructions.String
	return &s, nil
}

// SaveSettings validates before writing; an invalid update leaves the stored row untouched.
func (c *Client) SaveSettings(ctx context.Context, s *models.DeflectionSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO deflection_settings (user_id, auto_response_enabled, confidence_threshold, escalation_threshold,
			response_language, business_hours_only, excluded_categories, escalation_keywords, custom_instructions, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			auto_response_enabled = excluded.auto_response_enabled,
			confidence_threshold = excluded.confidence_threshold,
			escalation_threshold = excluded.escalation_threshold,
			response_language = excluded.response_language,
			business_hours_only = excluded.business_hours_only,
			excluded_categories = excluded.excluded_categories,
			escalation_keywords = excluded.escalation_keywords,
			custom_instructions = excluded.custom_instructions,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		s.UserID,
		boolToInt(s.AutoResponseEnabled),
		s.ConfidenceThreshold,
		s.EscalationThreshold,
		s.ResponseLanguage,
		boolToInt(s.BusinessHoursOnly),
		encodeStrings(s.ExcludedCategories),
		encodeStrings(s.EscalationKeywords),
		s.CustomInstructions,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	logger.Info("Deflection settings saved",
		zap.String("user_id", s.UserID),
		zap.Float64("confidence_threshold", s.ConfidenceThreshold),
		zap.Float64("escalation_threshold", s.EscalationThreshold),
	)
	return nil
}
