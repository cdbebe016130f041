// Package events models the help-desk webhook payloads the service accepts.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

type Type string

const (
	TypeTicketCreated       Type = "ticket.created"
	TypeConversationReplied Type = "conversation.replied"
	TypeTicketStatusChanged Type = "ticket.status_changed"
)

var ErrUnknownType = errors.New("unknown event type")

// Event is one of TicketCreated, ConversationReplied or TicketStatusChanged.
type Event interface {
	Type() Type
	Ticket() string
	event()
}

type TicketCreated struct {
	UserID         string
	TicketID       string
	ConversationID string
	Subject        string
	Content        string
	CustomerEmail  string
	Category       string
	Priority       string
	CreatedAt      time.Time
}

func (TicketCreated) Type() Type       { return TypeTicketCreated }
func (e TicketCreated) Ticket() string { return e.TicketID }
func (TicketCreated) event()           {}

// ToTicket converts the payload to a new open ticket.
func (e TicketCreated) ToTicket() *models.Ticket {
	return &models.Ticket{
		ID:             e.TicketID,
		UserID:         e.UserID,
		ConversationID: e.ConversationID,
		Subject:        e.Subject,
		Content:        e.Content,
		CustomerEmail:  e.CustomerEmail,
		Category:       e.Category,
		Priority:       e.Priority,
		Status:         models.TicketStatusOpen,
		CreatedAt:      e.CreatedAt,
	}
}

type ConversationReplied struct {
	UserID   string
	TicketID string
	Author   models.MessageAuthor
	Body     string
	SentAt   time.Time
}

func (ConversationReplied) Type() Type       { return TypeConversationReplied }
func (e ConversationReplied) Ticket() string { return e.TicketID }
func (ConversationReplied) event()           {}

type TicketStatusChanged struct {
	UserID   string
	TicketID string
	Status   models.TicketStatus
}

func (TicketStatusChanged) Type() Type       { return TypeTicketStatusChanged }
func (e TicketStatusChanged) Ticket() string { return e.TicketID }
func (TicketStatusChanged) event()           {}

type envelope struct {
	Type   Type            `json:"type"`
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

type ticketData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
	CustomerEmail  string `json:"customer_email"`
	Category       string `json:"category"`
	Priority       string `json:"priority"`
	CreatedAt      int64  `json:"created_at"`
}

type replyData struct {
	TicketID string `json:"ticket_id"`
	Author   string `json:"author"`
	Body     string `json:"body"`
	SentAt   int64  `json:"sent_at"`
}

type statusData struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"`
}

// Parse decodes a webhook body of the form {"type", "user_id", "data"}.
// Timestamps are unix seconds; a missing timestamp becomes now.
func Parse(body []byte, now time.Time) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if env.UserID == "" {
		return nil, &models.ValidationError{Field: "user_id", Message: "is required"}
	}

	switch env.Type {
	case TypeTicketCreated:
		var d ticketData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		if d.ID == "" {
			return nil, &models.ValidationError{Field: "data.id", Message: "is required"}
		}
		return TicketCreated{
			UserID:         env.UserID,
			TicketID:       d.ID,
			ConversationID: d.ConversationID,
			Subject:        d.Subject,
			Content:        d.Content,
			CustomerEmail:  d.CustomerEmail,
			Category:       d.Category,
			Priority:       d.Priority,
			CreatedAt:      unixOr(d.CreatedAt, now),
		}, nil

	case TypeConversationReplied:
		var d replyData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		if d.TicketID == "" {
			return nil, &models.ValidationError{Field: "data.ticket_id", Message: "is required"}
		}
		author := models.MessageAuthor(strings.ToLower(d.Author))
		switch author {
		case models.AuthorCustomer, models.AuthorAgent, models.AuthorAI:
		default:
			return nil, &models.ValidationError{Field: "data.author", Message: fmt.Sprintf("unknown author %q", d.Author)}
		}
		return ConversationReplied{
			UserID:   env.UserID,
			TicketID: d.TicketID,
			Author:   author,
			Body:     d.Body,
			SentAt:   unixOr(d.SentAt, now),
		}, nil

	case TypeTicketStatusChanged:
		var d statusData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
		}
		if d.TicketID == "" {
			return nil, &models.ValidationError{Field: "data.ticket_id", Message: "is required"}
		}
		status := models.TicketStatus(strings.ToLower(d.Status))
		switch status {
		case models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusResolved, models.TicketStatusClosed:
		default:
			return nil, &models.ValidationError{Field: "data.status", Message: fmt.Sprintf("unknown status %q", d.Status)}
		}
		return TicketStatusChanged{UserID: env.UserID, TicketID: d.TicketID, Status: status}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func unixOr(sec int64, now time.Time) time.Time {
	if sec <= 0 {
		return now.UTC()
	}
	return time.Unix(sec, 0).UTC()
}
