// Package delivery posts approved responses back to the help desk.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Message is the body posted to the help desk for one reply.
type Message struct {
	TicketID       string `json:"ticket_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id"`
	Body           string `json:"body"`
	Author         string `json:"author"`
}

// StatusError is returned when the help desk answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("delivery returned status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether a retry may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	url        string
	apiToken   string
	httpClient *http.Client
}

func NewClient(url, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:      url,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send posts content as an AI reply on the ticket's conversation. Without a
// configured URL the reply is only logged.
func (c *Client) Send(ctx context.Context, ticket *models.Ticket, content string) error {
	if c.url == "" {
		logger.Info("Delivery disabled, response not sent", zap.String("ticket_id", ticket.ID))
		return nil
	}

	body, err := json.Marshal(Message{
		TicketID:       ticket.ID,
		ConversationID: ticket.ConversationID,
		UserID:         ticket.UserID,
		Body:           content,
		Author:         string(models.AuthorAI),
	})
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver response: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	logger.Debug("Response delivered", zap.String("ticket_id", ticket.ID), zap.Int("status", resp.StatusCode))
	return nil
}
