package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/engine"
	"github.com/supportdesk/deflection-engine/internal/events"
	"github.com/supportdesk/deflection-engine/internal/pipeline"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type Analyzer interface {
	AnalyzeWithProgress(ctx context.Context, t *models.Ticket, progress engine.ProgressFunc) (*engine.Result, error)
}

type Submitter interface {
	Submit(ev events.Event) error
}

type TicketHandler struct {
	analyzer Analyzer
	queue    Submitter
}

func NewTicketHandler(analyzer Analyzer, queue Submitter) *TicketHandler {
	return &TicketHandler{
		analyzer: analyzer,
		queue:    queue,
	}
}

// TicketRequest is the synchronous analysis payload.
type TicketRequest struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Subject        string `json:"subject"`
	Content        string `json:"content"`
	CustomerEmail  string `json:"customer_email"`
	Category       string `json:"category"`
	Priority       string `json:"priority"`
}

func (r TicketRequest) toTicket() *models.Ticket {
	return &models.Ticket{
		ID:             r.ID,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Subject:        r.Subject,
		Content:        r.Content,
		CustomerEmail:  r.CustomerEmail,
		Category:       r.Category,
		Priority:       r.Priority,
		Status:         models.TicketStatusOpen,
		CreatedAt:      time.Now().UTC(),
	}
}

func (h *TicketHandler) Analyze(c *fiber.Ctx) error {
	var req TicketRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	res, err := h.analyzer.AnalyzeWithProgress(c.UserContext(), req.toTicket(), nil)
	if err != nil {
		return fail(c, err, "Failed to analyze ticket")
	}

	body := fiber.Map{"result": res}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	return c.JSON(body)
}

// Webhook accepts a help-desk event and queues it for the worker pool.
func (h *TicketHandler) Webhook(c *fiber.Ctx) error {
	ev, err := events.Parse(c.Body(), time.Now().UTC())
	if errors.Is(err, events.ErrUnknownType) {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if err != nil {
		// Every other parse failure is a malformed payload.
		return badRequest(c, err.Error())
	}

	switch err := h.queue.Submit(ev); {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		logger.Warn("Webhook event rejected",
			zap.String("type", string(ev.Type())),
			zap.String("ticket_id", ev.Ticket()),
			zap.Error(err),
		)
		c.Set(fiber.HeaderRetryAfter, "5")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": err.Error(),
		})
	case err != nil:
		return fail(c, err, "Failed to queue event")
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"status":    "queued",
		"type":      ev.Type(),
		"ticket_id": ev.Ticket(),
	})
}
