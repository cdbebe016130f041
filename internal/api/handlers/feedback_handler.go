package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/feedback"
	"github.com/supportdesk/deflection-engine/internal/metrics"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type FeedbackRecorder interface {
	Record(ctx context.Context, f *models.CustomerFeedback) (*feedback.Summary, error)
}

type FeedbackHandler struct {
	loop FeedbackRecorder
}

func NewFeedbackHandler(loop FeedbackRecorder) *FeedbackHandler {
	return &FeedbackHandler{
		loop: loop,
	}
}

func (h *FeedbackHandler) Submit(c *fiber.Ctx) error {
	var req struct {
		TicketID          string `json:"ticket_id"`
		SatisfactionScore int    `json:"satisfaction_score"`
		ResponseHelpful   bool   `json:"response_helpful"`
		WouldRecommend    bool   `json:"would_recommend"`
		Category          string `json:"category"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	f := &models.CustomerFeedback{
		TicketID:          req.TicketID,
		SatisfactionScore: req.SatisfactionScore,
		ResponseHelpful:   req.ResponseHelpful,
		WouldRecommend:    req.WouldRecommend,
		Category:          req.Category,
		CreatedAt:         time.Now().UTC(),
	}
	if err := f.Validate(); err != nil {
		return fail(c, err, "Invalid feedback")
	}

	summary, err := h.loop.Record(c.UserContext(), f)
	if err != nil {
		return fail(c, err, "Failed to record feedback")
	}
	metrics.RecordFeedback(f.SatisfactionScore, f.ResponseHelpful)

	return c.Status(fiber.StatusCreated).JSON(summary)
}
