package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/analytics"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type ExperimentService interface {
	Create(ctx context.Context, test *models.ABTest) error
	RecordImpression(ctx context.Context, testID, variantID, ticketID string) (bool, error)
	RecordConversion(ctx context.Context, testID, variantID, ticketID string) (bool, error)
	Evaluate(ctx context.Context, testID string, complete bool) (*analytics.Evaluation, error)
}

type ABTestHandler struct {
	experiments ExperimentService
}

func NewABTestHandler(experiments ExperimentService) *ABTestHandler {
	return &ABTestHandler{
		experiments: experiments,
	}
}

type variantRequest struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	CustomInstructions string `json:"custom_instructions"`
}

type abEventRequest struct {
	VariantID string `json:"variant_id"`
	TicketID  string `json:"ticket_id"`
}

func (h *ABTestHandler) Create(c *fiber.Ctx) error {
	var req struct {
		UserID   string           `json:"user_id"`
		Name     string           `json:"name"`
		Variants []variantRequest `json:"variants"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" || req.Name == "" {
		return badRequest(c, "user_id and name are required")
	}

	test := &models.ABTest{UserID: req.UserID, Name: req.Name}
	for _, v := range req.Variants {
		test.Variants = append(test.Variants, models.ABTestVariant{
			ID:                 v.ID,
			Name:               v.Name,
			CustomInstructions: v.CustomInstructions,
		})
	}

	if err := h.experiments.Create(c.UserContext(), test); err != nil {
		return fail(c, err, "Failed to create A/B test")
	}

	variants := make([]variantRequest, 0, len(test.Variants))
	for _, v := range test.Variants {
		variants = append(variants, variantRequest{ID: v.ID, Name: v.Name, CustomInstructions: v.CustomInstructions})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":       test.ID,
		"status":   test.Status,
		"variants": variants,
	})
}

func (h *ABTestHandler) Impression(c *fiber.Ctx) error {
	return h.recordEvent(c, h.experiments.RecordImpression)
}

func (h *ABTestHandler) Conversion(c *fiber.Ctx) error {
	return h.recordEvent(c, h.experiments.RecordConversion)
}

// recordEvent answers 201 for a new event and 200 for a repeat.
func (h *ABTestHandler) recordEvent(c *fiber.Ctx, record func(ctx context.Context, testID, variantID, ticketID string) (bool, error)) error {
	var req abEventRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if req.VariantID == "" || req.TicketID == "" {
		return badRequest(c, "variant_id and ticket_id are required")
	}

	recorded, err := record(c.UserContext(), c.Params("id"), req.VariantID, req.TicketID)
	if err != nil {
		return fail(c, err, "Failed to record A/B event")
	}

	status := fiber.StatusOK
	if recorded {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"recorded": recorded})
}

func (h *ABTestHandler) Winner(c *fiber.Ctx) error {
	ev, err := h.experiments.Evaluate(c.UserContext(), c.Params("id"), false)
	if err != nil {
		return fail(c, err, "Failed to evaluate A/B test")
	}
	return c.JSON(ev)
}

// Complete closes the test when a winner is decided.
func (h *ABTestHandler) Complete(c *fiber.Ctx) error {
	ev, err := h.experiments.Evaluate(c.UserContext(), c.Params("id"), true)
	if err != nil {
		return fail(c, err, "Failed to complete A/B test")
	}
	if !ev.Decided {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":      "No variant leads by a sufficient margin",
			"evaluation": ev,
		})
	}
	return c.JSON(ev)
}
