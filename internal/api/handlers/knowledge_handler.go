package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/ingestion"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type KnowledgeIngester interface {
	IngestEntries(ctx context.Context, userID string, inputs []ingestion.EntryInput) (*ingestion.Report, error)
	IngestTemplates(ctx context.Context, userID string, inputs []ingestion.TemplateInput) (*ingestion.Report, error)
	ReindexResolvedTickets(ctx context.Context, userID string, limit int) (*ingestion.Report, error)
}

type KnowledgeHandler struct {
	ingester KnowledgeIngester
}

func NewKnowledgeHandler(ingester KnowledgeIngester) *KnowledgeHandler {
	return &KnowledgeHandler{
		ingester: ingester,
	}
}

// Ingest stores knowledge articles and response templates. A partially
// indexed batch answers 207 with the per-item failures.
func (h *KnowledgeHandler) Ingest(c *fiber.Ctx) error {
	var req struct {
		UserID    string                    `json:"user_id"`
		Entries   []ingestion.EntryInput    `json:"entries"`
		Templates []ingestion.TemplateInput `json:"templates"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}

	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}
	if len(req.Entries) == 0 && len(req.Templates) == 0 {
		return badRequest(c, "entries or templates are required")
	}

	resp := fiber.Map{}
	partial := false

	if len(req.Entries) > 0 {
		report, err := h.ingester.IngestEntries(c.UserContext(), req.UserID, req.Entries)
		if err != nil {
			return fail(c, err, "Failed to ingest knowledge entries")
		}
		resp["entries"] = report
		partial = partial || report.Partial()
	}

	if len(req.Templates) > 0 {
		report, err := h.ingester.IngestTemplates(c.UserContext(), req.UserID, req.Templates)
		if err != nil {
			return fail(c, err, "Failed to ingest templates")
		}
		resp["templates"] = report
		partial = partial || report.Partial()
	}

	status := fiber.StatusCreated
	if partial {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(resp)
}

// Reindex embeds the user's resolved tickets so they surface as similar cases.
func (h *KnowledgeHandler) Reindex(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	if req.UserID == "" {
		return badRequest(c, "user_id is required")
	}

	report, err := h.ingester.ReindexResolvedTickets(c.UserContext(), req.UserID, req.Limit)
	if err != nil {
		return fail(c, err, "Failed to reindex tickets")
	}

	status := fiber.StatusOK
	if report.Partial() {
		status = fiber.StatusMultiStatus
	}
	return c.Status(status).JSON(report)
}
