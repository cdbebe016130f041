package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type SettingsService interface {
	Get(ctx context.Context, userID string) (*models.DeflectionSettings, error)
	Save(ctx context.Context, s *models.DeflectionSettings) error
}

type SettingsHandler struct {
	settings SettingsService
}

func NewSettingsHandler(settings SettingsService) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
	}
}

func (h *SettingsHandler) Get(c *fiber.Ctx) error {
	s, err := h.settings.Get(c.UserContext(), c.Params("userID"))
	if err != nil {
		return fail(c, err, "Failed to load settings")
	}
	return c.JSON(s)
}

// Put replaces the user's settings. The path wins over any user_id in the body.
func (h *SettingsHandler) Put(c *fiber.Ctx) error {
	var s models.DeflectionSettings
	if err := c.BodyParser(&s); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return badRequest(c, "Invalid request body")
	}
	s.UserID = c.Params("userID")

	if err := h.settings.Save(c.UserContext(), &s); err != nil {
		return fail(c, err, "Failed to save settings")
	}
	return c.JSON(s)
}
