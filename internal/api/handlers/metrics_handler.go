package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const dateLayout = "2006-01-02"

type Rollups interface {
	RollupUser(ctx context.Context, userID string, day time.Time) (*models.DailyMetrics, error)
	RollupDay(ctx context.Context, day time.Time) (int, error)
}

type DailyMetricsStore interface {
	ListDailyMetrics(ctx context.Context, userID string, from, to time.Time) ([]models.DailyMetrics, error)
}

type MetricsHandler struct {
	rollups Rollups
	store   DailyMetricsStore
	now     func() time.Time
}

func NewMetricsHandler(rollups Rollups, store DailyMetricsStore) *MetricsHandler {
	return &MetricsHandler{
		rollups: rollups,
		store:   store,
		now:     time.Now,
	}
}

// Rollup recomputes one day, for one user or for every user active that day.
// The day defaults to today (UTC).
func (h *MetricsHandler) Rollup(c *fiber.Ctx) error {
	var req struct {
		UserID string `json:"user_id"`
		Date   string `json:"date"`
	}

	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			logger.Error("Failed to parse request body", zap.Error(err))
			return badRequest(c, "Invalid request body")
		}
	}

	day := h.now().UTC()
	if req.Date != "" {
		d, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			return badRequest(c, "date must be YYYY-MM-DD")
		}
		day = d
	}

	if req.UserID != "" {
		m, err := h.rollups.RollupUser(c.UserContext(), req.UserID, day)
		if err != nil {
			return fail(c, err, "Failed to roll up metrics")
		}
		return c.JSON(m)
	}

	n, err := h.rollups.RollupDay(c.UserContext(), day)
	if err != nil {
		return fail(c, err, "Failed to roll up metrics")
	}
	return c.JSON(fiber.Map{
		"date":  day.Format(dateLayout),
		"users": n,
	})
}

// Daily lists rollups between from and to, inclusive. Without a range it
// returns the last 30 days.
func (h *MetricsHandler) Daily(c *fiber.Ctx) error {
	userID := c.Query("user_id")
	if userID == "" {
		return badRequest(c, "user_id is required")
	}

	to := h.now().UTC()
	from := to.AddDate(0, 0, -29)
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = time.Parse(dateLayout, s); err != nil {
			return badRequest(c, "from must be YYYY-MM-DD")
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = time.Parse(dateLayout, s); err != nil {
			return badRequest(c, "to must be YYYY-MM-DD")
		}
	}
	if from.After(to) {
		return badRequest(c, "from must not be after to")
	}

	rows, err := h.store.ListDailyMetrics(c.UserContext(), userID, from, to)
	if err != nil {
		return fail(c, err, "Failed to list metrics")
	}
	if rows == nil {
		rows = []models.DailyMetrics{}
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"from":    from.Format(dateLayout),
		"to":      to.Format(dateLayout),
		"metrics": rows,
	})
}
