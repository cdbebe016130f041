package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/engine"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type WebSocketHandler struct {
	analyzer Analyzer
}

func NewWebSocketHandler(analyzer Analyzer) *WebSocketHandler {
	return &WebSocketHandler{
		analyzer: analyzer,
	}
}

// Upgrade rejects plain HTTP requests on the websocket route.
func (h *WebSocketHandler) Upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// HandleConnection analyzes each ticket sent over the socket, streaming one
// progress message per pipeline stage before the final result.
func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg struct {
			Type   string        `json:"type"`
			Ticket TicketRequest `json:"ticket"`
		}

		if err := c.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Error("Failed to read WebSocket message", zap.Error(err))
			}
			break
		}

		if msg.Type != "analyze" {
			continue
		}

		logger.Info("Processing WebSocket ticket", zap.String("ticket_id", msg.Ticket.ID))

		if err := h.streamAnalysis(c, msg.Ticket); err != nil {
			logger.Error("Failed to stream analysis", zap.Error(err))
			h.sendError(c, err.Error())
		}
	}
}

func (h *WebSocketHandler) streamAnalysis(c *websocket.Conn, req TicketRequest) error {
	if err := h.send(c, "status", fiber.Map{"ticket_id": req.ID, "status": "processing"}); err != nil {
		return err
	}

	var writeErr error
	progress := func(p engine.Progress) {
		if writeErr == nil {
			writeErr = h.send(c, "progress", p)
		}
	}

	res, err := h.analyzer.AnalyzeWithProgress(context.Background(), req.toTicket(), progress)
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	return h.send(c, "complete", res)
}

func (h *WebSocketHandler) send(c *websocket.Conn, msgType string, payload any) error {
	return c.WriteJSON(fiber.Map{
		"type": msgType,
		"data": payload,
	})
}

func (h *WebSocketHandler) sendError(c *websocket.Conn, errorMsg string) {
	msg := fiber.Map{
		"type":  "error",
		"error": errorMsg,
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Debug("Failed to write WebSocket error", zap.Error(err))
	}
}
