package validation

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var (
	userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)
	xssPattern    = regexp.MustCompile(`(?i)(<script|<iframe|javascript:)`)
)

type Config struct {
	MaxTicketLength     int
	MaxDocumentSize     int
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects malformed requests before they reach a handler. Ticket
// bodies are only size-checked; the preflight gate owns their content rules.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxTicketLength == 0 {
		cfg.MaxTicketLength = 64 * 1024
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodPost || c.Method() == fiber.MethodPut {
			if !allowedContentType(c.Get(fiber.HeaderContentType), cfg.AllowedContentTypes) {
				return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
					"error": "Unsupported content type",
				})
			}
		}

		path := c.Path()

		if _, userID, ok := strings.Cut(path, "/settings/"); ok && !ValidUserID(userID) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid user id",
			})
		}

		if strings.HasSuffix(path, "/tickets/analyze") || strings.HasSuffix(path, "/webhooks/events") {
			if len(c.Body()) > cfg.MaxTicketLength {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Ticket payload exceeds maximum size",
				})
			}
		}

		if strings.HasSuffix(path, "/knowledge") && c.Method() == fiber.MethodPost {
			if len(c.Body()) > cfg.MaxDocumentSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Document content exceeds maximum size",
				})
			}

			var req struct {
				Entries []struct {
					Title     string `json:"title"`
					SourceURL string `json:"source_url"`
				} `json:"entries"`
			}
			if err := json.Unmarshal(c.Body(), &req); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "Invalid JSON format",
				})
			}

			for _, e := range req.Entries {
				if e.SourceURL != "" && !isValidURL(e.SourceURL) {
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Invalid URL format",
						"url":   e.SourceURL,
					})
				}
				if containsXSS(e.Title) {
					cfg.Logger.Warn("Potential XSS in knowledge title",
						zap.String("ip", c.IP()),
						zap.String("title", e.Title),
					)
					return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
						"error": "Invalid title content",
					})
				}
			}
		}

		return c.Next()
	}
}

func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

func allowedContentType(contentType string, allowed []string) bool {
	if contentType == "" {
		return true
	}
	for _, a := range allowed {
		if strings.HasPrefix(strings.ToLower(contentType), a) {
			return true
		}
	}
	return false
}

func containsXSS(input string) bool {
	return xssPattern.MatchString(input)
}

func isValidURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	return u.Host != ""
}
