// Package generation builds the model context for a ticket, asks the text
// generator for a structured decision and validates what comes back.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/llm"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

// TextGenerator is the completion endpoint. Implemented by llm.Client.
type TextGenerator interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type ErrorKind string

const (
	KindCallFailed    ErrorKind = "call_failed"
	KindTimeout       ErrorKind = "timeout"
	KindInvalidOutput ErrorKind = "invalid_output"
)

type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

type Request struct {
	Ticket          *models.Ticket
	Settings        *models.DeflectionSettings
	History         []models.ConversationMessage
	Knowledge       *retrieval.Result
	CustomerHistory []models.CustomerTicketSummary
	// CustomInstructions overrides Settings.CustomInstructions, e.g. for an A/B variant.
	CustomInstructions string
}

type Output struct {
	Response      models.GeneratedResponse
	Complexity    models.Complexity
	RequiresHuman bool
	TokensUsed    int
}

type Generator struct {
	llm     TextGenerator
	timeout time.Duration
}

func NewGenerator(gen TextGenerator, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Generator{llm: gen, timeout: timeout}
}

func (g *Generator) Generate(ctx context.Context, req Request) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text := req.Ticket.Subject + "\n" + req.Ticket.Content
	complexity := ClassifyComplexity(text)

	resp, err := g.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(req),
		UserPrompt:   buildUserPrompt(req, complexity),
		JSON:         true,
	})
	if err != nil {
		kind := KindCallFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindTimeout
		}
		return nil, &GenerationError{Kind: kind, Err: err}
	}

	parsed, err := ParseResponse(resp.Content)
	if err != nil {
		logger.Warn("Model returned invalid decision",
			zap.String("ticket_id", req.Ticket.ID),
			zap.Error(err),
		)
		return nil, err
	}

	out := &Output{
		Response:      *parsed,
		Complexity:    complexity,
		RequiresHuman: RequiresHuman(text, complexity),
		TokensUsed:    resp.Usage.TotalTokens,
	}

	logger.Debug("Response generated",
		zap.String("ticket_id", req.Ticket.ID),
		zap.String("type", string(out.Response.Type)),
		zap.Float64("confidence", out.Response.Confidence),
		zap.String("complexity", string(complexity)),
		zap.Bool("requires_human", out.RequiresHuman),
		zap.Int("tokens", out.TokensUsed),
	)
	return out, nil
}

// ParseResponse decodes a model reply into a GeneratedResponse. Markdown code
// fences are tolerated; anything outside the schema is a GenerationError.
func ParseResponse(raw string) (*models.GeneratedResponse, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, invalid(errors.New("empty model output"))
	}

	var resp models.GeneratedResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, invalid(fmt.Errorf("unparsable model output: %w", err))
	}

	resp.Type = models.ResponseType(strings.ToLower(strings.TrimSpace(string(resp.Type))))
	resp.Content = strings.TrimSpace(resp.Content)

	switch {
	case !resp.Type.Valid():
		return nil, invalid(fmt.Errorf("unknown response type %q", resp.Type))
	case resp.Confidence < 0 || resp.Confidence > 1:
		return nil, invalid(fmt.Errorf("confidence %v outside [0,1]", resp.Confidence))
	case resp.Content == "":
		return nil, invalid(errors.New("response content is empty"))
	}
	return &resp, nil
}

func invalid(err error) error {
	return &GenerationError{Kind: KindInvalidOutput, Err: err}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
