package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

type TicketStatus string

const (
	TicketStatusOpen     TicketStatus = "open"
	TicketStatusPending  TicketStatus = "pending"
	TicketStatusResolved TicketStatus = "resolved"
	TicketStatusClosed   TicketStatus = "closed"
)

// PriorityTop is the priority tier that always requires a human.
const PriorityTop = "priority"

type Ticket struct {
	ID               string
	UserID           string
	ConversationID   string
	Content          string
	Subject          string
	CustomerEmail    string
	Category         string
	Priority         string
	Status           TicketStatus
	FollowUpRequired bool
	CreatedAt        time.Time
}

type DeflectionSettings struct {
	UserID              string   `json:"user_id"`
	AutoResponseEnabled bool     `json:"auto_response_enabled"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	EscalationThreshold float64  `json:"escalation_threshold"`
	ResponseLanguage    string   `json:"response_language"`
	BusinessHoursOnly   bool     `json:"business_hours_only"`
	ExcludedCategories  []string `json:"excluded_categories"`
	EscalationKeywords  []string `json:"escalation_keywords"`
	CustomInstructions  string   `json:"custom_instructions,omitempty"`
}

// Validate enforces threshold ranges and confidence > escalation.
func (s DeflectionSettings) Validate() error {
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return &ValidationError{Field: "confidence_threshold", Message: "must be within [0,1]"}
	}
	if s.EscalationThreshold < 0 || s.EscalationThreshold > 1 {
		return &ValidationError{Field: "escalation_threshold", Message: "must be within [0,1]"}
	}
	if s.ConfidenceThreshold <= s.EscalationThreshold {
		return &ValidationError{
			Field:   "confidence_threshold",
			Message: fmt.Sprintf("must be greater than escalation_threshold (%.2f <= %.2f)", s.ConfidenceThreshold, s.EscalationThreshold),
		}
	}
	return nil
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

type KnowledgeEntry struct {
	ID          string
	UserID      string
	Title       string
	Content     string
	Keywords    []string
	Category    string
	SuccessRate float64
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ResponseTemplate struct {
	ID          string
	UserID      string
	Name        string
	Content     string
	Tags        []string
	Category    string
	SuccessRate float64
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ResponseType string

const (
	ResponseAutoResolve ResponseType = "auto_resolve"
	ResponseFollowUp    ResponseType = "follow_up"
	ResponseEscalate    ResponseType = "escalate"
)

func (t ResponseType) Valid() bool {
	switch t {
	case ResponseAutoResolve, ResponseFollowUp, ResponseEscalate:
		return true
	}
	return false
}

type GeneratedResponse struct {
	Content                    string       `json:"content"`
	Type                       ResponseType `json:"type"`
	Confidence                 float64      `json:"confidence"`
	Reasoning                  string       `json:"reasoning"`
	SuggestedActions           []string     `json:"suggested_actions,omitempty"`
	EstimatedResolutionMinutes *int         `json:"estimated_resolution_minutes,omitempty"`
	FollowUpNeeded             *bool        `json:"follow_up_needed,omitempty"`
	EscalationReason           string       `json:"escalation_reason,omitempty"`
}

type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// DecisionState is a node of the per-ticket routing state machine.
type DecisionState string

const (
	StateReceived     DecisionState = "RECEIVED"
	StateGatedOut     DecisionState = "GATED_OUT"
	StateAnalyzed     DecisionState = "ANALYZED"
	StateAutoResolved DecisionState = "AUTO_RESOLVED"
	StateEscalated    DecisionState = "ESCALATED"
	StateFollowUp     DecisionState = "FOLLOW_UP"
)

func (s DecisionState) Terminal() bool {
	switch s {
	case StateGatedOut, StateAutoResolved, StateEscalated, StateFollowUp:
		return true
	}
	return false
}

// AIResponse is the stored outcome of one analysis pass, unique per ticket.
type AIResponse struct {
	ID                 string
	TicketID           string
	UserID             string
	Response           GeneratedResponse
	State              DecisionState
	RequiresHuman      bool
	Complexity         Complexity
	KnowledgeEntryIDs  []string
	TemplateIDs        []string
	TokensUsed         int
	Cost               float64
	ProcessingMS       int64
	SimulatedEmbedding bool
	ABTestID           string
	VariantID          string
	CreatedAt          time.Time
}

type DeflectionEventType string

const (
	EventAutoResponse  DeflectionEventType = "auto_response"
	EventFAQMatch      DeflectionEventType = "faq_match"
	EventTemplateMatch DeflectionEventType = "template_match"
)

type DeflectionEvent struct {
	ID           string
	TicketID     string
	UserID       string
	Type         DeflectionEventType
	Confidence   float64
	TemplateUsed string
	CreatedAt    time.Time
}

type CustomerFeedback struct {
	ID                int
	TicketID          string
	SatisfactionScore int
	ResponseHelpful   bool
	WouldRecommend    bool
	Category          string
	CreatedAt         time.Time
}

func (f CustomerFeedback) Validate() error {
	if strings.TrimSpace(f.TicketID) == "" {
		return &ValidationError{Field: "ticket_id", Message: "is required"}
	}
	if f.SatisfactionScore < 1 || f.SatisfactionScore > 5 {
		return &ValidationError{Field: "satisfaction_score", Message: "must be within 1..5"}
	}
	return nil
}

type DailyMetrics struct {
	UserID           string    `json:"user_id"`
	Date             time.Time `json:"date"`
	TicketsProcessed int       `json:"tickets_processed"`
	TicketsDeflected int       `json:"tickets_deflected"`
	DeflectionRate   float64   `json:"deflection_rate"`
	AvgResponseTime  float64   `json:"avg_response_time_ms"`
	AvgSatisfaction  float64   `json:"avg_satisfaction"`
	CostSavings      float64   `json:"cost_savings"`
	ROIPercentage    float64   `json:"roi_percentage"`
	LLMCost          float64   `json:"llm_cost"`
}

type ABTestStatus string

const (
	ABTestRunning   ABTestStatus = "running"
	ABTestCompleted ABTestStatus = "completed"
)

type ABTest struct {
	ID        string
	UserID    string
	Name      string
	Status    ABTestStatus
	Variants  []ABTestVariant
	WinnerID  string
	CreatedAt time.Time
}

type ABTestVariant struct {
	ID                 string
	TestID             string
	Name               string
	CustomInstructions string
}

// VariantStats aggregates impressions and conversions for one variant.
type VariantStats struct {
	VariantID   string `json:"variant_id"`
	Impressions int    `json:"impressions"`
	Conversions int    `json:"conversions"`
}

func (v VariantStats) ConversionRate() float64 {
	if v.Impressions == 0 {
		return 0
	}
	return float64(v.Conversions) / float64(v.Impressions)
}

type MessageAuthor string

const (
	AuthorCustomer MessageAuthor = "customer"
	AuthorAgent    MessageAuthor = "agent"
	AuthorAI       MessageAuthor = "ai"
)

type ConversationMessage struct {
	ID        int
	TicketID  string
	Author    MessageAuthor
	Body      string
	CreatedAt time.Time
}

// CustomerTicketSummary is a prior ticket of the same customer with its outcome.
type CustomerTicketSummary struct {
	TicketID  string
	Subject   string
	Status    TicketStatus
	State     DecisionState
	CreatedAt time.Time
}

// EmbeddingOwner identifies what a stored vector represents.
type EmbeddingOwner string

const (
	OwnerKnowledgeEntry EmbeddingOwner = "knowledge_entry"
	OwnerTemplate       EmbeddingOwner = "template"
	OwnerTicket         EmbeddingOwner = "ticket"
)

type StoredEmbedding struct {
	OwnerType EmbeddingOwner
	OwnerID   string
	UserID    string
	Text      string
	Vector    []float32
	Simulated bool
	UpdatedAt time.Time
}

// DailyAggregate is the raw per-day tally a rollup is computed from.
type DailyAggregate struct {
	TicketsProcessed int
	TicketsDeflected int
	AvgProcessingMS  float64
	AvgSatisfaction  float64
	LLMCost          float64
}
