package preflight

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

// Tuesday 10:00 UTC.
var workday = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func defaultSettings() *models.DeflectionSettings {
	return &models.DeflectionSettings{
		AutoResponseEnabled: true,
		ConfidenceThreshold: 0.8,
		EscalationThreshold: 0.5,
		ResponseLanguage:    "en",
		ExcludedCategories:  []string{"legal"},
		EscalationKeywords:  []string{"Lawyer", "chargeback"},
	}
}

func ticket(content string) *models.Ticket {
	return &models.Ticket{ID: "t-1", UserID: "u-1", Content: content, Subject: "Help"}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		ticket   *models.Ticket
		mutate   func(s *models.DeflectionSettings)
		now      time.Time
		proceed  bool
		check    Check
		contains string
	}{
		{
			name:    "eligible ticket",
			ticket:  ticket("How do I change my billing address?"),
			now:     workday,
			proceed: true,
		},
		{
			name:     "disabled regardless of content",
			ticket:   ticket("Hi"),
			mutate:   func(s *models.DeflectionSettings) { s.AutoResponseEnabled = false },
			now:      workday,
			check:    CheckAutoResponse,
			contains: "Auto-response disabled",
		},
		{
			name:     "weekend with business hours only",
			ticket:   ticket("How do I change my billing address?"),
			mutate:   func(s *models.DeflectionSettings) { s.BusinessHoursOnly = true },
			now:      time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC),
			check:    CheckBusinessHours,
			contains: "Outside business hours",
		},
		{
			name:     "after five pm",
			ticket:   ticket("How do I change my billing address?"),
			mutate:   func(s *models.DeflectionSettings) { s.BusinessHoursOnly = true },
			now:      time.Date(2024, 3, 5, 17, 0, 0, 0, time.UTC),
			check:    CheckBusinessHours,
			contains: "Outside business hours",
		},
		{
			name:     "excluded category",
			ticket:   &models.Ticket{Content: "Please review this contract clause", Category: "legal"},
			now:      workday,
			check:    CheckCategory,
			contains: "Category excluded: legal",
		},
		{
			name:     "escalation keyword is case insensitive",
			ticket:   ticket("My LAWYER will be in touch about this"),
			now:      workday,
			check:    CheckEscalationWord,
			contains: "Contains escalation keyword",
		},
		{
			name:     "keyword in subject",
			ticket:   &models.Ticket{Subject: "Chargeback filed", Content: "Please look into my last order"},
			now:      workday,
			check:    CheckEscalationWord,
			contains: "chargeback",
		},
		{
			name:     "priority tier",
			ticket:   &models.Ticket{Content: "The export button does nothing", Priority: models.PriorityTop},
			now:      workday,
			check:    CheckPriority,
			contains: "requires human",
		},
		{
			name:     "too short",
			ticket:   ticket("Hi"),
			now:      workday,
			check:    CheckTooShort,
			contains: "too short",
		},
		{
			name:     "too long",
			ticket:   ticket(strings.Repeat("A", 6000)),
			now:      workday,
			check:    CheckTooLong,
			contains: "too long",
		},
		{
			name:    "exactly at the limits",
			ticket:  ticket(strings.Repeat("A", MaxContentLength)),
			now:     workday,
			proceed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSettings()
			if tt.mutate != nil {
				tt.mutate(s)
			}

			got := Evaluate(tt.ticket, s, tt.now)

			assert.Equal(t, tt.proceed, got.Proceed)
			assert.Equal(t, tt.check, got.Check)
			assert.Contains(t, got.Reason, tt.contains)
		})
	}
}

func TestEvaluate_StopsAtFirstFailure(t *testing.T) {
	original := rules
	t.Cleanup(func() { rules = original })

	var evaluated []Check
	rules = make([]rule, len(original))
	for i, r := range original {
		r := r
		rules[i] = rule{check: r.check, eval: func(tk *models.Ticket, s *models.DeflectionSettings, now time.Time) (string, bool) {
			evaluated = append(evaluated, r.check)
			return r.eval(tk, s, now)
		}}
	}

	// Fails the keyword check and would also fail the length check.
	got := Evaluate(ticket("lawyer"), defaultSettings(), workday)

	assert.Equal(t, CheckEscalationWord, got.Check)
	assert.Equal(t, []Check{CheckAutoResponse, CheckBusinessHours, CheckCategory, CheckEscalationWord}, evaluated)
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	tk := ticket("Where can I download my invoices?")
	s := defaultSettings()

	first := Evaluate(tk, s, workday)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(tk, s, workday))
	}
}

func TestWithinBusinessHours(t *testing.T) {
	assert.True(t, WithinBusinessHours(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)))
	assert.False(t, WithinBusinessHours(time.Date(2024, 3, 4, 8, 59, 0, 0, time.UTC)))
	assert.False(t, WithinBusinessHours(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)))

	// 09:30 in UTC+2 is 07:30 UTC.
	loc := time.FixedZone("UTC+2", 2*60*60)
	assert.False(t, WithinBusinessHours(time.Date(2024, 3, 4, 9, 30, 0, 0, loc)))
}
