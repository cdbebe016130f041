// Package preflight decides whether a ticket is eligible for automated handling
// before any model is invoked.
package preflight

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

const (
	MinContentLength = 10
	MaxContentLength = 5000

	businessDayStart = 9
	businessDayEnd   = 17
)

// Check names the rule that produced a Result.
type Check string

const (
	CheckAutoResponse   Check = "auto_response"
	CheckBusinessHours  Check = "business_hours"
	CheckCategory       Check = "excluded_category"
	CheckEscalationWord Check = "escalation_keyword"
	CheckPriority       Check = "priority"
	CheckTooShort       Check = "content_too_short"
	CheckTooLong        Check = "content_too_long"
)

// Result is the gate outcome. A failed gate is an expected answer, not an error.
type Result struct {
	Proceed bool
	Reason  string
	Check   Check
}

func pass() Result { return Result{Proceed: true} }

func fail(check Check, reason string) Result {
	return Result{Proceed: false, Reason: reason, Check: check}
}

type rule struct {
	check Check
	eval  func(t *models.Ticket, s *models.DeflectionSettings, now time.Time) (string, bool)
}

// rules run in order; the first failure wins.
var rules = []rule{
	{CheckAutoResponse, func(_ *models.Ticket, s *models.DeflectionSettings, _ time.Time) (string, bool) {
		return "Auto-response disabled", s.AutoResponseEnabled
	}},
	{CheckBusinessHours, func(_ *models.Ticket, s *models.DeflectionSettings, now time.Time) (string, bool) {
		return "Outside business hours", !s.BusinessHoursOnly || WithinBusinessHours(now)
	}},
	{CheckCategory, func(t *models.Ticket, s *models.DeflectionSettings, _ time.Time) (string, bool) {
		for _, c := range s.ExcludedCategories {
			if t.Category != "" && t.Category == c {
				return "Category excluded: " + c, false
			}
		}
		return "", true
	}},
	{CheckEscalationWord, func(t *models.Ticket, s *models.DeflectionSettings, _ time.Time) (string, bool) {
		if kw, ok := findKeyword(t.Subject+"\n"+t.Content, s.EscalationKeywords); ok {
			return "Contains escalation keyword: " + kw, false
		}
		return "", true
	}},
	{CheckPriority, func(t *models.Ticket, _ *models.DeflectionSettings, _ time.Time) (string, bool) {
		return "Priority ticket requires human", t.Priority != models.PriorityTop
	}},
	{CheckTooShort, func(t *models.Ticket, _ *models.DeflectionSettings, _ time.Time) (string, bool) {
		n := utf8.RuneCountInString(t.Content)
		return fmt.Sprintf("Ticket content too short (%d < %d characters)", n, MinContentLength), n >= MinContentLength
	}},
	{CheckTooLong, func(t *models.Ticket, _ *models.DeflectionSettings, _ time.Time) (string, bool) {
		n := utf8.RuneCountInString(t.Content)
		return fmt.Sprintf("Ticket content too long (%d > %d characters)", n, MaxContentLength), n <= MaxContentLength
	}},
}

// Evaluate runs the eligibility checks against a ticket. It is pure: the clock
// is an argument and nothing is read or written outside the inputs.
func Evaluate(t *models.Ticket, s *models.DeflectionSettings, now time.Time) Result {
	for _, r := range rules {
		if reason, ok := r.eval(t, s, now); !ok {
			return fail(r.check, reason)
		}
	}
	return pass()
}

// WithinBusinessHours reports whether now falls in Mon-Fri 09:00-17:00 UTC.
func WithinBusinessHours(now time.Time) bool {
	now = now.UTC()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return now.Hour() >= businessDayStart && now.Hour() < businessDayEnd
}

func findKeyword(text string, keywords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
