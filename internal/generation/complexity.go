package generation

import (
	"strings"
	"unicode"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

var (
	highComplexityTerms = []string{
		"refund", "billing", "charge", "invoice", "payment", "chargeback",
		"legal", "lawsuit", "lawyer", "contract", "gdpr", "compliance", "privacy",
		"api", "integration", "webhook", "error", "bug", "crash", "outage",
		"database", "data loss", "security", "breach",
	}

	mediumComplexityTerms = []string{
		"how do i", "how to", "how can i", "setup", "set up", "configure",
		"install", "settings", "enable", "disable", "connect", "import", "export",
	}

	// Sensitive topics that always go to a human once the ticket is complex.
	humanOnlyTerms = []string{
		"refund", "billing", "charge", "chargeback", "invoice", "legal", "lawsuit", "lawyer", "contract",
	}
)

// ClassifyComplexity buckets ticket text by keyword lists. High beats medium;
// anything else, greetings included, is low.
func ClassifyComplexity(text string) models.Complexity {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, highComplexityTerms):
		return models.ComplexityHigh
	case containsAny(lower, mediumComplexityTerms):
		return models.ComplexityMedium
	default:
		return models.ComplexityLow
	}
}

// RequiresHuman is true for high complexity tickets about money or legal matters,
// regardless of how confident the model is.
func RequiresHuman(text string, complexity models.Complexity) bool {
	return complexity == models.ComplexityHigh && containsAny(strings.ToLower(text), humanOnlyTerms)
}

// containsAny matches single-word terms against whole words (plural included)
// and phrases as substrings.
func containsAny(text string, terms []string) bool {
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = struct{}{}
	}

	for _, t := range terms {
		if strings.Contains(t, " ") {
			if strings.Contains(text, t) {
				return true
			}
			continue
		}
		if _, ok := words[t]; ok {
			return true
		}
		if _, ok := words[t+"s"]; ok {
			return true
		}
	}
	return false
}
