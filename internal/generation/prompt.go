package generation

import (
	"fmt"
	"strings"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
)

const (
	maxHistoryMessages = 10
	maxSnippetChars    = 1200
)

const systemPromptBase = `You are a customer support agent deciding how to handle an incoming ticket.

Decide one of:
- auto_resolve: the knowledge provided fully answers the ticket and you can reply now
- follow_up: you can help but need more information from the customer
- escalate: a human agent must take over

Be honest about confidence. Only use auto_resolve when the provided knowledge covers the issue.
Never invent policies, prices or account details.

Return a JSON object with exactly these fields:
{
  "content": "the reply to send to the customer",
  "type": "auto_resolve | follow_up | escalate",
  "confidence": 0.0-1.0,
  "reasoning": "why you chose this type",
  "suggested_actions": ["optional", "agent actions"],
  "estimated_resolution_minutes": 0,
  "follow_up_needed": false,
  "escalation_reason": "only when type is escalate"
}`

func buildSystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(systemPromptBase)

	lang := "en"
	if req.Settings != nil && req.Settings.ResponseLanguage != "" {
		lang = req.Settings.ResponseLanguage
	}
	fmt.Fprintf(&b, "\n\nWrite the customer reply in language: %s.", lang)

	instructions := req.CustomInstructions
	if instructions == "" && req.Settings != nil {
		instructions = req.Settings.CustomInstructions
	}
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		fmt.Fprintf(&b, "\n\nAdditional instructions from the support team:\n%s", instructions)
	}
	return b.String()
}

func buildUserPrompt(req Request, complexity models.Complexity) string {
	var b strings.Builder
	t := req.Ticket

	b.WriteString("## Ticket\n")
	if t.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", t.Subject)
	}
	if t.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", t.Category)
	}
	fmt.Fprintf(&b, "Estimated complexity: %s\n", complexity)
	fmt.Fprintf(&b, "Message:\n%s\n", t.Content)

	if len(req.History) > 0 {
		b.WriteString("\n## Conversation so far\n")
		history := req.History
		if len(history) > maxHistoryMessages {
			history = history[len(history)-maxHistoryMessages:]
		}
		for _, m := range history {
			fmt.Fprintf(&b, "[%s] %s\n", m.Author, truncate(m.Body, maxSnippetChars))
		}
	}

	if k := req.Knowledge; k != nil {
		if len(k.Entries) > 0 {
			b.WriteString("\n## Knowledge base\n")
			for _, e := range k.Entries {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", e.ID, e.Title, truncate(e.Content, maxSnippetChars))
			}
		}
		if len(k.Templates) > 0 {
			b.WriteString("\n## Response templates\n")
			for _, tpl := range k.Templates {
				fmt.Fprintf(&b, "- [%s] %s: %s\n", tpl.ID, tpl.Name, truncate(tpl.Content, maxSnippetChars))
			}
		}
		if len(k.SimilarTickets) > 0 {
			b.WriteString("\n## Similar resolved tickets\n")
			for _, m := range k.SimilarTickets {
				fmt.Fprintf(&b, "- (similarity %.2f) %s\n", m.Similarity, truncate(m.Text, maxSnippetChars))
			}
		}
	}

	if len(req.CustomerHistory) > 0 {
		b.WriteString("\n## Previous tickets from this customer\n")
		for _, h := range req.CustomerHistory {
			outcome := string(h.State)
			if outcome == "" {
				outcome = "not analyzed"
			}
			fmt.Fprintf(&b, "- %s %q: status %s, outcome %s\n", h.CreatedAt.Format("2006-01-02"), h.Subject, h.Status, outcome)
		}
	}

	if k := req.Knowledge; k == nil || len(k.Entries)+len(k.Templates) == 0 {
		b.WriteString("\nNo matching knowledge was found. Do not auto_resolve unless the answer is trivially general.\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
