package retrieval

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const DefaultMaxKeywords = 15

var stopWords = toSet(
	"a", "about", "after", "again", "all", "am", "an", "and", "any", "are", "as", "at",
	"be", "because", "been", "before", "being", "but", "by",
	"can", "cannot", "could",
	"d", "did", "do", "does", "doing", "dont", "down",
	"each",
	"few", "for", "from",
	"get", "got",
	"had", "has", "have", "having", "he", "hello", "her", "here", "hers", "hi", "him", "his", "how",
	"i", "if", "im", "in", "into", "is", "it", "its", "itself",
	"just",
	"ll",
	"m", "me", "more", "most", "my", "myself",
	"no", "nor", "not", "nt", "now",
	"of", "off", "on", "once", "only", "or", "other", "our", "ours", "out", "over", "own",
	"please",
	"re",
	"s", "same", "she", "should", "so", "some", "such",
	"t", "than", "thank", "thanks", "that", "the", "their", "them", "then", "there", "these",
	"they", "this", "those", "through", "to", "too",
	"under", "until", "up",
	"ve", "very",
	"was", "we", "were", "what", "when", "where", "which", "while", "who", "why", "will", "with", "would",
	"you", "your", "yours",
)

func toSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// ExtractKeywords tokenizes text, lowercases, strips punctuation and stop words
// and keeps the first occurrence of each token, up to limit.
func ExtractKeywords(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultMaxKeywords
	}

	keywords := make([]string, 0, limit)
	seen := make(map[string]struct{})

	for _, tok := range tokenize(text) {
		word := normalize(tok)
		if word == "" {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if _, dup := seen[word]; dup {
			continue
		}
		seen[word] = struct{}{}
		keywords = append(keywords, word)
		if len(keywords) == limit {
			break
		}
	}
	return keywords
}

func tokenize(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		logger.Debug("Tokenizer failed, splitting on whitespace", zap.Error(err))
		return strings.Fields(text)
	}

	tokens := doc.Tokens()
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

func normalize(token string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(token) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// countMatches returns how many keywords occur in any of the fields.
func countMatches(keywords []string, fields ...string) int {
	haystack := strings.ToLower(strings.Join(fields, "\n"))
	n := 0
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			n++
		}
	}
	return n
}
