package embedding

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

var (
	htmlTag    = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Clean strips markup, collapses whitespace and truncates to maxChars runes.
func Clean(text string, maxChars int) string {
	if htmlTag.MatchString(text) {
		text = StripHTML(text)
	}

	text = whitespace.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxChars]))
	}
	return text
}

// StripHTML returns the visible text of an HTML fragment or document.
func StripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// Block elements would otherwise glue adjacent words together.
	doc.Find("p, div, li, br, h1, h2, h3, h4, h5, h6, tr").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	return doc.Find("body").Text()
}
