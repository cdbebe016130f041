// Package ingestion turns knowledge articles, templates and resolved tickets
// into searchable records: cleaned text, keywords and an indexed embedding.
package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/embedding"
	"github.com/supportdesk/deflection-engine/internal/metrics"
	"github.com/supportdesk/deflection-engine/internal/retrieval"
	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
	"github.com/supportdesk/deflection-engine/pkg/utils"
)

const DefaultReindexLimit = 500

type Store interface {
	UpsertKnowledgeEntry(ctx context.Context, e *models.KnowledgeEntry) error
	UpsertTemplate(ctx context.Context, t *models.ResponseTemplate) error
	ListResolvedTickets(ctx context.Context, userID string, limit int) ([]models.Ticket, error)
}

// EntryInput is one knowledge article. When HTML is set, Content and a missing
// Title are taken from it.
type EntryInput struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Category  string `json:"category,omitempty"`
}

type TemplateInput struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Report describes a bulk run. Stored records stay keyword-searchable even
// when their embedding failed.
type Report struct {
	Requested int      `json:"requested"`
	Stored    int      `json:"stored"`
	Indexed   int      `json:"indexed"`
	Simulated int      `json:"simulated"`
	Failed    []string `json:"failed,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *Report) Partial() bool {
	return len(r.Failed) > 0
}

type Processor struct {
	store       Store
	index       retrieval.VectorIndex
	batcher     *embedding.Batcher
	maxKeywords int
	maxChars    int
}

func NewProcessor(store Store, index retrieval.VectorIndex, batcher *embedding.Batcher, maxKeywords, maxChars int) *Processor {
	if maxKeywords <= 0 {
		maxKeywords = retrieval.DefaultMaxKeywords
	}
	if maxChars <= 0 {
		maxChars = embedding.DefaultMaxChars
	}
	return &Processor{
		store:       store,
		index:       index,
		batcher:     batcher,
		maxKeywords: maxKeywords,
		maxChars:    maxChars,
	}
}

// pending is a stored record waiting for its embedding.
type pending struct {
	owner models.EmbeddingOwner
	id    string
	text  string
}

func (p *Processor) IngestEntries(ctx context.Context, userID string, inputs []EntryInput) (*Report, error) {
	report := &Report{Requested: len(inputs)}
	var queue []pending

	for _, in := range inputs {
		entry, err := p.buildEntry(userID, in)
		if err != nil {
			report.fail(in.Title, err)
			continue
		}
		if err := p.store.UpsertKnowledgeEntry(ctx, entry); err != nil {
			report.fail(entry.ID, err)
			continue
		}
		report.Stored++
		queue = append(queue, pending{
			owner: models.OwnerKnowledgeEntry,
			id:    entry.ID,
			text:  entry.Title + "\n" + entry.Content,
		})
	}

	if err := p.embedAndIndex(ctx, userID, queue, report); err != nil {
		return report, err
	}
	p.logReport("Knowledge entries ingested", userID, report)
	return report, nil
}

func (p *Processor) IngestTemplates(ctx context.Context, userID string, inputs []TemplateInput) (*Report, error) {
	report := &Report{Requested: len(inputs)}
	var queue []pending

	for _, in := range inputs {
		content := embedding.Clean(in.Content, 0)
		if in.Name == "" || content == "" {
			report.fail(in.Name, &models.ValidationError{Field: "template", Message: "name and content are required"})
			continue
		}
		tpl := &models.ResponseTemplate{
			ID:          in.ID,
			UserID:      userID,
			Name:        strings.TrimSpace(in.Name),
			Content:     content,
			Tags:        in.Tags,
			Category:    in.Category,
			SuccessRate: 0.5,
		}
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		if len(tpl.Tags) == 0 {
			tpl.Tags = retrieval.ExtractKeywords(tpl.Name+" "+content, p.maxKeywords)
		}
		if err := p.store.UpsertTemplate(ctx, tpl); err != nil {
			report.fail(tpl.ID, err)
			continue
		}
		report.Stored++
		queue = append(queue, pending{owner: models.OwnerTemplate, id: tpl.ID, text: tpl.Name + "\n" + tpl.Content})
	}

	if err := p.embedAndIndex(ctx, userID, queue, report); err != nil {
		return report, err
	}
	p.logReport("Templates ingested", userID, report)
	return report, nil
}

// ReindexResolvedTickets embeds the user's most recent resolved tickets so they
// can be surfaced as similar tickets. Failed chunks are reported, the rest kept.
func (p *Processor) ReindexResolvedTickets(ctx context.Context, userID string, limit int) (*Report, error) {
	if limit <= 0 {
		limit = DefaultReindexLimit
	}
	tickets, err := p.store.ListResolvedTickets(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved tickets: %w", err)
	}

	report := &Report{Requested: len(tickets), Stored: len(tickets)}
	queue := make([]pending, 0, len(tickets))
	for _, t := range tickets {
		queue = append(queue, pending{owner: models.OwnerTicket, id: t.ID, text: t.Subject + "\n" + t.Content})
	}

	if err := p.embedAndIndex(ctx, userID, queue, report); err != nil {
		return report, err
	}
	p.logReport("Resolved tickets reindexed", userID, report)
	return report, nil
}

func (p *Processor) buildEntry(userID string, in EntryInput) (*models.KnowledgeEntry, error) {
	title, content := in.Title, in.Content
	if in.HTML != "" {
		content = embedding.StripHTML(in.HTML)
		if title == "" {
			title = extractTitle(in.HTML)
		}
	}
	content = embedding.Clean(content, 0)
	title = strings.TrimSpace(title)

	if content == "" {
		return nil, &models.ValidationError{Field: "content", Message: "no content extracted"}
	}
	if title == "" {
		title = "Untitled"
	}

	id := in.ID
	if id == "" && in.SourceURL != "" {
		id = utils.HashString(userID + "|" + in.SourceURL)
	}
	if id == "" {
		id = uuid.New().String()
	}

	return &models.KnowledgeEntry{
		ID:          id,
		UserID:      userID,
		Title:       title,
		Content:     content,
		Keywords:    retrieval.ExtractKeywords(title+" "+content, p.maxKeywords),
		Category:    in.Category,
		SuccessRate: 0.5,
	}, nil
}

func (p *Processor) embedAndIndex(ctx context.Context, userID string, queue []pending, report *Report) error {
	if len(queue) == 0 {
		return nil
	}

	texts := make([]string, len(queue))
	for i, item := range queue {
		texts[i] = embedding.Clean(item.text, p.maxChars)
	}

	result := p.batcher.EmbedAll(ctx, texts)
	now := time.Now().UTC()

	items := make([]models.StoredEmbedding, 0, len(queue))
	for i, item := range queue {
		if !result.Succeeded(i) {
			report.Failed = append(report.Failed, item.id)
			metrics.KnowledgeIngested.WithLabelValues(string(item.owner), "failed").Inc()
			continue
		}
		emb := result.Embeddings[i]
		if emb.Simulated {
			report.Simulated++
		}
		items = append(items, models.StoredEmbedding{
			OwnerType: item.owner,
			OwnerID:   item.id,
			UserID:    userID,
			Text:      texts[i],
			Vector:    emb.Vector,
			Simulated: emb.Simulated,
			UpdatedAt: now,
		})
	}
	for _, f := range result.Failures {
		report.Errors = append(report.Errors, f.Err.Error())
	}

	if err := p.index.Upsert(ctx, items); err != nil {
		return fmt.Errorf("failed to index embeddings: %w", err)
	}
	report.Indexed += len(items)
	for _, item := range items {
		metrics.KnowledgeIngested.WithLabelValues(string(item.OwnerType), "indexed").Inc()
	}
	return nil
}

func (r *Report) fail(id string, err error) {
	r.Failed = append(r.Failed, id)
	r.Errors = append(r.Errors, err.Error())
}

func (p *Processor) logReport(msg, userID string, r *Report) {
	logger.Info(msg,
		zap.String("user_id", userID),
		zap.Int("requested", r.Requested),
		zap.Int("stored", r.Stored),
		zap.Int("indexed", r.Indexed),
		zap.Int("simulated", r.Simulated),
		zap.Int("failed", len(r.Failed)),
	)
}

func extractTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	title := doc.Find("title").First().Text()
	if title == "" {
		title = doc.Find("h1").First().Text()
	}
	return strings.TrimSpace(title)
}
