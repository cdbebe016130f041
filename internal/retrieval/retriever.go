// Package retrieval finds knowledge entries, templates and past tickets that
// are relevant to an incoming ticket, by keyword and by embedding similarity.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

const (
	DefaultSimilarityThreshold = 0.8
	DefaultMaxResults          = 5
	DefaultKeywordResults      = 5

	// Candidates requested from an approximate index before exact re-scoring.
	candidateOverfetch = 4
)

// KnowledgeSource serves a user's knowledge base.
type KnowledgeSource interface {
	ListKnowledgeEntries(ctx context.Context, userID string) ([]models.KnowledgeEntry, error)
	ListTemplates(ctx context.Context, userID string) ([]models.ResponseTemplate, error)
}

type Config struct {
	SimilarityThreshold float64
	MaxResults          int
	KeywordResults      int
	MaxKeywords         int
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	if c.KeywordResults <= 0 {
		c.KeywordResults = DefaultKeywordResults
	}
	if c.MaxKeywords <= 0 {
		c.MaxKeywords = DefaultMaxKeywords
	}
	return c
}

type Match struct {
	OwnerType  models.EmbeddingOwner
	OwnerID    string
	Text       string
	Similarity float64
}

type Query struct {
	UserID   string
	TicketID string
	Text     string
	// Vector is the ticket embedding; nil disables the similarity path.
	Vector []float32
}

// Result is everything the generator gets to see about prior knowledge.
type Result struct {
	Keywords       []string
	Entries        []models.KnowledgeEntry
	Templates      []models.ResponseTemplate
	SimilarTickets []Match
}

func (r *Result) EntryIDs() []string {
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ID
	}
	return ids
}

func (r *Result) TemplateIDs() []string {
	ids := make([]string, len(r.Templates))
	for i, t := range r.Templates {
		ids[i] = t.ID
	}
	return ids
}

type Retriever struct {
	knowledge KnowledgeSource
	index     VectorIndex
	cfg       Config
}

func NewRetriever(knowledge KnowledgeSource, index VectorIndex, cfg Config) *Retriever {
	return &Retriever{knowledge: knowledge, index: index, cfg: cfg.withDefaults()}
}

// Retrieve runs the keyword and similarity lookups concurrently and merges
// them. Similarity matches come first, followed by keyword matches not
// already included.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (*Result, error) {
	res := &Result{Keywords: ExtractKeywords(q.Text, r.cfg.MaxKeywords)}

	var (
		entries       []models.KnowledgeEntry
		templates     []models.ResponseTemplate
		knowledgeHits []Match
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		entries, err = r.knowledge.ListKnowledgeEntries(gctx, q.UserID)
		if err != nil {
			return fmt.Errorf("failed to load knowledge entries: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		templates, err = r.knowledge.ListTemplates(gctx, q.UserID)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}
		return nil
	})

	if q.Vector != nil && r.index != nil {
		g.Go(func() error {
			var err error
			knowledgeHits, err = r.Similar(gctx, q.UserID, q.Vector, models.OwnerKnowledgeEntry, models.OwnerTemplate)
			return err
		})

		g.Go(func() error {
			hits, err := r.Similar(gctx, q.UserID, q.Vector, models.OwnerTicket)
			if err != nil {
				return err
			}
			for _, h := range hits {
				if h.OwnerID != q.TicketID {
					res.SimilarTickets = append(res.SimilarTickets, h)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Entries = mergeEntries(knowledgeHits, RankEntries(entries, res.Keywords, r.cfg.KeywordResults), entries, r.cfg.MaxResults)
	res.Templates = mergeTemplates(knowledgeHits, RankTemplates(templates, res.Keywords, r.cfg.KeywordResults), templates, r.cfg.MaxResults)

	logger.Debug("Retrieval completed",
		zap.String("ticket_id", q.TicketID),
		zap.Strings("keywords", res.Keywords),
		zap.Int("entries", len(res.Entries)),
		zap.Int("templates", len(res.Templates)),
		zap.Int("similar_tickets", len(res.SimilarTickets)),
	)
	return res, nil
}

// Similar scores index candidates by cosine similarity, keeps those at or
// above the threshold and returns the best MaxResults in descending order.
// Candidates with a mismatched dimension are skipped.
func (r *Retriever) Similar(ctx context.Context, userID string, query []float32, owners ...models.EmbeddingOwner) ([]Match, error) {
	candidates, err := r.index.Candidates(ctx, userID, query, r.cfg.MaxResults*candidateOverfetch, owners...)
	if err != nil {
		return nil, fmt.Errorf("failed to load vector candidates: %w", err)
	}
	return ScoreCandidates(query, candidates, r.cfg.SimilarityThreshold, r.cfg.MaxResults), nil
}

func ScoreCandidates(query []float32, candidates []Candidate, threshold float64, limit int) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		sim, err := CosineSimilarity(query, c.Vector)
		if errors.Is(err, ErrDimensionMismatch) {
			logger.Warn("Skipping candidate with mismatched dimension",
				zap.String("owner_type", string(c.OwnerType)),
				zap.String("owner_id", c.OwnerID),
				zap.Error(err),
			)
			continue
		}
		if sim >= threshold {
			matches = append(matches, Match{OwnerType: c.OwnerType, OwnerID: c.OwnerID, Text: c.Text, Similarity: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].OwnerID < matches[j].OwnerID
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

type scored struct {
	idx         int
	successRate float64
	usage       int
	matches     int
	id          string
}

func rank(items []scored, limit int) []int {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.successRate != b.successRate {
			return a.successRate > b.successRate
		}
		if a.usage != b.usage {
			return a.usage > b.usage
		}
		if a.matches != b.matches {
			return a.matches > b.matches
		}
		return a.id < b.id
	})

	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	out := make([]int, len(items))
	for i, s := range items {
		out[i] = s.idx
	}
	return out
}

// RankEntries keeps entries matching at least one keyword in title, content
// or keywords, ordered by success rate, then usage count, then match count.
func RankEntries(entries []models.KnowledgeEntry, keywords []string, limit int) []models.KnowledgeEntry {
	if len(keywords) == 0 {
		return nil
	}

	var hits []scored
	for i, e := range entries {
		n := countMatches(keywords, append([]string{e.Title, e.Content}, e.Keywords...)...)
		if n > 0 {
			hits = append(hits, scored{idx: i, successRate: e.SuccessRate, usage: e.UsageCount, matches: n, id: e.ID})
		}
	}

	idx := rank(hits, limit)
	out := make([]models.KnowledgeEntry, len(idx))
	for i, j := range idx {
		out[i] = entries[j]
	}
	return out
}

func RankTemplates(templates []models.ResponseTemplate, keywords []string, limit int) []models.ResponseTemplate {
	if len(keywords) == 0 {
		return nil
	}

	var hits []scored
	for i, t := range templates {
		n := countMatches(keywords, append([]string{t.Name, t.Content}, t.Tags...)...)
		if n > 0 {
			hits = append(hits, scored{idx: i, successRate: t.SuccessRate, usage: t.UsageCount, matches: n, id: t.ID})
		}
	}

	idx := rank(hits, limit)
	out := make([]models.ResponseTemplate, len(idx))
	for i, j := range idx {
		out[i] = templates[j]
	}
	return out
}

func mergeEntries(hits []Match, keyword, all []models.KnowledgeEntry, limit int) []models.KnowledgeEntry {
	byID := make(map[string]models.KnowledgeEntry, len(all))
	for _, e := range all {
		byID[e.ID] = e
	}

	seen := make(map[string]bool)
	var out []models.KnowledgeEntry
	add := func(e models.KnowledgeEntry) {
		if len(out) < limit && !seen[e.ID] {
			seen[e.ID] = true
			out = append(out, e)
		}
	}

	for _, h := range hits {
		if e, ok := byID[h.OwnerID]; ok && h.OwnerType == models.OwnerKnowledgeEntry {
			add(e)
		}
	}
	for _, e := range keyword {
		add(e)
	}
	return out
}

func mergeTemplates(hits []Match, keyword, all []models.ResponseTemplate, limit int) []models.ResponseTemplate {
	byID := make(map[string]models.ResponseTemplate, len(all))
	for _, t := range all {
		byID[t.ID] = t
	}

	seen := make(map[string]bool)
	var out []models.ResponseTemplate
	add := func(t models.ResponseTemplate) {
		if len(out) < limit && !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, t)
		}
	}

	for _, h := range hits {
		if t, ok := byID[h.OwnerID]; ok && h.OwnerType == models.OwnerTemplate {
			add(t)
		}
	}
	for _, t := range keyword {
		add(t)
	}
	return out
}
