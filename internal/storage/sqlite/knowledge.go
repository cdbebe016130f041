package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/internal/storage/models"
	"github.com/supportdesk/deflection-engine/pkg/logger"
)

func (c *Client) UpsertKnowledgeEntry(ctx context.Context, e *models.KnowledgeEntry) error {
	query := `
		INSERT INTO knowledge_entries (id, user_id, title, content, keywords, category, success_rate, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			keywords = excluded.keywords,
			category = excluded.category,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.Title,
		e.Content,
		encodeStrings(e.Keywords),
		e.Category,
		e.SuccessRate,
		e.UsageCount,
		e.CreatedAt.Unix(),
		e.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge entry: %w", err)
	}

	logger.Debug("Knowledge entry stored", zap.String("entry_id", e.ID), zap.String("title", e.Title))
	return nil
}

func (c *Client) ListKnowledgeEntries(ctx context.Context, userID string) ([]models.KnowledgeEntry, error) {
	query := `
		SELECT id, user_id, title, content, keywords, category, success_rate, usage_count, created_at, updated_at
		FROM knowledge_entries WHERE user_id = ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []models.KnowledgeEntry
	for rows.Next() {
		var e models.KnowledgeEntry
		var keywords, category sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(&e.ID, &e.UserID, &e.Title, &e.Content, &keywords, &category,
			&e.SuccessRate, &e.UsageCount, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		e.Keywords = decodeStrings(keywords)
		e.Category = category.String
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (c *Client) GetKnowledgeEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	query := `SELECT id, user_id, title, content, category, success_rate, usage_count FROM knowledge_entries WHERE id = ?`

	var e models.KnowledgeEntry
	var category sql.NullString
	err := c.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.UserID, &e.Title, &e.Content, &category, &e.SuccessRate, &e.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge entry %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge entry: %w", err)
	}
	e.Category = category.String
	return &e, nil
}

func (c *Client) UpsertTemplate(ctx context.Context, t *models.ResponseTemplate) error {
	query := `
		INSERT INTO response_templates (id, user_id, name, content, tags, category, success_rate, usage_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			content = excluded.content,
			tags = excluded.tags,
			category = excluded.category,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := c.db.ExecContext(ctx, query,
		t.ID,
		t.UserID,
		t.Name,
		t.Content,
		encodeStrings(t.Tags),
		t.Category,
		t.SuccessRate,
		t.UsageCount,
		t.CreatedAt.Unix(),
		t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	return nil
}

func (c *Client) ListTemplates(ctx context.Context, userID string) ([]models.ResponseTemplate, error) {
	query := `
		SELECT id, user_id, name, content, tags, category, success_rate, usage_count, created_at, updated_at
		FROM response_templates WHERE user_id = ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []models.ResponseTemplate
	for rows.Next() {
		var t models.ResponseTemplate
		var tags, category sql.NullString
		var createdAt, updatedAt int64

		err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Content, &tags, &category,
			&t.SuccessRate, &t.UsageCount, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		t.Tags = decodeStrings(tags)
		t.Category = category.String
		t.CreatedAt = time.Unix(createdAt, 0).UTC()
		t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		templates = append(templates, t)
	}

	return templates, rows.Err()
}

func (c *Client) GetTemplate(ctx context.Context, id string) (*models.ResponseTemplate, error) {
	query := `SELECT id, user_id, name, content, category, success_rate, usage_count FROM response_templates WHERE id = ?`

	var t models.ResponseTemplate
	var category sql.NullString
	err := c.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.UserID, &t.Name, &t.Content, &category, &t.SuccessRate, &t.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	t.Category = category.String
	return &t, nil
}

// UpdateKnowledgeStats writes the feedback-derived success rate and usage count.
func (c *Client) UpdateKnowledgeStats(ctx context.Context, id string, successRate float64, usageCount int) error {
	return c.updateStats(ctx, "knowledge_entries", id, successRate, usageCount)
}

func (c *Client) UpdateTemplateStats(ctx context.Context, id string, successRate float64, usageCount int) error {
	return c.updateStats(ctx, "response_templates", id, successRate, usageCount)
}

func (c *Client) updateStats(ctx context.Context, table, id string, successRate float64, usageCount int) error {
	query := fmt.Sprintf(`UPDATE %s SET success_rate = ?, usage_count = ?, updated_at = ? WHERE id = ?`, table)

	res, err := c.db.ExecContext(ctx, query, successRate, usageCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to update %s stats: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", table, id, models.ErrNotFound)
	}
	return nil
}

func (c *Client) UpsertEmbedding(ctx context.Context, e *models.StoredEmbedding) error {
	vector, err := json.Marshal(e.Vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	query := `
		INSERT INTO embeddings (owner_type, owner_id, user_id, text, vector, simulated, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_type, owner_id) DO UPDATE SET
			text = excluded.text,
			vector = excluded.vector,
			simulated = excluded.simulated,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		string(e.OwnerType),
		e.OwnerID,
		e.UserID,
		e.Text,
		string(vector),
		boolToInt(e.Simulated),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings returns stored vectors of the given owner types for a user.
func (c *Client) ListEmbeddings(ctx context.Context, userID string, owners ...models.EmbeddingOwner) ([]models.StoredEmbedding, error) {
	query := `SELECT owner_type, owner_id, user_id, text, vector, simulated, updated_at FROM embeddings WHERE user_id = ?`
	args := []any{userID}

	if len(owners) > 0 {
		placeholders := make([]string, len(owners))
		for i, o := range owners {
			placeholders[i] = "?"
			args = append(args, string(o))
		}
		query += " AND owner_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var result []models.StoredEmbedding
	for rows.Next() {
		var e models.StoredEmbedding
		var ownerType, vector string
		var text sql.NullString
		var simulated int
		var updatedAt int64

		if err := rows.Scan(&ownerType, &e.OwnerID, &e.UserID, &text, &vector, &simulated, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(vector), &e.Vector); err != nil {
			logger.Warn("Skipping corrupt embedding row",
				zap.String("owner_type", ownerType),
				zap.String("owner_id", e.OwnerID),
				zap.Error(err),
			)
			continue
		}

		e.OwnerType = models.EmbeddingOwner(ownerType)
		e.Text = text.String
		e.Simulated = simulated == 1
		e.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		result = append(result, e)
	}

	return result, rows.Err()
}
