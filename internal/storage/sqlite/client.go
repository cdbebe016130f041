package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/supportdesk/deflection-engine/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		content TEXT NOT NULL,
		subject TEXT,
		customer_email TEXT,
		category TEXT,
		priority TEXT,
		status TEXT NOT NULL DEFAULT 'open',
		follow_up_required INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_tickets_customer ON tickets(user_id, customer_email);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		author TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ticket ON conversation_messages(ticket_id, created_at);

	CREATE TABLE IF NOT EXISTS deflection_settings (
		user_id TEXT PRIMARY KEY,
		auto_response_enabled INTEGER NOT NULL,
		confidence_threshold REAL NOT NULL,
		escalation_threshold REAL NOT NULL,
		response_language TEXT NOT NULL,
		business_hours_only INTEGER NOT NULL,
		excluded_categories TEXT,
		escalation_keywords TEXT,
		custom_instructions TEXT,
		updated_at INTEGER NOT NULL,
		CHECK (confidence_threshold > escalation_threshold)
	);

	CREATE TABLE IF NOT EXISTS knowledge_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		keywords TEXT,
		category TEXT,
		success_rate REAL NOT NULL DEFAULT 0.5,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_user ON knowledge_entries(user_id);

	CREATE TABLE IF NOT EXISTS response_templates (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		category TEXT,
		success_rate REAL NOT NULL DEFAULT 0.5,
		usage_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_templates_user ON response_templates(user_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		owner_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT,
		vector TEXT NOT NULL,
		simulated INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner_type, owner_id)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_user ON embeddings(user_id, owner_type);

	CREATE TABLE IF NOT EXISTS ai_responses (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		response_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		reasoning TEXT,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		requires_human INTEGER NOT NULL DEFAULT 0,
		complexity TEXT,
		knowledge_entry_ids TEXT,
		template_ids TEXT,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		processing_ms INTEGER NOT NULL DEFAULT 0,
		simulated_embedding INTEGER NOT NULL DEFAULT 0,
		ab_test_id TEXT,
		variant_id TEXT,
		delivery_started_at INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE,
		CHECK (confidence >= 0 AND confidence <= 1)
	);
	CREATE INDEX IF NOT EXISTS idx_responses_user ON ai_responses(user_id, created_at);

	CREATE TABLE IF NOT EXISTS deflection_events (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		confidence REAL NOT NULL,
		template_used TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_deflections_user ON deflection_events(user_id, created_at);

	CREATE TABLE IF NOT EXISTS customer_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL,
		satisfaction_score INTEGER NOT NULL,
		response_helpful INTEGER NOT NULL,
		would_recommend INTEGER NOT NULL,
		category TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_ticket ON customer_feedback(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON customer_feedback(created_at);

	CREATE TABLE IF NOT EXISTS daily_metrics (
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		tickets_processed INTEGER NOT NULL,
		tickets_deflected INTEGER NOT NULL,
		deflection_rate REAL NOT NULL,
		avg_response_time REAL NOT NULL,
		avg_satisfaction REAL NOT NULL,
		cost_savings REAL NOT NULL,
		roi_percentage REAL NOT NULL,
		llm_cost REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, date)
	);

	CREATE TABLE IF NOT EXISTS ab_tests (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		winner_variant_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ab_tests_user ON ab_tests(user_id, status);

	CREATE TABLE IF NOT EXISTS ab_test_variants (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		name TEXT NOT NULL,
		custom_instructions TEXT,
		position INTEGER NOT NULL,
		FOREIGN KEY (test_id) REFERENCES ab_tests(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS ab_test_impressions (
		test_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (test_id, ticket_id)
	);

	CREATE TABLE IF NOT EXISTS ab_test_conversions (
		test_id TEXT NOT NULL,
		variant_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (test_id, ticket_id)
	);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Databases created before delivery claims existed.
	if err := c.ensureColumn(ctx, "ai_responses", "delivery_started_at", "INTEGER"); err != nil {
		return err
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) ensureColumn(ctx context.Context, table, column, decl string) error {
	exists, err := c.hasColumn(ctx, table, column)
	if err != nil || exists {
		return err
	}

	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	logger.Info("Schema column added", zap.String("table", table), zap.String("column", column))
	return nil
}

func (c *Client) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		logger.Warn("Failed to decode string list column", zap.Error(err))
		return nil
	}
	return values
}
