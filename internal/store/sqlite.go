package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/conversai/conversai-api/internal/domain"
	_ "modernc.org/sqlite"
)

// lastUpdatedLayout is a fixed-width UTC ISO-8601 layout. Fixed width keeps
// lexicographic comparison in SQL equal to chronological comparison, which
// the upsert relies on to keep last_updated monotonic.
const lastUpdatedLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL UNIQUE,
		conversation_name TEXT NOT NULL,
		messages TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(last_updated);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListConversations returns all conversation summaries, most recently
// updated first. The autoincrement id breaks timestamp ties in insertion
// order.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	query := `
		SELECT conversation_id, conversation_name, last_updated
		FROM conversations
		ORDER BY last_updated DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var summaries []domain.ConversationSummary
	for rows.Next() {
		var summary domain.ConversationSummary
		var lastUpdated string

		if err := rows.Scan(&summary.ConversationID, &summary.ConversationName, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}

		summary.LastUpdated, err = parseLastUpdated(lastUpdated)
		if err != nil {
			return nil, fmt.Errorf("conversation %s: %w", summary.ConversationID, err)
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return summaries, nil
}

// GetConversation retrieves a full conversation by its id.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	query := `
		SELECT conversation_id, conversation_name, messages, last_updated
		FROM conversations WHERE conversation_id = ?`

	row := s.db.QueryRowContext(ctx, query, conversationID)

	var conv domain.Conversation
	var messagesJSON, lastUpdated string

	err := row.Scan(&conv.ConversationID, &conv.ConversationName, &messagesJSON, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation row: %w", err)
	}

	conv.LastUpdated, err = parseLastUpdated(lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	conv.Messages, err = decodeMessages(messagesJSON)
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, err)
	}

	return &conv, nil
}

// SaveConversation inserts or fully replaces a conversation record.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	messagesJSON, err := encodeMessages(conv.Messages)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}

	// MAX keeps last_updated monotonically non-decreasing when concurrent
	// savers race on the same id.
	query := `
	INSERT INTO conversations (conversation_id, conversation_name, messages, last_updated)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		conversation_name = excluded.conversation_name,
		messages = excluded.messages,
		last_updated = MAX(excluded.last_updated, conversations.last_updated)`

	_, err = s.db.ExecContext(ctx, query,
		conv.ConversationID, conv.ConversationName, messagesJSON,
		conv.LastUpdated.UTC().Format(lastUpdatedLayout),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func parseLastUpdated(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last_updated %q: %w", value, err)
	}
	return ts.UTC(), nil
}

func encodeMessages(messages []domain.Message) (string, error) {
	normalized := make([]domain.Message, len(messages))
	for i, m := range messages {
		normalized[i] = m.Normalized(time.Now())
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeMessages reconstructs typed messages from the stored JSON.
// Structured content round-trips through the Content codec; plain strings
// additionally go through stored-content detection, because historic rows
// serialized block lists as a JSON array embedded in a string.
func decodeMessages(messagesJSON string) ([]domain.Message, error) {
	var messages []domain.Message
	if err := json.Unmarshal([]byte(messagesJSON), &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	for i, m := range messages {
		if !m.Content.IsBlocks() {
			messages[i].Content = domain.ParseStoredContent(m.Content.Text)
		}
		messages[i].Timestamp = m.Timestamp.UTC()
	}
	return messages, nil
}
