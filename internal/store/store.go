// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/conversai/conversai-api/internal/domain"
)

// Repository defines the interface for persisting conversation transcripts.
type Repository interface {
	// ListConversations returns summaries of all conversations ordered by
	// last_updated descending; conversations sharing a timestamp keep their
	// original insertion order.
	ListConversations(ctx context.Context) ([]domain.ConversationSummary, error)

	// GetConversation retrieves a conversation by its id.
	// Returns (nil, nil) when the id does not exist.
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)

	// SaveConversation inserts or fully replaces a conversation keyed by
	// conversation_id. The stored last_updated never moves backwards across
	// saves of the same id.
	SaveConversation(ctx context.Context, conv *domain.Conversation) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
