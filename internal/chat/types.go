// Package chat implements the conversation service and its HTTP surface.
package chat

import (
	"time"

	"github.com/conversai/conversai-api/internal/domain"
)

// ChatRequest is the request body of the chat and stream_chat endpoints.
// Model applies to the request as a whole; the handler stamps it onto the
// last message when that message carries no model tag of its own.
type ChatRequest struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
	Model          string           `json:"model,omitempty"`
}

// ChatReply is the non-streaming chat response.
type ChatReply struct {
	Reply string `json:"reply"`
}

// SaveConversationRequest is the request body of the save endpoint.
type SaveConversationRequest struct {
	ConversationID   string           `json:"conversation_id"`
	ConversationName string           `json:"conversation_name"`
	Messages         []domain.Message `json:"messages"`
}

// SaveConversationResponse acknowledges a save with the server-assigned
// timestamp.
type SaveConversationResponse struct {
	Message          string    `json:"message"`
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	LastUpdated      time.Time `json:"last_updated"`
}

// GenerateNameRequest asks for a title for a conversation opener.
type GenerateNameRequest struct {
	Message string `json:"message"`
}

// GenerateNameResponse carries the generated title.
type GenerateNameResponse struct {
	Name string `json:"name"`
}

// streamFrame is the payload of one SSE frame: a content increment or a
// terminal error. Exactly one field is set.
type streamFrame struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}
