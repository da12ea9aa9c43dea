package domain

import (
	"time"
)

// Conversation is a stored transcript keyed by a caller-supplied id.
// Saving an existing id is a full replace of name, messages and
// last_updated: last writer wins, no merging.
type Conversation struct {
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	Messages         []Message `json:"messages"`
	LastUpdated      time.Time `json:"last_updated"`
}

// ConversationSummary is the listing projection of a conversation,
// without the cost of deserializing the transcript.
type ConversationSummary struct {
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	LastUpdated      time.Time `json:"last_updated"`
}

// FirstUserText returns the flattened text of the first user message,
// or "" when there is none. Used for title generation.
func (c *Conversation) FirstUserText() string {
	return FirstUserText(c.Messages)
}

// FirstUserText returns the flattened text of the first user-role message
// in the sequence.
func FirstUserText(messages []Message) string {
	for _, m := range messages {
		if m.Role == RoleUser {
			return m.Content.PlainText()
		}
	}
	return ""
}
