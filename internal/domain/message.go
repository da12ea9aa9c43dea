// Package domain contains core domain types for the ConversAI backend.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part discriminators, matching the wire format.
const (
	PartTypeText     = "text"
	PartTypeImageURL = "image_url"
)

var (
	// ErrEmptyContent indicates message content with no text and no parts.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrMalformedContent indicates a content part with an unknown type or
	// a missing payload.
	ErrMalformedContent = errors.New("malformed message content")
	// ErrInvalidRole indicates a role outside system/user/assistant.
	ErrInvalidRole = errors.New("invalid message role")
)

// ImageURL references an image by URL. The URL is opaque to this system:
// it may be a data URI or a remote location and is never decoded here.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one block of structured message content: either a text
// block or an image reference, discriminated by Type.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Content is the message payload variant. Exactly one case is populated:
// plain text (Parts == nil) or a sequence of typed parts. The zero value
// is empty content and fails validation.
type Content struct {
	Text  string
	Parts []ContentPart
}

// TextContent returns plain-text content.
func TextContent(text string) Content {
	return Content{Text: text}
}

// BlockContent returns structured content from the given parts.
func BlockContent(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsBlocks reports whether the content is the structured variant.
func (c Content) IsBlocks() bool {
	return c.Parts != nil
}

// PlainText flattens content to a display string: the text itself for the
// plain variant, or the concatenated text blocks for the structured one.
func (c Content) PlainText() string {
	if !c.IsBlocks() {
		return c.Text
	}
	var b strings.Builder
	for _, part := range c.Parts {
		if part.Type == PartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// MarshalJSON encodes plain text as a JSON string and structured content
// as an array of typed blocks, preserving the original wire shape.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsBlocks() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts both wire shapes: a bare string or an array of
// typed blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("unmarshal content blocks: %w", err)
		}
		*c = Content{Parts: parts}
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("unmarshal content text: %w", err)
	}
	*c = Content{Text: text}
	return nil
}

// Validate checks the content invariant: never an empty string, never an
// empty sequence, and every part carries a known type with its payload.
func (c Content) Validate() error {
	if !c.IsBlocks() {
		if c.Text == "" {
			return ErrEmptyContent
		}
		return nil
	}
	if len(c.Parts) == 0 {
		return ErrEmptyContent
	}
	for i, part := range c.Parts {
		switch part.Type {
		case PartTypeText:
			if part.Text == "" {
				return fmt.Errorf("content part %d: %w", i, ErrEmptyContent)
			}
		case PartTypeImageURL:
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				return fmt.Errorf("content part %d: %w: image_url is missing", i, ErrMalformedContent)
			}
		default:
			return fmt.Errorf("content part %d: %w: unknown type %q", i, ErrMalformedContent, part.Type)
		}
	}
	return nil
}

// ParseStoredContent reconstructs the typed representation from a stored
// plain string. Historic rows serialized structured content as a JSON
// array embedded in a string; anything that does not decode to valid
// blocks stays an opaque string.
func ParseStoredContent(text string) Content {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "[") {
		return TextContent(text)
	}
	var parts []ContentPart
	if err := json.Unmarshal([]byte(trimmed), &parts); err != nil {
		return TextContent(text)
	}
	blocks := BlockContent(parts...)
	if blocks.Validate() != nil {
		return TextContent(text)
	}
	return blocks
}

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   Content   `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Validate checks role and content invariants.
func (m Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	return m.Content.Validate()
}

// Normalized returns the message with its timestamp forced to UTC.
// A missing timestamp is stamped with now; a naive or offset timestamp is
// converted, never left ambiguous.
func (m Message) Normalized(now time.Time) Message {
	if m.Timestamp.IsZero() {
		m.Timestamp = now.UTC()
	} else {
		m.Timestamp = m.Timestamp.UTC()
	}
	return m
}
