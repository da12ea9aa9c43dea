package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/conversai/conversai-api/internal/domain"
	"github.com/conversai/conversai-api/internal/provider"
	"github.com/conversai/conversai-api/internal/store"
)

// nameSystemPrompt and namePromptFormat drive conversation title generation.
const (
	nameSystemPrompt = "You are an assistant that generates concise conversation titles."
	namePromptFormat = "Generate a brief, 3-4 word conversation title for the following message:\n\n%q"

	// maxNameWords clamps generated titles regardless of what the model
	// returned; the model is not trusted to respect the instruction.
	maxNameWords = 4

	nameMaxTokens   = 10
	nameTemperature = 0.7
)

// Service orchestrates the conversation store and the completion backend
// for the naming and persistence use cases. It owns no storage or network
// mechanics of its own.
type Service struct {
	repo      store.Repository
	completer provider.Completer
	nameModel string
	logger    *slog.Logger
}

// NewService creates a conversation service.
func NewService(repo store.Repository, completer provider.Completer, nameModel string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		completer: completer,
		nameModel: nameModel,
		logger:    logger,
	}
}

// ListConversations returns all conversation summaries, most recent first.
func (s *Service) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	return s.repo.ListConversations(ctx)
}

// GetConversation returns a conversation, or (nil, nil) when absent.
func (s *Service) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.repo.GetConversation(ctx, conversationID)
}

// SaveConversation upserts a transcript under the given id. The server
// assigns last_updated; any client-supplied value is ignored.
func (s *Service) SaveConversation(ctx context.Context, conversationID, conversationName string, messages []domain.Message) (*domain.Conversation, error) {
	now := time.Now().UTC()
	normalized := make([]domain.Message, len(messages))
	for i, m := range messages {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		normalized[i] = m.Normalized(now)
	}

	conv := &domain.Conversation{
		ConversationID:   conversationID,
		ConversationName: conversationName,
		Messages:         normalized,
		LastUpdated:      now,
	}
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("conversation saved",
		"conversation_id", conversationID,
		"messages", len(normalized),
	)
	return conv, nil
}

// GenerateName asks the lightweight model for a 3-4 word title and clamps
// the result to at most four words. Provider errors propagate unchanged.
func (s *Service) GenerateName(ctx context.Context, firstMessage string) (string, error) {
	now := time.Now().UTC()
	resp, err := s.completer.Complete(ctx, provider.CompletionRequest{
		Messages: []domain.Message{
			{
				Role:      domain.RoleSystem,
				Content:   domain.TextContent(nameSystemPrompt),
				Timestamp: now,
			},
			{
				Role:      domain.RoleUser,
				Content:   domain.TextContent(fmt.Sprintf(namePromptFormat, firstMessage)),
				Model:     s.nameModel,
				Timestamp: now,
			},
		},
		MaxTokens:   nameMaxTokens,
		Temperature: nameTemperature,
	})
	if err != nil {
		return "", err
	}
	return clampWords(resp.Content, maxNameWords), nil
}

// RecordAssistantReply persists a finished streamed turn: the request
// history plus the assembled assistant reply, tagged with the serving
// model. New conversations get a generated title; a naming failure falls
// back to the opening message so a successful reply is never discarded.
func (s *Service) RecordAssistantReply(ctx context.Context, conversationID string, history []domain.Message, reply, model string) error {
	if reply == "" {
		return fmt.Errorf("assistant reply: %w", domain.ErrEmptyContent)
	}
	now := time.Now().UTC()

	name, err := s.resolveName(ctx, conversationID, history)
	if err != nil {
		return err
	}

	messages := make([]domain.Message, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, m.Normalized(now))
	}
	messages = append(messages, domain.Message{
		Role:      domain.RoleAssistant,
		Content:   domain.TextContent(reply),
		Model:     model,
		Timestamp: now,
	})

	conv := &domain.Conversation{
		ConversationID:   conversationID,
		ConversationName: name,
		Messages:         messages,
		LastUpdated:      now,
	}
	if err := s.repo.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("save streamed turn: %w", err)
	}

	s.logger.Info("assistant reply recorded",
		"conversation_id", conversationID,
		"model", model,
		"reply_length", len(reply),
	)
	return nil
}

// resolveName keeps the existing title for known conversations and
// generates one for new conversations.
func (s *Service) resolveName(ctx context.Context, conversationID string, history []domain.Message) (string, error) {
	existing, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return "", fmt.Errorf("load conversation: %w", err)
	}
	if existing != nil {
		return existing.ConversationName, nil
	}

	opener := domain.FirstUserText(history)
	name, err := s.GenerateName(ctx, opener)
	if err != nil || name == "" {
		s.logger.Warn("conversation name generation failed, using fallback",
			"conversation_id", conversationID,
			"error", err,
		)
		name = clampWords(opener, maxNameWords)
	}
	if name == "" {
		name = "New Conversation"
	}
	return name, nil
}

// clampWords keeps at most n whitespace-delimited words of s.
func clampWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
