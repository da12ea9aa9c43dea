package chat

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/conversai/conversai-api/internal/domain"
	"github.com/conversai/conversai-api/internal/provider"
)

// fakeCompleter lets a test script the completion backend.
type fakeCompleter struct {
	completeFn func(ctx context.Context, req provider.CompletionRequest) (provider.ChatResponse, error)
	streamFn   func(ctx context.Context, messages []domain.Message) iter.Seq2[string, error]

	completeRequests []provider.CompletionRequest
}

func (f *fakeCompleter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.ChatResponse, error) {
	f.completeRequests = append(f.completeRequests, req)
	if f.completeFn == nil {
		return provider.ChatResponse{Content: "ok", Model: "gpt-4o", Timestamp: time.Now().UTC()}, nil
	}
	return f.completeFn(ctx, req)
}

func (f *fakeCompleter) Stream(ctx context.Context, messages []domain.Message) iter.Seq2[string, error] {
	if f.streamFn == nil {
		return chunkSeq(nil, "ok")
	}
	return f.streamFn(ctx, messages)
}

// chunkSeq yields the given chunks in order, then the terminal error if any.
func chunkSeq(terminal error, chunks ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if terminal != nil {
			yield("", terminal)
		}
	}
}

// fakeRepo is an in-memory store.Repository that tracks insertion order.
type fakeRepo struct {
	conversations map[string]*domain.Conversation
	order         []string
	saveErr       error
	getErr        error
	listErr       error
	saves         int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{conversations: make(map[string]*domain.Conversation)}
}

func (f *fakeRepo) ListConversations(_ context.Context) ([]domain.ConversationSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	summaries := make([]domain.ConversationSummary, 0, len(f.order))
	for i := len(f.order) - 1; i >= 0; i-- {
		conv := f.conversations[f.order[i]]
		summaries = append(summaries, domain.ConversationSummary{
			ConversationID:   conv.ConversationID,
			ConversationName: conv.ConversationName,
			LastUpdated:      conv.LastUpdated,
		})
	}
	return summaries, nil
}

func (f *fakeRepo) GetConversation(_ context.Context, conversationID string) (*domain.Conversation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	conv, ok := f.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}

func (f *fakeRepo) SaveConversation(_ context.Context, conv *domain.Conversation) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	if _, ok := f.conversations[conv.ConversationID]; !ok {
		f.order = append(f.order, conv.ConversationID)
	}
	copied := *conv
	f.conversations[conv.ConversationID] = &copied
	f.saves++
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

func newTestService(repo *fakeRepo, completer *fakeCompleter) *Service {
	return NewService(repo, completer, "gpt-4o-mini", nil)
}

func userText(text string) domain.Message {
	return domain.Message{
		Role:      domain.RoleUser,
		Content:   domain.TextContent(text),
		Timestamp: time.Now().UTC(),
	}
}

func TestGenerateNameClampsToFourWords(t *testing.T) {
	t.Parallel()

	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			return provider.ChatResponse{Content: "Capital City Discussion Thread Extended"}, nil
		},
	}
	svc := newTestService(newFakeRepo(), completer)

	name, err := svc.GenerateName(t.Context(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("GenerateName failed: %v", err)
	}
	if name != "Capital City Discussion Thread" {
		t.Fatalf("expected clamped title, got %q", name)
	}

	req := completer.completeRequests[0]
	if req.MaxTokens != nameMaxTokens {
		t.Errorf("expected max tokens %d, got %d", nameMaxTokens, req.MaxTokens)
	}
	if req.Temperature != nameTemperature {
		t.Errorf("expected temperature %v, got %v", nameTemperature, req.Temperature)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("expected system + user messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != domain.RoleSystem {
		t.Errorf("expected system message first, got %q", req.Messages[0].Role)
	}
	last := req.Messages[1]
	if last.Model != "gpt-4o-mini" {
		t.Errorf("expected naming model on the prompt, got %q", last.Model)
	}
	if !strings.Contains(last.Content.PlainText(), "What is the capital of France?") {
		t.Errorf("prompt does not quote the opener: %q", last.Content.PlainText())
	}
}

func TestGenerateNamePropagatesProviderError(t *testing.T) {
	t.Parallel()

	backendErr := &provider.Error{Message: "rate limited"}
	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			return provider.ChatResponse{}, backendErr
		},
	}
	svc := newTestService(newFakeRepo(), completer)

	_, err := svc.GenerateName(t.Context(), "Hi")
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected provider error to propagate, got %v", err)
	}
}

func TestSaveConversationAssignsTimestampAndNormalizes(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCompleter{})

	before := time.Now().UTC()
	conv, err := svc.SaveConversation(t.Context(), "c1", "Greetings", []domain.Message{
		{Role: domain.RoleUser, Content: domain.TextContent("Hi")},
	})
	if err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}
	if conv.LastUpdated.Before(before) {
		t.Fatalf("last_updated %v predates the save", conv.LastUpdated)
	}
	if conv.Messages[0].Timestamp.IsZero() {
		t.Fatal("zero message timestamp was not filled in")
	}

	stored := repo.conversations["c1"]
	if stored == nil || stored.ConversationName != "Greetings" {
		t.Fatalf("conversation not stored as expected: %+v", stored)
	}
}

func TestSaveConversationRejectsInvalidMessage(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCompleter{})

	_, err := svc.SaveConversation(t.Context(), "c1", "n", []domain.Message{
		{Role: "narrator", Content: domain.TextContent("Hi")},
	})
	if !errors.Is(err, domain.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if repo.saves != 0 {
		t.Fatal("invalid conversation must not be stored")
	}
}

func TestRecordAssistantReplyNamesNewConversation(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			return provider.ChatResponse{Content: "French Capital Question"}, nil
		},
	}
	svc := newTestService(repo, completer)

	history := []domain.Message{userText("What is the capital of France?")}
	if err := svc.RecordAssistantReply(t.Context(), "c1", history, "Paris.", "gpt-4o"); err != nil {
		t.Fatalf("RecordAssistantReply failed: %v", err)
	}

	stored := repo.conversations["c1"]
	if stored == nil {
		t.Fatal("conversation was not persisted")
	}
	if stored.ConversationName != "French Capital Question" {
		t.Fatalf("expected generated name, got %q", stored.ConversationName)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("expected history + reply, got %d messages", len(stored.Messages))
	}
	last := stored.Messages[1]
	if last.Role != domain.RoleAssistant || last.Content.PlainText() != "Paris." {
		t.Fatalf("unexpected assistant message: %+v", last)
	}
	if last.Model != "gpt-4o" {
		t.Fatalf("assistant message not tagged with serving model: %q", last.Model)
	}
}

func TestRecordAssistantReplyKeepsExistingName(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.conversations["c1"] = &domain.Conversation{
		ConversationID:   "c1",
		ConversationName: "Old Title",
		Messages:         []domain.Message{userText("Hi")},
		LastUpdated:      time.Now().UTC(),
	}
	repo.order = []string{"c1"}

	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			t.Error("naming must not be invoked for a known conversation")
			return provider.ChatResponse{}, nil
		},
	}
	svc := newTestService(repo, completer)

	history := []domain.Message{userText("Hi"), userText("And again?")}
	if err := svc.RecordAssistantReply(t.Context(), "c1", history, "Hello again.", "gpt-4o"); err != nil {
		t.Fatalf("RecordAssistantReply failed: %v", err)
	}
	if got := repo.conversations["c1"].ConversationName; got != "Old Title" {
		t.Fatalf("existing name was replaced: %q", got)
	}
}

func TestRecordAssistantReplyFallsBackToOpenerOnNamingFailure(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			return provider.ChatResponse{}, &provider.Error{Message: "overloaded"}
		},
	}
	svc := newTestService(repo, completer)

	history := []domain.Message{userText("Tell me about the French Revolution please")}
	if err := svc.RecordAssistantReply(t.Context(), "c1", history, "It began in 1789.", "gpt-4o"); err != nil {
		t.Fatalf("a naming failure must not discard the reply: %v", err)
	}

	stored := repo.conversations["c1"]
	if stored == nil {
		t.Fatal("conversation was not persisted")
	}
	if stored.ConversationName != "Tell me about the" {
		t.Fatalf("expected clamped opener fallback, got %q", stored.ConversationName)
	}
}

func TestRecordAssistantReplyEmptyHistoryGetsPlaceholderName(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	completer := &fakeCompleter{
		completeFn: func(_ context.Context, _ provider.CompletionRequest) (provider.ChatResponse, error) {
			return provider.ChatResponse{Content: ""}, nil
		},
	}
	svc := newTestService(repo, completer)

	if err := svc.RecordAssistantReply(t.Context(), "c1", nil, "Hello.", "gpt-4o"); err != nil {
		t.Fatalf("RecordAssistantReply failed: %v", err)
	}
	if got := repo.conversations["c1"].ConversationName; got != "New Conversation" {
		t.Fatalf("expected placeholder name, got %q", got)
	}
}

func TestRecordAssistantReplyRejectsEmptyReply(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	svc := newTestService(repo, &fakeCompleter{})

	err := svc.RecordAssistantReply(t.Context(), "c1", []domain.Message{userText("Hi")}, "", "gpt-4o")
	if !errors.Is(err, domain.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if repo.saves != 0 {
		t.Fatal("empty reply must not be persisted")
	}
}

func TestClampWords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Capital City Discussion Thread Extended", "Capital City Discussion Thread"},
		{"Short Title", "Short Title"},
		{"  padded   words   here  ", "padded words here"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := clampWords(tc.in, maxNameWords); got != tc.want {
			t.Errorf("clampWords(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
