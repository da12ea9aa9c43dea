package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/conversai/conversai-api/internal/config"
	"github.com/conversai/conversai-api/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// defaultSystemPrompt is injected at position 0 when the request carries no
// system message and the model accepts the system role.
const defaultSystemPrompt = "You are a helpful assistant."

// OpenAI routes completion calls across OpenAI-compatible backends.
// It holds one client per configured backend; the model tag on the last
// message of a request selects the backend, so a conversation may switch
// backends mid-history.
type OpenAI struct {
	clients        map[string]*openai.Client
	routes         map[string]string
	defaultBackend string
	defaultModel   string
	logger         *slog.Logger
}

// NewOpenAI builds the adapter from the configured backend list. The first
// backend is the default; later backends claim the model ids they list.
func NewOpenAI(cfg config.ProviderConfig, logger *slog.Logger) (*OpenAI, error) {
	if len(cfg.Backends) == 0 {
		return nil, errors.New("no completion backends configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &OpenAI{
		clients:        make(map[string]*openai.Client, len(cfg.Backends)),
		routes:         make(map[string]string),
		defaultBackend: cfg.Backends[0].Name,
		defaultModel:   cfg.DefaultModel,
		logger:         logger,
	}

	for _, backend := range cfg.Backends {
		if backend.APIKey == "" {
			return nil, fmt.Errorf("backend %s: missing API key", backend.Name)
		}
		clientCfg := openai.DefaultConfig(backend.APIKey)
		if backend.BaseURL != "" {
			clientCfg.BaseURL = backend.BaseURL
		}
		p.clients[backend.Name] = openai.NewClientWithConfig(clientCfg)
		for _, model := range backend.Models {
			p.routes[model] = backend.Name
		}
	}

	return p, nil
}

// ResolveModel returns the model id a message list will be served with:
// the last message's tag, or the configured default.
func (p *OpenAI) ResolveModel(messages []domain.Message) string {
	if len(messages) > 0 && messages[len(messages)-1].Model != "" {
		return messages[len(messages)-1].Model
	}
	return p.defaultModel
}

// Complete sends the full message list and blocks for the whole answer.
func (p *OpenAI) Complete(ctx context.Context, req CompletionRequest) (ChatResponse, error) {
	model, client, in := p.prepare(req.Messages)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    in,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return ChatResponse{}, backendError(err)
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, &Error{Message: "completion returned no choices"}
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}

	return ChatResponse{
		Content:   strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:     respModel,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Stream yields one content increment per chunk as it arrives. Models
// without streaming support are served by a single blocking call yielded
// as one increment, so callers see a uniform sequence either way.
func (p *OpenAI) Stream(ctx context.Context, messages []domain.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !CapabilitiesFor(p.ResolveModel(messages)).SupportsStreaming {
			resp, err := p.Complete(ctx, CompletionRequest{Messages: messages})
			if err != nil {
				yield("", err)
				return
			}
			// An answer that trims to nothing yields no chunk at all,
			// same as the incremental path below.
			if resp.Content == "" {
				return
			}
			yield(resp.Content, nil)
			return
		}

		model, client, in := p.prepare(messages)

		stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: in,
			Stream:   true,
		})
		if err != nil {
			yield("", backendError(err))
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", backendError(err))
				return
			}
			for _, choice := range resp.Choices {
				// Empty increments carry no signal and are not forwarded.
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	}
}

// prepare resolves the model and backend for a message list and converts
// it to the wire shape, injecting the default system prompt when allowed.
// The caller's slice is never mutated.
func (p *OpenAI) prepare(messages []domain.Message) (string, *openai.Client, []openai.ChatCompletionMessage) {
	model := p.ResolveModel(messages)

	backend, ok := p.routes[model]
	if !ok {
		backend = p.defaultBackend
	}
	client := p.clients[backend]

	caps := CapabilitiesFor(model)
	in := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if caps.AcceptsSystemRole && (len(messages) == 0 || messages[0].Role != domain.RoleSystem) {
		in = append(in, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: defaultSystemPrompt,
		})
	}
	for _, m := range messages {
		in = append(in, toWireMessage(m))
	}

	p.logger.Debug("prepared completion request",
		"model", model,
		"backend", backend,
		"messages", len(in),
	)

	return model, client, in
}

func toWireMessage(m domain.Message) openai.ChatCompletionMessage {
	if !m.Content.IsBlocks() {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content.Text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Content.Parts))
	for _, part := range m.Content.Parts {
		switch part.Type {
		case domain.PartTypeImageURL:
			var url string
			if part.ImageURL != nil {
				url = part.ImageURL.URL
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: url},
			})
		default:
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		}
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

// backendError preserves the backend's own diagnostic text verbatim.
func backendError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Message: apiErr.Message}
	}
	return &Error{Message: err.Error()}
}

// Ensure OpenAI implements Completer.
var _ Completer = (*OpenAI)(nil)
