package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/conversai/conversai-api/internal/domain"
	"github.com/conversai/conversai-api/internal/provider"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize bounds request bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves the chat and conversation endpoints.
type Handler struct {
	svc          *Service
	completer    provider.Completer
	defaultModel string
}

// NewHandler creates a new chat handler.
func NewHandler(svc *Service, completer provider.Completer, defaultModel string) *Handler {
	return &Handler{
		svc:          svc,
		completer:    completer,
		defaultModel: defaultModel,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", h.HandleListConversations)
		r.Get("/conversations/{conversationID}", h.HandleGetConversation)
		r.Post("/conversations", h.HandleSaveConversation)
		r.Post("/generate_name", h.HandleGenerateName)
		r.Post("/chat", h.HandleChat)
		r.Post("/stream_chat", h.HandleStreamChat)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeChatRequest parses and validates a chat request body. A nil return
// means the error response was already written.
func (h *Handler) decodeChatRequest(w http.ResponseWriter, r *http.Request) *ChatRequest {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return nil
	}
	if req.ConversationID == "" {
		Error(w, http.StatusBadRequest, "conversation_id is required")
		return nil
	}
	if len(req.Messages) == 0 {
		Error(w, http.StatusBadRequest, "messages are required")
		return nil
	}
	for i, m := range req.Messages {
		if err := m.Validate(); err != nil {
			Error(w, http.StatusBadRequest, fmt.Sprintf("message %d: %s", i, err))
			return nil
		}
	}

	// The request-level model applies to the turn being answered: stamp it
	// onto the last message so backend routing sees it there.
	last := len(req.Messages) - 1
	if req.Messages[last].Model == "" {
		req.Messages[last].Model = req.Model
	}
	return &req
}

// servingModel is the model id a request resolves to, used to tag the
// persisted assistant reply.
func (h *Handler) servingModel(req *ChatRequest) string {
	if model := req.Messages[len(req.Messages)-1].Model; model != "" {
		return model
	}
	return h.defaultModel
}

// HandleChat handles POST /api/chat: a blocking completion returning the
// full reply in one JSON object.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req := h.decodeChatRequest(w, r)
	if req == nil {
		return
	}

	slog.Info("chat request",
		"conversation_id", req.ConversationID,
		"messages", len(req.Messages),
		"model", h.servingModel(req),
	)

	resp, err := h.completer.Complete(r.Context(), provider.CompletionRequest{Messages: req.Messages})
	if err != nil {
		slog.Error("completion failed", "conversation_id", req.ConversationID, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, ChatReply{Reply: resp.Content})
}

// HandleStreamChat handles POST /api/stream_chat.
//
// Each provider increment is framed and flushed before the next one is
// pulled, so memory stays bounded to the current chunk plus the reply
// accumulator and the provider is driven at the transport's consumption
// rate. A provider failure becomes a single terminal error frame (headers
// are already flushed, so an HTTP error status is no longer possible). A
// stream that finishes cleanly is persisted exactly once; error-terminated
// and abandoned streams are not saved.
func (h *Handler) HandleStreamChat(w http.ResponseWriter, r *http.Request) {
	req := h.decodeChatRequest(w, r)
	if req == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	model := h.servingModel(req)
	slog.Info("stream chat request",
		"conversation_id", req.ConversationID,
		"messages", len(req.Messages),
		"model", model,
	)

	var reply strings.Builder
	chunks := 0

	// Breaking out of the range releases the provider connection: the
	// iterator's deferred cleanup runs as soon as the loop stops pulling.
	for delta, err := range h.completer.Stream(r.Context(), req.Messages) {
		if err != nil {
			slog.Error("stream failed",
				"conversation_id", req.ConversationID,
				"chunks", chunks,
				"error", err,
			)
			if writeErr := writeFrame(w, streamFrame{Error: err.Error()}); writeErr != nil {
				slog.Warn("failed to write stream error frame", "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		if writeErr := writeFrame(w, streamFrame{Content: delta}); writeErr != nil {
			// Client went away; stop pulling so the upstream call is
			// released instead of burning tokens on an abandoned stream.
			slog.Info("stream client disconnected",
				"conversation_id", req.ConversationID,
				"chunks", chunks,
			)
			return
		}
		flusher.Flush()

		reply.WriteString(delta)
		chunks++
	}

	// A clean finish with no content leaves nothing to record: an
	// empty-string assistant message must never be stored.
	if reply.Len() == 0 {
		slog.Warn("stream finished without content, nothing persisted",
			"conversation_id", req.ConversationID,
		)
		return
	}

	if err := h.svc.RecordAssistantReply(r.Context(), req.ConversationID, req.Messages, reply.String(), model); err != nil {
		slog.Error("failed to persist streamed reply",
			"conversation_id", req.ConversationID,
			"error", err,
		)
	}
}

// HandleListConversations handles GET /api/conversations.
func (h *Handler) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.svc.ListConversations(r.Context())
	if err != nil {
		slog.Error("failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if summaries == nil {
		summaries = []domain.ConversationSummary{}
	}
	JSON(w, http.StatusOK, summaries)
}

// HandleGetConversation handles GET /api/conversations/{conversationID}.
func (h *Handler) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	conv, err := h.svc.GetConversation(r.Context(), conversationID)
	if err != nil {
		slog.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		Error(w, http.StatusNotFound, "Conversation not found")
		return
	}
	JSON(w, http.StatusOK, conv)
}

// HandleSaveConversation handles POST /api/conversations.
func (h *Handler) HandleSaveConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req SaveConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConversationID == "" || req.ConversationName == "" || len(req.Messages) == 0 {
		Error(w, http.StatusBadRequest, "missing conversation ID, name, or messages")
		return
	}

	conv, err := h.svc.SaveConversation(r.Context(), req.ConversationID, req.ConversationName, req.Messages)
	if err != nil {
		if isValidationError(err) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to save conversation", "conversation_id", req.ConversationID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save conversation")
		return
	}

	JSON(w, http.StatusCreated, SaveConversationResponse{
		Message:          "Conversation saved successfully",
		ConversationID:   conv.ConversationID,
		ConversationName: conv.ConversationName,
		LastUpdated:      conv.LastUpdated,
	})
}

// HandleGenerateName handles POST /api/generate_name.
func (h *Handler) HandleGenerateName(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req GenerateNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "Message is missing")
		return
	}

	name, err := h.svc.GenerateName(r.Context(), req.Message)
	if err != nil {
		slog.Error("failed to generate conversation name", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if name == "" {
		Error(w, http.StatusInternalServerError, "Failed to generate conversation name")
		return
	}

	JSON(w, http.StatusOK, GenerateNameResponse{Name: name})
}

func isValidationError(err error) bool {
	return errors.Is(err, domain.ErrEmptyContent) ||
		errors.Is(err, domain.ErrMalformedContent) ||
		errors.Is(err, domain.ErrInvalidRole)
}

// writeFrame writes one SSE frame of the form "data: <json>\n\n".
func writeFrame(w io.Writer, frame streamFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal stream frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
