package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/middleware"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/service"
	"github.com/capitalize-ai/civic-assistant/internal/sse"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/metrics"
)

// ChatHandler handles the citizen chat stream.
type ChatHandler struct {
	chat   *service.ChatService
	logger *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(chat *service.ChatService, log *logger.Logger) *ChatHandler {
	return &ChatHandler{
		chat:   chat,
		logger: log,
	}
}

// Chat handles POST /grad/{tenantId}/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantId")

	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateMessageContent(req.Message, service.MaxMessageChars); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateExternalID("conversationId", req.ConversationID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateExternalID("messageId", req.MessageID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	w.Header().Set("X-Conversation-ID", req.ConversationID)

	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	result, err := h.chat.HandleTurn(ctx, &service.TurnRequest{
		TenantIdentifier: tenantID,
		ConversationID:   req.ConversationID,
		MessageID:        req.MessageID,
		Message:          req.Message,
		CorrelationID:    middleware.GetCorrelationID(ctx),
	}, stream)
	if err != nil {
		if stream.Started() {
			h.logger.Error("chat turn failed after stream start", zap.Error(err))
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Debug("chat turn completed",
		zap.String("conversation_id", result.ConversationID),
		zap.String("path", string(result.Path)),
		zap.Int64("latency_ms", result.Meta.LatencyMs),
	)
}
