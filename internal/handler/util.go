// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/retrieval"
	"github.com/capitalize-ai/civic-assistant/internal/service"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message, reason string) {
	writeJSON(w, status, errorResponse{Error: message, Reason: reason})
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	var verr *model.ValidationError
	var rerr *retrieval.RetrievalError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error(), "validation_failed")
	case errors.Is(err, service.ErrTenantNotFound):
		writeError(w, http.StatusNotFound, "city not found", "tenant_not_found")
	case errors.Is(err, service.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found", "conversation_not_found")
	case errors.As(err, &rerr):
		log.Error("retrieval failed", zap.String("reason", rerr.Reason), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "document retrieval failed", rerr.Reason)
	default:
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error", "internal")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &model.ValidationError{Reason: "invalid request body"}
	}
	return nil
}
