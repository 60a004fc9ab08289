package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/civic-assistant/internal/middleware"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/service"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// EventHandler handles client event ingestion.
type EventHandler struct {
	events *service.EventService
	logger *logger.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(events *service.EventService, log *logger.Logger) *EventHandler {
	return &EventHandler{
		events: events,
		logger: log,
	}
}

// Ingest handles POST /grad/{tenantId}/events
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if err := middleware.ValidateTenantID(tenantID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeServiceError(w, h.logger, &model.ValidationError{Reason: "request body too large"})
		return
	}

	result, err := h.events.Ingest(r.Context(), tenantID, body)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	status := http.StatusOK
	if result.TicketRef == "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
