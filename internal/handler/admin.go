package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/civic-assistant/internal/middleware"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	"github.com/capitalize-ai/civic-assistant/internal/service"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
)

// AdminHandler handles staff endpoints scoped to the session's city.
type AdminHandler struct {
	admin  *service.AdminService
	logger *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(admin *service.AdminService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: log,
	}
}

// Get handles GET /admin/conversations/{id}
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())

	detail, err := h.admin.Detail(r.Context(), session.CityID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// Update handles PATCH /admin/conversations/{id}
func (h *AdminHandler) Update(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())

	var req model.StaffUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	conv, err := h.admin.Update(r.Context(), session.CityID, chi.URLParam(r, "id"), actor(session), &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// AddNote handles POST /admin/conversations/{id}/notes
func (h *AdminHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())

	var req model.NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	note, err := h.admin.AddNote(r.Context(), session.CityID, chi.URLParam(r, "id"), actor(session), &req)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, note)
}

func actor(s *middleware.Session) string {
	if s.Subject != "" {
		return s.Subject
	}
	return s.Role
}
