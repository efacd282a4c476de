package announcement

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/utils"
)

const PermissionManageNotifications = "manage_notifications"

type Handler struct {
	service     *Service
	permissions middleware.PermissionChecker
}

func NewHandler(service *Service, permissions middleware.PermissionChecker) *Handler {
	return &Handler{service: service, permissions: permissions}
}

// Routes returns the chi router for announcement administration.
// Mount at /notifications/admin (under the authenticated group).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequirePermission(h.permissions, PermissionManageNotifications))

	r.Get("/", h.List)
	r.Post("/", h.Create)

	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
	})

	return r
}

// GET /notifications/admin
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to list announcements")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch announcements")
		return
	}
	utils.RespondSuccess(w, list)
}

// GET /notifications/admin/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.announcementID(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "Failed to fetch announcement")
		return
	}
	utils.RespondSuccess(w, a)
}

// POST /notifications/admin
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req Request
	if !decodeValid(w, r, &req) {
		return
	}

	a, err := h.service.Create(r.Context(), userID, req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to create announcement")
		return
	}
	utils.RespondCreated(w, a)
}

// PUT /notifications/admin/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.announcementID(w, r)
	if !ok {
		return
	}
	var req Request
	if !decodeValid(w, r, &req) {
		return
	}

	a, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to update announcement")
		return
	}
	utils.RespondSuccess(w, a)
}

// DELETE /notifications/admin/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.announcementID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		respondServiceError(w, r, err, "Failed to delete announcement")
		return
	}
	utils.RespondNoContent(w)
}

func (h *Handler) announcementID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid announcement ID")
		return uuid.Nil, false
	}
	middleware.AnnotateRequest(r.Context(), "announcementId", id.String())
	return id, true
}

func decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := utils.DecodeJSON(r, v); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := utils.Validate(v); err != nil {
		utils.RespondValidationError(w, utils.FormatValidationErrors(err))
		return false
	}
	return true
}

func respondServiceError(w http.ResponseWriter, r *http.Request, err error, failure string) {
	switch {
	case errors.Is(err, ErrNotFound):
		utils.RespondError(w, http.StatusNotFound, "Announcement not found")
	case errors.Is(err, ErrNoAudience):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, "NO_AUDIENCE", err.Error())
	case errors.Is(err, ErrInvalidWindow):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, "INVALID_WINDOW", err.Error())
	case errors.Is(err, ErrUnknownType):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, "UNKNOWN_TYPE", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg(failure)
		utils.RespondError(w, http.StatusInternalServerError, failure)
	}
}
