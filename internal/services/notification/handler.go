package notification

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/utils"
)

// Handler exposes notification endpoints.
type Handler struct {
	service *Service

	// Admin is mounted at /admin when set
	Admin http.Handler
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the chi router for notification endpoints.
// Mount at /notifications (under the authenticated group).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListNotifications)
	r.Get("/unread-count", h.GetUnreadCount)
	r.Post("/read-all", h.MarkAllRead)
	r.Get("/types", h.ListTypes)
	r.Get("/silenced-types", h.ListSilencedTypes)
	r.Post("/types/{typeId}/silence", h.SilenceType)
	r.Delete("/types/{typeId}/silence", h.UnsilenceType)
	if h.Admin != nil {
		r.Mount("/admin", h.Admin)
	}

	r.Route("/{id}", func(r chi.Router) {
		r.Post("/read", h.MarkRead)
		r.Post("/dismiss", h.Dismiss)
	})

	return r
}

// GET /notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	inbox, err := h.service.ListActive(r.Context(), userID)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Failed to list notifications")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch notifications")
		return
	}

	utils.RespondSuccess(w, inbox)
}

// GET /notifications/unread-count
func (h *Handler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to get unread count")
		return
	}

	utils.RespondSuccess(w, map[string]int{"count": count})
}

// POST /notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.markOne(w, r, h.service.MarkRead, "Failed to mark notification as read")
}

// POST /notifications/{id}/dismiss
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	h.markOne(w, r, h.service.MarkDismissed, "Failed to dismiss notification")
}

func (h *Handler) markOne(w http.ResponseWriter, r *http.Request,
	mark func(ctx context.Context, userID, notificationID uuid.UUID) error, failure string) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	notifID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid notification ID")
		return
	}

	if err := mark(r.Context(), userID, notifID); err != nil {
		switch err {
		case ErrNotFound:
			utils.RespondError(w, http.StatusNotFound, "Notification not found")
		default:
			zerolog.Ctx(r.Context()).Error().Err(err).Str("notificationId", notifID.String()).Msg(failure)
			utils.RespondError(w, http.StatusInternalServerError, failure)
		}
		return
	}

	utils.RespondNoContent(w)
}

// POST /notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), userID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to mark all notifications as read")
		return
	}

	utils.RespondSuccess(w, map[string]int64{"updated": n})
}

// GET /notifications/types
func (h *Handler) ListTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.ListTypes(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch notification types")
		return
	}
	utils.RespondSuccess(w, types)
}

// GET /notifications/silenced-types
func (h *Handler) ListSilencedTypes(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	types, err := h.service.ListSilenced(r.Context(), userID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch silenced types")
		return
	}
	utils.RespondSuccess(w, types)
}

// POST /notifications/types/{typeId}/silence
func (h *Handler) SilenceType(w http.ResponseWriter, r *http.Request) {
	userID, typeID, ok := h.typeParams(w, r)
	if !ok {
		return
	}

	if err := h.service.Silence(r.Context(), userID, typeID); err != nil {
		switch err {
		case ErrNotFound:
			utils.RespondError(w, http.StatusNotFound, "Notification type not found")
		default:
			utils.RespondError(w, http.StatusInternalServerError, "Failed to silence notification type")
		}
		return
	}

	utils.RespondNoContent(w)
}

// DELETE /notifications/types/{typeId}/silence
func (h *Handler) UnsilenceType(w http.ResponseWriter, r *http.Request) {
	userID, typeID, ok := h.typeParams(w, r)
	if !ok {
		return
	}

	if err := h.service.Unsilence(r.Context(), userID, typeID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to unsilence notification type")
		return
	}

	utils.RespondNoContent(w)
}

func (h *Handler) typeParams(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return uuid.Nil, uuid.Nil, false
	}

	typeID, err := uuid.Parse(chi.URLParam(r, "typeId"))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid notification type ID")
		return uuid.Nil, uuid.Nil, false
	}
	return userID, typeID, true
}
