package event

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zentra/beacon/internal/condition"
	"github.com/zentra/beacon/internal/dispatch"
	"github.com/zentra/beacon/internal/middleware"
	"github.com/zentra/beacon/internal/models"
	"github.com/zentra/beacon/internal/utils"
)

const PermissionManageEvents = "manage_events"

type Handler struct {
	service     *Service
	permissions middleware.PermissionChecker

	// TriggerMiddleware wraps only the trigger endpoint
	TriggerMiddleware []func(http.Handler) http.Handler
}

func NewHandler(service *Service, permissions middleware.PermissionChecker) *Handler {
	return &Handler{service: service, permissions: permissions}
}

// Routes returns the chi router for event endpoints.
// Mount at /events (under the authenticated group).
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(h.TriggerMiddleware...).Post("/trigger", h.Trigger)

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.RequirePermission(h.permissions, PermissionManageEvents))

		r.Get("/", h.ListEvents)
		r.Post("/", h.CreateEvent)
		r.Get("/logs", h.ListLogs)

		r.Put("/rules/{ruleId}", h.UpdateRule)
		r.Delete("/rules/{ruleId}", h.DeleteRule)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Put("/", h.UpdateEvent)
			r.Delete("/", h.DeleteEvent)
			r.Post("/rules", h.CreateRule)
		})
	})

	return r
}

// POST /events/trigger
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.RequireAuth(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req TriggerRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	middleware.AnnotateRequest(r.Context(), "event", req.Code)
	if err := utils.Validate(req); err != nil {
		utils.RespondValidationError(w, utils.FormatValidationErrors(err))
		return
	}

	res, err := h.service.Trigger(r.Context(), &userID, req, dispatch.Metadata{
		IPAddress: middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("event", req.Code).Msg("Trigger failed")
		utils.RespondError(w, http.StatusInternalServerError, "Failed to trigger event")
		return
	}

	utils.RespondSuccess(w, res)
}

// GET /events/admin
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.ListEvents(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch events")
		return
	}
	utils.RespondSuccess(w, events)
}

// GET /events/admin/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid event ID")
	if !ok {
		return
	}

	detail, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err, "Failed to fetch event")
		return
	}
	utils.RespondSuccess(w, detail)
}

// POST /events/admin
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if !decodeValid(w, r, &req) {
		return
	}

	e, err := h.service.CreateEvent(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to create event")
		return
	}
	utils.RespondCreated(w, e)
}

// PUT /events/admin/{id}
func (h *Handler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid event ID")
	if !ok {
		return
	}
	var req EventRequest
	if !decodeValid(w, r, &req) {
		return
	}

	e, err := h.service.UpdateEvent(r.Context(), id, req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to update event")
		return
	}
	utils.RespondSuccess(w, e)
}

// DELETE /events/admin/{id}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "Invalid event ID")
	if !ok {
		return
	}
	if err := h.service.DeleteEvent(r.Context(), id); err != nil {
		respondServiceError(w, r, err, "Failed to delete event")
		return
	}
	utils.RespondNoContent(w)
}

// POST /events/admin/{id}/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	eventID, ok := parseID(w, r, "id", "Invalid event ID")
	if !ok {
		return
	}
	middleware.AnnotateRequest(r.Context(), "eventId", eventID.String())
	var req RuleRequest
	if !decodeValid(w, r, &req) {
		return
	}

	rule, err := h.service.CreateRule(r.Context(), eventID, req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to create rule")
		return
	}
	utils.RespondCreated(w, rule)
}

// PUT /events/admin/rules/{ruleId}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := parseID(w, r, "ruleId", "Invalid rule ID")
	if !ok {
		return
	}
	middleware.AnnotateRequest(r.Context(), "ruleId", ruleID.String())
	var req RuleRequest
	if !decodeValid(w, r, &req) {
		return
	}

	rule, err := h.service.UpdateRule(r.Context(), ruleID, req)
	if err != nil {
		respondServiceError(w, r, err, "Failed to update rule")
		return
	}
	utils.RespondSuccess(w, rule)
}

// DELETE /events/admin/rules/{ruleId}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID, ok := parseID(w, r, "ruleId", "Invalid rule ID")
	if !ok {
		return
	}
	middleware.AnnotateRequest(r.Context(), "ruleId", ruleID.String())
	if err := h.service.DeleteRule(r.Context(), ruleID); err != nil {
		respondServiceError(w, r, err, "Failed to delete rule")
		return
	}
	utils.RespondNoContent(w)
}

// GET /events/admin/logs?eventId=&userId=&limit=100&offset=0
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	eventID, err := utils.GetQueryUUID(r, "eventId")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid event ID")
		return
	}
	userID, err := utils.GetQueryUUID(r, "userId")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid user ID")
		return
	}

	limit := utils.GetQueryInt(r, "limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}
	offset := utils.GetQueryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	logs, total, err := h.service.ListLogs(r.Context(), models.OccurrenceFilter{
		EventID: eventID,
		UserID:  userID,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Failed to fetch event logs")
		return
	}
	utils.RespondPaginated(w, logs, total, limit, offset)
}

func parseID(w http.ResponseWriter, r *http.Request, param, message string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, message)
		return uuid.Nil, false
	}
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
	case errors.Is(err, ErrEventNotFound):
		utils.RespondError(w, http.StatusNotFound, "Event not found")
	case errors.Is(err, ErrRuleNotFound):
		utils.RespondError(w, http.StatusNotFound, "Rule not found")
	case errors.Is(err, ErrCodeTaken):
		utils.RespondError(w, http.StatusConflict, "Event code already exists")
	case errors.Is(err, ErrTargetModeFixed):
		utils.RespondErrorWithCode(w, http.StatusConflict, "TARGET_MODE_FIXED", err.Error())
	case errors.Is(err, ErrMissingTargets):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, "MISSING_TARGETS", err.Error())
	case errors.Is(err, condition.ErrInvalidCondition), errors.Is(err, condition.ErrUnknownOperator):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, "INVALID_CONDITION", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg(failure)
		utils.RespondError(w, http.StatusInternalServerError, failure)
	}
}
