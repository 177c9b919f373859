package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/models"
	"auth-core/internal/repository"
	"auth-core/internal/service"
)

// AdminHandler serves administrator-only reads.
type AdminHandler struct {
	auditQuery *service.AuditQueryService
	auth       *Authenticator
	logger     *zap.Logger
}

func NewAdminHandler(auditQuery *service.AuditQueryService, auth *Authenticator, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		auditQuery: auditQuery,
		auth:       auth,
		logger:     logger,
	}
}

// RegisterRoutes registers the /admin routes
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(h.auth.RequireAuth)
		r.Use(h.auth.RequireRole(models.RoleAdmin))

		r.Get("/audit-logs", h.ListAuditLogs)
		r.Get("/audit-logs/archive", h.ListArchivedAuditLogs)
	})
}

// ListAuditLogs handles GET /admin/audit-logs?userId=&action=&since=&limit=
func (h *AdminHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AuditFilter{
		UserID: q.Get("userId"),
		Action: models.AuditAction(q.Get("action")),
	}

	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, msgValidationFailed)
			return
		}
		filter.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondWithError(w, http.StatusBadRequest, msgValidationFailed)
			return
		}
		filter.Limit = limit
	}

	rows, err := h.auditQuery.List(r.Context(), filter)
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgAuthRequired)
		return
	}

	resp := successResponse(rows, "")
	resp.Meta = &Meta{Total: len(rows), PageSize: repository.ClampLimit(filter.Limit)}
	respondWithJSON(w, http.StatusOK, resp)
}

// ListArchivedAuditLogs handles GET /admin/audit-logs/archive?userId=&date=&limit=
// date is a UTC calendar day, YYYY-MM-DD.
func (h *AdminHandler) ListArchivedAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	day, err := time.Parse(time.DateOnly, q.Get("date"))
	if userID == "" || err != nil {
		respondWithError(w, http.StatusBadRequest, msgValidationFailed)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			respondWithError(w, http.StatusBadRequest, msgValidationFailed)
			return
		}
	}

	events, err := h.auditQuery.ListArchived(r.Context(), userID, day, limit)
	if errors.Is(err, service.ErrArchiveUnavailable) {
		respondWithError(w, http.StatusNotFound, msgArchiveDisabled)
		return
	}
	if err != nil {
		respondWithServiceError(w, r, h.logger, err, msgAuthRequired)
		return
	}

	resp := successResponse(events, "")
	resp.Meta = &Meta{Total: len(events), PageSize: repository.ClampLimit(limit)}
	respondWithJSON(w, http.StatusOK, resp)
}
