package access

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kora-suite/kora-access/internal/platform/httpx"
)

// AppParametre is the application the management surface itself is guarded
// under.
const AppParametre = "parametre"

// ActionManagePermissions gates the administrative endpoints.
const ActionManagePermissions = "manage_permissions"

// Handler exposes the decision point and its administrative surface as a
// JSON API.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	admin     *AdminService
	guard     Middleware
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, admin *AdminService, guard Middleware) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		admin:     admin,
		guard:     guard,
		validator: validator.New(),
	}
}

// MountRoutes registers the permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions/me", h.myPermissions)
	r.Post("/permissions/check", h.checkPermission)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireManager(AppParametre, ActionManagePermissions))

		r.Get("/admin/actions", h.listActions)
		r.Post("/admin/actions", h.createAction)
		r.Patch("/admin/actions/{id}", h.setActionActive)

		r.Get("/admin/mappings", h.listMappings)
		r.Post("/admin/mappings", h.createMapping)
		r.Put("/admin/mappings/{id}", h.updateMapping)
		r.Delete("/admin/mappings/{id}", h.deleteMapping)

		r.Get("/admin/overrides", h.listOverrides)
		r.Post("/admin/overrides", h.createOverride)
		r.Delete("/admin/overrides/{id}", h.deactivateOverride)

		r.Get("/admin/audit", h.listAudit)
	})
}

// myPermissions returns the caller's full decision map for an app,
// optionally scoped to one process. Frontends use it to enable or disable
// controls; the backend still re-checks every write.
func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	if !principal.Authenticated {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", ReasonNotAuthenticated)
		return
	}
	appName := r.URL.Query().Get("app")
	if appName == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "app query parameter required")
		return
	}
	var processID *uuid.UUID
	if raw := r.URL.Query().Get("process"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "process must be a UUID")
			return
		}
		processID = &id
	}
	perms, err := h.engine.UserPermissions(r.Context(), principal, appName, processID)
	if err != nil {
		h.logger.Error("user permissions failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"app": appName, "permissions": perms})
}

type checkRequest struct {
	App       string `json:"app" validate:"required"`
	ProcessID string `json:"process_id" validate:"required,uuid"`
	Action    string `json:"action" validate:"required"`
}

// checkPermission resolves one decision for the caller. Debugging aid; the
// result is identical to what a guarded endpoint would decide.
func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	processID, err := uuid.Parse(req.ProcessID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "process_id must be a UUID")
		return
	}
	granted, reason := h.engine.CanPerformAction(r.Context(), principal, req.App, processID, req.Action, nil)
	httpx.JSON(w, http.StatusOK, map[string]any{"granted": granted, "reason": reason})
}

func (h *Handler) listActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.admin.ListActions(r.Context(), r.URL.Query().Get("app"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"actions": toActionViews(actions)})
}

type actionRequest struct {
	App         string `json:"app" validate:"required,max=50"`
	Code        string `json:"code" validate:"required,max=50"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
	Category    string `json:"category" validate:"max=50"`
}

func (h *Handler) createAction(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	action, err := h.admin.CreateAction(r.Context(), Action{
		AppName:     req.App,
		Code:        req.Code,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toActionView(action))
}

func (h *Handler) setActionActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	var req struct {
		IsActive *bool `json:"is_active"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil || req.IsActive == nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "is_active required")
		return
	}
	if err := h.admin.SetActionActive(r.Context(), id, *req.IsActive); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": id, "is_active": *req.IsActive})
}

func (h *Handler) listMappings(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("app")
	if appName == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "app query parameter required")
		return
	}
	mappings, err := h.admin.ListMappings(r.Context(), appName)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mappings": toMappingViews(mappings)})
}

type mappingRequest struct {
	RoleID     int64      `json:"role_id" validate:"required"`
	ActionID   int64      `json:"action_id" validate:"required"`
	Granted    bool       `json:"granted"`
	Conditions Conditions `json:"conditions"`
	Priority   int        `json:"priority"`
}

func (h *Handler) createMapping(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	mapping, err := h.admin.CreateMapping(r.Context(), RoleMapping{
		RoleID:     req.RoleID,
		ActionID:   req.ActionID,
		Granted:    req.Granted,
		Conditions: req.Conditions,
		Priority:   req.Priority,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMappingView(mapping))
}

type mappingUpdateRequest struct {
	Granted    bool       `json:"granted"`
	Conditions Conditions `json:"conditions"`
	Priority   int        `json:"priority"`
	IsActive   bool       `json:"is_active"`
}

func (h *Handler) updateMapping(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	var req mappingUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	mapping, err := h.admin.UpdateMapping(r.Context(), id, req.Granted, req.Conditions, req.Priority, req.IsActive)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMappingView(mapping))
}

func (h *Handler) deleteMapping(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be an integer")
		return
	}
	if err := h.admin.DeleteMapping(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user query parameter required")
		return
	}
	overrides, err := h.admin.ListOverrides(r.Context(), userID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"overrides": toOverrideViews(overrides)})
}

type overrideRequest struct {
	UserID        int64      `json:"user_id" validate:"required"`
	ProcessID     string     `json:"process_id" validate:"required,uuid"`
	App           string     `json:"app" validate:"required,max=50"`
	ActionID      int64      `json:"action_id" validate:"required"`
	Granted       bool       `json:"granted"`
	Conditions    Conditions `json:"conditions"`
	Justification string     `json:"justification" validate:"required"`
	ValidFrom     *time.Time `json:"valid_from"`
	ValidUntil    *time.Time `json:"valid_until"`
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	processID, err := uuid.Parse(req.ProcessID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "process_id must be a UUID")
		return
	}
	override, err := h.admin.CreateOverride(r.Context(), Override{
		UserID:        req.UserID,
		ProcessID:     processID,
		AppName:       req.App,
		ActionID:      req.ActionID,
		Granted:       req.Granted,
		Conditions:    req.Conditions,
		Justification: req.Justification,
		ValidFrom:     req.ValidFrom,
		ValidUntil:    req.ValidUntil,
		CreatedBy:     principal.UserID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toOverrideView(override))
}

func (h *Handler) deactivateOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a UUID")
		return
	}
	if err := h.admin.DeactivateOverride(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := AuditFilters{
		AppName: q.Get("app"),
		Action:  q.Get("action"),
	}
	if raw := q.Get("user"); raw != "" {
		filters.UserID, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw := q.Get("page"); raw != "" {
		filters.Page, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("page_size"); raw != "" {
		filters.PageSize, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.To = t
		}
	}
	entries, hasNext, err := h.admin.Audit(r.Context(), filters)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries), "has_next": hasNext})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error("permission admin request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
