package directory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kora-suite/kora-access/internal/platform/httpx"
)

// Handler exposes role and process administration over HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     func(http.Handler) http.Handler
	validator *validator.Validate
}

// NewHandler constructs a Handler. The guard middleware decides who may
// manage the directory; typically the same manage action as the permission
// admin surface.
func NewHandler(logger *slog.Logger, service *Service, guard func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		guard:     guard,
		validator: validator.New(),
	}
}

// MountRoutes registers the directory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard)

		r.Get("/directory/roles", h.listRoles)
		r.Post("/directory/roles", h.createRole)
		r.Get("/directory/processes", h.listProcesses)
		r.Post("/directory/processes", h.createProcess)
		r.Get("/directory/assignments", h.listAssignments)
		r.Post("/directory/assignments", h.assign)
		r.Delete("/directory/assignments", h.revoke)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

type roleRequest struct {
	Code string `json:"code" validate:"required,max=50"`
	Name string `json:"name" validate:"required,max=100"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), req.Code, req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) listProcesses(w http.ResponseWriter, r *http.Request) {
	processes, err := h.service.ListProcesses(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"processes": processes})
}

type processRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

func (h *Handler) createProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	process, err := h.service.CreateProcess(r.Context(), req.Name)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, process)
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user query parameter required")
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
	assignments, err := h.service.Assignments(r.Context(), userID, processID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": assignments})
}

type assignmentRequest struct {
	UserID    int64  `json:"user_id" validate:"required"`
	ProcessID string `json:"process_id" validate:"required,uuid"`
	RoleCode  string `json:"role_code" validate:"required"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	req, processID, ok := h.decodeAssignment(w, r)
	if !ok {
		return
	}
	if err := h.service.AssignRole(r.Context(), req.UserID, processID, req.RoleCode); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	req, processID, ok := h.decodeAssignment(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeRole(r.Context(), req.UserID, processID, req.RoleCode); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeAssignment(w http.ResponseWriter, r *http.Request) (assignmentRequest, uuid.UUID, bool) {
	var req assignmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return req, uuid.Nil, false
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return req, uuid.Nil, false
	}
	processID, err := uuid.Parse(req.ProcessID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "process_id must be a UUID")
		return req, uuid.Nil, false
	}
	return req, processID, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		h.logger.Error("directory request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
