package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kora-suite/kora-access/internal/platform/httpx"
	"github.com/kora-suite/kora-access/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager) *Handler {
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/auth/login", h.handleLogin)
	r.Post("/auth/logout", h.handleLogout)
	r.Get("/auth/session", h.handleSession)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type sessionView struct {
	UserID        int64  `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	FullName      string `json:"full_name,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Staff         bool   `json:"staff,omitempty"`
	Superuser     bool   `json:"superuser,omitempty"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "Email ou mot de passe invalide")
		return
	}

	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.Authenticate(user.ID, user.IsStaff, user.IsSuperuser)

	httpx.JSON(w, http.StatusOK, sessionView{
		UserID:        user.ID,
		Email:         user.Email,
		FullName:      user.FullName,
		Authenticated: true,
		Staff:         user.IsStaff,
		Superuser:     user.IsSuperuser,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.Destroy()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession reports who the current session belongs to. Anonymous
// requests get a 200 with authenticated=false so frontends can probe
// without triggering error handling.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil || sess.UserID() == 0 {
		httpx.JSON(w, http.StatusOK, sessionView{Authenticated: false})
		return
	}
	user, err := h.service.Lookup(r.Context(), sess.UserID())
	if err != nil {
		sess.Destroy()
		httpx.JSON(w, http.StatusOK, sessionView{Authenticated: false})
		return
	}
	httpx.JSON(w, http.StatusOK, sessionView{
		UserID:        user.ID,
		Email:         user.Email,
		FullName:      user.FullName,
		Authenticated: true,
		Staff:         user.IsStaff,
		Superuser:     user.IsSuperuser,
	})
}
