package access

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kora-suite/kora-access/internal/platform/httpx"
)

// Middleware wires decision-point guards for HTTP handlers.
type Middleware struct {
	Engine *Engine
	Logger *slog.Logger
}

// RequireAction guards a route behind one engine resolution. The process id
// is read from the "processID" URL parameter; routes without one use
// RequireActionFor with a fixed process.
func (m Middleware) RequireAction(appName, actionCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			processID, err := uuid.Parse(chi.URLParam(r, "processID"))
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Invalid Process", "process id must be a UUID")
				return
			}
			m.check(w, r, next, appName, processID, actionCode)
		})
	}
}

// RequireActionFor guards a route behind one engine resolution against a
// fixed process.
func (m Middleware) RequireActionFor(appName string, processID uuid.UUID, actionCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.check(w, r, next, appName, processID, actionCode)
		})
	}
}

// RequireManager guards the administrative surface. Super admins pass; other
// users pass when any process in their decision map grants the action.
func (m Middleware) RequireManager(appName, actionCode string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if !principal.Authenticated {
				httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), ReasonNotAuthenticated)
				return
			}
			perms, err := m.Engine.UserPermissions(r.Context(), principal, appName, nil)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("manager guard resolution failed", slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden", ReasonResolutionError)
				return
			}
			for _, decisions := range perms {
				if d, ok := decisions[actionCode]; ok && d.Granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", reasonNoAction(actionCode, appName))
		})
	}
}

func (m Middleware) check(w http.ResponseWriter, r *http.Request, next http.Handler, appName string, processID uuid.UUID, actionCode string) {
	principal := PrincipalFromContext(r.Context())
	granted, reason := m.Engine.CanPerformAction(r.Context(), principal, appName, processID, actionCode, nil)
	if !granted {
		if m.Logger != nil {
			m.Logger.Info("request denied",
				slog.Int64("user_id", principal.UserID),
				slog.String("app", appName),
				slog.String("action", actionCode),
				slog.String("reason", reason))
		}
		status := http.StatusForbidden
		if !principal.Authenticated {
			status = http.StatusUnauthorized
		}
		httpx.Problem(w, status, http.StatusText(status), reason)
		return
	}
	next.ServeHTTP(w, r)
}
