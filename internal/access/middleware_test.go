package access

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func guardedRouter(engine *Engine) http.Handler {
	mw := Middleware{Engine: engine}
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireAction("pac", "update_pac"))
		r.Put("/pac/{processID}", okHandler().ServeHTTP)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.RequireManager("parametre", "manage_permissions"))
		r.Get("/admin", okHandler().ServeHTTP)
	})
	return r
}

func serve(router http.Handler, method, target string, p Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req = req.WithContext(ContextWithPrincipal(req.Context(), p))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestRequireActionAnonymousGets401(t *testing.T) {
	engine, cleanup := newTestEngine(t, grantedRepo(), &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodPut, "/pac/"+testProcess.String(), Principal{})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

func TestRequireActionGrantedPasses(t *testing.T) {
	engine, cleanup := newTestEngine(t, grantedRepo(), &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodPut, "/pac/"+testProcess.String(), Principal{UserID: 7, Authenticated: true})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
}

func TestRequireActionDeniedGets403(t *testing.T) {
	repo := grantedRepo()
	repo.mappings = nil
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodPut, "/pac/"+testProcess.String(), Principal{UserID: 7, Authenticated: true})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestRequireActionBadProcessID(t *testing.T) {
	engine, cleanup := newTestEngine(t, grantedRepo(), &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodPut, "/pac/not-a-uuid", Principal{UserID: 7, Authenticated: true})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestRequireManagerSuperAdminPasses(t *testing.T) {
	repo := &stubRepo{
		actions: []Action{{ID: 1, AppName: "parametre", Code: "manage_permissions", IsActive: true}},
	}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodGet, "/admin", Principal{UserID: 1, Authenticated: true, Staff: true, Superuser: true})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestRequireManagerDeniesWithoutGrant(t *testing.T) {
	repo := &stubRepo{
		holdings: []RoleHolding{{ProcessID: testProcess, RoleID: 1}},
		actions:  []Action{{ID: 1, AppName: "parametre", Code: "manage_permissions", IsActive: true}},
	}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodGet, "/admin", Principal{UserID: 7, Authenticated: true})
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", res.Code)
	}
}

func TestRequireManagerGrantViaMappingPasses(t *testing.T) {
	repo := &stubRepo{
		holdings: []RoleHolding{{ProcessID: testProcess, RoleID: 1, RoleCode: "admin"}},
		actions:  []Action{{ID: 1, AppName: "parametre", Code: "manage_permissions", IsActive: true}},
		mappings: []RoleMapping{{ID: 1, RoleID: 1, ActionID: 1, Granted: true, Priority: 10, IsActive: true}},
	}
	engine, cleanup := newTestEngine(t, repo, &recordingAuditor{})
	defer cleanup()
	router := guardedRouter(engine)

	res := serve(router, http.MethodGet, "/admin", Principal{UserID: 7, Authenticated: true})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
}
