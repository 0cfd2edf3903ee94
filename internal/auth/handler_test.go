package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/kora-suite/kora-access/internal/auth"
	"github.com/kora-suite/kora-access/internal/shared"
)

type stubRepo struct {
	user *auth.User
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func testUser(t *testing.T, password string) *auth.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return &auth.User{
		ID:           42,
		Email:        "user@kora.local",
		PasswordHash: string(hash),
		IsActive:     true,
		IsStaff:      true,
	}
}

func newRouter(t *testing.T, repo auth.Repository) (http.Handler, *shared.SessionManager) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	sessions := shared.NewSessionManager(client, "test_session", time.Hour, false)
	handler := auth.NewHandler(nil, auth.NewService(repo), sessions)

	r := chi.NewRouter()
	r.Route("/api", handler.MountRoutes)
	return r, sessions
}

func doLogin(t *testing.T, router http.Handler, sessions *shared.SessionManager, body string) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	sess, err := sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res, sess
}

func TestLoginSuccess(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	router, sessions := newRouter(t, &stubRepo{user: user})

	res, sess := doLogin(t, router, sessions, `{"email":"user@kora.local","password":"correct-horse-battery"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var view struct {
		UserID        int64 `json:"user_id"`
		Authenticated bool  `json:"authenticated"`
		Staff         bool  `json:"staff"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !view.Authenticated || view.UserID != 42 || !view.Staff {
		t.Fatalf("unexpected session view %+v", view)
	}
	if sess.UserID() != 42 || !sess.Staff() {
		t.Fatalf("session should carry the account flags: id=%d staff=%v", sess.UserID(), sess.Staff())
	}
}

func TestLoginWrongPassword(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	router, sessions := newRouter(t, &stubRepo{user: user})

	res, sess := doLogin(t, router, sessions, `{"email":"user@kora.local","password":"wrong-password-00"}`)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
	if sess.UserID() != 0 {
		t.Fatal("failed login must not authenticate the session")
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	user := testUser(t, "correct-horse-battery")
	user.IsActive = false
	router, sessions := newRouter(t, &stubRepo{user: user})

	res, _ := doLogin(t, router, sessions, `{"email":"user@kora.local","password":"correct-horse-battery"}`)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive account, got %d", res.Code)
	}
}

func TestLoginValidation(t *testing.T) {
	router, sessions := newRouter(t, &stubRepo{})

	res, _ := doLogin(t, router, sessions, `{"email":"not-an-email","password":"short"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestSessionProbeAnonymous(t *testing.T) {
	router, sessions := newRouter(t, &stubRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	sess, err := sessions.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("anonymous probe should be 200, got %d", res.Code)
	}
	var view struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.Authenticated {
		t.Fatal("anonymous probe must report authenticated=false")
	}
}
