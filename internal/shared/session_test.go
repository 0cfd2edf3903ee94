package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newManager(t *testing.T) *SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewSessionManager(client, "test_session", time.Hour, false)
}

func TestSessionLifecycle(t *testing.T) {
	sm := newManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sm.Load(ctx, req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sess.UserID() != 0 {
		t.Fatal("fresh session must be anonymous")
	}

	sess.Authenticate(42, true, false)
	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cookies := res.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "test_session" {
		t.Fatalf("expected session cookie, got %v", cookies)
	}

	// A follow-up request with the cookie restores the identity.
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookies[0])
	sess2, err := sm.Load(ctx, req2)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if sess2.UserID() != 42 || !sess2.Staff() || sess2.Superuser() {
		t.Fatalf("restored session mismatch: id=%d staff=%v super=%v",
			sess2.UserID(), sess2.Staff(), sess2.Superuser())
	}
}

func TestSessionDestroy(t *testing.T) {
	sm := newManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, _ := sm.Load(ctx, req)
	sess.Authenticate(42, false, false)
	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cookie := res.Result().Cookies()[0]

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(cookie)
	sess2, _ := sm.Load(ctx, req2)
	sess2.Destroy()
	res2 := httptest.NewRecorder()
	if err := sm.Commit(ctx, res2, sess2); err != nil {
		t.Fatalf("commit destroy: %v", err)
	}
	expired := res2.Result().Cookies()
	if len(expired) != 1 || expired[0].MaxAge != -1 {
		t.Fatalf("destroy must expire the cookie, got %v", expired)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/", nil)
	req3.AddCookie(cookie)
	sess3, err := sm.Load(ctx, req3)
	if err != nil {
		t.Fatalf("reload after destroy: %v", err)
	}
	if sess3.UserID() != 0 {
		t.Fatal("destroyed session must not restore the identity")
	}
}

func TestCommitSkipsCleanSessions(t *testing.T) {
	sm := newManager(t)
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, _ := sm.Load(ctx, req)
	res := httptest.NewRecorder()
	if err := sm.Commit(ctx, res, sess); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(res.Result().Cookies()) != 0 {
		t.Fatal("untouched anonymous session must not set a cookie")
	}
}
