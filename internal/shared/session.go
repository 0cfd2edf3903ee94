package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SessionManager orchestrates cookie based sessions backed by Redis.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
}

// Session holds per-request session data.
type Session struct {
	ID        string
	userID    int64
	staff     bool
	superuser bool
	isNew     bool
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	UserID    int64 `json:"user_id"`
	Staff     bool  `json:"staff"`
	Superuser bool  `json:"superuser"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
	}
}

// UserID returns the authenticated user id, zero when anonymous.
func (s *Session) UserID() int64 { return s.userID }

// Staff reports the account-level staff flag captured at login.
func (s *Session) Staff() bool { return s.staff }

// Superuser reports the account-level superuser flag captured at login.
func (s *Session) Superuser() bool { return s.superuser }

// Authenticate marks the session as belonging to the given user.
func (s *Session) Authenticate(userID int64, staff, superuser bool) {
	s.userID = userID
	s.staff = staff
	s.superuser = superuser
	s.dirty = true
}

// Destroy invalidates the session on commit.
func (s *Session) Destroy() {
	s.userID = 0
	s.staff = false
	s.superuser = false
	s.destroyed = true
	s.dirty = true
}

func (sm *SessionManager) newSession() *Session {
	return &Session{ID: uuid.NewString(), isNew: true}
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

// Load loads or creates a session for the request.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			sess := sm.newSession()
			sess.ID = cookie.Value
			return sess, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	return &Session{
		ID:        cookie.Value,
		userID:    stored.UserID,
		staff:     stored.Staff,
		superuser: stored.Superuser,
	}, nil
}

// Commit persists session changes and sets the cookie when needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil {
			return err
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteLaxMode,
		})
		return nil
	}
	if !sess.dirty {
		return nil
	}
	payload, err := json.Marshal(sessionPayload{UserID: sess.userID, Staff: sess.staff, Superuser: sess.superuser})
	if err != nil {
		return err
	}
	if err := sm.client.Set(ctx, sm.redisKey(sess.ID), payload, sm.ttl).Err(); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		MaxAge:   int(sm.ttl / time.Second),
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}
