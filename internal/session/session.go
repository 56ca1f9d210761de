// Package session is a Redis-backed session store. Besides authenticating
// the reporting endpoints it carries the clicked message id across the
// click → signup gap so conversions can be attributed.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrNoSession = errors.New("no session")

const (
	fieldUserID     = "user_id"
	fieldEmailTrack = "email_track"
)

// Store keeps one Redis hash per session, expiring after the configured TTL.
type Store struct {
	rdb        *redis.Client
	ttl        time.Duration
	cookieName string
}

func New(rdb *redis.Client, cookieName string, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, cookieName: cookieName}
}

func sessionKey(id string) string { return "session:" + id }

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Create opens a session for an authenticated user and returns its id.
func (s *Store) Create(ctx context.Context, userID uuid.UUID) (string, error) {
	id, err := generateSessionID()
	if err != nil {
		return "", err
	}
	key := sessionKey(id)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldUserID, userID.String())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// UserID resolves the authenticated user for a session.
func (s *Store) UserID(ctx context.Context, sessionID string) (uuid.UUID, error) {
	val, err := s.rdb.HGet(ctx, sessionKey(sessionID), fieldUserID).Result()
	if err == redis.Nil {
		return uuid.Nil, ErrNoSession
	}
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, ErrNoSession
	}
	return id, nil
}

// SetEmailTrack stashes the message id of a tracked click on the session.
// Clicks can arrive before any login, so the session hash is created on
// demand and the TTL refreshed.
func (s *Store) SetEmailTrack(ctx context.Context, sessionID, messageID string) error {
	key := sessionKey(sessionID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fieldEmailTrack, messageID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// EmailTrack returns the stashed message id, or ErrNoSession when the
// session never saw a tracked click.
func (s *Store) EmailTrack(ctx context.Context, sessionID string) (string, error) {
	val, err := s.rdb.HGet(ctx, sessionKey(sessionID), fieldEmailTrack).Result()
	if err == redis.Nil {
		return "", ErrNoSession
	}
	return val, err
}

// Destroy drops the session.
func (s *Store) Destroy(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// SessionID extracts the session id from the request cookie.
func (s *Store) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(s.cookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// EnsureSessionID returns the request's session id, minting a new one and
// setting its cookie when the request arrived without one.
func (s *Store) EnsureSessionID(w http.ResponseWriter, r *http.Request) (string, error) {
	if id, ok := s.SessionID(r); ok {
		return id, nil
	}
	id, err := generateSessionID()
	if err != nil {
		return "", err
	}
	s.SetCookie(w, id)
	return id, nil
}

func (s *Store) SetCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(s.ttl / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Store) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:   s.cookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
}

type contextKey struct{}

// UserFromContext returns the authenticated user id placed by RequireUser.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(contextKey{}).(uuid.UUID)
	return id, ok
}

// RequireUser rejects requests without a valid session and annotates the
// context with the user id for downstream handlers.
func (s *Store) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := s.SessionID(r)
		if !ok {
			unauthorized(w)
			return
		}
		userID, err := s.UserID(r.Context(), sessionID)
		if err != nil {
			unauthorized(w)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
