package api

import (
	"context"
	"errors"
	"net/http"
)

type ctxKey string

const (
	// UserIDContextKey is used for extract the user id from request context
	UserIDContextKey ctxKey = "current_user_id"
)

// AuthFailFunc is function that is called when authentication failed
type AuthFailFunc func(w http.ResponseWriter, r *http.Request, err error)

// AuthHandler is optional handler for mocking in tests
type AuthHandler func(next http.Handler) http.Handler

var (
	xUserID          = http.CanonicalHeaderKey("X-User-Id")
	ErrEmptyIdentity = errors.New("empty user id")
)

// Identity trusts the user id the signed-in UI puts in the X-User-Id header.
// Sign-in itself happens in front of this API.
type Identity struct {
	AuthFailFunc AuthFailFunc
	StubHandler  AuthHandler
}

func NewIdentity() *Identity {
	return &Identity{}
}

// Middleware puts the user id of the request into its context
func (m *Identity) Middleware() AuthHandler {
	if m.StubHandler != nil {
		return m.StubHandler
	}

	return m.defaultMiddleware()
}

func (m *Identity) defaultMiddleware() AuthHandler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(xUserID)
			if userID == "" {
				m.authFailed(w, r, ErrEmptyIdentity)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *Identity) authFailed(w http.ResponseWriter, r *http.Request, err error) {
	if m.AuthFailFunc != nil {
		m.AuthFailFunc(w, r, err)
	} else {
		w.WriteHeader(http.StatusUnauthorized)
	}
}

// userIDFromRequest извлекает userID из контекста запроса
func userIDFromRequest(r *http.Request) (string, error) {
	userID, ok := r.Context().Value(UserIDContextKey).(string)
	if !ok || userID == "" {
		return "", errors.New("can't get user ID from request context")
	}

	return userID, nil
}
