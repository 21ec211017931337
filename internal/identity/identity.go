// Package identity resolves the browser session and sender connection of a request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	SessionCookieName    = "shsh_session"
	SessionHeaderName    = "X-Chat-Session-ID"
	ConnectionHeaderName = "X-Connection-ID"
	sessionCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	connectionIDKey
)

var (
	sessionIDPattern    = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	connectionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)
)

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// ConnectionIDFromContext extracts the sender connection ID, if any.
func ConnectionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(connectionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSession returns a context carrying sessionID. Used by tests and
// non-HTTP callers.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// NewSessionID generates a random session identifier.
func NewSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(buf), nil
}

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// sessionIDFromRequest returns the session ID from header, query, or cookie,
// in that order. ok is false when a value was supplied but is malformed.
func sessionIDFromRequest(r *http.Request) (id string, ok bool) {
	id = strings.TrimSpace(r.Header.Get(SessionHeaderName))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if id == "" {
		if c, err := r.Cookie(SessionCookieName); err == nil {
			id = c.Value
		}
	}
	if id == "" {
		return "", true
	}
	return id, ValidSessionID(id)
}

func connectionIDFromRequest(r *http.Request) (id string, ok bool) {
	id = strings.TrimSpace(r.Header.Get(ConnectionHeaderName))
	if id == "" {
		id = strings.TrimSpace(r.URL.Query().Get("connection_id"))
	}
	if id == "" {
		return "", true
	}
	return id, connectionIDPattern.MatchString(id)
}

// Middleware requires a well-formed session identifier on every request and
// injects it, plus the optional sender connection ID, into the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID, ok := sessionIDFromRequest(r)
		if !ok {
			http.Error(w, `{"error":"malformed session id"}`, http.StatusBadRequest)
			return
		}
		if sessionID == "" {
			http.Error(w, `{"error":"session id required"}`, http.StatusBadRequest)
			return
		}

		connID, ok := connectionIDFromRequest(r)
		if !ok {
			http.Error(w, `{"error":"malformed connection id"}`, http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
		if connID != "" {
			ctx = context.WithValue(ctx, connectionIDKey, connID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IssueSession returns the caller's existing cookie session or mints a new
// one, refreshing the cookie either way.
func IssueSession(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	id := ""
	if c, err := r.Cookie(SessionCookieName); err == nil && ValidSessionID(c.Value) {
		id = c.Value
	}
	if id == "" {
		var err error
		id, err = NewSessionID()
		if err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(sessionCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
	return id, nil
}
