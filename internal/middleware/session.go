package middleware

import (
	"context"
	"net/http"
	"time"

	"bili-downloader/internal/observability"
	"bili-downloader/internal/session"
)

type contextKey string

const sessionKey contextKey = "session"

// SessionCookieName is the cookie carrying the opaque session token.
const SessionCookieName = "bilidl_session"

const sessionCookieMaxAge = int(session.TTL / time.Second)

// Session resolves or creates the caller's session and refreshes the session
// cookie on every response. The cookie is http-only and strict same-site;
// secure is set in production behind HTTPS.
func Session(registry *session.Registry, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var token string
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				token = cookie.Value
			}

			sess, err := registry.Resolve(token)
			if err != nil {
				http.Error(w, `{"error":"Internal server error"}`, http.StatusInternalServerError)
				return
			}

			http.SetCookie(w, &http.Cookie{
				Name:     SessionCookieName,
				Value:    sess.Token(),
				Path:     "/",
				MaxAge:   sessionCookieMaxAge,
				HttpOnly: true,
				Secure:   secure,
				SameSite: http.SameSiteStrictMode,
			})

			ctx := context.WithValue(r.Context(), sessionKey, sess)
			ctx = observability.WithSessionID(ctx, sess.Token())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSession returns the session stored by the Session middleware.
func GetSession(ctx context.Context) (*session.Session, bool) {
	sess, ok := ctx.Value(sessionKey).(*session.Session)
	return sess, ok
}

// RequestToken returns the raw session token presented by the caller, or the
// empty string when no session cookie was sent. Endpoints outside the Session
// middleware use this: it never creates a session for anonymous callers.
func RequestToken(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
