package httpapi

import (
	"context"
	"net/http"
	"time"

	"sciencegate.org/internal/audit"
	"sciencegate.org/internal/token"
)

// SessionCookieName is the HttpOnly cookie carrying the local session token.
const SessionCookieName = "sg_session"

const sessionKey ctxKey = "session_user"

// withSession reads the session cookie, verifies it and, when valid, puts
// the user id in the request context. An absent or invalid cookie is not an
// error here; individual handlers decide whether a session is required.
func (a *API) withSession(next http.Handler) http.Handler {
	if a.codec == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.codec.Verify(token.PurposeSession, cookie.Value)
		if err != nil {
			// Expired or tampered session: drop the cookie and continue
			// unauthenticated.
			clearCookie(w, SessionCookieName)
			next.ServeHTTP(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, claims.Subject)
		ctx = audit.WithUserID(ctx, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionUserID returns the authenticated user id, or "" without a session.
func sessionUserID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionKey).(string); ok {
		return v
	}
	return ""
}

// issueSession mints a session token for the user and sets it as an
// HttpOnly cookie.
func (a *API) issueSession(w http.ResponseWriter, userID string) error {
	sessionToken, err := a.codec.MintSession(userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		MaxAge:   int(token.TTLSession / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
