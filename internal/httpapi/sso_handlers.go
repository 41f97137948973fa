package httpapi

import (
	"net/http"
	"time"

	"sciencegate.org/internal/audit"
	"sciencegate.org/internal/federation"
	"sciencegate.org/internal/obs"
	"sciencegate.org/internal/token"
)

// handleSSOStart kicks the handshake off on the destination side: bind a
// fresh state nonce and the origin's URL into the signed state cookie, then
// send the browser to the origin's login leg.
func (a *API) handleSSOStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	target, stateCookie, err := a.handshake.StartRedirect(r.URL.Query().Get("instance"))
	if err != nil {
		obs.SSOLeg("start", "reject")
		handleFederationError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    stateCookie,
		Path:     "/",
		MaxAge:   int(token.TTLState / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	obs.SSOLeg("start", "ok")
	http.Redirect(w, r, target, http.StatusFound)
}

// handleSSOLogin is the first handshake leg. It preserves (from, state)
// verbatim in the redirect, binds them into the signed state cookie and
// sends the browser either to the confirm page or to local login.
func (a *API) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	q := r.URL.Query()
	authenticated := sessionUserID(r.Context()) != ""

	target, stateCookie, err := a.handshake.LoginRedirect(q.Get("from"), q.Get("state"), authenticated)
	if err != nil {
		obs.SSOLeg("login", "reject")
		handleFederationError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    stateCookie,
		Path:     "/",
		MaxAge:   int(token.TTLState / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	obs.SSOLeg("login", "ok")
	http.Redirect(w, r, target, http.StatusFound)
}

// handleSSOConfirm is the second leg: a locally authenticated user approves
// the handoff, we mint the SSO token and bounce the browser to the partner
// instance's callback endpoint.
func (a *API) handleSSOConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	userID := sessionUserID(r.Context())
	if userID == "" {
		obs.SSOLeg("confirm", "reject")
		writeError(w, r, http.StatusForbidden, "authentication required")
		return
	}

	q := r.URL.Query()
	target, err := a.handshake.ConfirmRedirect(userID, q.Get("state"), q.Get("redirectUrl"))
	if err != nil {
		obs.SSOLeg("confirm", "reject")
		handleFederationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "sso.token.issued", map[string]any{
		"destination": q.Get("redirectUrl"),
	})
	obs.SSOLeg("confirm", "ok")
	http.Redirect(w, r, target, http.StatusFound)
}

// handleSSOCallback is the third leg, on the destination side: compare the
// presented state against the signed cookie, verify the token against the
// origin and, only when everything checks out, mint a local session. Any
// mismatch fails closed with no session material.
func (a *API) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	var rawCookie string
	if c, err := r.Cookie(token.CookieName); err == nil {
		rawCookie = c.Value
	}
	// The state cookie is single-use: drop it whatever the outcome.
	clearCookie(w, token.CookieName)

	q := r.URL.Query()
	user, err := a.handshake.Callback(r.Context(), q.Get("token"), q.Get("state"), rawCookie)
	if err != nil {
		obs.SSOLeg("callback", "reject")
		_ = audit.LogEvent(r.Context(), "sso.callback.rejected", map[string]any{
			"reason": err.Error(),
		})
		handleFederationError(w, r, err)
		return
	}

	if err := a.issueSession(w, user.ID); err != nil {
		obs.SSOLeg("callback", "reject")
		writeError(w, r, http.StatusInternalServerError, "session creation failed")
		return
	}

	_ = audit.LogEvent(r.Context(), "sso.session.created", map[string]any{
		"user_id":       user.ID,
		"home_instance": user.HomeInstance,
	})
	if a.stream != nil {
		a.stream.Publish(federation.Event{
			Type:     federation.EventSessionCreated,
			UserID:   user.ID,
			Instance: user.HomeInstance,
		})
	}
	obs.SSOLeg("callback", "ok")
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleSSOVerify is the fourth leg, server-to-server: the destination asks
// whether we issued the presented token. 200 with the subject's public
// identity, or 403.
func (a *API) handleSSOVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	info, err := a.handshake.VerifyToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		obs.SSOLeg("verify", "reject")
		writeError(w, r, http.StatusForbidden, "authentication failed")
		return
	}

	obs.SSOLeg("verify", "ok")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"id":                info.ID,
		"name":              info.Name,
		"email":             info.Email,
		"profilePictureUrl": info.ProfilePictureURL,
	})
}
