package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"sciencegate.org/internal/token"
)

func TestSSOStartSetsCookieAndRedirects(t *testing.T) {
	beta := newInstance(t, "beta")
	alpha := newInstance(t, "alpha")

	resp := getURL(t, beta.srv.URL+"/sg/sso/start?instance="+url.QueryEscape(alpha.srv.URL))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/sg/sso/login" || loc.Query().Get("from") != beta.srv.URL {
		t.Fatalf("unexpected login target: %s", resp.Header.Get("Location"))
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("no state nonce in login redirect")
	}

	cookie := cookieByName(resp, token.CookieName)
	if cookie == nil {
		t.Fatal("state cookie not set")
	}
	decoded, err := beta.codec.DecodeState(cookie.Value)
	if err != nil {
		t.Fatalf("cookie does not decode: %v", err)
	}
	if decoded.State != state || decoded.URL != alpha.srv.URL {
		t.Fatalf("cookie not bound to (state, origin): %+v", decoded)
	}
	if !cookie.HttpOnly {
		t.Fatal("state cookie must be HttpOnly")
	}
}

func TestSSOLoginBranches(t *testing.T) {
	alpha := newInstance(t, "alpha")
	ada := alpha.seedUser("Ada")

	from := "https://beta.example.org"
	target := alpha.srv.URL + "/sg/sso/login?" + url.Values{
		"from":  {from},
		"state": {"nonce-1"},
	}.Encode()

	// Unauthenticated: local login with the sso marker.
	resp := getURL(t, target)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/login" || loc.Query().Get("sso") != "true" {
		t.Fatalf("unauthenticated redirect: %s", resp.Header.Get("Location"))
	}
	if loc.Query().Get("state") != "nonce-1" || loc.Query().Get("redirectUrl") != from {
		t.Fatalf("params not preserved: %s", resp.Header.Get("Location"))
	}
	if cookieByName(resp, token.CookieName) == nil {
		t.Fatal("state cookie not set")
	}

	// Authenticated: straight to the confirm page.
	resp = getURL(t, target, alpha.sessionCookie(ada.ID))
	loc, err = url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if loc.Path != "/sg/sso/confirm" {
		t.Fatalf("authenticated redirect: %s", resp.Header.Get("Location"))
	}

	// Missing params fail closed.
	resp = getURL(t, alpha.srv.URL+"/sg/sso/login")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing params: status = %d", resp.StatusCode)
	}
}

func TestSSOConfirmRequiresSession(t *testing.T) {
	alpha := newInstance(t, "alpha")
	resp := getURL(t, alpha.srv.URL+"/sg/sso/confirm?state=n&redirectUrl=https://beta.example.org")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cookieByName(resp, SessionCookieName) != nil {
		t.Fatal("session cookie set on rejected confirm")
	}
}

func TestSSOCallbackFailsClosed(t *testing.T) {
	beta := newInstance(t, "beta")

	resp := getURL(t, beta.srv.URL+"/api/sg/sso/callback?token=junk&state=nonce-1")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if c := cookieByName(resp, SessionCookieName); c != nil && c.Value != "" {
		t.Fatal("session material issued on failed callback")
	}
}

func TestSSOVerifyRejectsGarbage(t *testing.T) {
	alpha := newInstance(t, "alpha")
	resp := postJSON(t, alpha.srv.URL+"/api/sg/sso/verify?token=junk", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// TestSSOHandshakeEndToEnd drives a browser through all four legs across two
// running instances that share only the federation secret.
func TestSSOHandshakeEndToEnd(t *testing.T) {
	alpha := newInstance(t, "alpha") // origin: the user's home instance
	beta := newInstance(t, "beta")   // destination: where the session is minted
	ada := alpha.seedUser("Ada")
	alphaSession := alpha.sessionCookie(ada.ID)

	// Kickoff on the destination.
	resp := getURL(t, beta.srv.URL+"/sg/sso/start?instance="+url.QueryEscape(alpha.srv.URL))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("start: status = %d", resp.StatusCode)
	}
	stateCookie := cookieByName(resp, token.CookieName)
	if stateCookie == nil {
		t.Fatal("start: no state cookie")
	}
	loginURL := resp.Header.Get("Location")

	// Leg 1: login on the origin, already authenticated there.
	resp = getURL(t, loginURL, alphaSession)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login: status = %d", resp.StatusCode)
	}
	confirmURL := resp.Header.Get("Location")
	if !strings.HasPrefix(confirmURL, "/sg/sso/confirm?") {
		t.Fatalf("login: unexpected redirect %s", confirmURL)
	}

	// Leg 2: confirm mints the SSO token and bounces to the destination.
	resp = getURL(t, alpha.srv.URL+confirmURL, alphaSession)
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("confirm: status = %d", resp.StatusCode)
	}
	callbackURL := resp.Header.Get("Location")
	if !strings.HasPrefix(callbackURL, beta.srv.URL+"/api/sg/sso/callback?") {
		t.Fatalf("confirm: unexpected redirect %s", callbackURL)
	}

	// Leg 3: callback on the destination; leg 4 (verify) runs
	// server-to-server underneath it.
	resp = getURL(t, callbackURL, &http.Cookie{Name: token.CookieName, Value: stateCookie.Value})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback: status = %d", resp.StatusCode)
	}
	session := cookieByName(resp, SessionCookieName)
	if session == nil || session.Value == "" {
		t.Fatal("callback: no session cookie issued")
	}
	claims, err := beta.codec.Verify(token.PurposeSession, session.Value)
	if err != nil {
		t.Fatalf("callback: session token invalid: %v", err)
	}

	imported, err := beta.store.FindUserByForeignID(context.Background(), ada.ID, "alpha")
	if err != nil {
		t.Fatalf("imported identity not found: %v", err)
	}
	if imported.ID != claims.Subject {
		t.Fatalf("session subject %s != imported user %s", claims.Subject, imported.ID)
	}
	if imported.Name != ada.Name || imported.Email != ada.Email {
		t.Fatalf("identity fields not carried over: %+v", imported)
	}

	// The SSO token is single use: replaying the callback fails closed.
	resp = getURL(t, callbackURL, &http.Cookie{Name: token.CookieName, Value: stateCookie.Value})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("replayed callback: status = %d", resp.StatusCode)
	}

	// A second round trip maps onto the same local user.
	resp = getURL(t, beta.srv.URL+"/sg/sso/start?instance="+url.QueryEscape(alpha.srv.URL))
	stateCookie2 := cookieByName(resp, token.CookieName)
	resp = getURL(t, resp.Header.Get("Location"), alphaSession)
	resp = getURL(t, alpha.srv.URL+resp.Header.Get("Location"), alphaSession)
	resp = getURL(t, resp.Header.Get("Location"), &http.Cookie{Name: token.CookieName, Value: stateCookie2.Value})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("second round trip: status = %d", resp.StatusCode)
	}
	again, err := beta.store.FindUserByForeignID(context.Background(), ada.ID, "alpha")
	if err != nil {
		t.Fatalf("identity lookup after second trip: %v", err)
	}
	if again.ID != imported.ID {
		t.Fatalf("second round trip created a new user: %s vs %s", again.ID, imported.ID)
	}
}

// A state cookie from one handshake never completes another: the callback
// compares the presented state against the signed cookie.
func TestSSOCallbackRejectsMismatchedState(t *testing.T) {
	alpha := newInstance(t, "alpha")
	beta := newInstance(t, "beta")
	ada := alpha.seedUser("Ada")
	alphaSession := alpha.sessionCookie(ada.ID)

	// Handshake A provides the cookie.
	resp := getURL(t, beta.srv.URL+"/sg/sso/start?instance="+url.QueryEscape(alpha.srv.URL))
	cookieA := cookieByName(resp, token.CookieName)

	// Handshake B provides the callback URL.
	resp = getURL(t, beta.srv.URL+"/sg/sso/start?instance="+url.QueryEscape(alpha.srv.URL))
	resp = getURL(t, resp.Header.Get("Location"), alphaSession)
	resp = getURL(t, alpha.srv.URL+resp.Header.Get("Location"), alphaSession)
	callbackB := resp.Header.Get("Location")

	resp = getURL(t, callbackB, &http.Cookie{Name: token.CookieName, Value: cookieA.Value})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-handshake callback: status = %d", resp.StatusCode)
	}
	if c := cookieByName(resp, SessionCookieName); c != nil && c.Value != "" {
		t.Fatal("session material issued on state mismatch")
	}
}
