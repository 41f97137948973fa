package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"sciencegate.org/internal/ids"
	"sciencegate.org/internal/token"
)

// VerifyClient is the outbound half of the callback leg: asking the origin
// instance to vouch for an SSO token it minted.
type VerifyClient interface {
	Verify(ctx context.Context, originURL, ssoToken string) (*RemoteUserInfo, error)
}

// Handshake orchestrates the four-leg SSO redirect protocol. Every leg is a
// stateless request; the only cross-leg state is the browser-held signed
// state cookie and the self-contained tokens, which is what lets the
// handshake span two independently deployed instances with no shared store.
type Handshake struct {
	codec   *token.Codec
	store   Store
	verify  VerifyClient
	events  *Stream
	baseURL string
}

// NewHandshake wires the handshake over this instance's codec, store and
// outbound client. baseURL is this instance's public URL, embedded in the
// confirm redirect so the destination knows where to verify.
func NewHandshake(codec *token.Codec, store Store, verify VerifyClient, events *Stream, baseURL string) *Handshake {
	return &Handshake{
		codec:   codec,
		store:   store,
		verify:  verify,
		events:  events,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// StartRedirect begins a handshake toward the given origin instance. We are
// the destination: mint a fresh state nonce, bind it together with the
// origin's URL into the signed cookie the callback leg will check, and send
// the browser to the origin's login leg.
func (h *Handshake) StartRedirect(originURL string) (string, string, error) {
	target, err := joinURL(originURL, loginPath)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	state := ids.New()
	cookie, err := h.codec.MintState(state, strings.TrimSuffix(strings.TrimSpace(originURL), "/"))
	if err != nil {
		return "", "", fmt.Errorf("mint state cookie: %w", err)
	}
	q := url.Values{
		"from":  {h.baseURL},
		"state": {state},
	}
	return target + "?" + q.Encode(), cookie, nil
}

// LoginRedirect handles the first leg on the origin. It returns the local
// redirect target, preserving (from, state) percent-encoded and unchanged,
// and the signed state cookie value the browser must carry to the callback.
// An already-authenticated caller goes straight to the confirm page; anyone
// else goes to local login with the sso marker set.
func (h *Handshake) LoginRedirect(from, state string, authenticated bool) (string, string, error) {
	if strings.TrimSpace(from) == "" || strings.TrimSpace(state) == "" {
		return "", "", fmt.Errorf("%w: from and state are required", ErrValidation)
	}

	cookie, err := h.codec.MintState(state, from)
	if err != nil {
		return "", "", fmt.Errorf("mint state cookie: %w", err)
	}

	q := url.Values{
		"state":       {state},
		"redirectUrl": {from},
	}
	if authenticated {
		return "/sg/sso/confirm?" + q.Encode(), cookie, nil
	}
	q.Set("sso", "true")
	return "/login?" + q.Encode(), cookie, nil
}

// ConfirmRedirect handles the second leg on the origin, for a locally
// authenticated user: it mints the SSO token bound to the user and state and
// returns the destination callback URL the browser is sent to.
func (h *Handshake) ConfirmRedirect(userID, state, redirectURL string) (string, error) {
	if strings.TrimSpace(redirectURL) == "" || strings.TrimSpace(state) == "" {
		return "", fmt.Errorf("%w: state and redirectUrl are required", ErrValidation)
	}
	ssoToken, err := h.codec.MintSSO(userID, state)
	if err != nil {
		return "", fmt.Errorf("mint sso token: %w", err)
	}
	target, err := CallbackURL(redirectURL, ssoToken, state, h.baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return target, nil
}

// Callback handles the third leg on the destination. It compares the
// presented state against the signed cookie, verifies the token against the
// origin named in the cookie, and resolves the returned identity to a local
// user. Any ambiguity fails closed: no session material is ever returned on
// a mismatch, a rejected token, or an unreachable origin.
func (h *Handshake) Callback(ctx context.Context, ssoToken, state, rawCookie string) (*User, error) {
	cookie, err := h.codec.DecodeState(rawCookie)
	if err != nil {
		return nil, fmt.Errorf("%w: state cookie missing or malformed", ErrAuthentication)
	}
	if state == "" || cookie.State != state {
		return nil, fmt.Errorf("%w: state mismatch", ErrAuthentication)
	}

	info, err := h.verify.Verify(ctx, cookie.URL, ssoToken)
	if err != nil {
		if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrDependency) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	// The shared federation secret lets us read the token's issuer claim
	// locally; it names the instance that minted the identity.
	claims, err := h.codec.Verify(token.PurposeSSO, ssoToken)
	if err != nil {
		return nil, fmt.Errorf("%w: token unreadable after verification", ErrAuthentication)
	}

	resolver := NewIdentityResolver(h.store)
	user, created, err := resolver.Resolve(ctx, RemoteUserRef{
		ID:                info.ID,
		HomeInstance:      claims.Issuer,
		Name:              info.Name,
		Email:             info.Email,
		ProfilePictureURL: info.ProfilePictureURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if created && h.events != nil {
		h.events.Publish(Event{
			Type:     EventIdentityImported,
			UserID:   user.ID,
			Instance: claims.Issuer,
		})
	}
	return user, nil
}

// VerifyToken handles the fourth leg on the origin: the destination asks
// whether we issued this token. The token must carry our own issuer code, be
// unexpired, never have been consumed, and name a subject that still exists.
func (h *Handshake) VerifyToken(ctx context.Context, ssoToken string) (*RemoteUserInfo, error) {
	claims, err := h.codec.Verify(token.PurposeSSO, ssoToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if claims.Issuer != h.codec.Instance() {
		return nil, fmt.Errorf("%w: token issued elsewhere", ErrAuthentication)
	}

	if err := h.store.ConsumeToken(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: token already used", ErrAuthentication)
		}
		return nil, fmt.Errorf("consume sso token: %w", err)
	}

	user, err := h.store.FindUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: subject no longer exists", ErrAuthentication)
		}
		return nil, fmt.Errorf("load sso subject: %w", err)
	}

	return &RemoteUserInfo{
		ID:                user.ID,
		Name:              user.Name,
		Email:             user.Email,
		ProfilePictureURL: user.ProfilePictureURL,
	}, nil
}
