package token

import (
	"errors"
	"strings"
)

// CookieName is the browser cookie holding the signed handshake state.
const CookieName = "sg_sso_state"

// StateCookie is the browser-held half of the handshake's replay check: the
// state nonce issued on the login leg and the origin callback URL it was
// issued for. It is never stored server-side; the signature makes the
// callback comparison a pure function of issued value vs presented value.
type StateCookie struct {
	State string
	URL   string
}

// MintState signs a state cookie value binding the nonce to the origin URL.
func (c *Codec) MintState(state, originURL string) (string, error) {
	if strings.TrimSpace(originURL) == "" {
		return "", errors.New("origin url is required")
	}
	return c.mint(PurposeState, state, TTLState, func(cl *Claims) {
		cl.State = state
		cl.OriginURL = originURL
	})
}

// DecodeState verifies a presented state cookie value. A missing, garbled,
// expired, or wrong-purpose value fails with ErrInvalidToken.
func (c *Codec) DecodeState(raw string) (StateCookie, error) {
	claims, err := c.Verify(PurposeState, raw)
	if err != nil {
		return StateCookie{}, err
	}
	if claims.State == "" || claims.OriginURL == "" {
		return StateCookie{}, ErrInvalidToken
	}
	return StateCookie{State: claims.State, URL: claims.OriginURL}, nil
}
