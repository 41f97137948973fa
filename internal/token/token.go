package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token purposes. A token minted for one purpose never validates for another:
// an SSO identity proof cannot stand in for an export authorization or a
// local session, and vice versa.
const (
	PurposeSSO     = "sso"
	PurposeExport  = "export"
	PurposeSession = "session"
	PurposeState   = "state"
)

// Default lifetimes per purpose. SSO and export tokens only need to survive
// one redirect or one HTTP call, so they expire quickly.
const (
	TTLSSO     = time.Minute
	TTLExport  = 2 * time.Minute
	TTLState   = 10 * time.Minute
	TTLSession = 12 * time.Hour
)

// ErrInvalidToken indicates the token failed validation for any reason.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the claim set carried by every federation token. Purpose is
// mandatory; State and OriginURL are set only for the purposes that need them.
type Claims struct {
	Purpose   string `json:"purpose"`
	State     string `json:"state,omitempty"`
	OriginURL string `json:"origin_url,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies the short-lived, single-purpose tokens used by the
// federation layer. All instances of one federation share the signing secret;
// the issuer claim records which instance minted a token.
type Codec struct {
	secret   []byte
	instance string
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithNow overrides the clock. Only intended for test use.
func WithNow(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec constructs a Codec for the given federation secret and this
// instance's code.
func NewCodec(secret []byte, instance string, opts ...Option) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("federation secret is not configured")
	}
	instance = strings.TrimSpace(instance)
	if instance == "" {
		return nil, errors.New("instance code is required")
	}
	c := &Codec{
		secret:   secret,
		instance: instance,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Instance returns the instance code used as the issuer claim.
func (c *Codec) Instance() string { return c.instance }

// MintSSO signs an identity-proof token for the given user, bound to the
// handshake's state nonce.
func (c *Codec) MintSSO(userID, state string) (string, error) {
	if strings.TrimSpace(state) == "" {
		return "", errors.New("state is required")
	}
	return c.mint(PurposeSSO, userID, TTLSSO, func(cl *Claims) {
		cl.State = state
	})
}

// MintExport signs an export authorization scoped to a single submission.
func (c *Codec) MintExport(submissionID string) (string, error) {
	return c.mint(PurposeExport, submissionID, TTLExport, nil)
}

// MintSession signs a local session token for the given user.
func (c *Codec) MintSession(userID string) (string, error) {
	return c.mint(PurposeSession, userID, TTLSession, nil)
}

func (c *Codec) mint(purpose, subject string, ttl time.Duration, mutate func(*Claims)) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	now := c.now().UTC()
	claims := Claims{
		Purpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.instance,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if mutate != nil {
		mutate(&claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and claims of a token and requires it to carry
// the expected purpose. Any failure collapses into ErrInvalidToken.
func (c *Codec) Verify(purpose, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := c.validateClaims(purpose, claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) validateClaims(purpose string, claims *Claims) error {
	if claims.Purpose != purpose {
		return fmt.Errorf("unexpected purpose: %s", claims.Purpose)
	}
	if strings.TrimSpace(claims.Issuer) == "" {
		return errors.New("issuer missing")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := c.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}
