package federation

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"sciencegate.org/internal/ids"
	"sciencegate.org/internal/token"
)

func newTestCodec(t *testing.T, instance string, opts ...token.Option) *token.Codec {
	t.Helper()
	c, err := token.NewCodec([]byte("test-federation-secret"), instance, opts...)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return c
}

type fakeVerify struct {
	info *RemoteUserInfo
	err  error

	gotOrigin string
	gotToken  string
}

func (f *fakeVerify) Verify(_ context.Context, originURL, ssoToken string) (*RemoteUserInfo, error) {
	f.gotOrigin = originURL
	f.gotToken = ssoToken
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

func seedUser(t *testing.T, store Store, name string) *User {
	t.Helper()
	u := &User{
		ID:        ids.New(),
		Name:      name,
		Email:     strings.ToLower(name) + "@alpha.example.org",
		Role:      RoleUser,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

func TestStartRedirectBindsOriginIntoCookie(t *testing.T) {
	codec := newTestCodec(t, "beta")
	h := NewHandshake(codec, NewInMemory(), &fakeVerify{}, nil, "https://beta.example.org")

	target, cookie, err := h.StartRedirect("https://alpha.example.org/")
	if err != nil {
		t.Fatalf("StartRedirect: %v", err)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if parsed.Host != "alpha.example.org" || parsed.Path != "/sg/sso/login" {
		t.Fatalf("unexpected login target: %s", target)
	}
	q := parsed.Query()
	if q.Get("from") != "https://beta.example.org" {
		t.Fatalf("own base url missing from login redirect: %q", q.Get("from"))
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("state nonce missing from login redirect")
	}

	decoded, err := codec.DecodeState(cookie)
	if err != nil {
		t.Fatalf("state cookie does not decode: %v", err)
	}
	if decoded.State != state || decoded.URL != "https://alpha.example.org" {
		t.Fatalf("cookie not bound to (state, origin): %+v", decoded)
	}

	if _, _, err := h.StartRedirect("ftp://alpha.example.org"); !errors.Is(err, ErrValidation) {
		t.Fatalf("non-http origin accepted: %v", err)
	}
}

func TestLoginRedirectPreservesParams(t *testing.T) {
	codec := newTestCodec(t, "alpha")
	h := NewHandshake(codec, NewInMemory(), &fakeVerify{}, nil, "https://alpha.example.org")

	from := "https://beta.example.org/some path?x=1&y=ä"
	state := "nonce with spaces & symbols"

	for _, authenticated := range []bool{true, false} {
		target, cookie, err := h.LoginRedirect(from, state, authenticated)
		if err != nil {
			t.Fatalf("LoginRedirect(auth=%v): %v", authenticated, err)
		}
		parsed, err := url.Parse(target)
		if err != nil {
			t.Fatalf("parse redirect: %v", err)
		}
		q := parsed.Query()
		if q.Get("state") != state {
			t.Fatalf("state not preserved: %q", q.Get("state"))
		}
		if q.Get("redirectUrl") != from {
			t.Fatalf("from not preserved: %q", q.Get("redirectUrl"))
		}
		if authenticated {
			if parsed.Path != "/sg/sso/confirm" {
				t.Fatalf("authenticated caller not sent to confirm: %s", parsed.Path)
			}
			if q.Get("sso") != "" {
				t.Fatalf("confirm redirect must not carry sso marker")
			}
		} else {
			if parsed.Path != "/login" || q.Get("sso") != "true" {
				t.Fatalf("unauthenticated caller not sent to login with marker: %s", target)
			}
		}

		decoded, err := codec.DecodeState(cookie)
		if err != nil {
			t.Fatalf("state cookie does not decode: %v", err)
		}
		if decoded.State != state || decoded.URL != from {
			t.Fatalf("cookie not bound to (state, from): %+v", decoded)
		}
	}
}

func TestLoginRedirectRequiresParams(t *testing.T) {
	h := NewHandshake(newTestCodec(t, "alpha"), NewInMemory(), &fakeVerify{}, nil, "https://alpha.example.org")
	for _, tc := range [][2]string{{"", "state"}, {"https://beta.example.org", ""}, {"", ""}} {
		if _, _, err := h.LoginRedirect(tc[0], tc[1], false); !errors.Is(err, ErrValidation) {
			t.Fatalf("LoginRedirect(%q, %q) = %v, want ErrValidation", tc[0], tc[1], err)
		}
	}
}

func TestConfirmRedirectBuildsCallback(t *testing.T) {
	codec := newTestCodec(t, "alpha")
	h := NewHandshake(codec, NewInMemory(), &fakeVerify{}, nil, "https://alpha.example.org")

	target, err := h.ConfirmRedirect("user-1", "nonce-1", "https://beta.example.org")
	if err != nil {
		t.Fatalf("ConfirmRedirect: %v", err)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	if parsed.Host != "beta.example.org" || parsed.Path != "/api/sg/sso/callback" {
		t.Fatalf("unexpected callback target: %s", target)
	}
	q := parsed.Query()
	if q.Get("state") != "nonce-1" {
		t.Fatalf("state missing from callback url")
	}
	if q.Get("from") != "https://alpha.example.org" {
		t.Fatalf("origin missing from callback url: %q", q.Get("from"))
	}
	claims, err := codec.Verify(token.PurposeSSO, q.Get("token"))
	if err != nil {
		t.Fatalf("embedded token invalid: %v", err)
	}
	if claims.Subject != "user-1" || claims.State != "nonce-1" {
		t.Fatalf("token not bound to user and state: %+v", claims)
	}
}

func TestCallbackImportsIdentity(t *testing.T) {
	codec := newTestCodec(t, "beta") // destination side
	originCodec := newTestCodec(t, "alpha")
	store := NewInMemory()
	events := NewStream()
	verify := &fakeVerify{info: &RemoteUserInfo{
		ID:    "remote-1",
		Name:  "Ada Lovelace",
		Email: "ada@alpha.example.org",
	}}
	h := NewHandshake(codec, store, verify, events, "https://beta.example.org")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := events.Subscribe(ctx)

	ssoToken, err := originCodec.MintSSO("remote-1", "nonce-1")
	if err != nil {
		t.Fatalf("MintSSO: %v", err)
	}
	cookie, err := codec.MintState("nonce-1", "https://alpha.example.org")
	if err != nil {
		t.Fatalf("MintState: %v", err)
	}

	user, err := h.Callback(context.Background(), ssoToken, "nonce-1", cookie)
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if user.ForeignID != "remote-1" || user.HomeInstance != "alpha" {
		t.Fatalf("identity not imported from token issuer: %+v", user)
	}
	if verify.gotOrigin != "https://alpha.example.org" {
		t.Fatalf("verified against wrong origin: %q", verify.gotOrigin)
	}

	select {
	case evt := <-sub:
		if evt.Type != EventIdentityImported || evt.UserID != user.ID {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected identity.imported event")
	}
}

func TestCallbackFailsClosed(t *testing.T) {
	codec := newTestCodec(t, "beta")
	originCodec := newTestCodec(t, "alpha")
	store := NewInMemory()

	ssoToken, err := originCodec.MintSSO("remote-1", "nonce-1")
	if err != nil {
		t.Fatalf("MintSSO: %v", err)
	}
	goodCookie, err := codec.MintState("nonce-1", "https://alpha.example.org")
	if err != nil {
		t.Fatalf("MintState: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		state  string
		cookie string
		verify VerifyClient
		want   error
	}{
		{"missing cookie", ssoToken, "nonce-1", "", &fakeVerify{}, ErrAuthentication},
		{"garbled cookie", ssoToken, "nonce-1", "zzz.zzz.zzz", &fakeVerify{}, ErrAuthentication},
		{"state mismatch", ssoToken, "nonce-2", goodCookie, &fakeVerify{}, ErrAuthentication},
		{"empty state", ssoToken, "", goodCookie, &fakeVerify{}, ErrAuthentication},
		{"origin rejects", ssoToken, "nonce-1", goodCookie, &fakeVerify{err: ErrAuthentication}, ErrAuthentication},
		{"origin unreachable", ssoToken, "nonce-1", goodCookie, &fakeVerify{err: ErrDependency}, ErrDependency},
	}
	for _, tc := range cases {
		h := NewHandshake(codec, store, tc.verify, nil, "https://beta.example.org")
		user, err := h.Callback(context.Background(), tc.token, tc.state, tc.cookie)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
		if user != nil {
			t.Fatalf("%s: user returned on failure", tc.name)
		}
	}
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	codec := newTestCodec(t, "alpha")
	store := NewInMemory()
	u := seedUser(t, store, "Ada")
	h := NewHandshake(codec, store, &fakeVerify{}, nil, "https://alpha.example.org")

	ssoToken, err := codec.MintSSO(u.ID, "nonce-1")
	if err != nil {
		t.Fatalf("MintSSO: %v", err)
	}
	info, err := h.VerifyToken(context.Background(), ssoToken)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if info.ID != u.ID || info.Name != u.Name || info.Email != u.Email {
		t.Fatalf("unexpected identity: %+v", info)
	}

	// Single use: the same token must not verify twice.
	if _, err := h.VerifyToken(context.Background(), ssoToken); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("replayed token verified: %v", err)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	now := time.Now()
	current := now
	codec := newTestCodec(t, "alpha", token.WithNow(func() time.Time { return current }))
	store := NewInMemory()
	u := seedUser(t, store, "Ada")
	h := NewHandshake(codec, store, &fakeVerify{}, nil, "https://alpha.example.org")

	t.Run("expired", func(t *testing.T) {
		raw, err := codec.MintSSO(u.ID, "nonce-1")
		if err != nil {
			t.Fatalf("MintSSO: %v", err)
		}
		current = now.Add(token.TTLSSO + time.Second)
		defer func() { current = now }()
		if _, err := h.VerifyToken(context.Background(), raw); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("expired token verified: %v", err)
		}
	})

	t.Run("unknown subject", func(t *testing.T) {
		raw, err := codec.MintSSO("no-such-user", "nonce-1")
		if err != nil {
			t.Fatalf("MintSSO: %v", err)
		}
		if _, err := h.VerifyToken(context.Background(), raw); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("token for missing subject verified: %v", err)
		}
	})

	t.Run("issued elsewhere", func(t *testing.T) {
		other := newTestCodec(t, "beta")
		raw, err := other.MintSSO(u.ID, "nonce-1")
		if err != nil {
			t.Fatalf("MintSSO: %v", err)
		}
		if _, err := h.VerifyToken(context.Background(), raw); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("foreign-issued token verified: %v", err)
		}
	})

	t.Run("wrong purpose", func(t *testing.T) {
		raw, err := codec.MintExport("sub-1")
		if err != nil {
			t.Fatalf("MintExport: %v", err)
		}
		if _, err := h.VerifyToken(context.Background(), raw); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("export token verified as SSO proof: %v", err)
		}
	})
}
