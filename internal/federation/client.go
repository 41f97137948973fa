package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Route suffixes on the partner instance. Callers pass the instance's base
// URL; the client appends these.
const (
	verifyPath   = "/api/sg/sso/verify"
	importPath   = "/api/sg/import"
	callbackPath = "/api/sg/sso/callback"
	loginPath    = "/sg/sso/login"
)

// Client performs the server-to-server calls of the federation protocol:
// token verification against an origin instance and payload delivery to a
// destination instance. Calls are never retried; the partner's transaction
// outcome is authoritative regardless of what this side observes.
type Client struct {
	http *http.Client
}

// NewClient constructs a Client with a bounded per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Verify asks the origin instance whether it issued the given SSO token and,
// if so, for the subject's public identity. Any transport or protocol failure
// collapses into an error; the callback leg fails closed on it.
func (c *Client) Verify(ctx context.Context, originURL, ssoToken string) (*RemoteUserInfo, error) {
	endpoint, err := joinURL(originURL, verifyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	endpoint += "?" + url.Values{"token": {ssoToken}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDependency, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: verify against %s: %v", ErrDependency, originURL, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: origin rejected token (status %d)", ErrAuthentication, resp.StatusCode)
	}

	var payload struct {
		Status string `json:"status"`
		RemoteUserInfo
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode verify response: %v", ErrDependency, err)
	}
	if payload.Status != "ok" || payload.ID == "" {
		return nil, fmt.Errorf("%w: origin returned no identity", ErrAuthentication)
	}
	info := payload.RemoteUserInfo
	return &info, nil
}

// SendImport POSTs an export token and packaged submission to the destination
// instance's import endpoint and reports whether it acknowledged success.
func (c *Client) SendImport(ctx context.Context, destinationURL, exportToken string, sub ImportedSubmission) error {
	endpoint, err := joinURL(destinationURL, importPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependency, err)
	}

	body, err := json.Marshal(struct {
		Token      string             `json:"token"`
		Submission ImportedSubmission `json:"submission"`
	}{Token: exportToken, Submission: sub})
	if err != nil {
		return fmt.Errorf("encode import payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependency, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: deliver to %s: %v", ErrDependency, destinationURL, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: destination answered status %d", ErrDependency, resp.StatusCode)
	}
	return nil
}

// CallbackURL builds the destination callback location the confirm leg
// redirects the browser to.
func CallbackURL(destinationBase, ssoToken, state, origin string) (string, error) {
	endpoint, err := joinURL(destinationBase, callbackPath)
	if err != nil {
		return "", err
	}
	q := url.Values{
		"token": {ssoToken},
		"state": {state},
		"from":  {origin},
	}
	return endpoint + "?" + q.Encode(), nil
}

func joinURL(base, path string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("instance url is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse instance url %q: %w", base, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("instance url %q must be http or https", base)
	}
	return strings.TrimSuffix(base, "/") + path, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
