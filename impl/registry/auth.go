package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aceeric/ocisync/impl/metrics"
	"github.com/aceeric/ocisync/impl/regerr"
	log "github.com/sirupsen/logrus"
)

// defaultTokenLifetime applies when the token server does not specify expires_in
const defaultTokenLifetime = 60 * time.Second

// authState is the Authorization header value a Client sends on each request
type authState struct {
	header  string
	expires time.Time
}

// tokenResponse is the body returned by a token server. Some servers return
// 'token' and some 'access_token'.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// authorize sets the cached Authorization header on the request unless it
// has expired.
func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auth.header == "" {
		return
	}
	if !c.auth.expires.IsZero() && time.Now().After(c.auth.expires) {
		return
	}
	req.Header.Set("Authorization", c.auth.header)
}

// credentials returns the configured user and password, if any
func (c *Client) credentials(ctx context.Context) (string, string, error) {
	if c.opts.Credentials != nil {
		return c.opts.Credentials(ctx)
	}
	return c.opts.Username, c.opts.Password, nil
}

// authenticate answers the passed WWW-Authenticate challenge and caches the
// resulting Authorization header. The 'scope' arg is used if the challenge
// does not specify one.
func (c *Client) authenticate(ctx context.Context, header, scope string) error {
	challenges := ParseChallenges(header)
	if ch, ok := find(challenges, "bearer"); ok {
		return c.bearer(ctx, ch, scope)
	}
	if _, ok := find(challenges, "basic"); ok {
		user, pass, err := c.credentials(ctx)
		if err != nil {
			return &regerr.AuthError{Reason: "unable to get credentials", Err: err}
		}
		if user == "" {
			return &regerr.AuthError{Reason: fmt.Sprintf("registry %s requires basic auth and no credentials are configured", c.domain)}
		}
		c.setAuth("Basic "+basic(user, pass), time.Time{})
		return nil
	}
	return &regerr.AuthError{Reason: fmt.Sprintf("unsupported challenge: %q", header)}
}

// bearer gets a token from the realm in the passed challenge
func (c *Client) bearer(ctx context.Context, ch Challenge, scope string) error {
	realm := ch.Params["realm"]
	if realm == "" {
		return &regerr.AuthError{Reason: "bearer challenge has no realm"}
	}
	u, err := url.Parse(realm)
	if err != nil {
		return &regerr.AuthError{Realm: realm, Reason: "invalid realm", Err: err}
	}
	q := u.Query()
	if svc := ch.Params["service"]; svc != "" {
		q.Set("service", svc)
	}
	if s := ch.Params["scope"]; s != "" {
		scope = s
	}
	if scope != "" {
		q.Set("scope", scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &regerr.AuthError{Realm: realm, Err: err}
	}
	user, pass, err := c.credentials(ctx)
	if err != nil {
		return &regerr.AuthError{Realm: realm, Reason: "unable to get credentials", Err: err}
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	metrics.IncTokenRequests()
	log.Debugf("requesting token from %s for scope %q", realm, scope)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &regerr.AuthError{Realm: realm, Err: err}
	}
	defer drain(resp)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return &regerr.AuthError{Realm: realm, StatusCode: resp.StatusCode, Body: regerr.Truncate(body)}
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return &regerr.AuthError{Realm: realm, Reason: "unable to parse token response", Err: err}
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return &regerr.AuthError{Realm: realm, Reason: "token server returned no token"}
	}
	lifetime := defaultTokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}
	// expiry is measured on the local clock, issued_at is ignored
	c.setAuth("Bearer "+token, time.Now().Add(lifetime))
	return nil
}

func (c *Client) setAuth(header string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = authState{header: header, expires: expires}
}

func basic(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
