// Package registry implements the client capability over the distribution HTTP API.
package registry

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/globals"
	"github.com/aceeric/ocisync/impl/regerr"
	log "github.com/sirupsen/logrus"
)

const (
	apiVersionHeader = "Docker-Distribution-Api-Version"
	apiVersion       = "registry/2.0"
	dockerHub        = "registry-1.docker.io"
)

// CredentialFunc supplies a user name and password at the time a challenge
// is answered. It supports credentials that expire, like ECR tokens.
type CredentialFunc func(ctx context.Context) (string, string, error)

// Opts configures a Client
type Opts struct {
	// Scheme is http or https. If empty then https is tried first, falling
	// back to http.
	Scheme   string
	Username string
	Password string
	// Credentials, if not nil, takes precedence over Username/Password.
	Credentials CredentialFunc
	TlsConfig   *tls.Config
	// Timeout bounds connection establishment and the wait for response headers.
	// It does not bound streaming a blob.
	Timeout time.Duration
	// Transport replaces the HTTP transport. Tests use this.
	Transport http.RoundTripper
}

// Client talks to one registry. It caches a single auth header for all requests
// so a Client must not be shared across concurrent tasks. Use Copy.
type Client struct {
	domain     string
	base       *url.URL
	opts       Opts
	httpClient *http.Client
	mu         sync.Mutex
	auth       authState
	uploads    map[string]*upload
}

// check interface satisfaction
var _ client.Client = (*Client)(nil)

// Host maps a registry domain to the host that serves the API
func Host(domain string) string {
	switch strings.ToLower(domain) {
	case "docker.io", "index.docker.io":
		return dockerHub
	}
	return domain
}

// New returns a Client for the passed domain, like 'quay.io' or 'localhost:5000'.
// No network activity occurs until Connect or the first request.
func New(domain string, opts Opts) *Client {
	scheme := opts.Scheme
	if scheme == "" {
		scheme = "https"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = opts.TlsConfig
		t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
		t.ResponseHeaderTimeout = timeout
		transport = t
	}
	return &Client{
		domain:     domain,
		base:       &url.URL{Scheme: scheme, Host: Host(domain)},
		opts:       opts,
		httpClient: &http.Client{Transport: globals.NewLoggingTransport(transport)},
		uploads:    make(map[string]*upload),
	}
}

// Domain returns the domain the client was created with
func (c *Client) Domain() string {
	return c.domain
}

// Connect pings the registry's /v2/ endpoint. If no scheme was configured and
// https cannot be reached then http is tried.
func (c *Client) Connect(ctx context.Context) error {
	err := c.Ping(ctx)
	var te *regerr.TransportError
	if err != nil && c.opts.Scheme == "" && errors.As(err, &te) {
		log.Infof("https not available for %s, falling back to http: %s", c.domain, err)
		c.base.Scheme = "http"
		return c.Ping(ctx)
	}
	return err
}

// Ping checks that the registry implements the v2 API. A 401 is success since
// it means the registry is there and wants credentials.
func (c *Client) Ping(ctx context.Context) error {
	u := c.url("v2") + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &regerr.TransportError{Method: req.Method, URL: u, Err: err}
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(resp, "", "")
	}
	if resp.Header.Get(apiVersionHeader) != apiVersion {
		log.Warnf("registry %s did not return header %s: %s", c.domain, apiVersionHeader, apiVersion)
	}
	return nil
}

// Copy returns a Client for the same registry with independent auth and
// upload state. The HTTP connection pool is shared.
func (c *Client) Copy() client.Client {
	base := *c.base
	return &Client{
		domain:     c.domain,
		base:       &base,
		opts:       c.opts,
		httpClient: c.httpClient,
		uploads:    make(map[string]*upload),
	}
}

// url joins the passed path segments to the registry base url
func (c *Client) url(segments ...string) string {
	return c.base.JoinPath(segments...).String()
}

// resolve resolves a Location header value, which may be relative, against
// the registry base url.
func (c *Client) resolve(location string) (*url.URL, error) {
	if location == "" {
		return nil, fmt.Errorf("registry %s returned no Location header", c.domain)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("registry %s returned an invalid Location %q: %w", c.domain, location, err)
	}
	return c.base.ResolveReference(ref), nil
}

func pullScope(repo string) string {
	return fmt.Sprintf("repository:%s:pull", repo)
}

func pushScope(repo string) string {
	return fmt.Sprintf("repository:%s:pull,push", repo)
}

const catalogScope = "registry:catalog:*"
