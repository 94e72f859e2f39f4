package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"

	"github.com/aceeric/ocisync/impl/metrics"
	"github.com/aceeric/ocisync/impl/regerr"
)

// requestBuilder builds a fresh request for each attempt since a request body
// can only be read once.
type requestBuilder func(ctx context.Context) (*http.Request, error)

// linkNext matches the next page in an RFC 5988 Link header
var linkNext = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// do runs one request through the auth state machine:
//
//  1. send with the cached Authorization header, if any
//  2. on 401, answer the challenge in the WWW-Authenticate header and send again
//
// The retry happens at most once. A 401 on the retry is an AuthError. Any other
// status is returned to the caller to interpret.
func (c *Client) do(ctx context.Context, build requestBuilder, scope string) (*http.Response, error) {
	resp, err := c.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	challenge := resp.Header.Get("Www-Authenticate")
	drain(resp)
	if challenge == "" {
		return nil, &regerr.AuthError{StatusCode: http.StatusUnauthorized, Reason: "401 without a WWW-Authenticate challenge"}
	}
	if err := c.authenticate(ctx, challenge, scope); err != nil {
		return nil, err
	}
	resp, err = c.send(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		defer drain(resp)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &regerr.AuthError{
			StatusCode: resp.StatusCode,
			Body:       regerr.Truncate(body),
			Reason:     fmt.Sprintf("%s %s rejected after authentication", resp.Request.Method, resp.Request.URL.Redacted()),
		}
	}
	return resp, nil
}

// send builds, authorizes and sends one request
func (c *Client) send(ctx context.Context, build requestBuilder) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &regerr.TransportError{Method: req.Method, URL: req.URL.Redacted(), Err: err}
	}
	metrics.IncRegistryRequests(fmt.Sprintf("%dxx", resp.StatusCode/100))
	return resp, nil
}

// get returns a builder for a body-less request
func get(method, u, accept string) requestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return nil, err
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		return req, nil
	}
}

// checkStatus returns nil if the response status is one of the expected
// statuses. Otherwise the response is translated into an error. A 404 becomes
// a NotFoundError naming the passed repository and reference.
func checkStatus(resp *http.Response, repo, ref string, expected ...int) error {
	for _, s := range expected {
		if resp.StatusCode == s {
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return &regerr.NotFoundError{Repository: repo, Reference: ref, Errors: regerr.ParseErrors(body)}
	}
	return regerr.NewProtocolError(resp.Request.Method, resp.Request.URL.Redacted(), resp.StatusCode, body)
}

// nextPage returns the url from the Link header if there is one
func (c *Client) nextPage(resp *http.Response) (string, error) {
	m := linkNext.FindStringSubmatch(resp.Header.Get("Link"))
	if m == nil {
		return "", nil
	}
	u, err := url.Parse(m[1])
	if err != nil {
		return "", fmt.Errorf("invalid Link header %q: %w", resp.Header.Get("Link"), err)
	}
	return resp.Request.URL.ResolveReference(u).String(), nil
}

// drain consumes and closes the response body so the connection can be reused
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
