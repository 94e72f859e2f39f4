package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aceeric/ocisync/impl/manifest"
)

// maxManifestBytes is the largest manifest that will be read
const maxManifestBytes = 4 << 20

// FetchManifest gets the manifest 'ref' from 'repo', requesting the media type
// of the passed variant, and decodes it into the variant.
func (c *Client) FetchManifest(ctx context.Context, into manifest.Manifest, repo, ref string) error {
	u := c.url("v2", repo, "manifests", ref)
	resp, err := c.do(ctx, get(http.MethodGet, u, into.AcceptType()), pullScope(repo))
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := checkStatus(resp, repo, ref, http.StatusOK); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return fmt.Errorf("reading manifest %s:%s from %s: %w", repo, ref, c.domain, err)
	}
	if err := manifest.Decode(into, body); err != nil {
		return fmt.Errorf("decoding manifest %s:%s from %s: %w", repo, ref, c.domain, err)
	}
	into.SetRepository(repo)
	return nil
}

// PutManifest puts the manifest to 'repo' under 'ref' which can be a tag or a
// digest. The registry stores the manifest bytes as-is, so putting the same
// manifest twice is harmless.
func (c *Client) PutManifest(ctx context.Context, m manifest.Manifest, repo, ref string) error {
	body, err := m.Bytes()
	if err != nil {
		return err
	}
	u := c.url("v2", repo, "manifests", ref)
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", m.ContentType())
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		return req, nil
	}
	resp, err := c.do(ctx, build, pushScope(repo))
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp, repo, ref, http.StatusCreated, http.StatusOK, http.StatusAccepted)
}
