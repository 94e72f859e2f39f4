package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/regerr"
	log "github.com/sirupsen/logrus"
)

// chunkSize is the read buffer size for streaming a blob into a sink
const chunkSize = 64 * 1024

// upload tracks a chunked blob upload in progress
type upload struct {
	location string
	offset   int64
}

// HasBlob issues a HEAD for the blob
func (c *Client) HasBlob(ctx context.Context, repo, digest string) (bool, error) {
	u := c.url("v2", repo, "blobs", digest)
	resp, err := c.do(ctx, get(http.MethodHead, u, ""), pullScope(repo))
	if err != nil {
		return false, err
	}
	defer drain(resp)
	err = checkStatus(resp, repo, digest, http.StatusOK)
	switch {
	case err == nil:
		return true, nil
	case regerr.IsNotFound(err):
		return false, nil
	}
	return false, err
}

// FetchBlob streams the blob into the sink. Redirects (e.g. to a storage
// bucket) are followed by the HTTP client, which strips the Authorization
// header if the redirect goes to a different host.
func (c *Client) FetchBlob(ctx context.Context, repo, digest string, sink client.Sink) error {
	u := c.url("v2", repo, "blobs", digest)
	resp, err := c.do(ctx, get(http.MethodGet, u, ""), pullScope(repo))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, repo, digest, http.StatusOK); err != nil {
		return err
	}
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 && !sink(buf[:n]) {
			return client.ErrSinkAborted
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &regerr.TransportError{Method: http.MethodGet, URL: u, Err: err}
		}
	}
}

// PutBlob uploads the blob in chunks:
//
//  1. the first call POSTs to the upload endpoint to get an upload location
//  2. each non-empty chunk is PATCHed to the current location
//  3. when the bytes sent reach 'total' the upload is closed with a PUT that
//     names the digest
//
// If any step fails then the upload is cancelled, and the next call for the
// digest starts over.
func (c *Client) PutBlob(ctx context.Context, repo, digest string, total int64, chunk []byte) error {
	c.mu.Lock()
	up := c.uploads[digest]
	c.mu.Unlock()
	var err error
	if up == nil {
		if up, err = c.startUpload(ctx, repo); err != nil {
			return err
		}
		c.mu.Lock()
		c.uploads[digest] = up
		c.mu.Unlock()
	}
	if len(chunk) > 0 {
		if err = c.patch(ctx, repo, up, chunk); err != nil {
			c.cancelUpload(ctx, repo, digest, up)
			return err
		}
	}
	switch {
	case total < 0 || up.offset < total:
		return nil
	case up.offset > total:
		c.cancelUpload(ctx, repo, digest, up)
		return fmt.Errorf("upload of %s to %s exceeded the declared size: %d > %d", digest, repo, up.offset, total)
	}
	err = c.finishUpload(ctx, repo, digest, up)
	c.mu.Lock()
	delete(c.uploads, digest)
	c.mu.Unlock()
	return err
}

// AbortBlob cancels the upload of the digest if one is in progress
func (c *Client) AbortBlob(ctx context.Context, repo, digest string) error {
	c.mu.Lock()
	up := c.uploads[digest]
	c.mu.Unlock()
	if up != nil {
		c.cancelUpload(ctx, repo, digest, up)
	}
	return nil
}

func (c *Client) startUpload(ctx context.Context, repo string) (*upload, error) {
	u := c.url("v2", repo, "blobs", "uploads") + "/"
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Length", "0")
		return req, nil
	}
	resp, err := c.do(ctx, build, pushScope(repo))
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if err := checkStatus(resp, repo, "", http.StatusAccepted); err != nil {
		return nil, err
	}
	loc, err := c.resolve(resp.Header.Get("Location"))
	if err != nil {
		return nil, err
	}
	return &upload{location: loc.String()}, nil
}

func (c *Client) patch(ctx context.Context, repo string, up *upload, chunk []byte) error {
	start := up.offset
	end := start + int64(len(chunk)) - 1
	location := up.location
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(chunk))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", start, end))
		req.Header.Set("Content-Length", strconv.Itoa(len(chunk)))
		return req, nil
	}
	resp, err := c.do(ctx, build, pushScope(repo))
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := checkStatus(resp, repo, "", http.StatusAccepted, http.StatusNoContent); err != nil {
		return err
	}
	up.offset = end + 1
	if loc := resp.Header.Get("Location"); loc != "" {
		next, err := c.resolve(loc)
		if err != nil {
			return err
		}
		up.location = next.String()
	}
	return nil
}

func (c *Client) finishUpload(ctx context.Context, repo, digest string, up *upload) error {
	u, err := c.resolve(up.location)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("digest", digest)
	u.RawQuery = q.Encode()
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Length", "0")
		return req, nil
	}
	resp, err := c.do(ctx, build, pushScope(repo))
	if err != nil {
		return err
	}
	defer drain(resp)
	return checkStatus(resp, repo, digest, http.StatusCreated, http.StatusNoContent)
}

// cancelUpload forgets the upload and asks the registry to discard it. The
// result of the DELETE is only logged.
func (c *Client) cancelUpload(ctx context.Context, repo, digest string, up *upload) {
	c.mu.Lock()
	delete(c.uploads, digest)
	c.mu.Unlock()
	resp, err := c.do(ctx, get(http.MethodDelete, up.location, ""), pushScope(repo))
	if err != nil {
		log.Debugf("unable to cancel upload of %s to %s: %s", digest, repo, err)
		return
	}
	drain(resp)
}
