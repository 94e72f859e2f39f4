package mock

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aceeric/ocisync/impl/regerr"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
)

var re = regexp.MustCompile(`https://|http://`)

// MockParams supports different configurations for the mock OCI
// Distribution Server
type MockParams struct {
	Auth      AuthType
	Scheme    SchemeType
	TlsConfig *tls.Config
	CliAuth   tls.ClientAuthType
	DelayMs   int
	// PageSize, if not zero, pages tag lists and catalogs that the client did not
	// ask to be paged.
	PageSize int
	// Callback, if not nil, is called with the method and path of every request
	Callback func(method, path string)
}

// SchemeType specifies http or https
type SchemeType string

const (
	HTTP  SchemeType = "http"
	HTTPS SchemeType = "https"
)

type AuthType string

const (
	// NONE serves anonymously
	NONE AuthType = "no auth"
	// BEARER issues a bearer challenge and the token endpoint hands out tokens anonymously
	BEARER AuthType = "bearer"
	// BASIC issues a bearer challenge and the token endpoint requires basic auth
	// with User and Password
	BASIC AuthType = "basic auth"
	// BASIC_DIRECT issues a basic challenge and the v2 endpoints accept User and
	// Password directly
	BASIC_DIRECT AuthType = "basic direct"
)

// Credentials and token the mock server accepts
const (
	User     = "frotz"
	Password = "xyzzy"
	Token    = "FROBOZZ"
)

// NewMockParams returns a 'MockParams' instance from the passed args.
func NewMockParams(auth AuthType, scheme SchemeType) MockParams {
	return MockParams{
		Auth:   auth,
		Scheme: scheme,
	}
}

type storedManifest struct {
	mediaType string
	body      []byte
}

// Registry is the in-memory content of a mock distribution server
type Registry struct {
	mu        sync.Mutex
	manifests map[string]storedManifest
	tags      map[string]map[string]struct{}
	blobs     map[string][]byte
	uploads   map[string]*bytes.Buffer
}

// NewRegistry returns an empty Registry
func NewRegistry() *Registry {
	return &Registry{
		manifests: make(map[string]storedManifest),
		tags:      make(map[string]map[string]struct{}),
		blobs:     make(map[string][]byte),
		uploads:   make(map[string]*bytes.Buffer),
	}
}

// AddManifest stores a manifest under the passed tag (unless empty) and under its
// digest, which is returned.
func (r *Registry) AddManifest(repo, tag, mediaType string, body []byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putManifest(repo, tag, mediaType, body)
}

func (r *Registry) putManifest(repo, ref, mediaType string, body []byte) string {
	dgst := digest.FromBytes(body).String()
	m := storedManifest{mediaType: mediaType, body: append([]byte(nil), body...)}
	r.manifests[repo+"@"+dgst] = m
	if _, ok := r.tags[repo]; !ok {
		r.tags[repo] = make(map[string]struct{})
	}
	if ref != "" && ref != dgst {
		r.manifests[repo+":"+ref] = m
		r.tags[repo][ref] = struct{}{}
	}
	return dgst
}

// AddBlob stores a blob in the repository and returns its digest
func (r *Registry) AddBlob(repo string, body []byte) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	dgst := digest.FromBytes(body).String()
	r.blobs[repo+"@"+dgst] = append([]byte(nil), body...)
	return dgst
}

// Manifest returns the manifest stored in the repository for the tag or digest
func (r *Registry) Manifest(repo, ref string) ([]byte, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifest(repo, ref)
	return m.body, m.mediaType, ok
}

func (r *Registry) manifest(repo, ref string) (storedManifest, bool) {
	if strings.Contains(ref, ":") {
		m, ok := r.manifests[repo+"@"+ref]
		return m, ok
	}
	m, ok := r.manifests[repo+":"+ref]
	return m, ok
}

// Blob returns the blob stored in the repository
func (r *Registry) Blob(repo, dgst string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[repo+"@"+dgst]
	return b, ok
}

// Uploads returns the number of upload sessions that are neither completed nor
// cancelled
func (r *Registry) Uploads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.uploads)
}

// Server starts a mock distribution server over the passed content. It returns a ref
// to the server, and a server url (without the scheme).
func (r *Registry) Server(params MockParams) (*httptest.Server, string) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if params.Callback != nil {
				params.Callback(c.Request().Method, c.Request().URL.Path)
			}
			// delayMs supports simulating slow links or large images
			if params.DelayMs != 0 {
				time.Sleep(time.Duration(params.DelayMs) * time.Millisecond)
			}
			c.Response().Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
			return next(c)
		}
	})
	e.GET("/token", func(c echo.Context) error {
		if params.Auth == BASIC {
			if u, p, ok := c.Request().BasicAuth(); !ok || u != User || p != Password {
				return c.NoContent(http.StatusUnauthorized)
			}
		}
		return c.JSON(http.StatusOK, map[string]any{"token": Token, "expires_in": 300})
	})
	v2 := e.Group("/v2", r.authMiddleware(params))
	v2.GET("/", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	v2.Any("/*", func(c echo.Context) error {
		return r.dispatch(c, params.PageSize)
	})

	server := httptest.NewUnstartedServer(e)
	if params.Scheme == HTTPS {
		if params.TlsConfig != nil {
			server.TLS = params.TlsConfig.Clone()
			server.TLS.ClientAuth = params.CliAuth
		}
		server.StartTLS()
	} else {
		server.Start()
	}
	return server, re.ReplaceAllString(server.URL, "")
}

// Server runs a mock distribution server with no content
func Server(params MockParams) (*httptest.Server, string, *Registry) {
	r := NewRegistry()
	s, u := r.Server(params)
	return s, u, r
}

func (r *Registry) authMiddleware(params MockParams) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if params.Auth == NONE || c.Request().Header.Get("Authorization") == "Bearer "+Token {
				return next(c)
			}
			if params.Auth == BASIC_DIRECT {
				if u, p, ok := c.Request().BasicAuth(); ok && u == User && p == Password {
					return next(c)
				}
				c.Response().Header().Set("Www-Authenticate", `Basic realm="mock.registry"`)
				return errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			}
			realm := fmt.Sprintf(`Bearer realm="%s://%s/token",service="mock.registry"`, params.Scheme, c.Request().Host)
			c.Response().Header().Set("Www-Authenticate", realm)
			return errorResponse(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		}
	}
}

// dispatch parses the path after /v2/ because repository names contain slashes
func (r *Registry) dispatch(c echo.Context, pageSize int) error {
	p := c.Param("*")
	method := c.Request().Method
	switch {
	case p == "_catalog" && method == http.MethodGet:
		return r.catalog(c, pageSize)
	case strings.HasSuffix(p, "/tags/list") && method == http.MethodGet:
		return r.tagList(c, strings.TrimSuffix(p, "/tags/list"), pageSize)
	case strings.Contains(p, "/manifests/"):
		i := strings.LastIndex(p, "/manifests/")
		return r.manifestHandler(c, p[:i], p[i+len("/manifests/"):])
	case strings.Contains(p, "/blobs/uploads/"):
		i := strings.LastIndex(p, "/blobs/uploads/")
		return r.uploadHandler(c, p[:i], p[i+len("/blobs/uploads/"):])
	case strings.Contains(p, "/blobs/"):
		i := strings.LastIndex(p, "/blobs/")
		return r.blobHandler(c, p[:i], p[i+len("/blobs/"):])
	}
	return errorResponse(c, http.StatusNotFound, "UNSUPPORTED", "unsupported endpoint")
}

func (r *Registry) catalog(c echo.Context, pageSize int) error {
	r.mu.Lock()
	repos := make([]string, 0, len(r.tags))
	for repo := range r.tags {
		repos = append(repos, repo)
	}
	r.mu.Unlock()
	sort.Strings(repos)
	page, link := paginate(c, repos, pageSize)
	if link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, map[string][]string{"repositories": page})
}

func (r *Registry) tagList(c echo.Context, repo string, pageSize int) error {
	r.mu.Lock()
	tagSet, ok := r.tags[repo]
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	r.mu.Unlock()
	if !ok {
		return errorResponse(c, http.StatusNotFound, "NAME_UNKNOWN", "repository name not known to registry")
	}
	sort.Strings(tags)
	page, link := paginate(c, tags, pageSize)
	if link != "" {
		c.Response().Header().Set("Link", link)
	}
	return c.JSON(http.StatusOK, map[string]any{"name": repo, "tags": page})
}

// paginate implements the 'n' and 'last' query params
func paginate(c echo.Context, items []string, pageSize int) ([]string, string) {
	n, err := strconv.Atoi(c.QueryParam("n"))
	if err != nil || n <= 0 {
		n = pageSize
	}
	if n <= 0 {
		return items, ""
	}
	start := 0
	if last := c.QueryParam("last"); last != "" {
		start = sort.SearchStrings(items, last)
		if start < len(items) && items[start] == last {
			start++
		}
	}
	end := min(start+n, len(items))
	page := items[start:end]
	if end >= len(items) || len(page) == 0 {
		return page, ""
	}
	return page, fmt.Sprintf(`<%s?n=%d&last=%s>; rel="next"`, c.Request().URL.Path, n, url.QueryEscape(page[len(page)-1]))
}

func (r *Registry) manifestHandler(c echo.Context, repo, ref string) error {
	switch c.Request().Method {
	case http.MethodGet, http.MethodHead:
		r.mu.Lock()
		m, ok := r.manifest(repo, ref)
		r.mu.Unlock()
		if !ok {
			return errorResponse(c, http.StatusNotFound, "MANIFEST_UNKNOWN", "manifest unknown")
		}
		h := c.Response().Header()
		h.Set("Docker-Content-Digest", digest.FromBytes(m.body).String())
		h.Set("Content-Length", strconv.Itoa(len(m.body)))
		if c.Request().Method == http.MethodHead {
			h.Set("Content-Type", m.mediaType)
			return c.NoContent(http.StatusOK)
		}
		return c.Blob(http.StatusOK, m.mediaType, m.body)
	case http.MethodPut:
		body, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		mediaType := c.Request().Header.Get("Content-Type")
		if mediaType == "" {
			return errorResponse(c, http.StatusBadRequest, "MANIFEST_INVALID", "no content type")
		}
		if strings.Contains(ref, ":") && digest.FromBytes(body).String() != ref {
			return errorResponse(c, http.StatusBadRequest, "DIGEST_INVALID", "manifest digest does not match")
		}
		r.mu.Lock()
		dgst := r.putManifest(repo, ref, mediaType, body)
		r.mu.Unlock()
		c.Response().Header().Set("Docker-Content-Digest", dgst)
		c.Response().Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", repo, dgst))
		return c.NoContent(http.StatusCreated)
	}
	return errorResponse(c, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
}

func (r *Registry) blobHandler(c echo.Context, repo, dgst string) error {
	r.mu.Lock()
	b, ok := r.blobs[repo+"@"+dgst]
	r.mu.Unlock()
	if !ok {
		return errorResponse(c, http.StatusNotFound, "BLOB_UNKNOWN", "blob unknown to registry")
	}
	h := c.Response().Header()
	h.Set("Docker-Content-Digest", dgst)
	h.Set("Content-Length", strconv.Itoa(len(b)))
	switch c.Request().Method {
	case http.MethodHead:
		return c.NoContent(http.StatusOK)
	case http.MethodGet:
		return c.Blob(http.StatusOK, "application/octet-stream", b)
	}
	return errorResponse(c, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
}

// uploadHandler implements the chunked upload: POST, PATCH..., PUT?digest=
func (r *Registry) uploadHandler(c echo.Context, repo, id string) error {
	req := c.Request()
	location := func(id string) string {
		return fmt.Sprintf("/v2/%s/blobs/uploads/%s", repo, id)
	}
	if req.Method == http.MethodPost && id == "" {
		id = uuid.NewString()
		r.mu.Lock()
		r.uploads[id] = &bytes.Buffer{}
		r.mu.Unlock()
		c.Response().Header().Set("Location", location(id))
		c.Response().Header().Set("Range", "0-0")
		c.Response().Header().Set("Docker-Upload-UUID", id)
		return c.NoContent(http.StatusAccepted)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.uploads[id]
	if !ok {
		return errorResponse(c, http.StatusNotFound, "BLOB_UPLOAD_UNKNOWN", "blob upload unknown to registry")
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return err
	}
	switch req.Method {
	case http.MethodPatch:
		if cr := req.Header.Get("Content-Range"); cr != "" {
			var start, end int
			if _, err := fmt.Sscanf(cr, "%d-%d", &start, &end); err != nil || start != buf.Len() || end-start+1 != len(body) {
				return c.NoContent(http.StatusRequestedRangeNotSatisfiable)
			}
		}
		buf.Write(body)
		c.Response().Header().Set("Location", location(id))
		c.Response().Header().Set("Range", fmt.Sprintf("0-%d", buf.Len()-1))
		return c.NoContent(http.StatusAccepted)
	case http.MethodPut:
		buf.Write(body)
		want := c.QueryParam("digest")
		if got := digest.FromBytes(buf.Bytes()).String(); got != want {
			delete(r.uploads, id)
			return errorResponse(c, http.StatusBadRequest, "DIGEST_INVALID", fmt.Sprintf("provided digest %s does not match content %s", want, got))
		}
		r.blobs[repo+"@"+want] = buf.Bytes()
		delete(r.uploads, id)
		c.Response().Header().Set("Docker-Content-Digest", want)
		c.Response().Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", repo, want))
		return c.NoContent(http.StatusCreated)
	case http.MethodDelete:
		delete(r.uploads, id)
		return c.NoContent(http.StatusNoContent)
	}
	return errorResponse(c, http.StatusMethodNotAllowed, "UNSUPPORTED", "method not allowed")
}

func errorResponse(c echo.Context, status int, code, message string) error {
	return c.JSON(status, regerr.ErrorResponse{
		Errors: []regerr.ErrorDescriptor{{Code: code, Message: message}},
	})
}
