// Package catalog loads a multi-registry catalog file and presents each domain
// in it as a read-only client whose repository list comes from the file. A
// catalog file looks like:
//
//	docker.io:
//	  username: frobozz
//	  password: xyzzy
//	  images:
//	    library/alpine: [3.19, 3.20]
//	    library/busybox:
//	quay.io:
//	  images:
//	    prometheus/node-exporter: [v1.8.2]
//
// A repository with no tags gets its tags from the registry.
package catalog

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"sort"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/manifest"
	"gopkg.in/yaml.v3"
)

// Entry is one domain of a catalog
type Entry struct {
	Username string              `yaml:"username"`
	Password string              `yaml:"password"`
	Images   map[string][]string `yaml:"images"`
}

// File is a parsed catalog keyed by domain
type File map[string]Entry

// Dialer returns the upstream client for a domain of the catalog
type Dialer func(ctx context.Context, domain string, e Entry) (client.Client, error)

// Parse parses catalog yaml. Domains with no images are rejected since there
// would be nothing to sync.
func Parse(b []byte) (File, error) {
	f := File{}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	for domain, e := range f {
		if len(e.Images) == 0 {
			return nil, fmt.Errorf("catalog domain %s has no images", domain)
		}
	}
	return f, nil
}

// Load reads and parses the catalog file at 'path'. The md5 of the file
// contents is returned so callers can tell if the file changed.
func Load(path string) (File, [md5.Size]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, [md5.Size]byte{}, err
	}
	f, err := Parse(b)
	if err != nil {
		return nil, [md5.Size]byte{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, md5.Sum(b), nil
}

// Domains returns the domains of the catalog sorted
func (f File) Domains() []string {
	domains := make([]string, 0, len(f))
	for domain := range f {
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains
}

// Connect returns a function that dials a domain of the catalog and wraps
// the upstream client so that it lists the catalog's repositories.
func (f File) Connect(dial Dialer) func(ctx context.Context, domain string) (client.Client, error) {
	return func(ctx context.Context, domain string) (client.Client, error) {
		e, ok := f[domain]
		if !ok {
			return nil, fmt.Errorf("domain %s is not in the catalog", domain)
		}
		upstream, err := dial(ctx, domain, e)
		if err != nil {
			return nil, err
		}
		return New(upstream, e), nil
	}
}

// Client is a read-only client on one domain of a catalog
type Client struct {
	client.Client
	images map[string][]string
}

var _ client.Client = (*Client)(nil)

// New wraps the upstream client of a domain with the domain's catalog entry
func New(upstream client.Client, e Entry) *Client {
	return &Client{Client: upstream, images: e.Images}
}

// Catalog returns the repositories in the catalog entry rather than asking
// the registry.
func (c *Client) Catalog(ctx context.Context) (manifest.Catalog, error) {
	var cat manifest.Catalog
	for repo := range c.images {
		cat.Repositories = append(cat.Repositories, repo)
	}
	sort.Strings(cat.Repositories)
	return cat, nil
}

// ConfiguredTags returns the tags listed in the catalog for 'repo'. The second
// return is false if the repository has no tags listed.
func (c *Client) ConfiguredTags(repo string) ([]string, bool) {
	tags := c.images[repo]
	return tags, len(tags) != 0
}

// PutManifest is not supported. A catalog is a source only.
func (c *Client) PutManifest(context.Context, manifest.Manifest, string, string) error {
	return client.ErrUnsupported
}

// PutBlob is not supported
func (c *Client) PutBlob(context.Context, string, string, int64, []byte) error {
	return client.ErrUnsupported
}

// AbortBlob has nothing to abort since nothing is ever uploaded
func (c *Client) AbortBlob(context.Context, string, string) error {
	return nil
}

// Copy copies the upstream client and keeps the catalog entry
func (c *Client) Copy() client.Client {
	return &Client{Client: c.Client.Copy(), images: c.images}
}
