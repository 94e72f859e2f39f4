// Package factory turns a parsed location into the client for it
package factory

import (
	"context"
	"fmt"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/dirstore"
	"github.com/aceeric/ocisync/impl/imgref"
	"github.com/aceeric/ocisync/impl/registry"
)

// OptsFunc returns the connection options for a registry domain
type OptsFunc func(domain string) (registry.Opts, error)

// New returns a connected client for the location. A registry is pinged so
// that the scheme is settled before any concurrent use. A directory store is
// created if it does not exist.
func New(ctx context.Context, ref imgref.Ref, opts OptsFunc) (client.Client, error) {
	switch ref.Scheme {
	case imgref.Docker:
		return Registry(ctx, ref.Domain, opts)
	case imgref.Dir:
		return dirstore.New(ref.Path)
	}
	return nil, fmt.Errorf("unsupported scheme %s", ref.Scheme)
}

// Registry returns a connected registry client for the domain
func Registry(ctx context.Context, domain string, opts OptsFunc) (*registry.Client, error) {
	o, err := opts(domain)
	if err != nil {
		return nil, err
	}
	c := registry.New(domain, o)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", domain, err)
	}
	return c, nil
}
