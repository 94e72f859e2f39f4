package subcmd

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/aceeric/ocisync/impl/catalog"
	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/config"
	"github.com/aceeric/ocisync/impl/factory"
	"github.com/aceeric/ocisync/impl/imgref"
	"github.com/aceeric/ocisync/impl/registry"
	"github.com/aceeric/ocisync/impl/syncer"
)

// open parses a location and returns its client
func open(ctx context.Context, location string) (client.Client, imgref.Ref, error) {
	ref, err := imgref.Parse(location)
	if err != nil {
		return nil, ref, err
	}
	c, err := factory.New(ctx, ref, config.ConfigFor)
	if err != nil {
		return nil, ref, err
	}
	return c, ref, nil
}

// dial connects to a catalog domain. Catalog credentials replace configured
// credentials. TLS and scheme still come from the configuration.
func dial(ctx context.Context, domain string, e catalog.Entry) (client.Client, error) {
	return factory.Registry(ctx, domain, func(domain string) (registry.Opts, error) {
		opts, err := config.ConfigFor(domain)
		if e.Username != "" {
			opts.Username, opts.Password, opts.Credentials = e.Username, e.Password, nil
		}
		return opts, err
	})
}

// domainOf names a source for logging and destination prefixing
func domainOf(ref imgref.Ref) string {
	if ref.Scheme == imgref.Dir {
		return ref.Path
	}
	return ref.Domain
}

// syncerOpts builds the syncer options from the configuration. If the destination
// names a repository then everything goes to that repository.
func syncerOpts(dst imgref.Ref) ([]syncer.Option, error) {
	var opts []syncer.Option
	if expr := config.GetTagFilter(); expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid tag filter %q: %w", expr, err)
		}
		opts = append(opts, syncer.WithTagFilter(re))
	}
	switch {
	case dst.Repository != "":
		repo := dst.Repository
		opts = append(opts, syncer.WithRepoMapper(func(string, string) string { return repo }))
	case config.GetPrefixDomain():
		opts = append(opts, syncer.WithRepoMapper(syncer.PrefixDomain))
	}
	return opts, nil
}

// interval returns the configured sync interval, or zero to sync once
func interval() (time.Duration, error) {
	if config.GetInterval() == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(config.GetInterval())
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", config.GetInterval(), err)
	}
	return d, nil
}
