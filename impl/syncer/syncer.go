// Package syncer drives the copier across sets of units: explicit tags of one
// repository, all tags of a repository, all repositories of a domain, or all
// domains of a catalog. Every unit is a pool task. Repositories and domains are
// pool tasks too, so nested fan-out shares the one pool bound.
package syncer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/copier"
	"github.com/aceeric/ocisync/impl/pool"
	"github.com/labstack/gommon/bytes"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ConfiguredTags is implemented by a source that has an explicit tag list for
// some repositories. Configured tags are synced as-is without the tag filter.
type ConfiguredTags interface {
	ConfiguredTags(repo string) ([]string, bool)
}

// ConnectFunc returns a source client for a domain
type ConnectFunc func(ctx context.Context, domain string) (client.Client, error)

// RepoMapper maps a source domain and repository to the destination repository
type RepoMapper func(domain, repo string) string

// nonRepoChars are runs of characters a repository path component cannot hold
var nonRepoChars = regexp.MustCompile(`[^a-z0-9.-]+`)

// PrefixDomain is a RepoMapper that places each repository under its source
// domain, e.g. docker.io/library/alpine. The domain is lower-cased and each run
// of characters not allowed in a repository name becomes '_', so a source
// 'localhost:5000' maps to 'localhost_5000/library/alpine'.
func PrefixDomain(domain, repo string) string {
	prefix := nonRepoChars.ReplaceAllString(strings.ToLower(domain), "_")
	prefix = strings.Trim(prefix, "_.-")
	if prefix == "" {
		return repo
	}
	return prefix + "/" + repo
}

// Scope is a source and destination pair. Domain names the source registry.
type Scope struct {
	Domain string
	Src    client.Client
	Dst    client.Client
}

// UnitError is the failure of one unit. A failure to list the tags of a
// repository is reported with an empty reference.
type UnitError struct {
	Domain string
	Unit   copier.Unit
	Err    error
}

func (e *UnitError) Error() string {
	unit := e.Unit.String()
	if e.Unit.Reference == "" {
		unit = e.Unit.Repository
	}
	switch {
	case e.Domain == "":
		return fmt.Sprintf("%s: %s", unit, e.Err)
	case unit == "":
		return fmt.Sprintf("%s: %s", e.Domain, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s", e.Domain, unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// Option configures a Syncer
type Option func(*Syncer)

// WithTagFilter only syncs tags matching the expression when tags are listed live
func WithTagFilter(re *regexp.Regexp) Option {
	return func(s *Syncer) {
		s.filter = re
	}
}

// WithRepoMapper sets the destination repository mapping
func WithRepoMapper(fn RepoMapper) Option {
	return func(s *Syncer) {
		s.mapper = fn
	}
}

// Syncer runs syncs. One Syncer can run any number of syncs and the counters
// accumulate across them.
type Syncer struct {
	pool   *pool.Pool
	copier *copier.Copier
	filter *regexp.Regexp
	mapper RepoMapper
	units  atomic.Int64
	failed atomic.Int64
}

// Result is a snapshot of the syncer and copier counters
type Result struct {
	Units  int64
	Failed int64
	copier.Stats
}

// New returns a Syncer running units on the pool through the copier
func New(p *pool.Pool, c *copier.Copier, opts ...Option) *Syncer {
	s := &Syncer{pool: p, copier: c}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result returns the counters
func (s *Syncer) Result() Result {
	return Result{
		Units:  s.units.Load(),
		Failed: s.failed.Load(),
		Stats:  s.copier.Stats(),
	}
}

// Summarize logs the counters
func (s *Syncer) Summarize(start time.Time) {
	r := s.Result()
	log.Infof("synced %d units (%d failed) in %s: %d blobs (%s) copied, %d blobs skipped, %d manifests put, %d images up to date",
		r.Units, r.Failed, time.Since(start).Round(time.Millisecond), r.BlobsTransferred, bytes.Format(r.Bytes),
		r.BlobsSkipped, r.ManifestsPut, r.ImagesSkipped)
}

func (s *Syncer) destRepo(domain, repo string) string {
	if s.mapper == nil {
		return repo
	}
	return s.mapper(domain, repo)
}

// Tags syncs the passed tags of one repository. This is mode (a).
func (s *Syncer) Tags(ctx context.Context, sc Scope, repo string, tags []string) error {
	b := s.pool.NewBatch()
	var submitErr error
	for _, tag := range tags {
		u := copier.Unit{Repository: repo, Reference: tag, DestRepository: s.destRepo(sc.Domain, repo)}
		err := b.Go(ctx, func(ctx context.Context) error {
			return s.unit(ctx, sc, u)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	return multierr.Append(b.Wait(), submitErr)
}

// unit copies one unit with cloned clients
func (s *Syncer) unit(ctx context.Context, sc Scope, u copier.Unit) error {
	s.units.Add(1)
	if err := ctx.Err(); err != nil {
		s.failed.Add(1)
		return &UnitError{Domain: sc.Domain, Unit: u, Err: err}
	}
	if err := s.copier.Copy(ctx, sc.Src.Copy(), sc.Dst.Copy(), u); err != nil {
		s.failed.Add(1)
		log.Errorf("unable to sync %s/%s: %s", sc.Domain, u, err)
		return &UnitError{Domain: sc.Domain, Unit: u, Err: err}
	}
	return nil
}

// Repository syncs the tags of one repository. Configured tags are used if the
// source has them, otherwise the tags are listed and filtered. This is mode (b).
func (s *Syncer) Repository(ctx context.Context, sc Scope, repo string) error {
	tags, err := s.tags(ctx, sc, repo)
	if err != nil {
		s.failed.Add(1)
		return &UnitError{Domain: sc.Domain, Unit: copier.Unit{Repository: repo}, Err: err}
	}
	if len(tags) == 0 {
		log.Infof("no tags to sync for %s/%s", sc.Domain, repo)
		return nil
	}
	log.Debugf("syncing %d tags of %s/%s", len(tags), sc.Domain, repo)
	return s.Tags(ctx, sc, repo, tags)
}

func (s *Syncer) tags(ctx context.Context, sc Scope, repo string) ([]string, error) {
	if ct, ok := sc.Src.(ConfiguredTags); ok {
		if tags, ok := ct.ConfiguredTags(repo); ok {
			return tags, nil
		}
	}
	tl, err := sc.Src.TagList(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	if s.filter == nil {
		return tl.Tags, nil
	}
	var tags []string
	for _, tag := range tl.Tags {
		if s.filter.MatchString(tag) {
			tags = append(tags, tag)
		}
	}
	return tags, nil
}

// Domain syncs every repository in the source catalog. Each repository is a
// pool task. This is mode (c).
func (s *Syncer) Domain(ctx context.Context, sc Scope) error {
	cat, err := sc.Src.Catalog(ctx)
	if err != nil {
		s.failed.Add(1)
		return &UnitError{Domain: sc.Domain, Err: fmt.Errorf("listing repositories: %w", err)}
	}
	log.Infof("syncing %d repositories from %s", len(cat.Repositories), sc.Domain)
	b := s.pool.NewBatch()
	var submitErr error
	for _, repo := range cat.Repositories {
		err := b.Go(ctx, func(ctx context.Context) error {
			return s.Repository(ctx, Scope{Domain: sc.Domain, Src: sc.Src.Copy(), Dst: sc.Dst.Copy()}, repo)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	return multierr.Append(b.Wait(), submitErr)
}

// Catalog syncs every domain. Each domain is a pool task that connects to the
// domain and runs Domain. This is mode (d).
func (s *Syncer) Catalog(ctx context.Context, domains []string, connect ConnectFunc, dst client.Client) error {
	b := s.pool.NewBatch()
	var submitErr error
	for _, domain := range domains {
		err := b.Go(ctx, func(ctx context.Context) error {
			src, err := connect(ctx, domain)
			if err != nil {
				s.failed.Add(1)
				return &UnitError{Domain: domain, Err: fmt.Errorf("connecting: %w", err)}
			}
			return s.Domain(ctx, Scope{Domain: domain, Src: src, Dst: dst.Copy()})
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	return multierr.Append(b.Wait(), submitErr)
}
