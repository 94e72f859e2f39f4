package subcmd

import (
	"context"
	"sync"
	"time"

	"github.com/aceeric/ocisync/impl/catalog"
	"github.com/aceeric/ocisync/impl/cmdline"
	"github.com/aceeric/ocisync/impl/config"
	"github.com/aceeric/ocisync/impl/copier"
	"github.com/aceeric/ocisync/impl/imgref"
	"github.com/aceeric/ocisync/impl/pool"
	"github.com/aceeric/ocisync/impl/syncer"
	log "github.com/sirupsen/logrus"
)

// Sync runs one of the sync modes depending on the arguments:
//
//   - a catalog file: every domain and repository in the catalog
//   - a source with a repository and --tags: the tags
//   - a source with a repository and a tag: that tag
//   - a source with a repository: every tag of the repository
//   - a source with no repository, or --all-repos: every repository of the source
//
// If an interval is configured the sync repeats until the context is cancelled.
// With a catalog it also repeats when the catalog file changes.
func Sync(ctx context.Context, args cmdline.Args) error {
	every, err := interval()
	if err != nil {
		return err
	}
	dst, dstRef, err := open(ctx, args.Dst)
	if err != nil {
		return err
	}
	opts, err := syncerOpts(dstRef)
	if err != nil {
		return err
	}
	p := pool.New(config.GetWorkers())
	defer p.Close()

	var run func() error
	changed := make(chan struct{}, 1)
	if path := config.GetCatalog(); path != "" {
		cat, _, err := catalog.Load(path)
		if err != nil {
			return err
		}
		var mu sync.Mutex
		run = func() error {
			mu.Lock()
			current := cat
			mu.Unlock()
			s := syncer.New(p, copier.New(p), opts...)
			defer s.Summarize(time.Now())
			return s.Catalog(ctx, current.Domains(), current.Connect(dial), dst)
		}
		if every > 0 {
			go func() {
				err := catalog.Watch(ctx, path, func(f catalog.File) {
					mu.Lock()
					cat = f
					mu.Unlock()
					select {
					case changed <- struct{}{}:
					default:
					}
				})
				if err != nil {
					log.Errorf("unable to watch catalog %s: %s", path, err)
				}
			}()
		}
	} else {
		src, srcRef, err := open(ctx, args.Src)
		if err != nil {
			return err
		}
		sc := syncer.Scope{Domain: domainOf(srcRef), Src: src, Dst: dst}
		run = func() error {
			s := syncer.New(p, copier.New(p), opts...)
			defer s.Summarize(time.Now())
			return syncSource(ctx, s, sc, srcRef, args)
		}
	}
	return repeat(ctx, every, changed, run)
}

func syncSource(ctx context.Context, s *syncer.Syncer, sc syncer.Scope, src imgref.Ref, args cmdline.Args) error {
	switch {
	case src.Repository == "" || args.AllRepos:
		return s.Domain(ctx, sc)
	case len(args.Tags) != 0:
		return s.Tags(ctx, sc, src.Repository, args.Tags)
	case src.Reference != "":
		return s.Tags(ctx, sc, src.Repository, []string{src.Reference})
	}
	return s.Repository(ctx, sc, src.Repository)
}

// repeat calls 'run' once and then, if 'every' is not zero, again on each
// tick and each signal on 'changed' until the context is done. Only the error
// of the last run is returned.
func repeat(ctx context.Context, every time.Duration, changed <-chan struct{}, run func() error) error {
	err := run()
	if every == 0 {
		return err
	}
	if err != nil {
		log.Errorf("sync failed: %s", err)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return err
		case <-ticker.C:
		case <-changed:
			log.Info("catalog changed, syncing")
		}
		if err = run(); err != nil {
			log.Errorf("sync failed: %s", err)
		}
	}
}
