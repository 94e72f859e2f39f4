package subcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/aceeric/ocisync/impl/config"
	"github.com/aceeric/ocisync/impl/copier"
	"github.com/aceeric/ocisync/impl/pool"
	"github.com/aceeric/ocisync/impl/syncer"
)

// Copy copies one image from 'src' to 'dst'. The source must have a tag or a
// digest. The destination repository defaults to the source repository.
func Copy(ctx context.Context, src, dst string) error {
	srcClient, srcRef, err := open(ctx, src)
	if err != nil {
		return err
	}
	if srcRef.Repository == "" || srcRef.Reference == "" {
		return fmt.Errorf("copy source %s needs a repository and a tag or digest", src)
	}
	dstClient, dstRef, err := open(ctx, dst)
	if err != nil {
		return err
	}
	if dstRef.Reference != "" && dstRef.Reference != srcRef.Reference {
		return fmt.Errorf("copy destination %s cannot change the reference", dst)
	}
	p := pool.New(config.GetWorkers())
	defer p.Close()
	c := copier.New(p)
	s := syncer.New(p, c)
	start := time.Now()
	u := copier.Unit{Repository: srcRef.Repository, Reference: srcRef.Reference, DestRepository: dstRef.Repository}
	err = c.Copy(ctx, srcClient, dstClient, u)
	s.Summarize(start)
	return err
}
