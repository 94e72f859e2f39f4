// Package copier replicates one repository reference from a source client to a
// destination client. A reference resolves to one of:
//
//   - a schema 1 manifest: its blobs are copied and then the manifest is put
//   - a schema 2 manifest list: every platform image is copied concurrently and
//     then the list is put
//   - a schema 2 image manifest: its layers and config are copied and then the
//     manifest is put
//
// An image that the destination already has (every source layer is a layer of
// the destination manifest for the same reference) is skipped without touching
// its blobs. Concurrent work runs on the worker pool with cloned clients.
package copier

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/helpers"
	"github.com/aceeric/ocisync/impl/manifest"
	"github.com/aceeric/ocisync/impl/metrics"
	"github.com/aceeric/ocisync/impl/pool"
	"github.com/aceeric/ocisync/impl/regerr"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// Unit identifies what to copy
type Unit struct {
	// Repository is the source repository, e.g. 'library/alpine'
	Repository string
	// Reference is a tag or a digest
	Reference string
	// DestRepository is the destination repository. If empty, Repository is used.
	DestRepository string
}

func (u Unit) dest() string {
	if u.DestRepository != "" {
		return u.DestRepository
	}
	return u.Repository
}

func (u Unit) String() string {
	sep := ":"
	if manifest.ValidateDigest(u.Reference) == nil {
		sep = "@"
	}
	return u.Repository + sep + u.Reference
}

// PlatformError is the failure of one platform of a manifest list
type PlatformError struct {
	Platform string
	Digest   string
	Err      error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s (%s): %s", e.Platform, helpers.Short(e.Digest), e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of the copier counters
type Stats struct {
	BlobsTransferred int64
	BlobsSkipped     int64
	Bytes            int64
	ManifestsPut     int64
	ImagesSkipped    int64
	Failures         int64
}

// Copier copies units. One Copier is shared by all the units of a sync so that
// concurrent transfers of the same blob to the same destination repository are
// done once.
type Copier struct {
	pool     *pool.Pool
	inflight singleflight.Group

	blobsTransferred atomic.Int64
	blobsSkipped     atomic.Int64
	bytes            atomic.Int64
	manifestsPut     atomic.Int64
	imagesSkipped    atomic.Int64
	failures         atomic.Int64
}

// New returns a Copier that runs platform and blob transfers on the passed
// pool. If the pool is nil, everything runs on the calling goroutine.
func New(p *pool.Pool) *Copier {
	return &Copier{pool: p}
}

// Stats returns the counters accumulated across all copies
func (c *Copier) Stats() Stats {
	return Stats{
		BlobsTransferred: c.blobsTransferred.Load(),
		BlobsSkipped:     c.blobsSkipped.Load(),
		Bytes:            c.bytes.Load(),
		ManifestsPut:     c.manifestsPut.Load(),
		ImagesSkipped:    c.imagesSkipped.Load(),
		Failures:         c.failures.Load(),
	}
}

// Copy replicates the unit from 'src' to 'dst'. The passed clients are used by
// the calling goroutine only. Concurrent branches get clones.
func (c *Copier) Copy(ctx context.Context, src, dst client.Client, u Unit) error {
	log.Debugf("copying %s to %s", u, u.dest())
	var ml manifest.ManifestList
	if err := src.FetchManifest(ctx, &ml, u.Repository, u.Reference); err != nil {
		return c.failed(fmt.Errorf("fetching %s: %w", u, err))
	}
	switch {
	case ml.SchemaVersion == 1:
		return c.copyV1(ctx, src, dst, u)
	case ml.IsImageManifest():
		raw, err := ml.Bytes()
		if err != nil {
			return c.failed(err)
		}
		var im manifest.ImageManifest
		if err := manifest.Decode(&im, raw); err != nil {
			return c.failed(fmt.Errorf("decoding %s: %w", u, err))
		}
		im.SetRepository(u.Repository)
		if err := c.copyImage(ctx, src, dst, u, &im, u.Reference); err != nil {
			return c.failed(fmt.Errorf("copying %s: %w", u, err))
		}
		return nil
	case len(ml.Manifests) == 0:
		return c.failed(fmt.Errorf("copying %s: %w", u, &regerr.SchemaError{Field: "manifests", Reason: "manifest list is empty"}))
	}
	return c.copyList(ctx, src, dst, u, &ml)
}

// copyList copies each platform image concurrently and puts the list only if
// every platform succeeded.
func (c *Copier) copyList(ctx context.Context, src, dst client.Client, u Unit, ml *manifest.ManifestList) error {
	b := c.pool.NewBatch()
	var submitErr error
	for _, d := range ml.Manifests {
		err := b.Go(ctx, func(ctx context.Context) error {
			src, dst := src.Copy(), dst.Copy()
			var im manifest.ImageManifest
			err := src.FetchManifest(ctx, &im, u.Repository, d.Digest)
			if err == nil {
				err = c.copyImage(ctx, src, dst, u, &im, d.Digest)
			}
			if err != nil {
				c.failures.Add(1)
				metrics.IncCopyFailures()
				return &PlatformError{Platform: d.Platform.String(), Digest: d.Digest, Err: err}
			}
			return nil
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	if err := multierr.Append(b.Wait(), submitErr); err != nil {
		return fmt.Errorf("copying %s, manifest list not put: %w", u, err)
	}
	if err := dst.PutManifest(ctx, ml, u.dest(), u.Reference); err != nil {
		return c.failed(fmt.Errorf("putting manifest list %s: %w", u, err))
	}
	c.manifestPut()
	log.Infof("copied %s with %d platforms", u, len(ml.Manifests))
	return nil
}

// copyImage copies the layers and config of the image and then puts the image
// manifest under 'ref', unless the destination already has the image.
func (c *Copier) copyImage(ctx context.Context, src, dst client.Client, u Unit, im *manifest.ImageManifest, ref string) error {
	var existing manifest.ImageManifest
	err := dst.FetchManifest(ctx, &existing, u.dest(), ref)
	switch {
	case err == nil && existing.ContainsLayersOf(im):
		c.imagesSkipped.Add(1)
		metrics.IncImagesSkipped()
		log.Infof("%s %s is up to date", u.dest(), helpers.Short(ref))
		return nil
	case err != nil && !regerr.IsNotFound(err):
		// the put decides whether the destination is usable
		log.Debugf("unable to get %s %s from the destination, copying: %s", u.dest(), ref, err)
	}
	b := c.pool.NewBatch()
	var submitErr error
	descriptors := append(append([]manifest.Descriptor{}, im.Layers...), im.Config)
	seen := make(map[string]struct{}, len(descriptors))
	for _, d := range descriptors {
		if _, ok := seen[d.Digest]; ok {
			continue
		}
		seen[d.Digest] = struct{}{}
		if d.MediaType == manifest.MediaTypeForeignLayer {
			log.Debugf("not copying foreign layer %s", helpers.Short(d.Digest))
			continue
		}
		err := b.Go(ctx, func(ctx context.Context) error {
			return c.copyBlob(ctx, src.Copy(), dst.Copy(), u, d.Digest, d.Size)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	if err := multierr.Append(b.Wait(), submitErr); err != nil {
		return err
	}
	if err := dst.PutManifest(ctx, im, u.dest(), ref); err != nil {
		return fmt.Errorf("putting image manifest %s: %w", helpers.Short(ref), err)
	}
	c.manifestPut()
	return nil
}

// copyV1 copies a schema 1 image. The blob sizes are not in the manifest so
// each upload is closed once the source stream ends.
func (c *Copier) copyV1(ctx context.Context, src, dst client.Client, u Unit) error {
	var sm manifest.SignedV1Manifest
	if err := src.FetchManifest(ctx, &sm, u.Repository, u.Reference); err != nil {
		return c.failed(fmt.Errorf("fetching schema 1 manifest %s: %w", u, err))
	}
	b := c.pool.NewBatch()
	var submitErr error
	for _, sum := range sm.BlobSums() {
		err := b.Go(ctx, func(ctx context.Context) error {
			return c.copyBlob(ctx, src.Copy(), dst.Copy(), u, sum, -1)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	if err := multierr.Append(b.Wait(), submitErr); err != nil {
		return c.failed(fmt.Errorf("copying schema 1 image %s: %w", u, err))
	}
	if err := dst.PutManifest(ctx, &sm, u.dest(), u.Reference); err != nil {
		return c.failed(fmt.Errorf("putting schema 1 manifest %s: %w", u, err))
	}
	c.manifestPut()
	log.Infof("copied schema 1 image %s", u)
	return nil
}

// copyBlob transfers the blob unless the destination has it. Concurrent calls
// for the same destination repository and digest share one transfer.
func (c *Copier) copyBlob(ctx context.Context, src, dst client.Client, u Unit, digest string, size int64) error {
	_, err, _ := c.inflight.Do(u.dest()+"@"+digest, func() (any, error) {
		return nil, c.transfer(ctx, src, dst, u, digest, size)
	})
	return err
}

// transfer streams the blob from the source into the destination. A negative
// size means unknown: the upload is closed with the count of bytes received.
func (c *Copier) transfer(ctx context.Context, src, dst client.Client, u Unit, digest string, size int64) error {
	has, err := dst.HasBlob(ctx, u.dest(), digest)
	if err != nil {
		log.Debugf("unable to check for blob %s in %s, copying: %s", helpers.Short(digest), u.dest(), err)
	}
	if has {
		c.blobsSkipped.Add(1)
		metrics.IncBlobsSkipped()
		return nil
	}
	written, err := stream(ctx, src, dst, u, digest, size)
	if err != nil {
		// the upload may still be open on the destination
		if abortErr := dst.AbortBlob(context.WithoutCancel(ctx), u.dest(), digest); abortErr != nil {
			log.Debugf("unable to abort upload of %s to %s: %s", helpers.Short(digest), u.dest(), abortErr)
		}
		return err
	}
	c.blobsTransferred.Add(1)
	c.bytes.Add(written)
	metrics.IncBlobsTransferred()
	metrics.AddBlobBytes(float64(written))
	return nil
}

// stream pipes the blob from the source sink into destination puts and
// returns the number of bytes written
func stream(ctx context.Context, src, dst client.Client, u Unit, digest string, size int64) (int64, error) {
	var written int64
	var putErr error
	sink := func(chunk []byte) bool {
		if putErr = dst.PutBlob(ctx, u.dest(), digest, size, chunk); putErr != nil {
			return false
		}
		written += int64(len(chunk))
		return true
	}
	err := src.FetchBlob(ctx, u.Repository, digest, sink)
	switch {
	case putErr != nil:
		return written, fmt.Errorf("putting blob %s: %w", helpers.Short(digest), putErr)
	case errors.Is(err, client.ErrSinkAborted):
		return written, fmt.Errorf("blob %s: %w", helpers.Short(digest), err)
	case err != nil:
		return written, fmt.Errorf("fetching blob %s: %w", helpers.Short(digest), err)
	case size >= 0 && written != size:
		return written, fmt.Errorf("blob %s: received %d bytes, declared size is %d", helpers.Short(digest), written, size)
	case size <= 0:
		// an empty blob never reaches the sink and an unknown size is only known now
		if err := dst.PutBlob(ctx, u.dest(), digest, written, nil); err != nil {
			return written, fmt.Errorf("completing blob %s: %w", helpers.Short(digest), err)
		}
	}
	return written, nil
}

func (c *Copier) manifestPut() {
	c.manifestsPut.Add(1)
	metrics.IncManifestsPut()
}

func (c *Copier) failed(err error) error {
	c.failures.Add(1)
	metrics.IncCopyFailures()
	return err
}
