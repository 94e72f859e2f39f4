// Package client defines the capability shared by everything that images can be
// copied from or to: a registry, a directory store, and a catalog of registries.
package client

import (
	"context"
	"errors"

	"github.com/aceeric/ocisync/impl/manifest"
)

// ErrSinkAborted is returned by FetchBlob when the sink returned false.
var ErrSinkAborted = errors.New("blob transfer cancelled by sink")

// ErrUnsupported is returned by an implementation for an operation it does not
// support, like pushing to a read-only source.
var ErrUnsupported = errors.New("operation not supported")

// Sink receives a blob one chunk at a time. The chunk is only valid for the
// duration of the call. Returning false cancels the transfer.
type Sink func(chunk []byte) bool

// Client is the set of operations the copy and sync engines need from a
// source or destination. A Client is not safe for concurrent use: each
// concurrent task gets its own handle from Copy.
type Client interface {
	// Catalog lists the repositories available from the client.
	Catalog(ctx context.Context) (manifest.Catalog, error)
	// TagList lists the tags of a repository. A repository that does not exist
	// results in a *regerr.NotFoundError.
	TagList(ctx context.Context, repo string) (manifest.TagList, error)
	// FetchManifest fetches the manifest for 'ref' (a tag or a digest) into the
	// passed variant, which determines the requested media type.
	FetchManifest(ctx context.Context, into manifest.Manifest, repo, ref string) error
	// PutManifest stores a manifest under 'ref'. Putting the same manifest twice
	// has no additional effect.
	PutManifest(ctx context.Context, m manifest.Manifest, repo, ref string) error
	// HasBlob checks for the existence of a blob without transferring it.
	HasBlob(ctx context.Context, repo, digest string) (bool, error)
	// FetchBlob streams a blob into the sink.
	FetchBlob(ctx context.Context, repo, digest string, sink Sink) error
	// PutBlob appends 'chunk' to the upload of 'digest'. The upload completes when
	// the bytes written reach 'total'. A negative total leaves the upload open
	// until a call with an empty chunk and the final total.
	PutBlob(ctx context.Context, repo, digest string, total int64, chunk []byte) error
	// AbortBlob discards the unfinished upload of 'digest', if there is one.
	AbortBlob(ctx context.Context, repo, digest string) error
	// Copy returns an independent handle with its own authentication state.
	Copy() Client
}
