// Package dirstore is a client.Client backed by a directory. The layout is:
//
//	<root>/blobs/<alg>/<hex>                                  blob content
//	<root>/temp/<uuid>                                        in-progress uploads
//	<root>/repositories/<repo>/_layers/<alg>/<hex>            blob links
//	<root>/repositories/<repo>/_manifests/revisions/<alg>/<hex> manifest bytes
//	<root>/repositories/<repo>/_manifests/tags/<tag>          manifest digest
//
// Blobs are shared by all repositories. A repository can only read the blobs
// it links to. Files are written to a temp file and renamed into place, so
// multiple handles on the same root can write concurrently.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/globals"
	"github.com/aceeric/ocisync/impl/helpers"
	"github.com/aceeric/ocisync/impl/manifest"
	"github.com/aceeric/ocisync/impl/regerr"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

const (
	layersDir    = "_layers"
	manifestsDir = "_manifests"
	revisionsDir = "revisions"
	tagsDir      = "tags"
	chunkSize    = 64 << 10
)

// nameHost is the registry that names are parsed under for validation. With
// an explicit registry go-containerregistry applies no Docker Hub defaults.
const nameHost = "localhost"

// upload is an in-progress blob upload. If the blob is already in the store
// the bytes are counted and discarded.
type upload struct {
	f        *os.File
	verifier digest.Verifier
	written  int64
	discard  bool
}

// Store is a handle on a directory store. A Store is not safe for concurrent
// use. Use Copy to get a handle for another goroutine.
type Store struct {
	root    string
	uploads map[string]*upload
}

var _ client.Client = (*Store)(nil)

// New returns a Store rooted at 'root', creating the directory structure if
// it does not exist.
func New(root string) (*Store, error) {
	for _, dir := range []string{globals.BlobsDir, globals.TempDir, globals.RepositoriesDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("creating directory store %s: %w", root, err)
		}
	}
	return &Store{root: root, uploads: map[string]*upload{}}, nil
}

// Root returns the directory the store is rooted at
func (s *Store) Root() string {
	return s.root
}

// Copy returns a handle on the same directory with no in-progress uploads
func (s *Store) Copy() client.Client {
	return &Store{root: s.root, uploads: map[string]*upload{}}
}

// Catalog lists every repository that has a manifest directory
func (s *Store) Catalog(ctx context.Context) (manifest.Catalog, error) {
	var cat manifest.Catalog
	base := filepath.Join(s.root, globals.RepositoriesDir)
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.IsDir() || d.Name() != manifestsDir {
			return nil
		}
		rel, err := filepath.Rel(base, filepath.Dir(path))
		if err != nil {
			return err
		}
		cat.Repositories = append(cat.Repositories, filepath.ToSlash(rel))
		return filepath.SkipDir
	})
	if err != nil {
		return cat, fmt.Errorf("listing repositories in %s: %w", s.root, err)
	}
	sort.Strings(cat.Repositories)
	return cat, nil
}

// TagList lists the tags of a repository
func (s *Store) TagList(ctx context.Context, repo string) (manifest.TagList, error) {
	tl := manifest.TagList{Name: repo}
	if err := validateRepo(repo); err != nil {
		return tl, err
	}
	entries, err := os.ReadDir(s.repoPath(repo, manifestsDir, tagsDir))
	if errors.Is(err, fs.ErrNotExist) {
		return tl, &regerr.NotFoundError{Repository: repo}
	} else if err != nil {
		return tl, err
	}
	tl.Tags = []string{}
	for _, e := range entries {
		tl.Tags = append(tl.Tags, e.Name())
	}
	return tl, nil
}

// FetchManifest reads the manifest for 'ref' into the passed variant
func (s *Store) FetchManifest(ctx context.Context, into manifest.Manifest, repo, ref string) error {
	dgst, err := s.resolve(repo, ref)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(s.revisionPath(repo, dgst))
	if errors.Is(err, fs.ErrNotExist) {
		return &regerr.NotFoundError{Repository: repo, Reference: ref}
	} else if err != nil {
		return err
	}
	if err := manifest.Decode(into, body); err != nil {
		return fmt.Errorf("decoding manifest %s:%s from %s: %w", repo, ref, s.root, err)
	}
	into.SetRepository(repo)
	return nil
}

// resolve returns the manifest digest for a tag or a digest
func (s *Store) resolve(repo, ref string) (digest.Digest, error) {
	if err := validateRepo(repo); err != nil {
		return "", err
	}
	if dgst, err := digest.Parse(ref); err == nil {
		return dgst, nil
	}
	if !isTag(ref) {
		return "", fmt.Errorf("invalid reference %q", ref)
	}
	b, err := os.ReadFile(s.repoPath(repo, manifestsDir, tagsDir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		return "", &regerr.NotFoundError{Repository: repo, Reference: ref}
	} else if err != nil {
		return "", err
	}
	dgst, err := digest.Parse(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("corrupt tag %s:%s in %s: %w", repo, ref, s.root, err)
	}
	return dgst, nil
}

// PutManifest stores the manifest bytes by digest and, if 'ref' is a tag,
// points the tag at them. If 'ref' is a digest it has to match the bytes.
func (s *Store) PutManifest(ctx context.Context, m manifest.Manifest, repo, ref string) error {
	if err := validateRepo(repo); err != nil {
		return err
	}
	body, err := m.Bytes()
	if err != nil {
		return err
	}
	dgst := digest.FromBytes(body)
	tag := ""
	if want, err := digest.Parse(ref); err == nil {
		if want != dgst {
			return fmt.Errorf("manifest digest %s does not match reference %s", dgst, want)
		}
	} else if isTag(ref) {
		tag = ref
	} else {
		return fmt.Errorf("invalid reference %q", ref)
	}
	if err := s.writeFile(s.revisionPath(repo, dgst), body); err != nil {
		return err
	}
	if tag != "" {
		if err := s.writeFile(s.repoPath(repo, manifestsDir, tagsDir, tag), []byte(dgst.String())); err != nil {
			return err
		}
	}
	log.Debugf("stored manifest %s:%s (%s) in %s", repo, ref, helpers.Short(dgst.String()), s.root)
	return nil
}

// HasBlob checks that the blob is in the store and linked to the repository
func (s *Store) HasBlob(ctx context.Context, repo, dgst string) (bool, error) {
	d, err := s.parse(repo, dgst)
	if err != nil {
		return false, err
	}
	for _, path := range []string{s.linkPath(repo, d), s.blobPath(d)} {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, err
		}
	}
	return true, nil
}

// FetchBlob streams the blob into the sink
func (s *Store) FetchBlob(ctx context.Context, repo, dgst string, sink client.Sink) error {
	has, err := s.HasBlob(ctx, repo, dgst)
	if err != nil {
		return err
	}
	if !has {
		return &regerr.NotFoundError{Repository: repo, Reference: dgst}
	}
	f, err := os.Open(s.blobPath(digest.Digest(dgst)))
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 && !sink(buf[:n]) {
			return client.ErrSinkAborted
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("reading blob %s from %s: %w", helpers.Short(dgst), s.root, err)
		}
	}
}

// PutBlob appends the chunk to the upload for the digest. When 'total' bytes
// have been received the content is verified against the digest, moved into
// the blob directory, and linked to the repository.
func (s *Store) PutBlob(ctx context.Context, repo, dgst string, total int64, chunk []byte) error {
	d, err := s.parse(repo, dgst)
	if err != nil {
		return err
	}
	up, ok := s.uploads[dgst]
	if !ok {
		if up, err = s.start(d); err != nil {
			return err
		}
		s.uploads[dgst] = up
	}
	if !up.discard && len(chunk) != 0 {
		if _, err := up.f.Write(chunk); err != nil {
			s.abort(dgst)
			return fmt.Errorf("writing blob %s: %w", helpers.Short(dgst), err)
		}
		up.verifier.Write(chunk)
	}
	up.written += int64(len(chunk))
	switch {
	case total < 0:
		return nil
	case up.written < total:
		return nil
	case up.written > total:
		s.abort(dgst)
		return fmt.Errorf("blob %s: received %d bytes, expected %d", helpers.Short(dgst), up.written, total)
	}
	return s.complete(repo, d, up)
}

// start begins an upload. The upload content is discarded if the store
// already has the blob.
func (s *Store) start(d digest.Digest) (*upload, error) {
	if _, err := os.Stat(s.blobPath(d)); err == nil {
		return &upload{discard: true}, nil
	}
	f, err := os.Create(filepath.Join(s.root, globals.TempDir, uuid.NewString()))
	if err != nil {
		return nil, fmt.Errorf("starting upload of blob %s: %w", helpers.Short(d.String()), err)
	}
	return &upload{f: f, verifier: d.Verifier()}, nil
}

func (s *Store) complete(repo string, d digest.Digest, up *upload) error {
	delete(s.uploads, d.String())
	if !up.discard {
		tmp := up.f.Name()
		if err := up.f.Close(); err != nil {
			os.Remove(tmp)
			return err
		}
		if !up.verifier.Verified() {
			os.Remove(tmp)
			return fmt.Errorf("blob content does not match digest %s", d)
		}
		dest := s.blobPath(d)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			os.Remove(tmp)
			return err
		}
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("storing blob %s: %w", helpers.Short(d.String()), err)
		}
	}
	return s.writeFile(s.linkPath(repo, d), nil)
}

// AbortBlob closes and removes the temp file of an unfinished upload
func (s *Store) AbortBlob(_ context.Context, _, dgst string) error {
	s.abort(dgst)
	return nil
}

func (s *Store) abort(dgst string) {
	up := s.uploads[dgst]
	delete(s.uploads, dgst)
	if up != nil && up.f != nil {
		up.f.Close()
		os.Remove(up.f.Name())
	}
}

// writeFile writes through a temp file so readers never see a partial file
func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := filepath.Join(s.root, globals.TempDir, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) parse(repo, dgst string) (digest.Digest, error) {
	if err := validateRepo(repo); err != nil {
		return "", err
	}
	d, err := digest.Parse(dgst)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	return d, nil
}

func (s *Store) repoPath(repo string, elem ...string) string {
	return filepath.Join(append([]string{s.root, globals.RepositoriesDir, filepath.FromSlash(repo)}, elem...)...)
}

func (s *Store) revisionPath(repo string, d digest.Digest) string {
	return s.repoPath(repo, manifestsDir, revisionsDir, d.Algorithm().String(), d.Encoded())
}

func (s *Store) linkPath(repo string, d digest.Digest) string {
	return s.repoPath(repo, layersDir, d.Algorithm().String(), d.Encoded())
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.root, globals.BlobsDir, d.Algorithm().String(), d.Encoded())
}

func validateRepo(repo string) error {
	r, err := name.NewRepository(nameHost + "/" + repo)
	if err != nil || r.RepositoryStr() != repo {
		return fmt.Errorf("invalid repository name %q", repo)
	}
	return nil
}

func isTag(ref string) bool {
	t, err := name.NewTag(nameHost + "/x:" + ref)
	return err == nil && t.TagStr() == ref
}
