package copier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aceeric/ocisync/impl/client"
	"github.com/aceeric/ocisync/impl/dirstore"
	"github.com/aceeric/ocisync/impl/globals"
	"github.com/aceeric/ocisync/impl/manifest"
	"github.com/aceeric/ocisync/impl/pool"
	"github.com/aceeric/ocisync/impl/registry"
	"github.com/aceeric/ocisync/impl/regerr"
	"github.com/aceeric/ocisync/mock"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	"go.uber.org/multierr"
)

// store is the content behind a memClient and its clones
type store struct {
	mu        sync.Mutex
	manifests map[string][]byte
	blobs     map[string][]byte
	uploads   map[string][]byte
	calls     map[string]int
	// failBlob makes FetchBlob fail for the digest
	failBlob map[string]bool
	// failManifest makes FetchManifest fail for the reference
	failManifest map[string]bool
}

func newStore() *store {
	return &store{
		manifests:    map[string][]byte{},
		blobs:        map[string][]byte{},
		uploads:      map[string][]byte{},
		calls:        map[string]int{},
		failBlob:     map[string]bool{},
		failManifest: map[string]bool{},
	}
}

func (s *store) count(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func (s *store) get(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *store) add(repo, ref string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[repo+"/"+ref] = b
	s.manifests[repo+"/"+digest.FromBytes(b).String()] = b
}

func (s *store) addBlob(repo string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[repo+"@"+digest.FromBytes(b).String()] = b
}

func (s *store) addImage(repo, ref string, img mock.Image) {
	s.addBlob(repo, img.Config)
	for _, l := range img.Layers {
		s.addBlob(repo, l)
	}
	s.add(repo, ref, img.Manifest)
}

// memClient implements client.Client over a store. It hands back whatever is
// stored regardless of the requested variant, like a registry does.
type memClient struct {
	s *store
}

var _ client.Client = memClient{}

func (c memClient) Catalog(context.Context) (manifest.Catalog, error) {
	return manifest.Catalog{}, client.ErrUnsupported
}

func (c memClient) TagList(_ context.Context, repo string) (manifest.TagList, error) {
	return manifest.TagList{}, client.ErrUnsupported
}

func (c memClient) FetchManifest(_ context.Context, into manifest.Manifest, repo, ref string) error {
	c.s.count("FetchManifest")
	c.s.mu.Lock()
	b, ok := c.s.manifests[repo+"/"+ref]
	fail := c.s.failManifest[ref]
	c.s.mu.Unlock()
	switch {
	case fail:
		return &regerr.ProtocolError{Method: "GET", URL: ref, StatusCode: 500}
	case !ok:
		return &regerr.NotFoundError{Repository: repo, Reference: ref}
	}
	if err := manifest.Decode(into, b); err != nil {
		return err
	}
	into.SetRepository(repo)
	return nil
}

func (c memClient) PutManifest(_ context.Context, m manifest.Manifest, repo, ref string) error {
	c.s.count("PutManifest")
	b, err := m.Bytes()
	if err != nil {
		return err
	}
	c.s.add(repo, ref, b)
	return nil
}

func (c memClient) HasBlob(_ context.Context, repo, dgst string) (bool, error) {
	c.s.count("HasBlob")
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	_, ok := c.s.blobs[repo+"@"+dgst]
	return ok, nil
}

func (c memClient) FetchBlob(_ context.Context, repo, dgst string, sink client.Sink) error {
	c.s.count("FetchBlob")
	c.s.mu.Lock()
	b, ok := c.s.blobs[repo+"@"+dgst]
	fail := c.s.failBlob[dgst]
	c.s.mu.Unlock()
	switch {
	case fail:
		return &regerr.TransportError{Method: "GET", URL: dgst, Err: errors.New("connection reset")}
	case !ok:
		return &regerr.NotFoundError{Repository: repo, Reference: dgst}
	}
	for len(b) > 0 {
		n := min(len(b), 7)
		if !sink(b[:n]) {
			return client.ErrSinkAborted
		}
		b = b[n:]
	}
	return nil
}

func (c memClient) PutBlob(_ context.Context, repo, dgst string, total int64, chunk []byte) error {
	c.s.count("PutBlob")
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	key := repo + "@" + dgst
	up := append(c.s.uploads[key], chunk...)
	if total < 0 || int64(len(up)) < total {
		c.s.uploads[key] = up
		return nil
	}
	delete(c.s.uploads, key)
	if digest.FromBytes(up).String() != dgst {
		return fmt.Errorf("digest mismatch for %s", dgst)
	}
	c.s.blobs[key] = up
	return nil
}

func (c memClient) AbortBlob(_ context.Context, repo, dgst string) error {
	c.s.count("AbortBlob")
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.uploads, repo+"@"+dgst)
	return nil
}

func (c memClient) Copy() client.Client {
	c.s.count("Copy")
	return memClient{s: c.s}
}

func layer(s string) []byte {
	return []byte(strings.Repeat(s, 50))
}

func TestCopyImageIdempotent(t *testing.T) {
	src, dst := newStore(), newStore()
	img := mock.NewImage("one", layer("a"), layer("b"), layer("c"))
	src.addImage("app", "v1", img)
	p := pool.New(2)
	defer p.Close()
	c := New(p)
	u := Unit{Repository: "app", Reference: "v1"}

	if err := c.Copy(context.Background(), memClient{src}, memClient{dst}, u); err != nil {
		t.Fatal(err)
	}
	if n := src.get("FetchBlob"); n != 4 {
		t.Errorf("expected 4 blob fetches, got %d", n)
	}
	if got := dst.manifests["app/v1"]; string(got) != string(img.Manifest) {
		t.Errorf("destination manifest differs from source")
	}
	for _, l := range img.Layers {
		if _, ok := dst.blobs["app@"+digest.FromBytes(l).String()]; !ok {
			t.Errorf("layer not copied")
		}
	}
	st := c.Stats()
	if st.BlobsTransferred != 4 || st.ManifestsPut != 1 || st.Bytes != int64(3*50+len(img.Config)) {
		t.Errorf("unexpected stats: %+v", st)
	}

	// the second copy finds the destination up to date
	if err := c.Copy(context.Background(), memClient{src}, memClient{dst}, u); err != nil {
		t.Fatal(err)
	}
	if n := src.get("FetchBlob"); n != 4 {
		t.Errorf("expected no blob transfers on the second copy, got %d total fetches", n)
	}
	if n := dst.get("HasBlob"); n != 4 {
		t.Errorf("expected no blob checks on the second copy, got %d total", n)
	}
	if st := c.Stats(); st.ImagesSkipped != 1 {
		t.Errorf("expected 1 image skipped, got %d", st.ImagesSkipped)
	}
}

func TestSkipWhenDestinationHasContent(t *testing.T) {
	src, dst := newStore(), newStore()
	img := mock.NewImage("amd", layer("a"), layer("b"))
	list := mock.NewList(map[string]mock.Image{"linux/amd64": img})
	src.addImage("app", img.Digest, img)
	src.add("app", "v1", list)
	// the destination image has an extra layer but still contains the source
	dimg := mock.NewImage("amd", layer("a"), layer("b"), layer("z"))
	dst.add("app", img.Digest, dimg.Manifest)

	c := New(nil)
	if err := c.Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"}); err != nil {
		t.Fatal(err)
	}
	for _, op := range []string{"HasBlob", "PutBlob"} {
		if n := dst.get(op); n != 0 {
			t.Errorf("expected no %s calls, got %d", op, n)
		}
	}
	if n := src.get("FetchBlob"); n != 0 {
		t.Errorf("expected no blob fetches, got %d", n)
	}
	if n := dst.get("PutManifest"); n != 1 {
		t.Errorf("expected exactly one manifest put, got %d", n)
	}
	if got := dst.manifests["app/v1"]; string(got) != string(list) {
		t.Errorf("expected the list to be put")
	}
}

func TestSchema1Fallback(t *testing.T) {
	src, dst := newStore(), newStore()
	l1, l2 := layer("x"), layer("y")
	src.addBlob("old", l1)
	src.addBlob("old", l2)
	d1, d2 := digest.FromBytes(l1).String(), digest.FromBytes(l2).String()
	v1 := fmt.Sprintf(`{"schemaVersion":1,"name":"old","tag":"v1","architecture":"amd64",
"fsLayers":[{"blobSum":%q},{"blobSum":%q},{"blobSum":%q}],
"history":[{"v1Compatibility":"{}"},{"v1Compatibility":"{}"},{"v1Compatibility":"{}"}],
"signatures":[{"header":{"alg":"ES256"},"signature":"c2ln","protected":"cHJvdA"}]}`, d1, d2, d1)
	src.add("old", "v1", []byte(v1))
	// the destination already has one of the blobs
	dst.addBlob("old", l2)

	c := New(nil)
	if err := c.Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "old", Reference: "v1"}); err != nil {
		t.Fatal(err)
	}
	if n := src.get("FetchBlob"); n != 1 {
		t.Errorf("expected 1 blob fetch, got %d", n)
	}
	if _, ok := dst.blobs["old@"+d1]; !ok {
		t.Errorf("schema 1 blob not copied")
	}
	if got := dst.manifests["old/v1"]; string(got) != v1 {
		t.Errorf("schema 1 manifest not put byte for byte")
	}
	if st := c.Stats(); st.BlobsSkipped != 1 || st.BlobsTransferred != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestEmptyList(t *testing.T) {
	src := newStore()
	src.add("app", "v1", []byte(`{"schemaVersion":2,"mediaType":"`+manifest.MediaTypeManifestList+`","manifests":[]}`))
	err := New(nil).Copy(context.Background(), memClient{src}, memClient{newStore()}, Unit{Repository: "app", Reference: "v1"})
	var se *regerr.SchemaError
	if !errors.As(err, &se) {
		t.Errorf("expected SchemaError, got %v", err)
	}
}

func TestPlatformFailureIsolated(t *testing.T) {
	src, dst := newStore(), newStore()
	amd := mock.NewImage("amd", layer("a"))
	arm := mock.NewImage("arm", layer("b"))
	src.addImage("app", amd.Digest, amd)
	src.addImage("app", arm.Digest, arm)
	src.add("app", "v1", mock.NewList(map[string]mock.Image{"linux/amd64": amd, "linux/arm64": arm}))
	src.failBlob[digest.FromBytes(layer("b")).String()] = true

	p := pool.New(4)
	defer p.Close()
	c := New(p)
	err := c.Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var pe *PlatformError
	if !errors.As(err, &pe) || pe.Platform != "linux/arm64" {
		t.Fatalf("expected a linux/arm64 PlatformError, got %v", err)
	}
	var te *regerr.TransportError
	if !errors.As(err, &te) {
		t.Errorf("expected the cause to be a TransportError, got %v", err)
	}
	if _, ok := dst.manifests["app/"+amd.Digest]; !ok {
		t.Errorf("expected the amd64 image to be copied")
	}
	if _, ok := dst.manifests["app/"+arm.Digest]; ok {
		t.Errorf("arm64 image manifest put despite a failed layer")
	}
	if _, ok := dst.manifests["app/v1"]; ok {
		t.Errorf("manifest list put despite a failed platform")
	}
	if st := c.Stats(); st.Failures != 1 {
		t.Errorf("expected 1 failure, got %d", st.Failures)
	}
}

func TestLayerFailuresAggregated(t *testing.T) {
	src, dst := newStore(), newStore()
	img := mock.NewImage("img", layer("a"), layer("b"), layer("c"))
	src.addImage("app", "v1", img)
	src.failBlob[digest.FromBytes(layer("a")).String()] = true
	src.failBlob[digest.FromBytes(layer("c")).String()] = true

	p := pool.New(2)
	defer p.Close()
	err := New(p).Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"})
	if n := len(multierr.Errors(errors.Unwrap(err))); n != 2 {
		t.Errorf("expected 2 layer errors, got %d: %v", n, err)
	}
	if _, ok := dst.blobs["app@"+digest.FromBytes(layer("b")).String()]; !ok {
		t.Errorf("expected the sibling layer to be copied")
	}
	if n := dst.get("PutManifest"); n != 0 {
		t.Errorf("expected no manifest put, got %d", n)
	}
}

// shortLayer returns a source whose single layer is declared 10 bytes larger
// than it is
func shortLayer(t *testing.T) *store {
	src := newStore()
	img := mock.NewImage("img", layer("a"))
	var im manifest.ImageManifest
	if err := json.Unmarshal(img.Manifest, &im); err != nil {
		t.Fatal(err)
	}
	im.Layers[0].Size += 10
	b, _ := json.Marshal(&im)
	src.addBlob("app", img.Config)
	src.addBlob("app", img.Layers[0])
	src.add("app", "v1", b)
	return src
}

func TestDeclaredSizeMismatch(t *testing.T) {
	src, dst := shortLayer(t), newStore()
	err := New(nil).Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"})
	if err == nil || !strings.Contains(err.Error(), "declared size") {
		t.Errorf("expected a declared size error, got %v", err)
	}
	if n := dst.get("AbortBlob"); n != 1 {
		t.Errorf("expected the upload to be aborted once, got %d", n)
	}
	if len(dst.uploads) != 0 {
		t.Errorf("expected no open uploads, got %d", len(dst.uploads))
	}
}

// TestFailedTransferLeavesNoUpload checks that a short stream does not leave an
// open upload behind in a directory store or a registry.
func TestFailedTransferLeavesNoUpload(t *testing.T) {
	u := Unit{Repository: "app", Reference: "v1"}

	root := t.TempDir()
	store, err := dirstore.New(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := New(nil).Copy(context.Background(), memClient{shortLayer(t)}, store, u); err == nil {
		t.Fatal("expected the copy into the directory store to fail")
	}
	entries, err := os.ReadDir(filepath.Join(root, globals.TempDir))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected an empty temp directory, found %d files", len(entries))
	}

	server, url, reg := mock.Server(mock.NewMockParams(mock.NONE, mock.HTTP))
	defer server.Close()
	dst := registry.New(url, registry.Opts{Scheme: "http"})
	if err := New(nil).Copy(context.Background(), memClient{shortLayer(t)}, dst, u); err == nil {
		t.Fatal("expected the copy into the registry to fail")
	}
	if n := reg.Uploads(); n != 0 {
		t.Errorf("expected no open upload sessions, got %d", n)
	}
}

func TestEmptyBlob(t *testing.T) {
	src, dst := newStore(), newStore()
	img := mock.NewImage("img", []byte{})
	src.addImage("app", "v1", img)
	if err := New(nil).Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := dst.blobs["app@"+digest.FromBytes(nil).String()]; !ok {
		t.Errorf("empty blob not copied")
	}
}

func TestDestRepository(t *testing.T) {
	src, dst := newStore(), newStore()
	img := mock.NewImage("img", layer("a"))
	src.addImage("library/alpine", "3.20", img)
	u := Unit{Repository: "library/alpine", Reference: "3.20", DestRepository: "mirror/docker.io/library/alpine"}
	if err := New(nil).Copy(context.Background(), memClient{src}, memClient{dst}, u); err != nil {
		t.Fatal(err)
	}
	if _, ok := dst.manifests["mirror/docker.io/library/alpine/3.20"]; !ok {
		t.Errorf("expected the manifest in the destination repository")
	}
}

func TestSharedLayerTransferredOnce(t *testing.T) {
	src, dst := newStore(), newStore()
	shared := layer("s")
	amd := mock.NewImage("amd", shared)
	arm := mock.NewImage("arm", shared)
	src.addImage("app", amd.Digest, amd)
	src.addImage("app", arm.Digest, arm)
	src.add("app", "v1", mock.NewList(map[string]mock.Image{"linux/amd64": amd, "linux/arm64": arm}))
	p := pool.New(4)
	defer p.Close()
	c := New(p)
	if err := c.Copy(context.Background(), memClient{src}, memClient{dst}, Unit{Repository: "app", Reference: "v1"}); err != nil {
		t.Fatal(err)
	}
	// two configs plus one transfer of the shared layer
	if st := c.Stats(); st.BlobsTransferred != 3 {
		t.Errorf("expected 3 blob transfers, got %+v", st)
	}
}

func TestUnitString(t *testing.T) {
	d := digest.FromString("x").String()
	for u, want := range map[Unit]string{
		{Repository: "a/b", Reference: "v1"}: "a/b:v1",
		{Repository: "a/b", Reference: d}:    "a/b@" + d,
	} {
		if got := u.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

// TestCopyBetweenRegistries copies a two-platform list between two mock
// registries over the registry client.
func TestCopyBetweenRegistries(t *testing.T) {
	srcServer, srcUrl, srcReg := mock.Server(mock.NewMockParams(mock.BEARER, mock.HTTP))
	defer srcServer.Close()
	var mu sync.Mutex
	listPuts := 0
	params := mock.NewMockParams(mock.BASIC, mock.HTTP)
	params.Callback = func(method, path string) {
		if method == "PUT" && strings.HasSuffix(path, "/manifests/latest") {
			mu.Lock()
			listPuts++
			mu.Unlock()
		}
	}
	dstServer, dstUrl, dstReg := mock.Server(params)
	defer dstServer.Close()

	amd := mock.NewImage("amd64", layer("1"), layer("2"))
	arm := mock.NewImage("arm64", layer("3"), layer("4"))
	listDigest := srcReg.AddList("library/hello", "latest", map[string]mock.Image{"linux/amd64": amd, "linux/arm64": arm})

	src := registry.New(srcUrl, registry.Opts{Scheme: "http"})
	dst := registry.New(dstUrl, registry.Opts{Scheme: "http", Username: mock.User, Password: mock.Password})
	p := pool.New(3)
	defer p.Close()
	c := New(p)
	if err := c.Copy(context.Background(), src, dst, Unit{Repository: "library/hello", Reference: "latest"}); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	if listPuts != 1 {
		t.Errorf("expected exactly one list put, got %d", listPuts)
	}
	mu.Unlock()
	body, mt, ok := dstReg.Manifest("library/hello", "latest")
	if !ok {
		t.Fatal("list not found in the destination")
	}
	if mt != manifest.MediaTypeManifestList {
		t.Errorf("expected list media type, got %s", mt)
	}
	if got := digest.FromBytes(body).String(); got != listDigest {
		t.Errorf("list digest changed: %s != %s", got, listDigest)
	}
	var ml manifest.ManifestList
	if err := manifest.Decode(&ml, body); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{amd.Digest, arm.Digest}, ml.Digests()); diff != "" {
		t.Errorf("platform digests mismatch (-want +got):\n%s", diff)
	}
	for _, img := range []mock.Image{amd, arm} {
		if _, _, ok := dstReg.Manifest("library/hello", img.Digest); !ok {
			t.Errorf("platform manifest %s not copied", img.Digest)
		}
		for _, l := range img.Layers {
			if _, ok := dstReg.Blob("library/hello", digest.FromBytes(l).String()); !ok {
				t.Errorf("layer not copied")
			}
		}
	}
	// and again, with nothing to transfer
	before := c.Stats()
	if err := c.Copy(context.Background(), src, dst, Unit{Repository: "library/hello", Reference: "latest"}); err != nil {
		t.Fatal(err)
	}
	if after := c.Stats(); after.BlobsTransferred != before.BlobsTransferred {
		t.Errorf("expected no blob transfers on the second copy")
	}
}
