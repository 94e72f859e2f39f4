package manifest

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/aceeric/ocisync/impl/regerr"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

const (
	amd64Digest  = "sha256:e2fc4e5012d16e7fe466f5291c476431beaa1f9b90a5c2125b493ed28e2aba57"
	arm64Digest  = "sha256:b8c58d2e9b8e3c6f3b0a5d7ab8e3d6c9e4f1d2a3b4c5d6e7f8091a2b3c4d5e6f"
	configDigest = "sha256:d2c94e258dcb3c5ac2798d32e1249e42ef01cba4841c2234249495f87264ac5a"
	layerDigest  = "sha256:c1ec31eb59444d78df06a974d155e597c894ab4cda84f08294145e845394988e"
)

var manifestList = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.list.v2+json",
  "manifests": [
    {
      "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
      "size": 525,
      "digest": "` + amd64Digest + `",
      "platform": {"architecture": "amd64", "os": "linux"}
    },
    {
      "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
      "size": 525,
      "digest": "` + arm64Digest + `",
      "platform": {"architecture": "arm64", "os": "linux", "variant": "v8", "features": ["sse4"]}
    },
    {
      "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
      "size": 1125,
      "digest": "` + configDigest + `",
      "platform": {"architecture": "amd64", "os": "windows", "os.version": "10.0.17763.5830", "os.features": ["win32k"]}
    }
  ]
}`

var imageManifest = `{
  "schemaVersion": 2,
  "mediaType": "application/vnd.docker.distribution.manifest.v2+json",
  "config": {
    "mediaType": "application/vnd.docker.container.image.v1+json",
    "size": 1470,
    "digest": "` + configDigest + `"
  },
  "layers": [
    {
      "mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
      "size": 2459,
      "digest": "` + layerDigest + `"
    },
    {
      "mediaType": "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip",
      "size": 1234,
      "digest": "` + amd64Digest + `",
      "urls": ["https://mcr.microsoft.com/v2/windows/blobs/` + amd64Digest + `"]
    }
  ]
}`

var v1Manifest = `{
  "schemaVersion": 1,
  "name": "library/hello-world",
  "tag": "latest",
  "architecture": "amd64",
  "fsLayers": [
    {"blobSum": "` + layerDigest + `"},
    {"blobSum": "` + configDigest + `"},
    {"blobSum": "` + layerDigest + `"}
  ],
  "history": [
    {"v1Compatibility": "{\"id\":\"a\"}"},
    {"v1Compatibility": "{\"id\":\"b\"}"},
    {"v1Compatibility": "{\"id\":\"c\"}"}
  ],
  "signatures": [
    {
      "header": {"jwk": {"crv": "P-256", "kty": "EC"}, "alg": "ES256"},
      "signature": "sig",
      "protected": "prot"
    }
  ]
}`

func TestManifestListRoundTrip(t *testing.T) {
	var first ManifestList
	if err := Decode(&first, []byte(manifestList)); err != nil {
		t.Fatal(err)
	}
	if len(first.Manifests) != 3 {
		t.Fatalf("expected 3 manifests, got %d", len(first.Manifests))
	}
	p := first.Manifests[2].Platform
	if p.OSVersion != "10.0.17763.5830" || len(p.OSFeatures) != 1 {
		t.Errorf("optional platform fields not decoded: %+v", p)
	}
	encoded, err := json.Marshal(&first)
	if err != nil {
		t.Fatal(err)
	}
	var second ManifestList
	if err := Decode(&second, encoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(ManifestList{})); diff != "" {
		t.Errorf("round trip mismatch (-first +second):\n%s", diff)
	}
}

func TestImageManifestRoundTrip(t *testing.T) {
	var first ImageManifest
	if err := Decode(&first, []byte(imageManifest)); err != nil {
		t.Fatal(err)
	}
	if len(first.Layers[1].URLs) != 1 {
		t.Errorf("layer urls not decoded")
	}
	encoded, err := json.Marshal(&first)
	if err != nil {
		t.Fatal(err)
	}
	var second ImageManifest
	if err := Decode(&second, encoded); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second, cmpopts.IgnoreUnexported(ImageManifest{})); diff != "" {
		t.Errorf("round trip mismatch (-first +second):\n%s", diff)
	}
}

func TestTagListRoundTrip(t *testing.T) {
	in := `{"name":"library/alpine","tags":["3.19","latest","3.18","edge"]}`
	var first TagList
	if err := json.Unmarshal([]byte(in), &first); err != nil {
		t.Fatal(err)
	}
	encoded, _ := json.Marshal(first)
	var second TagList
	if err := json.Unmarshal(encoded, &second); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("round trip mismatch:\n%s", diff)
	}
	if second.Tags[2] != "3.18" {
		t.Errorf("registry order not preserved: %v", second.Tags)
	}
}

// Bytes must return exactly what was decoded so that digests are preserved
func TestBytesPreservesSource(t *testing.T) {
	var l ManifestList
	if err := Decode(&l, []byte(manifestList)); err != nil {
		t.Fatal(err)
	}
	b, _ := l.Bytes()
	if string(b) != manifestList {
		t.Error("Bytes() did not return the decoded bytes")
	}
}

func TestListSchemaFallback(t *testing.T) {
	var l ManifestList
	if err := Decode(&l, []byte(v1Manifest)); err != nil {
		t.Fatalf("a schema 1 body at the list media type must decode: %s", err)
	}
	if l.SchemaVersion != 1 {
		t.Errorf("SchemaVersion = %d, want 1", l.SchemaVersion)
	}
	if l.Manifests != nil {
		t.Error("manifests must not be populated on fallback")
	}
}

func TestListIsImageManifest(t *testing.T) {
	var l ManifestList
	if err := Decode(&l, []byte(imageManifest)); err != nil {
		t.Fatal(err)
	}
	if !l.IsImageManifest() {
		t.Error("expected IsImageManifest")
	}
}

func TestSchemaErrors(t *testing.T) {
	tests := []struct {
		name  string
		into  Manifest
		json  string
		field string
	}{
		{"list no schemaVersion", &ManifestList{}, `{"mediaType":"x","manifests":[]}`, "schemaVersion"},
		{"list unsupported version", &ManifestList{}, `{"schemaVersion":3}`, "schemaVersion"},
		{"list no mediaType", &ManifestList{}, `{"schemaVersion":2,"manifests":[]}`, "mediaType"},
		{"list no manifests", &ManifestList{}, `{"schemaVersion":2,"mediaType":"` + MediaTypeManifestList + `"}`, "manifests"},
		{"descriptor no digest", &ManifestList{}, `{"schemaVersion":2,"mediaType":"m","manifests":[{"mediaType":"a","size":1}]}`, "digest"},
		{"descriptor no size", &ManifestList{}, `{"schemaVersion":2,"mediaType":"m","manifests":[{"mediaType":"a","digest":"` + amd64Digest + `"}]}`, "size"},
		{"descriptor no mediaType", &ManifestList{}, `{"schemaVersion":2,"mediaType":"m","manifests":[{"size":1,"digest":"` + amd64Digest + `"}]}`, "mediaType"},
		{"descriptor bad digest", &ManifestList{}, `{"schemaVersion":2,"mediaType":"m","manifests":[{"mediaType":"a","size":1,"digest":"sha256:zz"}]}`, "digest"},
		{"image no config", &ImageManifest{}, `{"schemaVersion":2,"mediaType":"m","layers":[]}`, "config"},
		{"image layer no size", &ImageManifest{}, `{"schemaVersion":2,"mediaType":"m","config":{"mediaType":"a","size":1,"digest":"` + configDigest + `"},"layers":[{"mediaType":"a","digest":"` + layerDigest + `"}]}`, "size"},
		{"image wrong version", &ImageManifest{}, `{"schemaVersion":1}`, "schemaVersion"},
		{"v1 no schemaVersion", &V1Manifest{}, `{"name":"foo"}`, "schemaVersion"},
		{"v1 history mismatch", &V1Manifest{}, `{"schemaVersion":1,"fsLayers":[{"blobSum":"` + layerDigest + `"}],"history":[{},{}]}`, "history"},
		{"v1 empty blobSum", &SignedV1Manifest{}, `{"schemaVersion":1,"fsLayers":[{}]}`, "blobSum"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Decode(tt.into, []byte(tt.json))
			var se *regerr.SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("Decode() error = %v, want SchemaError", err)
			}
			if se.Field != tt.field {
				t.Errorf("SchemaError.Field = %q, want %q", se.Field, tt.field)
			}
		})
	}
}

func TestSignedV1Manifest(t *testing.T) {
	var m SignedV1Manifest
	if err := Decode(&m, []byte(v1Manifest)); err != nil {
		t.Fatal(err)
	}
	if m.Name != "library/hello-world" || m.Tag != "latest" || m.Architecture != "amd64" {
		t.Errorf("unexpected header fields: %+v", m.V1Manifest)
	}
	if len(m.Signatures) != 1 || m.Signatures[0].Header.Algorithm != "ES256" {
		t.Errorf("signatures not decoded: %+v", m.Signatures)
	}
	if sums := m.BlobSums(); len(sums) != 2 || sums[0] != layerDigest {
		t.Errorf("BlobSums() = %v", sums)
	}
	if m.Repository() != "library/hello-world" {
		t.Errorf("Repository() should fall back to name, got %q", m.Repository())
	}
	m.SetRepository("mirror/hello-world")
	if m.Repository() != "mirror/hello-world" {
		t.Errorf("SetRepository() not honored")
	}
	b, _ := m.Bytes()
	if string(b) != v1Manifest {
		t.Error("signed manifest must be written back verbatim")
	}
	if m.ContentType() != MediaTypeSignedSchema1 {
		t.Errorf("ContentType() = %s", m.ContentType())
	}
}

func TestContainsLayersOf(t *testing.T) {
	mk := func(digests ...string) *ImageManifest {
		m := &ImageManifest{}
		for _, d := range digests {
			m.Layers = append(m.Layers, Descriptor{Digest: d})
		}
		return m
	}
	tests := []struct {
		name string
		dst  *ImageManifest
		src  *ImageManifest
		want bool
	}{
		{"identical", mk("a", "b"), mk("a", "b"), true},
		{"dest has extra", mk("a", "b", "c"), mk("a", "b"), true},
		{"dest missing one", mk("a"), mk("a", "b"), false},
		{"empty source", mk("a"), mk(), true},
		{"substituted", mk("a", "x"), mk("a", "b"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dst.ContainsLayersOf(tt.src); got != tt.want {
				t.Errorf("ContainsLayersOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlatformString(t *testing.T) {
	var nilPlatform *Platform
	tests := []struct {
		p    *Platform
		want string
	}{
		{&Platform{OS: "linux", Architecture: "amd64"}, "linux/amd64"},
		{&Platform{OS: "linux", Architecture: "arm64", Variant: "v8"}, "linux/arm64/v8"},
		{nilPlatform, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
