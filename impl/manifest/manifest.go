// Package manifest has the manifest variants that move between registries: the
// legacy schema 1 manifest (plain and signed), the schema 2 manifest list, the
// schema 2 image manifest, and the tag list and catalog documents. Each manifest
// variant knows the media type to request it with, and keeps the bytes it was
// decoded from so that it can be written to a destination byte-for-byte. That
// keeps the digest a registry assigns to a manifest stable across a copy.
package manifest

import (
	_ "crypto/sha256"
	"encoding/json"

	"github.com/aceeric/ocisync/impl/regerr"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
)

// Media types understood by the codecs
const (
	MediaTypeSchema1       = string(types.DockerManifestSchema1)
	MediaTypeSignedSchema1 = string(types.DockerManifestSchema1Signed)
	MediaTypeImageManifest = string(types.DockerManifestSchema2)
	MediaTypeManifestList  = string(types.DockerManifestList)
	MediaTypeConfig        = string(types.DockerConfigJSON)
	MediaTypeLayer         = string(types.DockerLayer)
	MediaTypeForeignLayer  = string(types.DockerForeignLayer)
)

// Manifest is implemented by the four manifest variants in this package.
type Manifest interface {
	// AcceptType is the media type sent in the Accept header to fetch the variant.
	AcceptType() string
	// ContentType is the media type sent in the Content-Type header when the
	// manifest is put.
	ContentType() string
	// Repository is the repository the manifest was fetched from or is bound for.
	Repository() string
	SetRepository(repo string)
	// Bytes returns the wire form. If the manifest was decoded then these are
	// the exact decoded bytes.
	Bytes() ([]byte, error)
	setRaw(raw []byte)
}

// Decode decodes 'data' into the passed manifest and retains the bytes. A
// missing required field results in a *regerr.SchemaError.
func Decode(m Manifest, data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return err
	}
	raw := make([]byte, len(data))
	copy(raw, data)
	m.setRaw(raw)
	return nil
}

// Descriptor references a blob or a manifest by digest.
type Descriptor struct {
	MediaType string    `json:"mediaType"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	URLs      []string  `json:"urls,omitempty"`
	Platform  *Platform `json:"platform,omitempty"`
}

// UnmarshalJSON requires mediaType, size, and digest, and requires that the digest
// be well-formed.
func (d *Descriptor) UnmarshalJSON(b []byte) error {
	var raw struct {
		MediaType *string   `json:"mediaType"`
		Size      *int64    `json:"size"`
		Digest    *string   `json:"digest"`
		URLs      []string  `json:"urls"`
		Platform  *Platform `json:"platform"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.MediaType == nil:
		return regerr.Missing("mediaType")
	case raw.Size == nil:
		return regerr.Missing("size")
	case raw.Digest == nil:
		return regerr.Missing("digest")
	}
	if err := ValidateDigest(*raw.Digest); err != nil {
		return err
	}
	*d = Descriptor{
		MediaType: *raw.MediaType,
		Size:      *raw.Size,
		Digest:    *raw.Digest,
		URLs:      raw.URLs,
		Platform:  raw.Platform,
	}
	return nil
}

// Platform identifies the platform an image in a manifest list runs on.
type Platform struct {
	Architecture string   `json:"architecture"`
	OS           string   `json:"os"`
	OSVersion    string   `json:"os.version,omitempty"`
	OSFeatures   []string `json:"os.features,omitempty"`
	Variant      string   `json:"variant,omitempty"`
	Features     []string `json:"features,omitempty"`
}

// String returns os/arch[/variant]
func (p *Platform) String() string {
	if p == nil {
		return "unknown"
	}
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	return s
}

// ValidateDigest checks that the passed string is <algorithm>:<hex> for an
// available algorithm.
func ValidateDigest(dgst string) error {
	if _, err := digest.Parse(dgst); err != nil {
		return &regerr.SchemaError{Field: "digest", Reason: err.Error()}
	}
	return nil
}

// schemaVersion peeks the schemaVersion field, which every manifest variant has
func schemaVersion(b []byte) (int, error) {
	var v struct {
		SchemaVersion *int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return 0, err
	}
	if v.SchemaVersion == nil {
		return 0, regerr.Missing("schemaVersion")
	}
	return *v.SchemaVersion, nil
}
