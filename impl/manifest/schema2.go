package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/aceeric/ocisync/impl/regerr"
)

// ManifestList is the schema 2 multi-platform manifest list.
//
// Fetching at the list media type does not guarantee a list comes back. A
// registry that only has a legacy image answers with a schema 1 manifest,
// and many registries answer with the image manifest when the image is not
// multi-platform. Both decode without error: SchemaVersion is 1 in the
// first case and IsImageManifest returns true in the second. In neither case
// is Manifests populated.
type ManifestList struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType,omitempty"`
	Manifests     []Descriptor `json:"manifests"`
	repo          string
	raw           []byte
}

func (l *ManifestList) UnmarshalJSON(b []byte) error {
	sv, err := schemaVersion(b)
	if err != nil {
		return err
	}
	var peek struct {
		MediaType string          `json:"mediaType"`
		Manifests json.RawMessage `json:"manifests"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return err
	}
	*l = ManifestList{SchemaVersion: sv, MediaType: peek.MediaType}
	switch {
	case sv == 1:
		return nil
	case sv != 2:
		return &regerr.SchemaError{Field: "schemaVersion", Reason: fmt.Sprintf("unsupported schema version %d", sv)}
	case peek.MediaType == MediaTypeImageManifest:
		return nil
	case peek.MediaType == "":
		return regerr.Missing("mediaType")
	case len(peek.Manifests) == 0:
		return regerr.Missing("manifests")
	}
	return json.Unmarshal(peek.Manifests, &l.Manifests)
}

// IsImageManifest is true if the registry answered the list request with a
// schema 2 image manifest.
func (l *ManifestList) IsImageManifest() bool {
	return l.SchemaVersion == 2 && l.MediaType == MediaTypeImageManifest
}

// Digests returns the digest of each platform manifest in list order.
func (l *ManifestList) Digests() []string {
	d := make([]string, len(l.Manifests))
	for i, m := range l.Manifests {
		d[i] = m.Digest
	}
	return d
}

func (l *ManifestList) AcceptType() string { return MediaTypeManifestList }

func (l *ManifestList) ContentType() string {
	if l.MediaType != "" {
		return l.MediaType
	}
	return MediaTypeManifestList
}

func (l *ManifestList) Repository() string       { return l.repo }
func (l *ManifestList) SetRepository(repo string) { l.repo = repo }
func (l *ManifestList) setRaw(raw []byte)         { l.raw = raw }

func (l *ManifestList) Bytes() ([]byte, error) {
	if l.raw != nil {
		return l.raw, nil
	}
	return json.Marshal(l)
}

// ImageManifest is the schema 2 single-platform image manifest.
type ImageManifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
	repo          string
	raw           []byte
}

func (m *ImageManifest) UnmarshalJSON(b []byte) error {
	sv, err := schemaVersion(b)
	if err != nil {
		return err
	}
	if sv != 2 {
		return &regerr.SchemaError{Field: "schemaVersion", Reason: fmt.Sprintf("want 2, got %d", sv)}
	}
	var raw struct {
		MediaType *string      `json:"mediaType"`
		Config    *Descriptor  `json:"config"`
		Layers    []Descriptor `json:"layers"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch {
	case raw.MediaType == nil:
		return regerr.Missing("mediaType")
	case raw.Config == nil:
		return regerr.Missing("config")
	}
	*m = ImageManifest{
		SchemaVersion: sv,
		MediaType:     *raw.MediaType,
		Config:        *raw.Config,
		Layers:        raw.Layers,
	}
	return nil
}

// ContainsLayersOf returns true if every layer digest of 'src' is also a layer
// of the receiver. The check is one-directional. Call it on the destination's
// manifest with the source's manifest as the argument: extra layers in the
// destination do not make it stale.
func (m *ImageManifest) ContainsLayersOf(src *ImageManifest) bool {
	have := make(map[string]struct{}, len(m.Layers))
	for _, l := range m.Layers {
		have[l.Digest] = struct{}{}
	}
	for _, l := range src.Layers {
		if _, ok := have[l.Digest]; !ok {
			return false
		}
	}
	return true
}

func (m *ImageManifest) AcceptType() string { return MediaTypeImageManifest }

func (m *ImageManifest) ContentType() string {
	if m.MediaType != "" {
		return m.MediaType
	}
	return MediaTypeImageManifest
}

func (m *ImageManifest) Repository() string       { return m.repo }
func (m *ImageManifest) SetRepository(repo string) { m.repo = repo }
func (m *ImageManifest) setRaw(raw []byte)         { m.raw = raw }

func (m *ImageManifest) Bytes() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(m)
}
