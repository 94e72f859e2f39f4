package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/aceeric/ocisync/impl/regerr"
)

// FSLayer is one entry of a schema 1 manifest's fsLayers
type FSLayer struct {
	BlobSum string `json:"blobSum"`
}

// History is one entry of a schema 1 manifest's history
type History struct {
	V1Compatibility string `json:"v1Compatibility"`
}

// V1Manifest is the legacy schema 1 manifest. Layers are ordered newest first.
type V1Manifest struct {
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name"`
	Tag           string    `json:"tag"`
	Architecture  string    `json:"architecture"`
	FSLayers      []FSLayer `json:"fsLayers"`
	History       []History `json:"history"`
	repo          string
	raw           []byte
}

func (m *V1Manifest) UnmarshalJSON(b []byte) error {
	sv, err := schemaVersion(b)
	if err != nil {
		return err
	}
	if sv != 1 {
		return &regerr.SchemaError{Field: "schemaVersion", Reason: fmt.Sprintf("want 1, got %d", sv)}
	}
	type alias V1Manifest
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	if len(a.FSLayers) != 0 && len(a.History) != 0 && len(a.FSLayers) != len(a.History) {
		return &regerr.SchemaError{
			Field:  "history",
			Reason: fmt.Sprintf("%d history entries for %d fsLayers", len(a.History), len(a.FSLayers)),
		}
	}
	for _, l := range a.FSLayers {
		if l.BlobSum == "" {
			return regerr.Missing("blobSum")
		}
		if err := ValidateDigest(l.BlobSum); err != nil {
			return err
		}
	}
	*m = V1Manifest(a)
	return nil
}

// BlobSums returns the unique layer digests in manifest order.
func (m *V1Manifest) BlobSums() []string {
	seen := make(map[string]struct{}, len(m.FSLayers))
	sums := make([]string, 0, len(m.FSLayers))
	for _, l := range m.FSLayers {
		if _, ok := seen[l.BlobSum]; ok {
			continue
		}
		seen[l.BlobSum] = struct{}{}
		sums = append(sums, l.BlobSum)
	}
	return sums
}

func (m *V1Manifest) AcceptType() string  { return MediaTypeSchema1 }
func (m *V1Manifest) ContentType() string { return MediaTypeSchema1 }

func (m *V1Manifest) Repository() string {
	if m.repo != "" {
		return m.repo
	}
	return m.Name
}

func (m *V1Manifest) SetRepository(repo string) { m.repo = repo }
func (m *V1Manifest) setRaw(raw []byte)         { m.raw = raw }

func (m *V1Manifest) Bytes() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(m)
}

// JWSHeader is the unprotected header of a schema 1 signature
type JWSHeader struct {
	JWK       json.RawMessage `json:"jwk,omitempty"`
	Algorithm string          `json:"alg"`
}

// Signature is one detached JWS signature over a schema 1 manifest.
type Signature struct {
	Header    JWSHeader `json:"header"`
	Signature string    `json:"signature"`
	Protected string    `json:"protected"`
}

// SignedV1Manifest is a schema 1 manifest with its signatures. The signature
// covers the original bytes, so Bytes always returns those when present.
type SignedV1Manifest struct {
	V1Manifest
	Signatures []Signature `json:"signatures,omitempty"`
}

func (m *SignedV1Manifest) UnmarshalJSON(b []byte) error {
	if err := m.V1Manifest.UnmarshalJSON(b); err != nil {
		return err
	}
	var sigs struct {
		Signatures []Signature `json:"signatures"`
	}
	if err := json.Unmarshal(b, &sigs); err != nil {
		return err
	}
	m.Signatures = sigs.Signatures
	return nil
}

func (m *SignedV1Manifest) AcceptType() string  { return MediaTypeSignedSchema1 }
func (m *SignedV1Manifest) ContentType() string { return MediaTypeSignedSchema1 }

func (m *SignedV1Manifest) Bytes() ([]byte, error) {
	if m.raw != nil {
		return m.raw, nil
	}
	return json.Marshal(m)
}
