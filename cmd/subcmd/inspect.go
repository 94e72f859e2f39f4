package subcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aceeric/ocisync/impl/manifest"
)

// inspection is what inspect prints
type inspection struct {
	Repository string          `json:"repository"`
	Reference  string          `json:"reference"`
	MediaType  string          `json:"mediaType"`
	Tags       []string        `json:"tags"`
	Manifest   json.RawMessage `json:"manifest"`
}

// Inspect prints the tags of the repository and the manifest of the reference
// as JSON. A reference that is not given defaults to 'latest'.
func Inspect(ctx context.Context, src string, w io.Writer) error {
	c, ref, err := open(ctx, src)
	if err != nil {
		return err
	}
	if ref.Repository == "" {
		return fmt.Errorf("inspect needs a repository: %s", src)
	}
	if ref.Reference == "" {
		ref = ref.WithReference("latest")
	}
	tl, err := c.TagList(ctx, ref.Repository)
	if err != nil {
		return err
	}
	var ml manifest.ManifestList
	if err := c.FetchManifest(ctx, &ml, ref.Repository, ref.Reference); err != nil {
		return err
	}
	var m manifest.Manifest = &ml
	if ml.SchemaVersion == 1 {
		var sm manifest.SignedV1Manifest
		if err := c.FetchManifest(ctx, &sm, ref.Repository, ref.Reference); err != nil {
			return err
		}
		m = &sm
	}
	raw, err := m.Bytes()
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(inspection{
		Repository: ref.Repository,
		Reference:  ref.Reference,
		MediaType:  m.ContentType(),
		Tags:       tl.Tags,
		Manifest:   raw,
	}, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
