package mock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aceeric/ocisync/impl/manifest"
	"github.com/opencontainers/go-digest"
)

// Image is a schema 2 image built from generated content
type Image struct {
	Digest   string
	Manifest []byte
	Config   []byte
	Layers   [][]byte
}

// NewImage builds an image with a config blob and the passed layers. The
// 'seed' makes the config blob, and therefore the manifest digest, unique.
func NewImage(seed string, layers ...[]byte) Image {
	cfg := []byte(fmt.Sprintf(`{"architecture":"amd64","os":"linux","seed":%q}`, seed))
	im := manifest.ImageManifest{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeImageManifest,
		Config: manifest.Descriptor{
			MediaType: manifest.MediaTypeConfig,
			Size:      int64(len(cfg)),
			Digest:    digest.FromBytes(cfg).String(),
		},
	}
	for _, l := range layers {
		im.Layers = append(im.Layers, manifest.Descriptor{
			MediaType: manifest.MediaTypeLayer,
			Size:      int64(len(l)),
			Digest:    digest.FromBytes(l).String(),
		})
	}
	b, err := json.Marshal(&im)
	if err != nil {
		panic(err)
	}
	return Image{
		Digest:   digest.FromBytes(b).String(),
		Manifest: b,
		Config:   cfg,
		Layers:   layers,
	}
}

// AddImage stores the image's blobs and its manifest under the passed tag. If the
// tag is empty then the manifest is only stored by digest.
func (r *Registry) AddImage(repo, tag string, img Image) {
	r.AddBlob(repo, img.Config)
	for _, l := range img.Layers {
		r.AddBlob(repo, l)
	}
	r.AddManifest(repo, tag, manifest.MediaTypeImageManifest, img.Manifest)
}

// NewList builds a manifest list referencing the passed images keyed by
// "os/arch".
func NewList(images map[string]Image) []byte {
	ml := manifest.ManifestList{
		SchemaVersion: 2,
		MediaType:     manifest.MediaTypeManifestList,
		Manifests:     []manifest.Descriptor{},
	}
	platforms := make([]string, 0, len(images))
	for platform := range images {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	for _, platform := range platforms {
		img := images[platform]
		var p manifest.Platform
		p.OS, p.Architecture, _ = strings.Cut(platform, "/")
		ml.Manifests = append(ml.Manifests, manifest.Descriptor{
			MediaType: manifest.MediaTypeImageManifest,
			Size:      int64(len(img.Manifest)),
			Digest:    img.Digest,
			Platform:  &p,
		})
	}
	b, err := json.Marshal(&ml)
	if err != nil {
		panic(err)
	}
	return b
}

// AddList stores every image by digest and a list referencing them under the
// passed tag. The list digest is returned.
func (r *Registry) AddList(repo, tag string, images map[string]Image) string {
	for _, img := range images {
		r.AddImage(repo, "", img)
	}
	return r.AddManifest(repo, tag, manifest.MediaTypeManifestList, NewList(images))
}
