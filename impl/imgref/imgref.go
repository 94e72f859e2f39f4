// Package imgref parses the image locations accepted on the command line:
//
//	docker://quay.io/argoproj/argocd:v2.11.11
//	docker://alpine                      (docker.io/library/alpine, no reference)
//	docker://quay.io                     (a whole domain)
//	dir:/var/lib/images//library/alpine:3.20
//	dir:/var/lib/images                  (a whole directory store)
//
// Registry locations are parsed with the go-containerregistry name package so
// Docker Hub defaulting works the way the docker CLI does it.
package imgref

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aceeric/ocisync/impl/manifest"
	"github.com/google/go-containerregistry/pkg/name"
)

// Scheme is the kind of store a location refers to
type Scheme int

const (
	Docker Scheme = iota
	Dir
)

const (
	dockerPrefix = "docker://"
	dirPrefix    = "dir:"
	dockerHub    = "docker.io"
)

func (s Scheme) String() string {
	switch s {
	case Docker:
		return "docker"
	case Dir:
		return "dir"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// RefType tells a tag from a digest
type RefType int

const (
	None RefType = iota
	ByTag
	ByDigest
)

// Ref is a parsed location. If initialized with 'docker://quay.io/argoproj/argocd:v2.11.11'
// the members are:
//
//	Scheme     = Docker
//	Domain     = quay.io
//	Repository = argoproj/argocd
//	Reference  = v2.11.11
//	RefType    = ByTag
type Ref struct {
	Scheme Scheme
	// Domain is the registry. Docker Hub is 'docker.io'. Empty for Dir.
	Domain string
	// Path is the root of a directory store. Empty for Docker.
	Path string
	// Repository is empty if the location is a whole domain or directory
	Repository string
	// Reference is a tag or a digest, or empty if none was given
	Reference string
	RefType   RefType
}

// Parse parses a location
func Parse(s string) (Ref, error) {
	switch {
	case strings.HasPrefix(s, dockerPrefix):
		return parseDocker(strings.TrimPrefix(s, dockerPrefix))
	case strings.HasPrefix(s, dirPrefix):
		return parseDir(strings.TrimPrefix(s, dirPrefix))
	}
	return Ref{}, fmt.Errorf("unsupported location %q, expected %s or %s", s, dockerPrefix, dirPrefix)
}

func parseDocker(s string) (Ref, error) {
	ref := Ref{Scheme: Docker}
	if s == "" {
		return ref, fmt.Errorf("empty registry location")
	}
	if isDomain(s) {
		ref.Domain = normalizeDomain(s)
		return ref, nil
	}
	r, err := name.ParseReference(s)
	if err != nil {
		return ref, fmt.Errorf("parsing %s: %w", s, err)
	}
	ref.Domain = normalizeDomain(r.Context().RegistryStr())
	ref.Repository = r.Context().RepositoryStr()
	switch r := r.(type) {
	case name.Digest:
		ref.Reference, ref.RefType = r.DigestStr(), ByDigest
	case name.Tag:
		// the name package defaults the tag to latest
		if strings.HasSuffix(s, ":"+r.TagStr()) {
			ref.Reference, ref.RefType = r.TagStr(), ByTag
		}
	}
	return ref, nil
}

// isDomain is true for a location with no repository, like 'quay.io' or
// 'localhost:5000'.
func isDomain(s string) bool {
	s = strings.TrimSuffix(s, "/")
	if strings.Contains(s, "/") {
		return false
	}
	host, port, hasPort := strings.Cut(s, ":")
	if hasPort {
		_, err := strconv.Atoi(port)
		return err == nil
	}
	return strings.Contains(host, ".") || host == "localhost"
}

func normalizeDomain(domain string) string {
	domain = strings.TrimSuffix(domain, "/")
	switch domain {
	case name.DefaultRegistry, "registry-1.docker.io":
		return dockerHub
	}
	return domain
}

func parseDir(s string) (Ref, error) {
	ref := Ref{Scheme: Dir}
	path, rest, found := strings.Cut(s, "//")
	if path == "" {
		return ref, fmt.Errorf("directory location %q has no path", s)
	}
	ref.Path = path
	if !found || rest == "" {
		return ref, nil
	}
	repo, dgst, isDigest := strings.Cut(rest, "@")
	if isDigest {
		if err := manifest.ValidateDigest(dgst); err != nil {
			return ref, err
		}
		ref.Reference, ref.RefType = dgst, ByDigest
	} else if i := strings.LastIndex(rest, ":"); i > strings.LastIndex(rest, "/") {
		repo, ref.Reference, ref.RefType = rest[:i], rest[i+1:], ByTag
	}
	if _, err := name.NewRepository(repo); err != nil {
		return ref, fmt.Errorf("parsing %s: %w", rest, err)
	}
	ref.Repository = repo
	return ref, nil
}

// WithReference returns a copy of the ref with the passed tag or digest
func (r Ref) WithReference(reference string) Ref {
	r.Reference, r.RefType = reference, ByTag
	if manifest.ValidateDigest(reference) == nil {
		r.RefType = ByDigest
	}
	return r
}

// String formats the ref in the form it was parsed from
func (r Ref) String() string {
	var sb strings.Builder
	switch r.Scheme {
	case Docker:
		sb.WriteString(dockerPrefix + r.Domain)
		if r.Repository != "" {
			sb.WriteString("/" + r.Repository)
		}
	case Dir:
		sb.WriteString(dirPrefix + r.Path)
		if r.Repository != "" {
			sb.WriteString("//" + r.Repository)
		}
	}
	switch r.RefType {
	case ByTag:
		sb.WriteString(":" + r.Reference)
	case ByDigest:
		sb.WriteString("@" + r.Reference)
	}
	return sb.String()
}
