// Package name defines image coordinates and the table of known registry
// sources they resolve against.
package name

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
)

const (
	// DefaultTag is used when a coordinate carries no reference.
	DefaultTag = "latest"

	// dockerHubOfficialNamespace is the implied namespace for bare names
	// like "nginx" on Docker Hub.
	dockerHubOfficialNamespace = "library"
)

var (
	repositoryRegexp = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*)*$`)
	tagRegexp        = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
)

// Coordinate locates one image manifest: a source from the source table, a
// repository path within it and a tag or digest reference.
type Coordinate struct {
	Source     string `json:"source"`
	Repository string `json:"repository"`
	Reference  string `json:"reference"`
}

// NewCoordinate validates and normalises a coordinate. Bare names on the
// dockerhub source gain the "library/" namespace, and an empty reference
// defaults to "latest".
func NewCoordinate(source, repository, reference string) (Coordinate, error) {
	var zero Coordinate
	if source == "" {
		source = SourceDockerHub
	}
	if repository == "" {
		return zero, errdefs.Newf(errdefs.ErrInvalidArgument, "empty repository")
	}
	repository = strings.ToLower(strings.Trim(repository, "/"))
	if source == SourceDockerHub && !strings.Contains(repository, "/") {
		repository = dockerHubOfficialNamespace + "/" + repository
	}
	if !repositoryRegexp.MatchString(repository) {
		return zero, errdefs.Newf(errdefs.ErrInvalidArgument, "invalid repository %q", repository)
	}
	if reference == "" {
		reference = DefaultTag
	}
	if !IsDigest(reference) && !tagRegexp.MatchString(reference) {
		return zero, errdefs.Newf(errdefs.ErrInvalidArgument, "invalid reference %q", reference)
	}
	return Coordinate{Source: source, Repository: repository, Reference: reference}, nil
}

// IsDigest reports whether the reference is a content digest rather than
// a tag.
func (c Coordinate) IsDigest() bool {
	return IsDigest(c.Reference)
}

// String renders the coordinate as "<source>/<repository>:<tag>" or
// "<source>/<repository>@<digest>".
func (c Coordinate) String() string {
	sep := ":"
	if c.IsDigest() {
		sep = "@"
	}
	return fmt.Sprintf("%s/%s%s%s", c.Source, c.Repository, sep, c.Reference)
}

// IsDigest reports whether the reference string parses as a digest.
func IsDigest(reference string) bool {
	_, err := digest.Parse(reference)
	return err == nil
}
