package manifest

import (
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
)

// ParsePlatform parses an "os/arch[/variant]" string, defaulting to
// linux/amd64 when empty.
func ParsePlatform(s string) (imgspecv1.Platform, error) {
	if s == "" {
		s = "linux/amd64"
	}
	p, err := platforms.Parse(s)
	if err != nil {
		return imgspecv1.Platform{}, errdefs.Newf(errdefs.ErrInvalidArgument, "invalid platform %q: %v", s, err)
	}
	return p, nil
}

// SelectPlatform picks the child manifest digest matching the target
// platform out of a manifest list or index. The tie-break order is: exact
// platform match, then same architecture on any OS, then the first entry.
// An empty index surfaces NotFound.
//
// When the document is already a concrete manifest the empty digest is
// returned, signalling "use as-is".
func SelectPlatform(content []byte, mediaType string, target imgspecv1.Platform) (digest.Digest, error) {
	mt := DetectMediaType(mediaType, content)
	if !IsIndex(mt) {
		return "", nil
	}
	idx, err := ParseIndex(content)
	if err != nil {
		return "", err
	}
	if len(idx.Manifests) == 0 {
		return "", errdefs.Newf(errdefs.ErrNotFound, "manifest index has no entries")
	}

	matcher := platforms.OnlyStrict(target)
	if desc, ok := lo.Find(idx.Manifests, func(d imgspecv1.Descriptor) bool {
		return d.Platform != nil && matcher.Match(*d.Platform)
	}); ok {
		return desc.Digest, nil
	}
	if desc, ok := lo.Find(idx.Manifests, func(d imgspecv1.Descriptor) bool {
		return d.Platform != nil && d.Platform.Architecture == target.Architecture
	}); ok {
		return desc.Digest, nil
	}
	return idx.Manifests[0].Digest, nil
}
