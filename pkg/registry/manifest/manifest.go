// Package manifest parses image manifests and manifest lists of both the
// Docker v2 and OCI flavours, and selects platform variants out of indexes.
package manifest

import (
	"encoding/json"
	"mime"
	"strings"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
)

// Docker v2 schema 2 media types. The OCI equivalents come from image-spec.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerImageConfig  = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

var requestedMediaTypes = []string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	imgspecv1.MediaTypeImageManifest,
	imgspecv1.MediaTypeImageIndex,
}

// AcceptHeader returns the Accept value sent on manifest requests, covering
// concrete manifests and indexes of both flavours in a single request.
func AcceptHeader() string {
	return strings.Join(requestedMediaTypes, ", ")
}

// Image is a concrete image manifest: one config blob plus ordered layers.
// The JSON shape is shared by Docker v2 schema 2 and OCI.
type Image struct {
	SchemaVersion int                   `json:"schemaVersion"`
	MediaType     string                `json:"mediaType,omitempty"`
	Config        imgspecv1.Descriptor  `json:"config"`
	Layers        []imgspecv1.Descriptor `json:"layers"`
}

// TotalSize sums the config blob and every layer.
func (m *Image) TotalSize() int64 {
	size := m.Config.Size
	for _, layer := range m.Layers {
		if layer.Size > 0 {
			size += layer.Size
		}
	}
	return size
}

// Index is a manifest list or OCI index: descriptors of per-platform
// manifests.
type Index struct {
	SchemaVersion int                    `json:"schemaVersion"`
	MediaType     string                 `json:"mediaType,omitempty"`
	Manifests     []imgspecv1.Descriptor `json:"manifests"`
}

// IsIndex reports whether the media type names a manifest list or index.
func IsIndex(mediaType string) bool {
	mt := normalizeMediaType(mediaType)
	return mt == MediaTypeDockerManifestList || mt == imgspecv1.MediaTypeImageIndex
}

// IsImage reports whether the media type names a concrete image manifest.
func IsImage(mediaType string) bool {
	mt := normalizeMediaType(mediaType)
	return mt == MediaTypeDockerManifest || mt == imgspecv1.MediaTypeImageManifest
}

// ParseImage parses a concrete image manifest.
func ParseImage(content []byte) (*Image, error) {
	m := &Image{}
	if err := json.Unmarshal(content, m); err != nil {
		return nil, errdefs.Newf(errdefs.ErrProtocol, "unable to parse image manifest: %v", err)
	}
	if m.Config.Digest == "" {
		return nil, errdefs.Newf(errdefs.ErrProtocol, "image manifest has no config descriptor")
	}
	return m, nil
}

// ParseIndex parses a manifest list or OCI index.
func ParseIndex(content []byte) (*Index, error) {
	idx := &Index{}
	if err := json.Unmarshal(content, idx); err != nil {
		return nil, errdefs.Newf(errdefs.ErrProtocol, "unable to parse manifest index: %v", err)
	}
	return idx, nil
}

// normalizeMediaType strips Content-Type parameters like charset.
func normalizeMediaType(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(mediaType)
	if err != nil {
		return mediaType
	}
	return mt
}

// DetectMediaType returns the media type from the Content-Type header when
// known, falling back to the mediaType field embedded in the document.
func DetectMediaType(header string, content []byte) string {
	if mt := normalizeMediaType(header); IsIndex(mt) || IsImage(mt) {
		return mt
	}
	var versioned struct {
		MediaType string                 `json:"mediaType"`
		Manifests []imgspecv1.Descriptor `json:"manifests"`
	}
	if err := json.Unmarshal(content, &versioned); err != nil {
		return ""
	}
	if versioned.MediaType != "" {
		return versioned.MediaType
	}
	if versioned.Manifests != nil {
		return imgspecv1.MediaTypeImageIndex
	}
	return MediaTypeDockerManifest
}
