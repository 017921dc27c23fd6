package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/authn"
	"github.com/ocifetch/ocifetch/pkg/registry/manifest"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
	"github.com/ocifetch/ocifetch/pkg/util/xhttp"
	"github.com/ocifetch/ocifetch/pkg/util/xio"
)

const (
	dockerContentDigestHeader = "Docker-Content-Digest"

	// defaultResolveTimeout bounds the control-plane round-trips: token
	// exchange, manifest and config fetches. Blob streams are not bounded.
	defaultResolveTimeout = 10 * time.Second

	// maxManifestBytes limits manifest and config reads. The distribution
	// spec recommends a 4 MiB ceiling for manifests.
	maxManifestBytes int64 = 4 * 1024 * 1024
)

// Registry is a client bound to one registry source. It is stateless apart
// from the shared authenticating client; retries are the caller's concern.
type Registry struct {
	source  name.Source
	client  xhttp.Client
	timeout time.Duration
}

// NewRegistry returns a registry client for the source using the given
// authenticating client.
func NewRegistry(source name.Source, client xhttp.Client) *Registry {
	return &Registry{source: source, client: client, timeout: defaultResolveTimeout}
}

// Source returns the source this client is bound to.
func (r *Registry) Source() name.Source {
	return r.source
}

func (r *Registry) url(format string, args ...any) string {
	return fmt.Sprintf("%s://%s%s", r.source.Scheme, r.source.Host, fmt.Sprintf(format, args...))
}

// ManifestResponse carries a fetched manifest: the verbatim body bytes, the
// media type from the Content-Type header and the manifest digest from the
// Docker-Content-Digest header, or computed over the body when absent.
type ManifestResponse struct {
	Bytes     []byte
	MediaType string
	Digest    digest.Digest
}

// GetManifest fetches the manifest for a tag or digest reference, asking
// for manifest lists, OCI indexes and concrete manifests of both flavours
// in a single request.
func (r *Registry) GetManifest(ctx context.Context, repo, reference string) (*ManifestResponse, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(repo, authn.ActionPull))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url("/v2/%s/manifests/%s", repo, reference), http.NoBody)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", manifest.AcceptHeader())

	resp, err := r.client.Do(request) //nolint:bodyclose // closed by xio.CloseAndSkipError
	if err != nil {
		return nil, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrTransport, xhttp.MakeResponseError(resp, err))
	}

	dgst, err := responseDigest(resp, content)
	if err != nil {
		return nil, err
	}
	// a digest reference must name the content we received
	if parsed, perr := digest.Parse(reference); perr == nil && parsed != dgst {
		return nil, errdefs.Newf(errdefs.ErrProtocol, "manifest digest mismatch: requested %s, got %s", parsed, dgst)
	}

	return &ManifestResponse{
		Bytes:     content,
		MediaType: manifest.DetectMediaType(resp.Header.Get("Content-Type"), content),
		Digest:    dgst,
	}, nil
}

// GetConfig fetches the small JSON config blob and verifies its digest.
func (r *Registry) GetConfig(ctx context.Context, repo string, dgst digest.Digest) ([]byte, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(repo, authn.ActionPull))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url("/v2/%s/blobs/%s", repo, dgst), http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(request) //nolint:bodyclose // closed by xio.CloseAndSkipError
	if err != nil {
		return nil, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp); err != nil {
		return nil, err
	}
	content, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, errdefs.NewE(errdefs.ErrTransport, xhttp.MakeResponseError(resp, err))
	}
	if got := digest.FromBytes(content); got != dgst {
		return nil, errdefs.Newf(errdefs.ErrProtocol, "config digest mismatch: want %s, got %s", dgst, got)
	}
	return content, nil
}

// BlobStream is an open blob body. Resumed reports whether the server
// honoured the requested range; when false the caller must discard any
// partial file and restart from offset 0.
type BlobStream struct {
	io.ReadCloser
	// Size is the total blob length as reported by the server, or -1 when
	// unknown.
	Size int64
	// Resumed is true when the server answered 206 Partial Content.
	Resumed bool
}

// StreamBlob opens a streaming body for the blob. When offset > 0 a ranged
// request is issued; servers that ignore the range return a full 200 body
// with Resumed == false. The stream carries no read timeout; the caller's
// context cancels it.
func (r *Registry) StreamBlob(ctx context.Context, repo string, dgst digest.Digest, offset int64) (*BlobStream, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(repo, authn.ActionPull))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url("/v2/%s/blobs/%s", repo, dgst), http.NoBody)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := r.client.Do(request) //nolint:bodyclose // body is returned to the caller
	if err != nil {
		return nil, err
	}
	if err := xhttp.Success(resp, http.StatusPartialContent); err != nil {
		xio.CloseAndSkipError(resp.Body)
		return nil, err
	}

	size := resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := xhttp.ParseContentRangeSize(resp.Header.Get("Content-Range")); ok {
			size = total
		}
	}
	return &BlobStream{
		ReadCloser: resp.Body,
		Size:       size,
		Resumed:    resp.StatusCode == http.StatusPartialContent,
	}, nil
}

// ResolveImage fetches the manifest for the reference and narrows an index
// down to the concrete image manifest for the platform. It returns the
// selected manifest response and the parsed image manifest.
func (r *Registry) ResolveImage(ctx context.Context, repo, reference string, platform imgspecv1.Platform) (*ManifestResponse, *manifest.Image, error) {
	resp, err := r.GetManifest(ctx, repo, reference)
	if err != nil {
		return nil, nil, err
	}
	childDigest, err := manifest.SelectPlatform(resp.Bytes, resp.MediaType, platform)
	if err != nil {
		return nil, nil, err
	}
	if childDigest != "" {
		resp, err = r.GetManifest(ctx, repo, childDigest.String())
		if err != nil {
			return nil, nil, err
		}
	}
	img, err := manifest.ParseImage(resp.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return resp, img, nil
}

// responseDigest returns the digest from the Docker-Content-Digest header,
// or the digest computed over the body when the header is absent.
func responseDigest(resp *http.Response, content []byte) (digest.Digest, error) {
	if s := resp.Header.Get(dockerContentDigestHeader); s != "" {
		dgst, err := digest.Parse(s)
		if err != nil {
			return "", errdefs.Newf(errdefs.ErrProtocol, "invalid %s header %q: %v", dockerContentDigestHeader, s, err)
		}
		return dgst, nil
	}
	return digest.FromBytes(content), nil
}
