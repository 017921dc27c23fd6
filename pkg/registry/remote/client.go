// Package remote speaks the Docker/OCI v2 distribution protocol to a
// registry endpoint: challenge-driven authentication, manifest resolution
// and blob streaming.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/authn"
	"github.com/ocifetch/ocifetch/pkg/util/xhttp"
	"github.com/ocifetch/ocifetch/pkg/util/xio"
)

var _ xhttp.Client = (*Client)(nil)

const (
	// defaultClientID is sent to token endpoints as client_id.
	defaultClientID = "ocifetch"

	// maxAuthResponseBytes limits how many response bytes are read from a
	// token endpoint. A typical response is 1 to 4 KiB and tokens stay below
	// the usual 16 KiB header limit, so 128 KiB is plenty.
	maxAuthResponseBytes int64 = 128 * 1024 // 128 KiB

	cacheCapacity = 1024
)

// AuthProvider returns the credential for a registry host, or the zero
// value when the host is anonymous.
type AuthProvider func(host string) authn.Basic

// NewClient returns an authenticating client with in-memory challenge and
// token caches.
func NewClient(provider AuthProvider) *Client {
	challenges, err := otter.MustBuilder[string, authn.Challenge](cacheCapacity).Build()
	if err != nil {
		panic(err)
	}
	tokens, err := otter.MustBuilder[string, authn.Token](cacheCapacity).WithVariableTTL().Build()
	if err != nil {
		panic(err)
	}
	return &Client{
		provider:   provider,
		challenges: &challenges,
		tokens:     &tokens,
	}
}

// Client wraps an http.Client with the distribution authentication dance:
// a 401 response carrying a WWW-Authenticate challenge triggers a basic or
// bearer authorization and a single retry of the original request.
type Client struct {
	// HTTPClient is the underlying HTTP client. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	provider   AuthProvider
	challenges *otter.Cache[string, authn.Challenge]
	tokens     *otter.CacheWithVariableTTL[string, authn.Token]
}

// Do performs an HTTP request, authenticating it against the registry when
// challenged.
func (c *Client) Do(request *http.Request) (*http.Response, error) {
	resp, err := c.send(request)
	if err != nil {
		return nil, classifyTransport(xhttp.MakeRequestError(request, err))
	}
	return resp, nil
}

// InvalidateToken drops every cached token for the host so that the next
// request performs a fresh token exchange. Used by the retry policy after
// an Auth failure.
func (c *Client) InvalidateToken(_ context.Context, host string) {
	c.tokens.Range(func(key string, _ authn.Token) bool {
		if key == host || strings.HasPrefix(key, host+" ") {
			c.tokens.Delete(key)
		}
		return true
	})
}

func (c *Client) send(request *http.Request) (*http.Response, error) {
	ctx := request.Context()

	credential := authn.Basic{}
	if c.provider != nil {
		credential = c.provider(request.URL.Host)
	}

	if err := c.setAuthorization(ctx, request, credential); err != nil {
		return nil, err
	}

	resp, err := c.client().Do(request)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := authn.ParseChallenge(resp.Header.Get("Www-Authenticate"))
	if challenge.Scheme != authn.SchemeBasic && challenge.Scheme != authn.SchemeBearer {
		return resp, nil
	}
	c.challenges.Set(request.URL.Host, challenge)

	retryable, err := c.setAuthorizationWithChallenge(ctx, request, credential, challenge)
	if err != nil {
		xio.CloseAndSkipError(resp.Body)
		return nil, err
	}
	if !retryable {
		// could not acquire any more authorization than we had initially.
		return resp, nil
	}
	xio.CloseAndSkipError(resp.Body)

	// retry request with authorization
	return c.client().Do(request)
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// setAuthorization applies any authorization already known for the host, a
// cached challenge and token, without a round-trip to the token endpoint.
func (c *Client) setAuthorization(ctx context.Context, request *http.Request, credential authn.Basic) error {
	if auth := request.Header.Get("Authorization"); auth != "" {
		return nil
	}
	challenge, ok := c.challenges.Get(request.URL.Host)
	if !ok {
		return nil
	}
	switch challenge.Scheme {
	case authn.SchemeBasic:
		return credential.Authorize(request)
	case authn.SchemeBearer:
		token, ok := c.tokens.Get(tokenCacheKey(request.URL.Host, c.mergeScopes(ctx, challenge)))
		if !ok {
			return nil
		}
		if token.ExpiresAt().After(time.Now()) {
			return token.Authorize(request)
		}
	case authn.SchemeUnknown:
	}
	return nil
}

// setAuthorizationWithChallenge answers a fresh 401 challenge, fetching a
// bearer token when required. The first return value reports whether the
// request is worth retrying with the new authorization.
func (c *Client) setAuthorizationWithChallenge(ctx context.Context, request *http.Request, credential authn.Basic, challenge authn.Challenge) (bool, error) {
	switch challenge.Scheme {
	case authn.SchemeBasic:
		if credential.Username == "" || credential.Password == "" {
			return false, nil
		}
		return true, credential.Authorize(request)
	case authn.SchemeBearer:
		token, err := c.fetchToken(ctx, credential, challenge)
		if err != nil {
			return false, errdefs.NewE(errdefs.ErrAuth, err)
		}
		scopes := c.mergeScopes(ctx, challenge)
		c.tokens.Set(tokenCacheKey(request.URL.Host, scopes), *token, time.Until(token.ExpiresAt()))
		return true, token.Authorize(request)
	case authn.SchemeUnknown:
	}
	return false, nil
}

func (c *Client) mergeScopes(ctx context.Context, challenge authn.Challenge) []string {
	scopes := authn.CleanScopes(strings.Split(challenge.Parameters["scope"], " "))
	scopes = append(scopes, authn.GetScopes(ctx)...)
	return authn.CleanScopes(scopes)
}

// fetchToken performs the token exchange against the challenge realm, e.g.
// auth.docker.io for Docker Hub, with the repository pull scope.
func (c *Client) fetchToken(ctx context.Context, credential authn.Basic, challenge authn.Challenge) (*authn.Token, error) {
	realm := challenge.Parameters["realm"]
	if realm == "" {
		return nil, errors.New("malformed Www-Authenticate header (missing realm)")
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, realm, http.NoBody)
	if err != nil {
		return nil, err
	}
	q := request.URL.Query()
	if service := challenge.Parameters["service"]; service != "" {
		q.Add("service", service)
	}
	for _, scope := range c.mergeScopes(ctx, challenge) {
		q.Add("scope", scope)
	}
	q.Add("client_id", defaultClientID)
	request.URL.RawQuery = q.Encode()

	if err := credential.Authorize(request); err != nil {
		return nil, err
	}

	resp, err := c.client().Do(request) //nolint:bodyclose // closed by xio.CloseAndSkipError
	if err != nil {
		return nil, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp); err != nil {
		return nil, err
	}

	token := &authn.Token{}
	r := io.LimitReader(resp.Body, maxAuthResponseBytes)
	if err := json.NewDecoder(r).Decode(token); err != nil {
		return nil, xhttp.MakeResponseError(resp, err)
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	return token, nil
}

func tokenCacheKey(host string, scopes []string) string {
	key := host
	if scopeStr := strings.Join(scopes, ","); scopeStr != "" {
		key = key + " " + scopeStr
	}
	return key
}

// classifyTransport marks plain connection-level failures as transport
// errors so the retry policy treats them as transient. Context
// cancellations pass through as Cancelled.
func classifyTransport(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errdefs.NewE(errdefs.ErrCanceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errdefs.NewE(errdefs.ErrTransport, err)
	}
	if errdefs.Kind(err) != "Internal" {
		return err
	}
	return errdefs.NewE(errdefs.ErrTransport, err)
}
