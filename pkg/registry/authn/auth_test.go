package authn_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocifetch/ocifetch/pkg/registry/authn"
)

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "https://registry.example.io/v2/", http.NoBody)
	require.NoError(t, err)
	return req
}

func TestAnonymous_Authorize(t *testing.T) {
	req := newRequest(t)
	require.NoError(t, authn.NewAnonymous().Authorize(req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestBasic_Authorize(t *testing.T) {
	req := newRequest(t)
	require.NoError(t, authn.NewBasic("user", "pass").Authorize(req))
	username, password, ok := req.BasicAuth()
	require.True(t, ok)
	assert.Equal(t, "user", username)
	assert.Equal(t, "pass", password)

	// missing password leaves the header unset
	req = newRequest(t)
	require.NoError(t, authn.NewBasic("user", "").Authorize(req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestToken_Authorize(t *testing.T) {
	req := newRequest(t)
	require.NoError(t, authn.NewToken("abc").Authorize(req))
	assert.Equal(t, "Bearer abc", req.Header.Get("Authorization"))

	req = newRequest(t)
	require.NoError(t, authn.Token{}.Authorize(req))
	assert.Empty(t, req.Header.Get("Authorization"))
}

func TestToken_UnmarshalJSON(t *testing.T) {
	var token authn.Token
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"abc","expires_in":30}`), &token))
	assert.Equal(t, "abc", token.Token)
	assert.Equal(t, "abc", token.AccessToken)
	// expiry is raised to the 60s floor
	assert.Equal(t, 60, token.ExpiresIn)

	err := json.Unmarshal([]byte(`{"expires_in":300}`), &token)
	assert.ErrorIs(t, err, authn.ErrNoToken)
}

func TestToken_ExpiresAt(t *testing.T) {
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	token := authn.Token{Token: "abc", ExpiresIn: 300, IssuedAt: issued}
	assert.Equal(t, issued.Add(300*time.Second), token.ExpiresAt())
}
