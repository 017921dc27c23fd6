package authn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocifetch/ocifetch/pkg/registry/authn"
)

func TestRepositoryScope(t *testing.T) {
	assert.Equal(t, "repository:library/nginx:pull",
		authn.RepositoryScope("library/nginx", authn.ActionPull))
	assert.Equal(t, "repository:library/nginx:pull,push",
		authn.RepositoryScope("library/nginx", authn.ActionPush, authn.ActionPull))
	assert.Empty(t, authn.RepositoryScope("", authn.ActionPull))
	assert.Empty(t, authn.RepositoryScope("library/nginx"))
}

func TestCleanScopes(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   []string
	}{
		{
			name: "nil scopes",
		},
		{
			name:   "single scope",
			scopes: []string{"repository:library/nginx:pull"},
			want:   []string{"repository:library/nginx:pull"},
		},
		{
			name: "merge same resource",
			scopes: []string{
				"repository:library/nginx:push",
				"repository:library/nginx:pull",
			},
			want: []string{"repository:library/nginx:pull,push"},
		},
		{
			name: "wildcard swallows actions",
			scopes: []string{
				"repository:library/nginx:pull",
				"repository:library/nginx:*",
			},
			want: []string{"repository:library/nginx:*"},
		},
		{
			name:   "empty entries dropped",
			scopes: []string{"", "  ", "repository:app:pull"},
			want:   []string{"repository:app:pull"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := authn.CleanScopes(tc.scopes)
			if tc.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestContextScopes(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, authn.GetScopes(ctx))

	ctx = authn.WithScopes(ctx, "repository:a:pull")
	assert.Equal(t, []string{"repository:a:pull"}, authn.GetScopes(ctx))

	ctx = authn.AppendScopes(ctx, "repository:a:push", "repository:b:pull")
	assert.Equal(t, []string{"repository:a:pull,push", "repository:b:pull"}, authn.GetScopes(ctx))
}
