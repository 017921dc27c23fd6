package name_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
)

func TestNewCoordinate(t *testing.T) {
	tests := []struct {
		name       string
		source     string
		repository string
		reference  string
		want       string
		wantErr    bool
	}{
		{
			name:       "bare dockerhub name gains library namespace",
			source:     "dockerhub",
			repository: "nginx",
			reference:  "latest",
			want:       "dockerhub/library/nginx:latest",
		},
		{
			name:       "empty source defaults to dockerhub",
			repository: "nginx",
			want:       "dockerhub/library/nginx:latest",
		},
		{
			name:       "empty reference defaults to latest",
			source:     "quay",
			repository: "coreos/etcd",
			want:       "quay/coreos/etcd:latest",
		},
		{
			name:       "digest reference",
			source:     "ghcr",
			repository: "owner/app",
			reference:  "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
			want:       "ghcr/owner/app@sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9",
		},
		{
			name:       "mixed case repository is lowered",
			source:     "quay",
			repository: "CoreOS/Etcd",
			reference:  "v3.5",
			want:       "quay/coreos/etcd:v3.5",
		},
		{
			name:    "empty repository",
			source:  "dockerhub",
			wantErr: true,
		},
		{
			name:       "invalid repository characters",
			source:     "dockerhub",
			repository: "no spaces/allowed",
			wantErr:    true,
		},
		{
			name:       "invalid tag",
			source:     "dockerhub",
			repository: "nginx",
			reference:  "bad tag!",
			wantErr:    true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coord, err := name.NewCoordinate(tc.source, tc.repository, tc.reference)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, coord.String())
		})
	}
}

func TestTable(t *testing.T) {
	table := name.NewTable()

	s, err := table.Get("dockerhub")
	require.NoError(t, err)
	assert.Equal(t, "registry-1.docker.io", s.Host)
	assert.Equal(t, "https", s.Scheme)

	_, err = table.Get("nowhere")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	table.Add(name.Source{Name: "internal", Host: "registry.corp.example"})
	s, err = table.Get("internal")
	require.NoError(t, err)
	assert.Equal(t, "https", s.Scheme)

	assert.Equal(t, []string{"dockerhub", "ghcr", "internal", "quay"}, table.Names())
}

func TestLoadSourcesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.yaml")
	content := `
sources:
  internal:
    host: registry.corp.example
    username: svc
    password: hunter2
  mirror:
    host: mirror.corp.example
    scheme: http
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	sources, err := name.LoadSourcesFile(path)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "internal", sources[0].Name)
	assert.Equal(t, "svc", sources[0].Username)
	assert.Equal(t, "mirror", sources[1].Name)
	assert.Equal(t, "http", sources[1].Scheme)

	_, err = name.LoadSourcesFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("sources:\n  broken: {}\n"), 0o600))
	_, err = name.LoadSourcesFile(bad)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}
