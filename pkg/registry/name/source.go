package name

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ocifetch/ocifetch/pkg/errdefs"
)

// Built-in source names.
const (
	SourceDockerHub = "dockerhub"
	SourceQuay      = "quay"
	SourceGHCR      = "ghcr"
)

// Source names a registry endpoint and how to reach it.
type Source struct {
	Name     string `yaml:"-"`
	Host     string `yaml:"host"`
	Scheme   string `yaml:"scheme,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// BuiltinSources returns the well-known public registries.
func BuiltinSources() []Source {
	return []Source{
		{Name: SourceDockerHub, Host: "registry-1.docker.io", Scheme: "https"},
		{Name: SourceQuay, Host: "quay.io", Scheme: "https"},
		{Name: SourceGHCR, Host: "ghcr.io", Scheme: "https"},
	}
}

// Table maps source names to endpoints. The zero value is not usable; use
// NewTable.
type Table struct {
	sources map[string]Source
}

// NewTable builds a table with the built-in sources plus any extras. Extras
// may override built-ins of the same name.
func NewTable(extras ...Source) *Table {
	t := &Table{sources: map[string]Source{}}
	for _, s := range BuiltinSources() {
		t.Add(s)
	}
	for _, s := range extras {
		t.Add(s)
	}
	return t
}

// Add registers a source, defaulting the scheme to https.
func (t *Table) Add(s Source) {
	if s.Scheme == "" {
		s.Scheme = "https"
	}
	t.sources[s.Name] = s
}

// Get looks up a source by name.
func (t *Table) Get(name string) (Source, error) {
	s, ok := t.sources[name]
	if !ok {
		return Source{}, errdefs.Newf(errdefs.ErrInvalidArgument, "unknown source %q", name)
	}
	return s, nil
}

// Names returns the registered source names in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.sources))
	for n := range t.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type sourcesFile struct {
	Sources map[string]Source `yaml:"sources"`
}

// LoadSourcesFile reads custom sources from a YAML file.
func LoadSourcesFile(path string) ([]Source, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f sourcesFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, errdefs.Newf(errdefs.ErrInvalidArgument, "unable to parse sources file %s: %v", path, err)
	}
	sources := make([]Source, 0, len(f.Sources))
	for name, s := range f.Sources {
		s.Name = name
		if s.Host == "" {
			return nil, errdefs.Newf(errdefs.ErrInvalidArgument, "source %q in %s has no host", name, path)
		}
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	return sources, nil
}
