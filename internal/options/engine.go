package options

import (
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ocifetch/ocifetch/pkg/engine/scheduler"
	"github.com/ocifetch/ocifetch/pkg/registry/authn"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
)

// EngineOptions defines the options for the download engine.
type EngineOptions struct {
	Root              string
	MaxTasks          int64
	MaxBlobs          int64
	MaxRetries        int64
	RetryBackoff      time.Duration
	InactivityTimeout time.Duration
	SourcesFile       string
	ResumeOnRestart   bool
	Username          string
	Password          string
}

// NewEngineOptions returns the defaulted engine options.
func NewEngineOptions() *EngineOptions {
	return &EngineOptions{
		Root:              defaultRoot(),
		MaxTasks:          scheduler.DefaultMaxTasks,
		MaxBlobs:          scheduler.DefaultMaxBlobs,
		MaxRetries:        scheduler.DefaultMaxRetries,
		RetryBackoff:      scheduler.DefaultRetryBackoff,
		InactivityTimeout: scheduler.DefaultInactivityTimeout,
		ResumeOnRestart:   true,
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, ".ocifetch", "downloads")
}

// Flags returns the cli flags for the engine options.
func (o *EngineOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "root",
			Usage:       "directory to store downloaded images and task metadata",
			Sources:     cli.EnvVars("OCIFETCH_DOWNLOAD_ROOT"),
			Destination: &o.Root,
			Value:       o.Root,
		},
		&cli.IntFlag{
			Name:        "max-tasks",
			Usage:       "maximum number of tasks downloading at the same time",
			Sources:     cli.EnvVars("OCIFETCH_MAX_TASKS"),
			Destination: &o.MaxTasks,
			Value:       o.MaxTasks,
		},
		&cli.IntFlag{
			Name:        "max-blobs",
			Usage:       "maximum number of concurrent blob downloads per task",
			Sources:     cli.EnvVars("OCIFETCH_MAX_BLOBS"),
			Destination: &o.MaxBlobs,
			Value:       o.MaxBlobs,
		},
		&cli.IntFlag{
			Name:        "max-retries",
			Usage:       "retries before a task is marked failed",
			Sources:     cli.EnvVars("OCIFETCH_MAX_RETRIES"),
			Destination: &o.MaxRetries,
			Value:       o.MaxRetries,
		},
		&cli.DurationFlag{
			Name:        "retry-backoff",
			Usage:       "base delay between retries, doubled per attempt",
			Sources:     cli.EnvVars("OCIFETCH_RETRY_BACKOFF"),
			Destination: &o.RetryBackoff,
			Value:       o.RetryBackoff,
		},
		&cli.DurationFlag{
			Name:        "inactivity-timeout",
			Usage:       "abort a blob download when no data arrives for this long",
			Sources:     cli.EnvVars("OCIFETCH_INACTIVITY_TIMEOUT"),
			Destination: &o.InactivityTimeout,
			Value:       o.InactivityTimeout,
		},
		&cli.StringFlag{
			Name:        "sources-file",
			Usage:       "yaml file declaring extra registry sources",
			Sources:     cli.EnvVars("OCIFETCH_SOURCES_FILE"),
			Destination: &o.SourcesFile,
			Value:       o.SourcesFile,
		},
		&cli.BoolFlag{
			Name:        "resume-on-restart",
			Usage:       "resume interrupted downloads automatically on startup",
			Sources:     cli.EnvVars("OCIFETCH_RESUME_ON_RESTART"),
			Destination: &o.ResumeOnRestart,
			Value:       o.ResumeOnRestart,
		},
		&cli.StringFlag{
			Name:        "username",
			Aliases:     []string{"u"},
			Usage:       "registry username, applied to every source",
			Sources:     cli.EnvVars("OCIFETCH_USERNAME"),
			Destination: &o.Username,
			Value:       o.Username,
		},
		&cli.StringFlag{
			Name:        "password",
			Usage:       "registry password, applied to every source",
			Sources:     cli.EnvVars("OCIFETCH_PASSWORD"),
			Destination: &o.Password,
			Value:       o.Password,
		},
	}
}

// SchedulerConfig converts the options into the scheduler configuration.
func (o *EngineOptions) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxTasks:          int(o.MaxTasks),
		MaxBlobs:          int(o.MaxBlobs),
		MaxRetries:        int(o.MaxRetries),
		RetryBackoff:      o.RetryBackoff,
		InactivityTimeout: o.InactivityTimeout,
		ResumeOnRestart:   o.ResumeOnRestart,
	}
}

// AuthProvider builds a credential provider from the per-source
// credentials in the table, falling back to the global username and
// password flags for any other host.
func (o *EngineOptions) AuthProvider(table *name.Table) remote.AuthProvider {
	byHost := map[string]authn.Basic{}
	for _, n := range table.Names() {
		src, err := table.Get(n)
		if err != nil || src.Username == "" {
			continue
		}
		byHost[src.Host] = authn.NewBasic(src.Username, src.Password)
	}
	fallback := authn.Basic{}
	if o.Username != "" {
		fallback = authn.NewBasic(o.Username, o.Password)
	}
	return func(host string) authn.Basic {
		if credential, ok := byHost[host]; ok {
			return credential
		}
		return fallback
	}
}

// Sources builds the registry source table from the built-ins plus the
// optional sources file.
func (o *EngineOptions) Sources() (*name.Table, error) {
	if o.SourcesFile == "" {
		return name.NewTable(), nil
	}
	extras, err := name.LoadSourcesFile(o.SourcesFile)
	if err != nil {
		return nil, err
	}
	return name.NewTable(extras...), nil
}
