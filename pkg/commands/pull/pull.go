// Package pull implements the one-shot pull command.
package pull

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/ocifetch/ocifetch/pkg/cmdhelper"
	"github.com/ocifetch/ocifetch/internal/options"
	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/engine/scheduler"
	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/registry/name"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
)

// eventQueueSize buffers the progress stream; one task emits at most four
// events a second so a small queue never drops.
const eventQueueSize = 64

// New returns a command with default values.
func New() *Command {
	return &Command{
		EngineOptions: options.NewEngineOptions(),
	}
}

// Command is the command to download a single image and exit.
type Command struct {
	EngineOptions *options.EngineOptions

	Source   string
	Platform string
	Quiet    bool
}

// ToCLI transforms to a *cli.Command.
func (c *Command) ToCLI() *cli.Command {
	return &cli.Command{
		Name:  "pull",
		Usage: "Download an image to the local layout and exit",
		UsageText: `ocifetch pull [OPTIONS] IMAGE

# Pull an image from Docker Hub
$ ocifetch pull nginx:1.25

# Pull from another source for a specific platform
$ ocifetch pull --source ghcr --platform linux/arm64 owner/app:v2
`,
		Before: cli.BeforeFunc(cmdhelper.ExactArgs(1)),
		Flags:  c.Flags(),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *Command) Flags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "source",
			Aliases:     []string{"s"},
			Usage:       "registry source to pull from",
			Sources:     cli.EnvVars("OCIFETCH_SOURCE"),
			Destination: &c.Source,
			Value:       name.SourceDockerHub,
		},
		&cli.StringFlag{
			Name:        "platform",
			Usage:       "platform to select from a multi-arch image, e.g. linux/amd64",
			Sources:     cli.EnvVars("OCIFETCH_PLATFORM"),
			Destination: &c.Platform,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "suppress progress output",
			Destination: &c.Quiet,
		},
	}
	flags = append(flags, c.EngineOptions.Flags()...)
	return flags
}

// Run is the main function for the current command.
func (c *Command) Run(ctx context.Context, cmd *cli.Command) error {
	repository, reference := splitReference(cmd.Args().First())
	coord, err := name.NewCoordinate(c.Source, repository, reference)
	if err != nil {
		return err
	}

	table, err := c.EngineOptions.Sources()
	if err != nil {
		return err
	}
	client := remote.NewClient(c.EngineOptions.AuthProvider(table))
	hub := remote.NewHub(table, client)

	store := task.NewStore(afero.NewOsFs(), c.EngineOptions.Root)
	bus := progress.NewBus(nil)
	sched := scheduler.New(store, bus, hub, c.EngineOptions.SchedulerConfig(), nil)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(shutdownCtx)
	}()

	t := task.New(c.EngineOptions.Root, coord, c.Platform)
	if err := store.Create(t); err != nil {
		return err
	}

	sub := bus.Subscribe(eventQueueSize, t.ID)
	defer sub.Close()

	if _, err := sched.Start(t.ID); err != nil {
		return err
	}
	cmdhelper.Fprintf(cmd.Writer, "Pulling %s", coord)

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case ev := <-sub.C():
			switch ev.Type {
			case progress.EventProgress:
				if !c.Quiet {
					cmdhelper.Fprintf(cmd.Writer, "%6.2f%%  %s / %s  %s/s",
						ev.Progress,
						humanize.Bytes(uint64(ev.DownloadedBytes)),
						humanize.Bytes(uint64(ev.TotalBytes)),
						humanize.Bytes(uint64(ev.SpeedBPS)))
				}
			case progress.EventComplete:
				cmdhelper.Fprintf(cmd.Writer, "Downloaded %s to %s (checksum %s)",
					coord, ev.FilePath, ev.Checksum)
				return nil
			case progress.EventError:
				return fmt.Errorf("pull %s failed: %s", coord, ev.Error.Message)
			}
		}
	}
}

// splitReference splits "repo[:tag]" or "repo@digest" into its repository
// and reference parts. The reference may be empty.
func splitReference(image string) (repository, reference string) {
	if i := strings.Index(image, "@"); i >= 0 {
		return image[:i], image[i+1:]
	}
	if i := strings.LastIndex(image, ":"); i >= 0 && !strings.Contains(image[i:], "/") {
		return image[:i], image[i+1:]
	}
	return image, ""
}
