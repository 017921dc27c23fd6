// Package server implements the server command.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/ocifetch/ocifetch/pkg/cmdhelper"
	"github.com/ocifetch/ocifetch/internal/options"
	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/engine/scheduler"
	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
	"github.com/ocifetch/ocifetch/pkg/server"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

const shutdownTimeout = 10 * time.Second

// New returns a command with default values.
func New() *Command {
	return &Command{
		ServerOptions: options.NewServerOptions(),
		EngineOptions: options.NewEngineOptions(),
	}
}

// Command is the command to run the download engine in service mode.
type Command struct {
	ServerOptions *options.ServerOptions
	EngineOptions *options.EngineOptions
}

// ToCLI transforms to a *cli.Command.
func (c *Command) ToCLI() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"srv"},
		Usage:   "Run the download engine as an HTTP service",
		UsageText: `ocifetch server [OPTIONS]

# Start the server with default port 8080
$ ocifetch server

# Start the server with a custom port and download root
$ ocifetch server --port 9000 --root /data/images
`,
		Before: cli.BeforeFunc(cmdhelper.NoArgs()),
		Flags:  c.Flags(),
		Action: c.Run,
	}
}

// Flags defines the flags related to the current command.
func (c *Command) Flags() []cli.Flag {
	flags := []cli.Flag{}
	flags = append(flags, c.ServerOptions.Flags()...)
	flags = append(flags, c.EngineOptions.Flags()...)
	return flags
}

// Run is the main function for the current command.
func (c *Command) Run(ctx context.Context, cmd *cli.Command) error {
	table, err := c.EngineOptions.Sources()
	if err != nil {
		return err
	}
	client := remote.NewClient(c.EngineOptions.AuthProvider(table))
	hub := remote.NewHub(table, client)

	store := task.NewStore(afero.NewOsFs(), c.EngineOptions.Root)
	bus := progress.NewBus(nil)
	sched := scheduler.New(store, bus, hub, c.EngineOptions.SchedulerConfig(), nil)

	restored, err := sched.Recover()
	if err != nil {
		return err
	}
	if len(restored) > 0 {
		xlog.Infof("restored %d task(s) from %s", len(restored), c.EngineOptions.Root)
	}

	address := c.ServerOptions.Address()
	srv := &http.Server{
		Addr:              address,
		Handler:           server.New(store, sched, hub, bus).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			xlog.Errorf("server error: %v", err)
		}
	}()

	cmdhelper.Fprintf(cmd.Writer, "Server started at http://%s", address)
	cmdhelper.Fprintf(cmd.Writer, "Press Ctrl+C to stop the server")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// stop accepting requests first, then settle the in-flight downloads
	if err := srv.Shutdown(shutdownCtx); err != nil {
		xlog.Errorf("server shutdown failed: %v", err)
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		return err
	}
	xlog.Info("server stopped")
	return nil
}
