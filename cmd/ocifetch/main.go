// Package main is the entry of the application.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/ocifetch/ocifetch/pkg/cmdhelper"
	"github.com/ocifetch/ocifetch/pkg/commands"
	"github.com/ocifetch/ocifetch/internal/options"
	"github.com/ocifetch/ocifetch/pkg/commands/pull"
	"github.com/ocifetch/ocifetch/pkg/commands/server"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

func main() {
	common := options.NewCommonOptions()
	app := cli.Command{
		Name:                  "ocifetch",
		Usage:                 "ocifetch downloads container images from OCI registries",
		Suggest:               true,
		EnableShellCompletion: true,
		HideVersion:           true,
		HideHelpCommand:       true,
		Flags:                 common.Flags(),
		Before: func(_ context.Context, _ *cli.Command) error {
			xlog.SetDefault(xlog.New(common.LoggerConfig()))
			return nil
		},
		Commands: []*cli.Command{
			commands.NewVersionCommand().ToCLI(),
			server.New().ToCLI(),
			pull.New().ToCLI(),
		},
		ExitErrHandler: func(ctx context.Context, c *cli.Command, err error) {
			cli.HandleExitCoder(err)
			cmdhelper.Fprintf(c.ErrWriter, "Error: %+v", err)
			os.Exit(1)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	//nolint:errcheck // already handled in root command ExitErrHandler
	_ = app.Run(ctx, os.Args)
}
