// Package options defines the shared command line options.
package options

import (
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/ocifetch/ocifetch/pkg/xlog"
)

// CommonOptions defines the options shared by all commands.
type CommonOptions struct {
	Debug    bool
	LogLevel string
	LogFile  string
}

// NewCommonOptions returns the defaulted common options.
func NewCommonOptions() *CommonOptions {
	return &CommonOptions{
		LogLevel: "info",
	}
}

// Flags returns the cli flags for the common options.
func (o *CommonOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:        "debug",
			Aliases:     []string{"D"},
			Usage:       "enable debug output, overrides --log-level",
			Sources:     cli.EnvVars("OCIFETCH_DEBUG"),
			Destination: &o.Debug,
			Value:       o.Debug,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level, one of debug, info, warn, error",
			Sources:     cli.EnvVars("OCIFETCH_LOG_LEVEL"),
			Destination: &o.LogLevel,
			Value:       o.LogLevel,
		},
		&cli.StringFlag{
			Name:        "log-file",
			Usage:       "write logs to the given file instead of stderr",
			Sources:     cli.EnvVars("OCIFETCH_LOG_FILE"),
			Destination: &o.LogFile,
			Value:       o.LogFile,
		},
	}
}

// LoggerConfig builds the logger configuration from the options.
func (o *CommonOptions) LoggerConfig() xlog.Config {
	level := xlog.ParseLevel(o.LogLevel)
	if o.Debug {
		level = slog.LevelDebug
	}
	return xlog.Config{
		Level: level,
		Path:  o.LogFile,
	}
}
