package xlog

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewConfig returns the default logging config.
func NewConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		AddSource: true,
		Format:    "text",
		Writer:    os.Stdout,
		MaxSize:   30,
	}
}

// Config controls handler construction.
type Config struct {
	// Level is the minimum level to emit, default LevelInfo.
	Level slog.Level
	// AddSource includes the file and line of the caller.
	AddSource bool
	// Format is one of "text" or "json".
	Format string
	// Writer is the standard output writer, default os.Stdout.
	Writer io.Writer

	// Path is an optional log file path. When set the output is duplicated
	// into a rotating file.
	Path string
	// MaxSize is the maximum size of a single log file in MB before rotation.
	MaxSize int
	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int
	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int
	// Compress enables compression of rotated files.
	Compress bool
}

// BuildHandler creates a new slog.Handler from the config. The returned
// LevelVar can be used to change the level dynamically.
func (c *Config) BuildHandler() (slog.Handler, *slog.LevelVar) {
	leveler := &slog.LevelVar{}
	leveler.Set(c.Level)
	opts := &slog.HandlerOptions{
		Level:     leveler,
		AddSource: c.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if src, ok := a.Value.Any().(*slog.Source); ok {
					// trim the source file to its last two path elements
					parts := strings.Split(src.File, "/")
					if len(parts) > 2 {
						src.File = strings.Join(parts[len(parts)-2:], "/")
					}
				}
			}
			return a
		},
	}

	writer := c.Writer
	if writer == nil {
		writer = os.Stdout
	}
	if c.Path != "" {
		writer = io.MultiWriter(writer, &lumberjack.Logger{
			Filename:   c.Path,
			MaxSize:    c.MaxSize,
			MaxAge:     c.MaxAge,
			MaxBackups: c.MaxBackups,
			Compress:   c.Compress,
		})
	}

	if c.Format == "json" {
		return slog.NewJSONHandler(writer, opts), leveler
	}
	return slog.NewTextHandler(writer, opts), leveler
}

// ParseLevel converts a level name to a slog.Level, default LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
