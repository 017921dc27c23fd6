package options

import (
	"fmt"

	"github.com/urfave/cli/v3"
)

// Server listen defaults.
const (
	DefaultServerHost       = "127.0.0.1"
	DefaultServerPort int64 = 8080
)

// ServerOptions defines the options for the api server.
type ServerOptions struct {
	Host string
	Port int64
}

// NewServerOptions returns the defaulted server options.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		Host: DefaultServerHost,
		Port: DefaultServerPort,
	}
}

// Flags returns the cli flags for the server options.
func (o *ServerOptions) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "host",
			Usage:       "address for the server to listen on",
			Sources:     cli.EnvVars("OCIFETCH_HOST"),
			Destination: &o.Host,
			Value:       o.Host,
		},
		&cli.IntFlag{
			Name:        "port",
			Aliases:     []string{"p"},
			Usage:       "port for the server to listen on",
			Sources:     cli.EnvVars("OCIFETCH_PORT"),
			Destination: &o.Port,
			Value:       o.Port,
		},
	}
}

// Address returns the host:port address to listen on.
func (o *ServerOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}
