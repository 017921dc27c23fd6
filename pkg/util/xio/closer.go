// Package xio provides small IO helpers shared across the engine.
package xio

import (
	"io"

	"github.com/ocifetch/ocifetch/pkg/xlog"
)

// CloseAndSkipError closes the closer and discards any error returned.
func CloseAndSkipError(c io.Closer) {
	if c == nil {
		return
	}
	_ = c.Close() //nolint:errcheck
}

// CloseAndLogError closes the closer and logs any error returned.
func CloseAndLogError(c io.Closer) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		xlog.Warnf("unable to close: %v", err)
	}
}
