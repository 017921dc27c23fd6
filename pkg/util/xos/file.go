// Package xos provides filesystem helpers built on afero so that callers
// can substitute an in-memory filesystem in tests.
package xos

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

const (
	defaultDirPerm  = 0o750
	defaultFilePerm = 0o640
)

// WriteFileAtomic writes data to path through a temporary sibling file and a
// rename, so that a crash mid-write never leaves a torn file behind.
func WriteFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, defaultDirPerm); err != nil {
		return err
	}
	tmp, err := afero.TempFile(fs, dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()                //nolint:errcheck
		_ = fs.Remove(tmpName)         //nolint:errcheck
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName) //nolint:errcheck
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		_ = fs.Remove(tmpName) //nolint:errcheck
		return err
	}
	return nil
}

// FileSize returns the length of the file at path, or 0 when it does not
// exist.
func FileSize(fs afero.Fs, path string) int64 {
	info, err := fs.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
