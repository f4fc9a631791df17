//go:build !unix

package filelock

import (
	"fmt"
	"os"
)

// acquire falls back to O_EXCL lock-file creation on platforms without
// flock. Unlike flock, a crashed writer leaves the file behind; callers
// must remove it manually before reopening.
func acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) //nolint:gosec // G304: path is caller-controlled by design
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	return &Lock{
		path: path,
		release: func() error {
			return os.Remove(path)
		},
	}, nil
}
