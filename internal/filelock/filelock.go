// Package filelock provides an advisory cross-process lock on a file path.
//
// It backs the single-writer model: the first process to acquire the lock on
// a database directory holds exclusive write access until release; any other
// process attempting to acquire it fails immediately with ErrLocked.
package filelock

import "errors"

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("file lock held by another process")

// Lock represents an acquired advisory lock.
type Lock struct {
	path    string
	release func() error
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock. It is safe to call once per acquired lock.
func (l *Lock) Release() error {
	if l.release == nil {
		return nil
	}
	fn := l.release
	l.release = nil
	return fn()
}

// Acquire obtains an exclusive advisory lock on path, creating the file if
// needed. It never blocks: if the lock is held elsewhere it fails with
// ErrLocked.
func Acquire(path string) (*Lock, error) {
	return acquire(path)
}
