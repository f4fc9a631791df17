// Package manifest manages the database directory's version marker file.
//
// The marker pins the on-disk format version so an old library never
// misreads a newer layout. It is written atomically (temp + rename) and read
// before anything else during bootstrap.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// FileName is the marker file name inside a database directory.
	FileName = "VERSION"

	// CurrentVersion is the on-disk format version this library writes.
	CurrentVersion = 1
)

var (
	// ErrIncompatible is returned when the marker names a format version
	// this library cannot open.
	ErrIncompatible = errors.New("incompatible database format version")

	// ErrMalformed is returned when the marker file exists but cannot be
	// parsed. The directory is structurally damaged, not merely old.
	ErrMalformed = errors.New("malformed version marker")
)

// Info is the content of the version marker.
type Info struct {
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// Load reads and validates the marker in dir.
func Load(dir string) (Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName)) //nolint:gosec // G304: dir is the database directory
	if err != nil {
		return Info{}, err
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if info.FormatVersion != CurrentVersion {
		return Info{}, fmt.Errorf("%w: found %d, supported %d", ErrIncompatible, info.FormatVersion, CurrentVersion)
	}
	return info, nil
}

// Init writes a fresh marker into dir.
func Init(dir string) (Info, error) {
	info := Info{
		FormatVersion: CurrentVersion,
		CreatedAt:     time.Now().UTC(),
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return Info{}, err
	}
	data = append(data, '\n')

	path := filepath.Join(dir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return Info{}, fmt.Errorf("write version marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Info{}, fmt.Errorf("publish version marker: %w", err)
	}
	return info, nil
}

// LoadOrInit loads the marker, creating it when the directory is fresh.
// The second return value reports whether a new database was initialized.
func LoadOrInit(dir string) (Info, bool, error) {
	info, err := Load(dir)
	if errors.Is(err, os.ErrNotExist) {
		info, err = Init(dir)
		return info, err == nil, err
	}
	return info, false, err
}
