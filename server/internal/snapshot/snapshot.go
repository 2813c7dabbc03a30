package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/obsidianstack/weatheragg/pkg/types"
)

// DefaultPath is the canonical snapshot file when none is configured.
const DefaultPath = "weatherData.json"

var (
	// ErrCommit wraps every failure of Commit. The canonical file is untouched.
	ErrCommit = errors.New("snapshot: commit failed")

	// ErrCorrupt means the canonical file exists but cannot be decoded.
	ErrCorrupt = errors.New("snapshot: corrupt snapshot file")
)

// File persists full store snapshots to a single canonical path.
//
// Every Commit stages the new snapshot in a temporary file in the same
// directory and renames it over the canonical path, so the canonical file
// always holds either the previous complete snapshot or the new one.
type File struct {
	path string

	// rename performs the atomic replace; swapped in tests.
	rename func(oldpath, newpath string) error
}

// New returns a File writing to path. An empty path selects DefaultPath.
func New(path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{path: path, rename: os.Rename}
}

// Path returns the canonical snapshot location.
func (f *File) Path() string {
	return f.path
}

// Commit writes records as the new canonical snapshot. Callers that need
// commits to reflect a consistent store state must serialize them.
func (f *File) Commit(records []types.Record) error {
	data, err := types.EncodeRecords(records)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrCommit, err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp: %v", ErrCommit, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { os.Remove(tmpPath) } //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write temp: %v", ErrCommit, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync temp: %v", ErrCommit, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close temp: %v", ErrCommit, err)
	}

	if err := f.rename(tmpPath, f.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: replace %s: %v", ErrCommit, f.path, err)
	}

	syncDir(dir)
	return nil
}

// LoadLatest reads the canonical snapshot. A missing file yields an empty
// slice and no error. A corrupt file is logged and yields an empty slice
// together with an error wrapping ErrCorrupt; the caller decides whether to
// continue.
func (f *File) LoadLatest() ([]types.Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []types.Record{}, nil
	}
	if err != nil {
		slog.Error("snapshot: read failed", "path", f.path, "err", err)
		return []types.Record{}, fmt.Errorf("%w: read %s: %v", ErrCorrupt, f.path, err)
	}

	recs, err := types.DecodeRecords(data)
	if err != nil {
		slog.Error("snapshot: decode failed", "path", f.path, "err", err)
		return []types.Record{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	return recs, nil
}

// syncDir flushes the directory entry so the rename survives a crash. Not
// every platform supports fsync on directories; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync() //nolint:errcheck
	d.Close()
}
