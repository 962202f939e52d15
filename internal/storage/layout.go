// Package storage lays out local copies of transferred files as
// <root>/<ocId>/<fileName>.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// Layout resolves and manages files under a storage root.
type Layout struct {
	fs   afero.Fs
	root string
}

// New returns a Layout rooted at root on fs.
func New(fs afero.Fs, root string) *Layout {
	return &Layout{fs: fs, root: root}
}

// NewOS returns a Layout on the host file system.
func NewOS(root string) *Layout {
	return New(afero.NewOsFs(), root)
}

func (l *Layout) Fs() afero.Fs { return l.fs }

func (l *Layout) Root() string { return l.root }

// Path is the location of ocID's local copy.
func (l *Layout) Path(ocID, fileName string) string {
	return filepath.Join(l.root, ocID, fileName)
}

// Size returns the on-disk size of ocID's local copy. A missing file has
// size zero and is not an error.
func (l *Layout) Size(ocID, fileName string) (int64, error) {
	info, err := l.fs.Stat(l.Path(ocID, fileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Create opens ocID's local copy for writing, truncating any previous one.
func (l *Layout) Create(ocID, fileName string) (afero.File, error) {
	dir := filepath.Join(l.root, ocID)
	if err := l.fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return l.fs.OpenFile(l.Path(ocID, fileName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
}

// Open opens ocID's local copy for reading.
func (l *Layout) Open(ocID, fileName string) (afero.File, error) {
	return l.fs.Open(l.Path(ocID, fileName))
}

// Stage copies src, read from srcFs, into ocID's slot and returns the number
// of bytes written.
func (l *Layout) Stage(srcFs afero.Fs, src, ocID, fileName string) (int64, error) {
	in, err := srcFs.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := l.Create(ocID, fileName)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = l.Remove(ocID)
		return 0, fmt.Errorf("failed to stage %s: %w", src, err)
	}
	return n, nil
}

// Move re-homes fileName from fromID's slot into toID's, replacing any copy
// already there, and drops fromID's slot.
func (l *Layout) Move(fromID, toID, fileName string) error {
	if fromID == toID {
		return nil
	}
	if err := l.Remove(toID); err != nil {
		return err
	}
	if err := l.fs.MkdirAll(filepath.Join(l.root, toID), 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	if err := l.fs.Rename(l.Path(fromID, fileName), l.Path(toID, fileName)); err != nil {
		return fmt.Errorf("failed to move %s: %w", fileName, err)
	}
	return l.Remove(fromID)
}

// Remove deletes everything stored for ocID.
func (l *Layout) Remove(ocID string) error {
	return l.fs.RemoveAll(filepath.Join(l.root, ocID))
}
