// Package storage provides the opaque blob store that holds uploaded
// source material and stage artifacts. Sessions reference blobs by string
// keys; the pipeline never inspects blob bytes itself.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the blob storage contract: put/get/delete of byte streams keyed
// by an opaque reference string.
type Store interface {
	Put(ref string, r io.Reader) (int64, error)
	Get(ref string) (io.ReadCloser, error)
	Delete(ref string) error
	// Path resolves a ref to a local file path for adapters that shell out
	// to external binaries.
	Path(ref string) (string, error)
	// DeletePrefix removes every blob whose ref starts with prefix. Used
	// when a session is deleted.
	DeletePrefix(prefix string) error
}

// Local is a filesystem-backed Store rooted at a single directory. Refs
// are slash-separated relative paths, e.g. "ses-1a2b3c4d/materials/rec.mp3".
type Local struct {
	root string
}

// NewLocal creates the root directory if needed and returns a Local store.
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", root, err)
	}
	return &Local{root: root}, nil
}

// Put streams r into the blob identified by ref, creating parent
// directories as needed. Returns the number of bytes written.
func (l *Local) Put(ref string, r io.Reader) (int64, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("storage: mkdir for %s: %w", ref, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("storage: create %s: %w", ref, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("storage: write %s: %w", ref, err)
	}
	return n, nil
}

// Get opens the blob for reading.
func (l *Local) Get(ref string) (io.ReadCloser, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes the blob. Deleting a missing blob is not an error.
func (l *Local) Delete(ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", ref, err)
	}
	return nil
}

// Path returns the local filesystem path of a blob.
func (l *Local) Path(ref string) (string, error) {
	return l.resolve(ref)
}

// DeletePrefix removes all blobs under the given ref prefix.
func (l *Local) DeletePrefix(prefix string) error {
	path, err := l.resolve(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("storage: delete prefix %s: %w", prefix, err)
	}
	return nil
}

// resolve maps a ref to a path under root, rejecting refs that would
// escape it.
func (l *Local) resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("storage: empty ref")
	}
	clean := filepath.Clean(filepath.FromSlash(ref))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid ref %q", ref)
	}
	return filepath.Join(l.root, clean), nil
}
