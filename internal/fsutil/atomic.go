// Package fsutil provides crash-safe file writes for key, certificate and
// token cache material.
//
// Readers of these files must never observe a partially written file, so every
// write goes to a temporary file in the destination directory first and is then
// moved into place with a rename (replace) or a hard link (create-if-absent).
package fsutil

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// PrivateDirPerm is used for directories holding key material.
const PrivateDirPerm os.FileMode = 0o700

// WriteFileAtomic writes data to path, replacing any existing file.
//
// The data is written and fsynced to a temporary file in the same directory
// and then renamed over path, so concurrent readers see either the old or the
// new content, never a mix.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return syncDir(filepath.Dir(path))
}

// CreateExclusive writes data to path only if path does not exist yet.
//
// The file appears fully written or not at all. If another writer created path
// first, CreateExclusive returns an error matching os.ErrExist and leaves the
// existing file untouched.
func CreateExclusive(path string, data []byte, perm os.FileMode) error {
	tmp, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp) //nolint:errcheck

	// link(2) fails with EEXIST when the target exists, which gives us an
	// atomic create-if-absent for a file that is already complete on disk.
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create %s: %w", filepath.Base(path), os.ErrExist)
		}
		return fmt.Errorf("link %s: %w", filepath.Base(path), err)
	}
	return syncDir(filepath.Dir(path))
}

// EnsureDir creates dir (and parents) with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, PrivateDirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than "not exist" are
// reported as existing so callers go on to read the file and surface the error.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}

func writeTemp(path string, data []byte, perm os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return "", err
	}

	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate temp suffix: %w", err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+".tmp-"+hex.EncodeToString(suffix))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm) // #nosec G304 - path derived from configured directory
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return tmp, nil
}

// syncDir flushes the directory entry so the rename survives a crash.
// Not every platform supports fsync on directories; failures are ignored.
func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304
	if err != nil {
		return nil
	}
	_ = d.Sync()
	return d.Close()
}
