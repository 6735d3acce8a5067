// internal/storage/store.go
package storage

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPersistence wraps every storage failure so callers can match the
// whole class with errors.Is.
var ErrPersistence = errors.New("persistence error")

// ErrNotFound indicates the requested file does not exist.
var ErrNotFound = errors.New("file not found")

// Store reads and writes files under a root directory.
//
// Paths given to Store methods are relative to the root; attempts to
// escape it are rejected.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: root directory is required", ErrPersistence)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving root: %v", ErrPersistence, err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("%w: creating root %s: %v", ErrPersistence, abs, err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// resolve joins rel onto the root and rejects path escapes.
func (s *Store) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: path %q escapes store root", ErrPersistence, rel)
	}
	return filepath.Join(s.root, clean), nil
}

// WriteFile atomically writes data to rel, creating parent directories.
//
// The data is written to a temp file in the same directory, synced, then
// renamed over the target. Readers never see a partial write.
func (s *Store) WriteFile(rel string, data []byte) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrPersistence, rel, err)
	}

	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %s: %v", ErrPersistence, rel, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", ErrPersistence, rel, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: syncing %s: %v", ErrPersistence, rel, err)
	}
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: finalizing %s: %v", ErrPersistence, rel, err)
	}
	return nil
}

// ReadFile returns the content of rel.
func (s *Store) ReadFile(rel string) ([]byte, error) {
	path, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrPersistence, rel, err)
	}
	return data, nil
}

// AppendLine appends one record plus a newline to rel with a single
// O_APPEND write followed by an fsync, creating the file and parents
// if needed.
func (s *Store) AppendLine(rel string, record []byte) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrPersistence, rel, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrPersistence, rel, err)
	}
	defer f.Close()

	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("%w: appending to %s: %v", ErrPersistence, rel, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrPersistence, rel, err)
	}
	return nil
}

// Exists reports whether rel exists.
func (s *Store) Exists(rel string) bool {
	path, err := s.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Remove deletes rel. Removing a missing file is not an error.
func (s *Store) Remove(rel string) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", ErrPersistence, rel, err)
	}
	return nil
}

// Rename atomically moves oldRel to newRel, creating parents of the target.
func (s *Store) Rename(oldRel, newRel string) error {
	oldPath, err := s.resolve(oldRel)
	if err != nil {
		return err
	}
	newPath, err := s.resolve(newRel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0700); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrPersistence, newRel, err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %v", ErrPersistence, oldRel, newRel, err)
	}
	return nil
}

// List returns the relative paths of regular files under relDir,
// in lexical order. A missing directory yields an empty list.
func (s *Store) List(relDir string) ([]string, error) {
	path, err := s.resolve(relDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing %s: %v", ErrPersistence, relDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, filepath.Join(relDir, e.Name()))
		}
	}
	return names, nil
}

// randomSuffix generates a random suffix for temp files.
func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
