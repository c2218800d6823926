// Package content stores the downloaded bytes of cached resources on disk.
//
// Each resource owns a package directory <root>/<site>/<component>/<id>.
// Downloads are written into a staging directory and swapped in on commit,
// so a failed attempt never leaves partial bytes behind.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

const stagingPrefix = ".staging-"

// Store is the on-disk content root.
type Store struct {
	root string // absolute path
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("content: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("content: create root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("content: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content: root is not a directory: %s", abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute content root.
func (s *Store) Root() string { return s.root }

// safePath resolves rel against the root and rejects any result that
// escapes it.
func (s *Store) safePath(rel string) (string, error) {
	if rel == "" {
		return s.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("content: absolute paths not allowed: %s: %w", rel, apperr.ErrValidation)
	}
	abs := filepath.Join(s.root, cleaned)
	if !strings.HasPrefix(abs, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("content: path escapes root: %s: %w", rel, apperr.ErrValidation)
	}
	return abs, nil
}

func packageRel(key models.ResourceKey) string {
	return filepath.Join(key.SiteID, key.Component, key.ComponentID)
}

// PackageDir returns the absolute directory of a resource package.
func (s *Store) PackageDir(key models.ResourceKey) (string, error) {
	if key.SiteID == "" || key.Component == "" || key.ComponentID == "" {
		return "", fmt.Errorf("content: incomplete key %s: %w", key, apperr.ErrValidation)
	}
	return s.safePath(packageRel(key))
}

// KeyForPath maps a path under the root back to the package it belongs to.
func (s *Store) KeyForPath(p string) (models.ResourceKey, bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return models.ResourceKey{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 {
		return models.ResourceKey{}, false
	}
	for _, part := range parts[:3] {
		if part == "" || part == "." || strings.HasPrefix(part, stagingPrefix) {
			return models.ResourceKey{}, false
		}
	}
	return models.ResourceKey{SiteID: parts[0], Component: parts[1], ComponentID: parts[2]}, true
}

// HasPackage reports whether the package directory exists.
func (s *Store) HasPackage(key models.ResourceKey) bool {
	dir, err := s.PackageDir(key)
	if err != nil {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// ReadFile returns one file of a package.
func (s *Store) ReadFile(key models.ResourceKey, name string) ([]byte, error) {
	dir, err := s.PackageDir(key)
	if err != nil {
		return nil, err
	}
	abs, err := s.safePath(filepath.Join(packageRel(key), name))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(abs, dir+string(os.PathSeparator)) {
		return nil, fmt.Errorf("content: file escapes package: %s: %w", name, apperr.ErrValidation)
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("content: %s/%s: %w", key, name, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("content: read %s/%s: %w", key, name, err)
	}
	return data, nil
}

// Files lists the file names of a package, sorted.
func (s *Store) Files(key models.ResourceKey) ([]string, error) {
	dir, err := s.PackageDir(key)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("content: list %s: %w", key, err)
	}
	sort.Strings(out)
	return out, nil
}

// PackageSize returns the total size of the files of a package.
func (s *Store) PackageSize(key models.ResourceKey) (int64, error) {
	dir, err := s.PackageDir(key)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("content: size %s: %w", key, err)
	}
	return total, nil
}

// RemovePackage deletes a package directory. Missing packages are not an
// error.
func (s *Store) RemovePackage(key models.ResourceKey) error {
	dir, err := s.PackageDir(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("content: remove %s: %w", key, err)
	}
	return nil
}

// RemoveSite deletes every package of a site. A site without packages is
// not an error.
func (s *Store) RemoveSite(siteID string) error {
	if siteID == "" || strings.ContainsAny(siteID, `/\`) {
		return fmt.Errorf("content: invalid site %q: %w", siteID, apperr.ErrValidation)
	}
	dir, err := s.safePath(siteID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("content: remove site %s: %w", siteID, err)
	}
	return nil
}

// Begin opens a staging area for a new download of key.
func (s *Store) Begin(key models.ResourceKey) (*Staging, error) {
	dir, err := s.PackageDir(key)
	if err != nil {
		return nil, err
	}
	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("content: mkdir: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, stagingPrefix+key.ComponentID+"-*")
	if err != nil {
		return nil, fmt.Errorf("content: create staging: %w", err)
	}
	return &Staging{dir: tmp, target: dir, hash: sha256.New()}, nil
}

// Checksum returns the hex-encoded SHA-256 digest of data.
func Checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
