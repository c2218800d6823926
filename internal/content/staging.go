package content

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/offsync/internal/apperr"
)

// Staging collects the files of one download attempt. Exactly one of Commit
// or Discard must be called.
type Staging struct {
	dir    string
	target string
	hash   hash.Hash
	size   int64
	done   bool
}

// Write atomically writes one file into the staging area: tmp file, fsync,
// rename.
func (st *Staging) Write(name string, data []byte) error {
	if st.done {
		return fmt.Errorf("content: staging already finished")
	}
	cleaned := filepath.Clean(name)
	if cleaned == "." || filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("content: invalid file name %q: %w", name, apperr.ErrValidation)
	}
	abs := filepath.Join(st.dir, cleaned)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("content: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".offsync-tmp-*")
	if err != nil {
		return fmt.Errorf("content: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("content: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("content: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("content: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("content: rename: %w", err)
	}
	success = true

	st.hash.Write([]byte(cleaned))
	st.hash.Write(data)
	st.size += int64(len(data))
	return nil
}

// Size is the number of bytes written so far.
func (st *Staging) Size() int64 { return st.size }

// Digest is a checksum over every file name and content written so far.
func (st *Staging) Digest() string {
	return hex.EncodeToString(st.hash.Sum(nil))
}

// Commit replaces the package with the staged files.
func (st *Staging) Commit() error {
	if st.done {
		return fmt.Errorf("content: staging already finished")
	}
	st.done = true
	if err := os.RemoveAll(st.target); err != nil {
		_ = os.RemoveAll(st.dir)
		return fmt.Errorf("content: remove old package: %w", err)
	}
	if err := os.Rename(st.dir, st.target); err != nil {
		_ = os.RemoveAll(st.dir)
		return fmt.Errorf("content: commit: %w", err)
	}
	return nil
}

// Discard drops the staged files. The current package is left untouched.
// Safe to call after Commit.
func (st *Staging) Discard() {
	if st.done {
		return
	}
	st.done = true
	_ = os.RemoveAll(st.dir)
}
