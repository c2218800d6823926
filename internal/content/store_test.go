package content

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

var pageKey = models.ResourceKey{SiteID: "s1", Component: "mod_page", ComponentID: "7"}

func TestCommitAndRead(t *testing.T) {
	s := tempStore(t)
	st, err := s.Begin(pageKey)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := st.Write("index.html", []byte("<p>hi</p>")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := st.Write("img/a.png", []byte("png")); err != nil {
		t.Fatalf("Write nested: %v", err)
	}
	if st.Size() != 12 {
		t.Errorf("size = %d", st.Size())
	}
	if err := st.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.ReadFile(pageKey, "index.html")
	if err != nil || string(got) != "<p>hi</p>" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
	files, _ := s.Files(pageKey)
	if len(files) != 2 || files[0] != "img/a.png" || files[1] != "index.html" {
		t.Errorf("files = %v", files)
	}
	size, _ := s.PackageSize(pageKey)
	if size != 12 {
		t.Errorf("package size = %d", size)
	}
}

func TestDiscardKeepsPreviousPackage(t *testing.T) {
	s := tempStore(t)
	st, _ := s.Begin(pageKey)
	_ = st.Write("index.html", []byte("v1"))
	_ = st.Commit()

	st, _ = s.Begin(pageKey)
	_ = st.Write("index.html", []byte("partial"))
	st.Discard()

	got, err := s.ReadFile(pageKey, "index.html")
	if err != nil || string(got) != "v1" {
		t.Fatalf("after discard = %q, %v", got, err)
	}
	entries, _ := os.ReadDir(filepath.Join(s.Root(), "s1", "mod_page"))
	if len(entries) != 1 {
		t.Errorf("staging left behind: %d entries", len(entries))
	}
}

func TestCommitReplacesPackage(t *testing.T) {
	s := tempStore(t)
	st, _ := s.Begin(pageKey)
	_ = st.Write("old.txt", []byte("old"))
	_ = st.Commit()

	st, _ = s.Begin(pageKey)
	_ = st.Write("new.txt", []byte("new"))
	_ = st.Commit()

	if _, err := s.ReadFile(pageKey, "old.txt"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("old file still readable: %v", err)
	}
}

func TestDigestDependsOnContent(t *testing.T) {
	s := tempStore(t)
	a, _ := s.Begin(pageKey)
	defer a.Discard()
	b, _ := s.Begin(pageKey)
	defer b.Discard()
	_ = a.Write("f", []byte("x"))
	_ = b.Write("f", []byte("y"))
	if a.Digest() == b.Digest() {
		t.Error("different content produced the same digest")
	}
}

func TestRemovePackage(t *testing.T) {
	s := tempStore(t)
	st, _ := s.Begin(pageKey)
	_ = st.Write("f", []byte("x"))
	_ = st.Commit()
	if !s.HasPackage(pageKey) {
		t.Fatal("package missing after commit")
	}
	if err := s.RemovePackage(pageKey); err != nil {
		t.Fatalf("RemovePackage: %v", err)
	}
	if s.HasPackage(pageKey) {
		t.Error("package still present")
	}
	if err := s.RemovePackage(pageKey); err != nil {
		t.Errorf("second remove: %v", err)
	}
}

func TestRemoveSite(t *testing.T) {
	s := tempStore(t)
	other := models.ResourceKey{SiteID: "s2", Component: "mod_page", ComponentID: "7"}
	for _, k := range []models.ResourceKey{pageKey, other} {
		st, _ := s.Begin(k)
		_ = st.Write("f", []byte("x"))
		_ = st.Commit()
	}

	if err := s.RemoveSite("s1"); err != nil {
		t.Fatalf("RemoveSite: %v", err)
	}
	if s.HasPackage(pageKey) {
		t.Error("s1 package still present")
	}
	if !s.HasPackage(other) {
		t.Error("s2 package removed")
	}
	if err := s.RemoveSite("s1"); err != nil {
		t.Errorf("second remove: %v", err)
	}
	for _, bad := range []string{"", "..", "a/b"} {
		if err := s.RemoveSite(bad); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("RemoveSite(%q) = %v", bad, err)
		}
	}
}

func TestPathTraversal(t *testing.T) {
	s := tempStore(t)
	if _, err := s.PackageDir(models.ResourceKey{SiteID: "..", Component: "..", ComponentID: ".."}); err == nil {
		t.Error("expected traversal error for key")
	}
	st, _ := s.Begin(pageKey)
	defer st.Discard()
	if err := st.Write("../../escape", []byte("x")); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("Write traversal err = %v", err)
	}
	if _, err := s.ReadFile(pageKey, "../../../etc/passwd"); err == nil {
		t.Error("expected traversal error on read")
	}
}

func TestKeyForPath(t *testing.T) {
	s := tempStore(t)
	k, ok := s.KeyForPath(filepath.Join(s.Root(), "s1", "mod_page", "7", "index.html"))
	if !ok || k != pageKey {
		t.Errorf("KeyForPath = %v, %v", k, ok)
	}
	if _, ok := s.KeyForPath(filepath.Join(s.Root(), "s1", "mod_page", ".staging-7-123")); ok {
		t.Error("staging dir should not map to a key")
	}
	if _, ok := s.KeyForPath(filepath.Join(s.Root(), "s1")); ok {
		t.Error("site dir should not map to a key")
	}
}

func TestChecksum(t *testing.T) {
	if Checksum([]byte("hello")) != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Error("unexpected sha256")
	}
}
