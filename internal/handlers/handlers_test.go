package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/metacache"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/registry"
	"github.com/starford/offsync/internal/remote"
	"github.com/starford/offsync/internal/testutil"
)

type fakeRemote struct {
	manifests map[models.ResourceKey]*remote.Manifest
	files     map[string][]byte
	offline   bool
	types     []string
}

func (f *fakeRemote) Manifest(_ context.Context, key models.ResourceKey) (*remote.Manifest, error) {
	if f.offline {
		return nil, apperr.ErrTransientNetwork
	}
	m, ok := f.manifests[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return m, nil
}

func (f *fakeRemote) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	if f.offline {
		return nil, apperr.ErrTransientNetwork
	}
	data, ok := f.files[rawURL]
	if !ok {
		return nil, apperr.ErrTransientNetwork
	}
	return data, nil
}

func (f *fakeRemote) Capabilities(context.Context, string) ([]string, error) {
	if f.offline {
		return nil, apperr.ErrTransientNetwork
	}
	return f.types, nil
}

var pageKey = models.ResourceKey{SiteID: "s1", Component: "mod_page", ComponentID: "7"}

func testMeta(t *testing.T) *metacache.Cache {
	t.Helper()
	return testMetaTTL(t, time.Hour)
}

func testMetaTTL(t *testing.T, ttl time.Duration) *metacache.Cache {
	t.Helper()
	c, err := metacache.Open(filepath.Join(t.TempDir(), "meta"), ttl, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newRemote() *fakeRemote {
	return &fakeRemote{
		manifests: map[models.ResourceKey]*remote.Manifest{
			pageKey: {
				Revision:     "",
				TimeModified: 77,
				Files: []remote.ManifestFile{
					{Name: "index.html", URL: "/f/index", Size: 5},
					{Name: "img/a.png", URL: "/f/a", Size: 3},
				},
			},
		},
		files: map[string][]byte{"/f/index": []byte("hello"), "/f/a": []byte("png")},
		types: []string{TypeResource, TypePage},
	}
}

func TestDownloadWritesPackage(t *testing.T) {
	r := newRemote()
	_, cs := testutil.TestContent(t)
	h := NewFiles(TypeResource, r, cs, testMeta(t))

	res, err := h.Download(context.Background(), models.Resource{Key: pageKey, Type: TypeResource})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Size != 8 || res.TimeModified != 77 {
		t.Errorf("result = %+v", res)
	}
	if res.Revision == "" {
		t.Error("reliable handler should derive a revision from content")
	}
	got, err := cs.ReadFile(pageKey, "index.html")
	if err != nil || string(got) != "hello" {
		t.Errorf("index.html = %q, %v", got, err)
	}
}

func TestFailedDownloadKeepsPreviousPackage(t *testing.T) {
	r := newRemote()
	_, cs := testutil.TestContent(t)
	h := NewFiles(TypeResource, r, cs, nil)
	ctx := context.Background()
	res := models.Resource{Key: pageKey, Type: TypeResource}

	if _, err := h.Download(ctx, res); err != nil {
		t.Fatal(err)
	}
	delete(r.files, "/f/a")
	r.files["/f/index"] = []byte("changed")
	if _, err := h.Download(ctx, res); !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Fatalf("err = %v", err)
	}
	got, _ := cs.ReadFile(pageKey, "index.html")
	if string(got) != "hello" {
		t.Errorf("partial download leaked: %q", got)
	}
}

func TestChecksumMismatchFailsDownload(t *testing.T) {
	r := newRemote()
	m := r.manifests[pageKey]
	m.Files[0].SHA256 = content.Checksum([]byte("hello"))
	m.Files[1].SHA256 = content.Checksum([]byte("not png"))
	_, cs := testutil.TestContent(t)
	h := NewFiles(TypeResource, r, cs, nil)

	_, err := h.Download(context.Background(), models.Resource{Key: pageKey, Type: TypeResource})
	if !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Fatalf("err = %v", err)
	}
	if cs.HasPackage(pageKey) {
		t.Error("corrupt download was committed")
	}

	m.Files[1].SHA256 = strings.ToUpper(content.Checksum([]byte("png")))
	if _, err := h.Download(context.Background(), models.Resource{Key: pageKey, Type: TypeResource}); err != nil {
		t.Fatalf("matching checksums: %v", err)
	}
}

func TestManifestFallbackWhenOffline(t *testing.T) {
	r := newRemote()
	_, cs := testutil.TestContent(t)
	meta := testMetaTTL(t, 20*time.Millisecond)
	h := NewFiles(TypeResource, r, cs, meta)
	ctx := context.Background()
	res := models.Resource{Key: pageKey, Type: TypeResource}

	size, err := h.GetDownloadSize(ctx, res)
	if err != nil || size != 8 {
		t.Fatalf("size = %d, %v", size, err)
	}
	r.offline = true
	time.Sleep(50 * time.Millisecond)
	// The entry is stale now but still served while the remote is unreachable.
	if size, err := h.GetDownloadSize(ctx, res); err != nil || size != 8 {
		t.Errorf("stale fallback size = %d, %v", size, err)
	}
	if _, err := meta.InvalidateResource(pageKey); err != nil {
		t.Fatal(err)
	}
	if _, err := h.GetDownloadSize(ctx, res); !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Errorf("no cache and offline: err = %v", err)
	}
}

func TestDetermineStatus(t *testing.T) {
	_, cs := testutil.TestContent(t)
	reliable := NewFiles(TypeResource, newRemote(), cs, nil)
	page := NewFiles(TypePage, newRemote(), cs, nil, WithoutRevisions())

	if got := reliable.DetermineStatus(models.StatusDownloaded, true); got != models.StatusDownloaded {
		t.Errorf("reliable = %s", got)
	}
	if got := reliable.DetermineStatus(models.StatusDownloaded, false); got != models.StatusOutdated {
		t.Errorf("reliable without update checks = %s", got)
	}
	if got := page.DetermineStatus(models.StatusDownloaded, true); got != models.StatusOutdated {
		t.Errorf("page = %s", got)
	}
	if got := page.DetermineStatus(models.StatusNotDownloaded, true); got != models.StatusNotDownloaded {
		t.Errorf("page not downloaded = %s", got)
	}
}

func TestInvalidateContent(t *testing.T) {
	_, cs := testutil.TestContent(t)
	h := NewFiles(TypeResource, newRemote(), cs, nil)
	ctx := context.Background()
	_, _ = h.Download(ctx, models.Resource{Key: pageKey, Type: TypeResource})
	if err := h.InvalidateContent(ctx, pageKey); err != nil {
		t.Fatal(err)
	}
	if cs.HasPackage(pageKey) {
		t.Error("package still present")
	}
}

func TestIsEnabled(t *testing.T) {
	_, cs := testutil.TestContent(t)
	r := newRemote()
	ctx := context.Background()
	if ok, _ := NewFiles(TypePage, r, cs, nil).IsEnabled(ctx, "s1"); !ok {
		t.Error("page should be enabled")
	}
	if ok, _ := NewFiles(TypeFolder, r, cs, nil).IsEnabled(ctx, "s1"); ok {
		t.Error("folder should be disabled")
	}
	r.offline = true
	if _, err := NewFiles(TypePage, r, cs, nil).IsEnabled(ctx, "s1"); err == nil {
		t.Error("expected error when offline")
	}
}

func TestFolderChildrenAndRegistry(t *testing.T) {
	r := newRemote()
	folderKey := models.ResourceKey{SiteID: "s1", Component: "mod_folder", ComponentID: "3"}
	r.manifests[folderKey] = &remote.Manifest{
		Revision: "f1",
		Children: []models.Resource{
			{Key: models.ResourceKey{Component: "mod_page", ComponentID: "7"}, Type: TypePage},
		},
	}
	_, cs := testutil.TestContent(t)
	reg := registry.New()
	if err := RegisterBuiltin(reg, r, cs, nil, nil); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	if err := RegisterBuiltin(reg, r, cs, nil, nil); !errors.Is(err, apperr.ErrDuplicateHandler) {
		t.Errorf("second RegisterBuiltin err = %v", err)
	}

	h, ok := reg.Resolve(TypeFolder)
	if !ok {
		t.Fatal("folder not registered")
	}
	cont, ok := h.(registry.Container)
	if !ok {
		t.Fatal("folder is not a container")
	}
	children, err := cont.Children(context.Background(), models.Resource{Key: folderKey, Type: TypeFolder})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 || children[0].Key != pageKey {
		t.Errorf("children = %+v", children)
	}
}
