// Package handlers contains the built-in content handlers. Each one mirrors
// a remote resource manifest into a package of the content store.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/remote"
)

const manifestName = "manifest"

// Remote is the part of the remote client handlers use.
type Remote interface {
	Manifest(ctx context.Context, key models.ResourceKey) (*remote.Manifest, error)
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
	Capabilities(ctx context.Context, siteID string) ([]string, error)
}

// MetaCache stores fetched manifests for offline use.
type MetaCache interface {
	Put(key models.ResourceKey, name string, data []byte) error
	Get(key models.ResourceKey, name string) ([]byte, bool)
	GetStale(key models.ResourceKey, name string) ([]byte, bool)
}

// Files downloads every file listed in a resource manifest.
type Files struct {
	typeKey  string
	remote   Remote
	content  *content.Store
	meta     MetaCache
	log      *slog.Logger
	reliable bool
}

// Option configures a Files handler.
type Option func(*Files)

// WithoutRevisions marks content whose remote revision cannot be trusted.
// Such resources always read as Outdated once downloaded.
func WithoutRevisions() Option {
	return func(f *Files) { f.reliable = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Files) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFiles creates a Files handler registered under typeKey. meta may be nil.
func NewFiles(typeKey string, r Remote, cs *content.Store, meta MetaCache, opts ...Option) *Files {
	f := &Files{
		typeKey:  typeKey,
		remote:   r,
		content:  cs,
		meta:     meta,
		log:      slog.Default(),
		reliable: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Files) TypeKey() string { return f.typeKey }

// IsEnabled asks the site whether it serves this content type.
func (f *Files) IsEnabled(ctx context.Context, siteID string) (bool, error) {
	types, err := f.remote.Capabilities(ctx, siteID)
	if err != nil {
		return false, err
	}
	return slices.Contains(types, f.typeKey), nil
}

// manifest returns the resource manifest. With cached set, a fresh cache
// entry is used first and a stale one is the fallback when the remote is
// unreachable.
func (f *Files) manifest(ctx context.Context, key models.ResourceKey, cached bool) (*remote.Manifest, error) {
	if cached && f.meta != nil {
		if data, ok := f.meta.Get(key, manifestName); ok {
			var m remote.Manifest
			if err := json.Unmarshal(data, &m); err == nil {
				return &m, nil
			}
		}
	}

	m, err := f.remote.Manifest(ctx, key)
	if err == nil {
		if f.meta != nil {
			if data, merr := json.Marshal(m); merr == nil {
				if perr := f.meta.Put(key, manifestName, data); perr != nil {
					f.log.Warn("handlers: cache manifest failed", slog.String("key", key.String()), slog.String("error", perr.Error()))
				}
			}
		}
		return m, nil
	}

	if cached && f.meta != nil && errors.Is(err, apperr.ErrTransientNetwork) {
		if data, ok := f.meta.GetStale(key, manifestName); ok {
			var m remote.Manifest
			if json.Unmarshal(data, &m) == nil {
				f.log.Info("handlers: serving cached manifest", slog.String("key", key.String()))
				return &m, nil
			}
		}
	}
	return nil, err
}

// Download fetches the manifest and every file into a fresh package. The
// previous package survives a failed attempt.
func (f *Files) Download(ctx context.Context, res models.Resource) (models.DownloadResult, error) {
	m, err := f.manifest(ctx, res.Key, false)
	if err != nil {
		return models.DownloadResult{}, fmt.Errorf("handlers: manifest %s: %w", res.Key, err)
	}

	st, err := f.content.Begin(res.Key)
	if err != nil {
		return models.DownloadResult{}, err
	}
	defer st.Discard()

	for _, file := range m.Files {
		data, err := f.remote.Fetch(ctx, file.URL)
		if err != nil {
			return models.DownloadResult{}, fmt.Errorf("handlers: fetch %s: %w", file.Name, err)
		}
		if file.SHA256 != "" && !strings.EqualFold(content.Checksum(data), file.SHA256) {
			return models.DownloadResult{}, fmt.Errorf("handlers: %s: checksum mismatch: %w", file.Name, apperr.ErrTransientNetwork)
		}
		if err := st.Write(file.Name, data); err != nil {
			return models.DownloadResult{}, err
		}
	}
	size, digest := st.Size(), st.Digest()
	if err := st.Commit(); err != nil {
		return models.DownloadResult{}, err
	}

	rev := m.Revision
	if rev == "" && f.reliable {
		rev = digest
	}
	return models.DownloadResult{Revision: rev, TimeModified: m.TimeModified, Size: size}, nil
}

// Prefetch is Download.
func (f *Files) Prefetch(ctx context.Context, res models.Resource) (models.DownloadResult, error) {
	return f.Download(ctx, res)
}

// InvalidateContent removes the package of key.
func (f *Files) InvalidateContent(_ context.Context, key models.ResourceKey) error {
	return f.content.RemovePackage(key)
}

// GetDownloadSize sums the file sizes declared by the manifest.
func (f *Files) GetDownloadSize(ctx context.Context, res models.Resource) (int64, error) {
	m, err := f.manifest(ctx, res.Key, true)
	if err != nil {
		return 0, fmt.Errorf("handlers: manifest %s: %w", res.Key, err)
	}
	return m.Size(), nil
}

func (f *Files) DetermineStatus(current models.Status, canCheckUpdates bool) models.Status {
	if current == models.StatusDownloaded && (!f.reliable || !canCheckUpdates) {
		return models.StatusOutdated
	}
	return current
}
