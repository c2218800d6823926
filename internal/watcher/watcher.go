// Package watcher keeps download status in line with the content directory:
// when a cached package disappears from disk its resource is reset to
// NotDownloaded.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/models"
)

const debounce = 200 * time.Millisecond

// Forgetter resets a resource whose cached bytes are gone.
type Forgetter interface {
	Forget(ctx context.Context, key models.ResourceKey) error
}

// StatusLister lists every stored status record.
type StatusLister interface {
	ListAllStatuses(ctx context.Context) ([]models.DownloadStatus, error)
}

// Callback is called for every resource that was reset.
type Callback func(key models.ResourceKey)

// Reconcile resets every Downloaded or Outdated resource whose package is
// missing on disk.
func Reconcile(ctx context.Context, cs *content.Store, statuses StatusLister, f Forgetter, logger *slog.Logger, cb Callback) error {
	recs, err := statuses.ListAllStatuses(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != models.StatusDownloaded && rec.Status != models.StatusOutdated {
			continue
		}
		if cs.HasPackage(rec.Key) {
			continue
		}
		forget(ctx, f, rec.Key, logger, cb)
	}
	return nil
}

func forget(ctx context.Context, f Forgetter, key models.ResourceKey, logger *slog.Logger, cb Callback) {
	if err := f.Forget(ctx, key); err != nil {
		logger.Warn("watcher: reset failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}
	logger.Debug("watcher: package missing", slog.String("key", key.String()))
	if cb != nil {
		cb(key)
	}
}

// Watch starts an fsnotify watcher on the content root and processes events
// until ctx is cancelled.
//
// Removals and renames are collected and checked after a short quiet period,
// so a package being replaced by a committing download is not mistaken for
// a deleted one.
func Watch(ctx context.Context, cs *content.Store, f Forgetter, logger *slog.Logger, cb Callback) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := cs.Root()
	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	logger.Info("watcher: started", slog.String("root", root))

	pending := make(map[models.ResourceKey]struct{})
	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			for key := range pending {
				if !cs.HasPackage(key) {
					forget(ctx, f, key, logger, cb)
				}
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
				}
				continue
			}

			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			key, ok := cs.KeyForPath(ev.Name)
			if !ok {
				continue
			}
			pending[key] = struct{}{}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
