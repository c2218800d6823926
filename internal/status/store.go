// Package status holds the persisted download state machine of cacheable
// resources.
//
//	NotDownloaded -> Downloading -> Downloaded -> Outdated -> Downloading ...
//	Downloading   -> previous state (revert on failure)
//	any           -> NotDownloaded (reset, deletes the record)
//
// Every transition is published on the event bus.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/events"
	"github.com/starford/offsync/internal/models"
)

// Repo is the row store backing the state machine.
type Repo interface {
	GetStatus(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error)
	EnsureStatus(ctx context.Context, key models.ResourceKey, status models.Status) (*models.DownloadStatus, error)
	PutStatus(ctx context.Context, rec *models.DownloadStatus) error
	DeleteStatus(ctx context.Context, key models.ResourceKey) error
	ListStatuses(ctx context.Context, siteID string) ([]models.DownloadStatus, error)
	DeleteSiteStatuses(ctx context.Context, siteID string) ([]models.ResourceKey, error)
}

// Publisher receives every transition. Implementations must not block.
type Publisher interface {
	PublishStatus(ev events.StatusChanged)
}

// Store serializes read-modify-write cycles on status records.
type Store struct {
	mu   sync.Mutex
	repo Repo
	pub  Publisher
	log  *slog.Logger
	now  func() time.Time
}

// NewStore creates a Store. pub may be nil.
func NewStore(repo Repo, pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, pub: pub, log: logger, now: time.Now}
}

// Get returns the record for key, creating a NotDownloaded one on first use.
func (s *Store) Get(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	rec, err := s.repo.EnsureStatus(ctx, key, models.StatusNotDownloaded)
	if err != nil {
		return nil, fmt.Errorf("status: get %s: %w", key, err)
	}
	return rec, nil
}

// List returns the stored records of a site.
func (s *Store) List(ctx context.Context, siteID string) ([]models.DownloadStatus, error) {
	return s.repo.ListStatuses(ctx, siteID)
}

// SetDownloading marks key as Downloading and remembers the state it left so
// a failed attempt can be reverted.
func (s *Store) SetDownloading(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.StatusDownloading {
		return nil, fmt.Errorf("status: %s already downloading: %w", key, apperr.ErrInvalidTransition)
	}
	rec.Previous = rec.Status
	rec.Status = models.StatusDownloading
	return rec, s.save(ctx, rec)
}

// SetDownloaded completes a download with the revision data the handler
// reported.
func (s *Store) SetDownloaded(ctx context.Context, key models.ResourceKey, res models.DownloadResult) (*models.DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusDownloading {
		return nil, fmt.Errorf("status: %s %s -> %s: %w", key, rec.Status, models.StatusDownloaded, apperr.ErrInvalidTransition)
	}
	rec.Previous = rec.Status
	rec.Status = models.StatusDownloaded
	rec.Revision = res.Revision
	rec.TimeModified = res.TimeModified
	if res.Size > 0 {
		rec.SizeEstimate = res.Size
	}
	rec.PreviousDownloadTime = rec.DownloadTime
	rec.DownloadTime = s.now().Unix()
	return rec, s.save(ctx, rec)
}

// Revert restores the state a failed download started from.
func (s *Store) Revert(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusDownloading {
		return rec, nil
	}
	prev := rec.Previous
	if !prev.Valid() || prev == models.StatusDownloading {
		prev = models.StatusNotDownloaded
	}
	rec.Status = prev
	rec.Previous = models.StatusDownloading
	return rec, s.save(ctx, rec)
}

// MarkOutdated moves a Downloaded record to Outdated. An Outdated record is
// left untouched and publishes nothing.
func (s *Store) MarkOutdated(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.StatusOutdated:
		return rec, nil
	case models.StatusDownloaded:
	default:
		return nil, fmt.Errorf("status: %s %s -> %s: %w", key, rec.Status, models.StatusOutdated, apperr.ErrInvalidTransition)
	}
	rec.Previous = rec.Status
	rec.Status = models.StatusOutdated
	return rec, s.save(ctx, rec)
}

// Reset deletes the record so the resource reads as NotDownloaded again.
// Resetting a missing or NotDownloaded record publishes nothing.
func (s *Store) Reset(ctx context.Context, key models.ResourceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetStatus(ctx, key)
	if err != nil {
		return fmt.Errorf("status: reset %s: %w", key, err)
	}
	if rec == nil {
		return nil
	}
	if err := s.repo.DeleteStatus(ctx, key); err != nil {
		return fmt.Errorf("status: reset %s: %w", key, err)
	}
	if rec.Status != models.StatusNotDownloaded {
		s.publish(key, models.StatusNotDownloaded)
	}
	return nil
}

// ClearSite deletes every record of a site.
func (s *Store) ClearSite(ctx context.Context, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.repo.DeleteSiteStatuses(ctx, siteID)
	if err != nil {
		return fmt.Errorf("status: clear site %s: %w", siteID, err)
	}
	for _, k := range keys {
		s.publish(k, models.StatusNotDownloaded)
	}
	s.log.Info("status: site cleared", slog.String("site", siteID), slog.Int("records", len(keys)))
	return nil
}

func (s *Store) save(ctx context.Context, rec *models.DownloadStatus) error {
	rec.UpdatedAt = s.now()
	if err := s.repo.PutStatus(ctx, rec); err != nil {
		return fmt.Errorf("status: save %s: %w", rec.Key, err)
	}
	s.publish(rec.Key, rec.Status)
	return nil
}

func (s *Store) publish(key models.ResourceKey, st models.Status) {
	s.log.Debug("status: changed", slog.String("key", key.String()), slog.String("status", string(st)))
	if s.pub == nil {
		return
	}
	s.pub.PublishStatus(events.StatusChanged{
		SiteID:      key.SiteID,
		Component:   key.Component,
		ComponentID: key.ComponentID,
		Status:      st,
	})
}

// Aggregate folds the status of one more resource into the status of a list.
// Start with models.StatusNotDownloadable.
func Aggregate(current, next models.Status) models.Status {
	if current == "" {
		current = models.StatusNotDownloadable
	}
	switch {
	case next == models.StatusNotDownloaded:
		return models.StatusNotDownloaded
	case next == models.StatusDownloaded && current == models.StatusNotDownloadable:
		return models.StatusDownloaded
	case next == models.StatusDownloading && (current == models.StatusNotDownloadable || current == models.StatusDownloaded):
		return models.StatusDownloading
	case next == models.StatusOutdated && current != models.StatusNotDownloaded:
		return models.StatusOutdated
	}
	return current
}
