package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/events"
	"github.com/starford/offsync/internal/models"
)

// HasDataToSync reports whether group has buffered actions.
func (c *Coordinator) HasDataToSync(ctx context.Context, group models.GroupKey) (bool, error) {
	list, err := c.actions.List(ctx, group)
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// WaitForSync waits for the running sync of group, if any.
func (c *Coordinator) WaitForSync(ctx context.Context, group models.GroupKey) ([]models.Warning, error) {
	t := c.Running(group)
	if t == nil {
		return nil, nil
	}
	return t.Wait(ctx)
}

// LastSync returns when group last synced and the warnings of that sync.
func (c *Coordinator) LastSync(ctx context.Context, group models.GroupKey) (time.Time, []models.Warning, error) {
	at, err := c.books.GetSyncTime(ctx, group.SiteID, group.EntityID)
	if err != nil {
		return time.Time{}, nil, err
	}
	ws, err := c.books.GetWarnings(ctx, group.SiteID, group.EntityID)
	if err != nil {
		return time.Time{}, nil, err
	}
	return at, ws, nil
}

// SyncIfNeeded syncs group unless it synced within the minimum interval.
// ran reports whether a sync happened.
func (c *Coordinator) SyncIfNeeded(ctx context.Context, group models.GroupKey) (ws []models.Warning, ran bool, err error) {
	if c.minInterval > 0 {
		last, err := c.books.GetSyncTime(ctx, group.SiteID, group.EntityID)
		if err != nil {
			return nil, false, err
		}
		if !last.IsZero() && c.now().Sub(last) < c.minInterval {
			return nil, false, nil
		}
	}
	ws, err = c.Sync(ctx, group)
	return ws, err == nil, err
}

// SyncAll syncs every entity of a site that has buffered actions. Blocked
// entities are skipped. Each completed sync is announced on the publisher.
// Retryable failures are logged; the others are returned joined.
func (c *Coordinator) SyncAll(ctx context.Context, siteID string) error {
	entities, err := c.actions.Groups(ctx, siteID)
	if err != nil {
		return fmt.Errorf("syncer: list entities: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, entityID := range entities {
		group := models.GroupKey{SiteID: siteID, EntityID: entityID}
		if c.IsBlocked(group) {
			c.log.Debug("syncer: skipping blocked entity", slog.String("group", group.String()))
			continue
		}
		g.Go(func() error {
			ws, ran, err := c.SyncIfNeeded(gctx, group)
			if err != nil {
				if apperr.IsRetryable(err) {
					c.log.Info("syncer: background sync will retry", slog.String("group", group.String()), slog.String("error", err.Error()))
					return nil
				}
				c.log.Warn("syncer: background sync failed", slog.String("group", group.String()), slog.String("error", err.Error()))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			if ran && c.pub != nil {
				c.pub.PublishSynced(events.EntitySynced{SiteID: siteID, EntityID: entityID, Warnings: ws})
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SyncAllSites runs SyncAll for every site with buffered actions.
func (c *Coordinator) SyncAllSites(ctx context.Context) error {
	sites, err := c.actions.Sites(ctx)
	if err != nil {
		return fmt.Errorf("syncer: list sites: %w", err)
	}
	var errs []error
	for _, site := range sites {
		if err := c.SyncAll(ctx, site); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run syncs every site on each tick until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.SyncAllSites(ctx); err != nil {
				c.log.Warn("syncer: auto sync", slog.String("error", err.Error()))
			}
		}
	}
}
