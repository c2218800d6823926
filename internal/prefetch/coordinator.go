// Package prefetch orchestrates downloads and invalidation of cacheable
// resources through the handler registry and the status store.
//
// Concurrent requests for the same resource share one in-flight call: the
// handler runs once and every caller observes the same outcome.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/registry"
	"github.com/starford/offsync/internal/status"
)

// DefaultConcurrency bounds batch and background prefetches.
const DefaultConcurrency = 4

// ErrClosed is returned for downloads requested after Close.
var ErrClosed = errors.New("prefetch: coordinator closed")

// MetaInvalidator drops remote metadata cached for a resource or a site.
type MetaInvalidator interface {
	InvalidateResource(key models.ResourceKey) (int, error)
	InvalidateSite(siteID string) (int, error)
}

// SiteContent removes every cached package of a site.
type SiteContent interface {
	RemoveSite(siteID string) error
}

// Call is a shared in-flight download.
type Call struct {
	done chan struct{}
	err  error
}

func newCall() *Call {
	return &Call{done: make(chan struct{})}
}

func finishedCall(err error) *Call {
	c := newCall()
	c.err = err
	close(c.done)
	return c
}

// Done is closed when the call has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes or ctx is done. Cancelling ctx only
// stops waiting; the download itself keeps running.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator is the only writer of download status records.
type Coordinator struct {
	reg      *registry.Registry
	statuses *status.Store
	meta     MetaInvalidator
	content  SiteContent
	log      *slog.Logger

	canCheckUpdates bool
	concurrency     int

	mu       sync.Mutex
	inflight map[models.ResourceKey]*Call
	closed   bool
	runs     sync.WaitGroup

	queue    *semaphore.Weighted
	bgMu     sync.Mutex
	bgClosed bool
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetaCache sets the metadata cache invalidated together with content.
func WithMetaCache(m MetaInvalidator) Option {
	return func(c *Coordinator) { c.meta = m }
}

// WithSiteContent sets the content store purged by ClearSite.
func WithSiteContent(sc SiteContent) Option {
	return func(c *Coordinator) { c.content = sc }
}

// WithConcurrency bounds PrefetchAll and the background queue.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithUpdateChecks tells handlers whether the remote can report updates.
// When it cannot, downloaded resources read as Outdated.
func WithUpdateChecks(enabled bool) Option {
	return func(c *Coordinator) { c.canCheckUpdates = enabled }
}

// New creates a Coordinator.
func New(reg *registry.Registry, statuses *status.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		reg:             reg,
		statuses:        statuses,
		log:             slog.Default(),
		canCheckUpdates: true,
		concurrency:     DefaultConcurrency,
		inflight:        make(map[models.ResourceKey]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = semaphore.NewWeighted(int64(c.concurrency))
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	return c
}

// Close stops accepting queued prefetches, waits for the queue to drain and
// then for every running download to finish. Later calls to Start fail with
// ErrClosed.
func (c *Coordinator) Close() {
	c.bgMu.Lock()
	c.bgClosed = true
	c.bgMu.Unlock()
	c.bg.Wait()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.runs.Wait()
	c.bgCancel()
}

// Start returns the in-flight call for res, starting one if none exists.
// background selects the handler's Prefetch over Download; it does not
// affect de-duplication.
func (c *Coordinator) Start(ctx context.Context, res models.Resource, background bool) *Call {
	return c.start(ctx, res, background, false)
}

func (c *Coordinator) start(ctx context.Context, res models.Resource, background, resume bool) *Call {
	h, ok := c.reg.Resolve(res.Type)
	if !ok {
		return finishedCall(nil)
	}

	c.mu.Lock()
	if call, ok := c.inflight[res.Key]; ok {
		c.mu.Unlock()
		return call
	}
	if c.closed {
		c.mu.Unlock()
		return finishedCall(ErrClosed)
	}
	call := newCall()
	c.inflight[res.Key] = call
	c.runs.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.runs.Done()
		err := c.run(context.WithoutCancel(ctx), h, res, background, resume)

		c.mu.Lock()
		delete(c.inflight, res.Key)
		c.mu.Unlock()

		call.err = err
		close(call.done)
	}()
	return call
}

// Download materializes res and waits for the outcome.
func (c *Coordinator) Download(ctx context.Context, res models.Resource) error {
	return c.Start(ctx, res, false).Wait(ctx)
}

// Prefetch is Download on behalf of a background caller.
func (c *Coordinator) Prefetch(ctx context.Context, res models.Resource) error {
	return c.Start(ctx, res, true).Wait(ctx)
}

// InFlight reports whether a download of key is running.
func (c *Coordinator) InFlight(key models.ResourceKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[key]
	return ok
}

func (c *Coordinator) run(ctx context.Context, h registry.Handler, res models.Resource, background, resume bool) error {
	key := res.Key
	if resume {
		// A Downloading record nobody owns is left over from an interrupted run.
		if _, err := c.statuses.Revert(ctx, key); err != nil {
			return fmt.Errorf("prefetch: %s: %w", key, err)
		}
	}
	if _, err := c.statuses.SetDownloading(ctx, key); err != nil {
		return fmt.Errorf("prefetch: %s: %w", key, err)
	}

	fetch := h.Download
	if background {
		fetch = h.Prefetch
	}
	result, err := fetch(ctx, res)
	if err != nil {
		if _, rerr := c.statuses.Revert(ctx, key); rerr != nil {
			c.log.Error("prefetch: revert failed", slog.String("key", key.String()), slog.String("error", rerr.Error()))
		}
		c.log.Warn("prefetch: download failed",
			slog.String("key", key.String()),
			slog.String("type", res.Type),
			slog.String("error", err.Error()))
		return fmt.Errorf("prefetch: download %s: %w", key, err)
	}

	if _, err := c.statuses.SetDownloaded(ctx, key, result); err != nil {
		if _, rerr := c.statuses.Revert(ctx, key); rerr != nil {
			c.log.Error("prefetch: revert failed", slog.String("key", key.String()), slog.String("error", rerr.Error()))
		}
		return fmt.Errorf("prefetch: %s: %w", key, err)
	}
	if h.DetermineStatus(models.StatusDownloaded, c.canCheckUpdates) == models.StatusOutdated {
		if _, err := c.statuses.MarkOutdated(ctx, key); err != nil {
			return fmt.Errorf("prefetch: %s: %w", key, err)
		}
	}
	c.log.Info("prefetch: downloaded",
		slog.String("key", key.String()),
		slog.String("revision", result.Revision),
		slog.Int64("size", result.Size))
	return nil
}

// Invalidate discards cached bytes, resets the status to NotDownloaded and
// drops cached remote metadata of res. A running download is waited for
// first. Unknown types are a no-op.
func (c *Coordinator) Invalidate(ctx context.Context, res models.Resource) error {
	h, ok := c.reg.Resolve(res.Type)
	if !ok {
		return nil
	}

	c.mu.Lock()
	call := c.inflight[res.Key]
	c.mu.Unlock()
	if call != nil {
		if err := call.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}

	if err := h.InvalidateContent(ctx, res.Key); err != nil {
		return fmt.Errorf("prefetch: invalidate %s: %w", res.Key, err)
	}
	if err := c.statuses.Reset(ctx, res.Key); err != nil {
		return err
	}
	if c.meta != nil {
		if _, err := c.meta.InvalidateResource(res.Key); err != nil {
			return fmt.Errorf("prefetch: invalidate metadata %s: %w", res.Key, err)
		}
	}
	return nil
}

// Forget resets a Downloaded or Outdated resource whose cached bytes vanished
// from disk. Running downloads and other states are left alone.
func (c *Coordinator) Forget(ctx context.Context, key models.ResourceKey) error {
	if c.InFlight(key) {
		return nil
	}
	rec, err := c.statuses.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Status != models.StatusDownloaded && rec.Status != models.StatusOutdated {
		return nil
	}
	c.log.Info("prefetch: cached content vanished", slog.String("key", key.String()))
	return c.statuses.Reset(ctx, key)
}

// ClearSite waits for the running downloads of a site, then drops its cached
// packages, status records and remote metadata.
func (c *Coordinator) ClearSite(ctx context.Context, siteID string) error {
	c.mu.Lock()
	var pending []*Call
	for key, call := range c.inflight {
		if key.SiteID == siteID {
			pending = append(pending, call)
		}
	}
	c.mu.Unlock()
	for _, call := range pending {
		if err := call.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}

	if c.content != nil {
		if err := c.content.RemoveSite(siteID); err != nil {
			return fmt.Errorf("prefetch: clear site %s: %w", siteID, err)
		}
	}
	if err := c.statuses.ClearSite(ctx, siteID); err != nil {
		return err
	}
	if c.meta != nil {
		if _, err := c.meta.InvalidateSite(siteID); err != nil {
			return fmt.Errorf("prefetch: invalidate site metadata %s: %w", siteID, err)
		}
	}
	return nil
}

// Children returns the direct children of a container resource. ok is false
// when res has no handler or its handler is not a container.
func (c *Coordinator) Children(ctx context.Context, res models.Resource) (children []models.Resource, ok bool, err error) {
	h, found := c.reg.Resolve(res.Type)
	if !found {
		return nil, false, nil
	}
	cont, isContainer := h.(registry.Container)
	if !isContainer {
		return nil, false, nil
	}
	children, err = cont.Children(ctx, res)
	if err != nil {
		return nil, true, fmt.Errorf("prefetch: children %s: %w", res.Key, err)
	}
	return children, true, nil
}

// GetDownloadSize returns the handler-reported size of res, summed over the
// children of container resources.
func (c *Coordinator) GetDownloadSize(ctx context.Context, res models.Resource) (int64, error) {
	return c.downloadSize(ctx, res, map[models.ResourceKey]bool{})
}

func (c *Coordinator) downloadSize(ctx context.Context, res models.Resource, seen map[models.ResourceKey]bool) (int64, error) {
	if seen[res.Key] {
		return 0, nil
	}
	seen[res.Key] = true

	h, ok := c.reg.Resolve(res.Type)
	if !ok {
		return 0, nil
	}
	size, err := h.GetDownloadSize(ctx, res)
	if err != nil {
		return 0, fmt.Errorf("prefetch: size %s: %w", res.Key, err)
	}
	cont, ok := h.(registry.Container)
	if !ok {
		return size, nil
	}
	children, err := cont.Children(ctx, res)
	if err != nil {
		return 0, fmt.Errorf("prefetch: children %s: %w", res.Key, err)
	}
	for _, child := range children {
		n, err := c.downloadSize(ctx, child, seen)
		if err != nil {
			return 0, err
		}
		size += n
	}
	return size, nil
}

// Status returns the effective status of res. A record left Downloading
// with no running download (e.g. after a crash) is reverted and the download
// restarted in the background.
func (c *Coordinator) Status(ctx context.Context, res models.Resource) (models.Status, error) {
	h, ok := c.reg.Resolve(res.Type)
	if !ok {
		return models.StatusDownloaded, nil
	}
	if enabled, err := h.IsEnabled(ctx, res.Key.SiteID); err == nil && !enabled {
		return models.StatusNotDownloadable, nil
	}

	rec, err := c.statuses.Get(ctx, res.Key)
	if err != nil {
		return "", err
	}
	if rec.Status == models.StatusDownloading {
		if !c.InFlight(res.Key) {
			c.log.Info("prefetch: restarting interrupted download", slog.String("key", res.Key.String()))
			c.start(ctx, res, true, true)
		}
		return models.StatusDownloading, nil
	}
	return h.DetermineStatus(rec.Status, c.canCheckUpdates), nil
}

// Record returns the stored status record of res.
func (c *Coordinator) Record(ctx context.Context, key models.ResourceKey) (*models.DownloadStatus, error) {
	return c.statuses.Get(ctx, key)
}

// ListStatus aggregates the status of several resources.
func (c *Coordinator) ListStatus(ctx context.Context, resources []models.Resource) (models.Status, error) {
	agg := models.StatusNotDownloadable
	for _, res := range resources {
		st, err := c.Status(ctx, res)
		if err != nil {
			return "", err
		}
		agg = status.Aggregate(agg, st)
	}
	return agg, nil
}

// PrefetchAll prefetches resources with bounded concurrency and returns the
// joined errors of the failed ones.
func (c *Coordinator) PrefetchAll(ctx context.Context, resources []models.Resource) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, res := range resources {
		g.Go(func() error {
			if err := c.Prefetch(gctx, res); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Enqueue schedules a background prefetch and returns immediately. Failures
// are logged.
func (c *Coordinator) Enqueue(res models.Resource) {
	c.bgMu.Lock()
	defer c.bgMu.Unlock()
	if c.bgClosed {
		return
	}
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		if err := c.queue.Acquire(c.bgCtx, 1); err != nil {
			return
		}
		defer c.queue.Release(1)
		if err := c.Prefetch(c.bgCtx, res); err != nil {
			c.log.Warn("prefetch: queued prefetch failed", slog.String("key", res.Key.String()), slog.String("error", err.Error()))
		}
	}()
}
