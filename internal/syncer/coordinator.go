// Package syncer reconciles buffered offline actions of an entity against
// its authoritative remote state.
//
// At most one sync per entity runs at a time. Concurrent callers share the
// running Task. An entity held by a local edit session (see Block) or by a
// buffer write (see Hold) cannot start a sync at all.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/events"
	"github.com/starford/offsync/internal/jsonpatch"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/remote"
)

// Remote is the authoritative service.
type Remote interface {
	EntityState(ctx context.Context, siteID, entityID string) (*remote.EntityState, error)
	Submit(ctx context.Context, siteID, entityID string, sub remote.Submission) (*remote.SubmitResult, error)
}

// Actions is the offline action buffer.
type Actions interface {
	List(ctx context.Context, group models.GroupKey) ([]models.OfflineAction, error)
	ClearGroup(ctx context.Context, group models.GroupKey) error
	Groups(ctx context.Context, siteID string) ([]string, error)
	Sites(ctx context.Context) ([]string, error)
}

// Bookkeeping persists sync times and warnings.
type Bookkeeping interface {
	GetSyncTime(ctx context.Context, siteID, entityID string) (time.Time, error)
	SetSyncTime(ctx context.Context, siteID, entityID string, at time.Time) error
	GetWarnings(ctx context.Context, siteID, entityID string) ([]models.Warning, error)
	SetWarnings(ctx context.Context, siteID, entityID string, warnings []models.Warning) error
}

// EntityCache holds the remote-derived state of entities.
type EntityCache interface {
	PutEntity(siteID, entityID string, data []byte) error
	PatchEntity(siteID, entityID string, ops []jsonpatch.Operation) error
	InvalidateEntity(siteID, entityID string) error
}

// Publisher receives a notification after every background sync.
type Publisher interface {
	PublishSynced(ev events.EntitySynced)
}

// DefaultConcurrency bounds SyncAll.
const DefaultConcurrency = 2

// ErrClosed is returned for syncs requested after Close.
var ErrClosed = errors.New("syncer: coordinator closed")

// Task is a running or finished sync of one entity.
type Task struct {
	Group models.GroupKey

	done     chan struct{}
	warnings []models.Warning
	err      error
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) ([]models.Warning, error) {
	select {
	case <-t.done:
		return t.warnings, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Coordinator owns the per-entity sync lock map.
type Coordinator struct {
	actions Actions
	remote  Remote
	books   Bookkeeping
	cache   EntityCache
	pub     Publisher
	log     *slog.Logger

	minInterval time.Duration
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	tasks   map[models.GroupKey]*Task
	blocked map[models.GroupKey]int
	holds   map[models.GroupKey]int
	closed  bool
	running sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEntityCache sets the cache refreshed after each sync.
func WithEntityCache(ec EntityCache) Option {
	return func(c *Coordinator) { c.cache = ec }
}

// WithPublisher sets where background sync results are announced.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.pub = p }
}

// WithMinInterval sets how long SyncIfNeeded waits between syncs of one
// entity.
func WithMinInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.minInterval = d }
}

// WithConcurrency bounds how many entities SyncAll syncs at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// New creates a Coordinator.
func New(actions Actions, r Remote, books Bookkeeping, opts ...Option) *Coordinator {
	c := &Coordinator{
		actions:     actions,
		remote:      r,
		books:       books,
		log:         slog.Default(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
		tasks:       make(map[models.GroupKey]*Task),
		blocked:     make(map[models.GroupKey]int),
		holds:       make(map[models.GroupKey]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Block marks group as held by a local edit session. While at least one
// block is held, Start fails with apperr.ErrConcurrencyBlocked. Block itself
// fails the same way while a sync of group runs. The returned function
// releases the block and is safe to call more than once.
func (c *Coordinator) Block(group models.GroupKey) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[group]; ok {
		return nil, fmt.Errorf("syncer: %s is syncing: %w", group, apperr.ErrConcurrencyBlocked)
	}
	return c.acquire(c.blocked, group), nil
}

// Hold reserves group for a write to its buffer. It fails with
// apperr.ErrConcurrencyBlocked while a sync of group runs, and Start fails
// the same way until the returned function is called.
func (c *Coordinator) Hold(group models.GroupKey) (release func(), err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tasks[group]; ok {
		return nil, fmt.Errorf("syncer: %s is syncing: %w", group, apperr.ErrConcurrencyBlocked)
	}
	return c.acquire(c.holds, group), nil
}

// acquire increments counts[group] and returns its idempotent release.
// c.mu must be held.
func (c *Coordinator) acquire(counts map[models.GroupKey]int, group models.GroupKey) func() {
	counts[group]++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if counts[group] <= 1 {
				delete(counts, group)
				return
			}
			counts[group]--
		})
	}
}

// IsBlocked reports whether group is held by an edit session.
func (c *Coordinator) IsBlocked(group models.GroupKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[group] > 0
}

// Running returns the in-flight task of group, or nil.
func (c *Coordinator) Running(group models.GroupKey) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tasks[group]
}

// Start begins a sync of group, or returns the task already running for it.
func (c *Coordinator) Start(ctx context.Context, group models.GroupKey) (*Task, error) {
	if group.SiteID == "" || group.EntityID == "" {
		return nil, fmt.Errorf("syncer: incomplete group %q: %w", group, apperr.ErrValidation)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.blocked[group] > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("syncer: %s: %w", group, apperr.ErrConcurrencyBlocked)
	}
	if t, ok := c.tasks[group]; ok {
		c.mu.Unlock()
		return t, nil
	}
	if c.holds[group] > 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("syncer: %s buffer is being written: %w", group, apperr.ErrConcurrencyBlocked)
	}
	t := &Task{Group: group, done: make(chan struct{})}
	c.tasks[group] = t
	c.running.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.running.Done()
		defer close(t.done)
		defer c.release(group)
		t.warnings, t.err = c.run(context.WithoutCancel(ctx), group)
	}()
	return t, nil
}

// Close rejects new syncs and waits for the running ones to finish.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.running.Wait()
}

func (c *Coordinator) release(group models.GroupKey) {
	c.mu.Lock()
	delete(c.tasks, group)
	c.mu.Unlock()
}

// Sync runs a sync of group and waits for it.
func (c *Coordinator) Sync(ctx context.Context, group models.GroupKey) ([]models.Warning, error) {
	t, err := c.Start(ctx, group)
	if err != nil {
		return nil, err
	}
	return t.Wait(ctx)
}

func (c *Coordinator) run(ctx context.Context, group models.GroupKey) ([]models.Warning, error) {
	log := c.log.With(slog.String("group", group.String()))

	actions, err := c.actions.List(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("syncer: load %s: %w", group, err)
	}
	if len(actions) == 0 {
		c.refresh(ctx, group, nil)
		c.finish(ctx, group, nil)
		return nil, nil
	}

	state, err := c.remote.EntityState(ctx, group.SiteID, group.EntityID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return c.discard(ctx, group, nil, models.Warning{
			Code:    models.WarningAttemptFinished,
			Message: "entity no longer exists remotely, offline data discarded",
		})
	case err != nil:
		return nil, fmt.Errorf("syncer: remote state %s: %w", group, err)
	}
	if state.Finished {
		return c.discard(ctx, group, state, models.Warning{
			Code:    models.WarningAttemptFinished,
			Message: "entity was finished remotely, offline data discarded",
		})
	}

	expected := actions[0].Sequence
	if !sequenceMatches(expected, state.Sequence) {
		log.Info("syncer: sequence mismatch", slog.Int64("expected", expected), slog.Int64("remote", state.Sequence))
		return c.discard(ctx, group, state, models.Warning{
			Code:    models.WarningDataDiscarded,
			Message: fmt.Sprintf("remote state changed (sequence %d, expected %d), offline data discarded", state.Sequence, expected),
		})
	}

	payloads := make([]json.RawMessage, len(actions))
	for i, a := range actions {
		payloads[i] = a.Payload
	}
	result, err := c.remote.Submit(ctx, group.SiteID, group.EntityID, remote.Submission{
		Sequence:       expected,
		IdempotencyKey: idempotencyKey(group, actions),
		Actions:        payloads,
	})
	switch {
	case errors.Is(err, apperr.ErrRemoteConflict):
		return c.discard(ctx, group, nil, models.Warning{
			Code:    models.WarningDataDiscarded,
			Message: "remote rejected the offline data as conflicting, offline data discarded",
		})
	case err != nil:
		return nil, fmt.Errorf("syncer: submit %s: %w", group, err)
	}

	if err := c.actions.ClearGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("syncer: clear %s: %w", group, err)
	}
	if len(result.Patches) > 0 && c.cache != nil {
		if err := c.cache.PatchEntity(group.SiteID, group.EntityID, result.Patches); err != nil {
			log.Warn("syncer: patch cached state", slog.String("error", err.Error()))
		}
	} else {
		c.refresh(ctx, group, nil)
	}
	c.finish(ctx, group, nil)
	log.Info("syncer: submitted", slog.Int("actions", len(actions)), slog.Int64("sequence", result.Sequence))
	return nil, nil
}

// discard drops the buffer because remote state supersedes it. The outcome
// is a successful sync carrying w.
func (c *Coordinator) discard(ctx context.Context, group models.GroupKey, state *remote.EntityState, w models.Warning) ([]models.Warning, error) {
	if err := c.actions.ClearGroup(ctx, group); err != nil {
		return nil, fmt.Errorf("syncer: discard %s: %w", group, err)
	}
	c.log.Info("syncer: offline data discarded", slog.String("group", group.String()), slog.String("reason", w.Code))
	if state != nil {
		c.refresh(ctx, group, state)
	} else if c.cache != nil {
		if err := c.cache.InvalidateEntity(group.SiteID, group.EntityID); err != nil {
			c.log.Warn("syncer: invalidate cached state", slog.String("group", group.String()), slog.String("error", err.Error()))
		}
	}
	ws := []models.Warning{w}
	c.finish(ctx, group, ws)
	return ws, nil
}

// refresh replaces the cached entity state. Failures are logged only.
func (c *Coordinator) refresh(ctx context.Context, group models.GroupKey, state *remote.EntityState) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateEntity(group.SiteID, group.EntityID); err != nil {
		c.log.Warn("syncer: invalidate cached state", slog.String("group", group.String()), slog.String("error", err.Error()))
	}
	if state == nil {
		s, err := c.remote.EntityState(ctx, group.SiteID, group.EntityID)
		if err != nil {
			c.log.Debug("syncer: refresh skipped", slog.String("group", group.String()), slog.String("error", err.Error()))
			return
		}
		state = s
	}
	data := []byte(state.State)
	if len(data) == 0 {
		var err error
		if data, err = json.Marshal(state); err != nil {
			return
		}
	}
	if err := c.cache.PutEntity(group.SiteID, group.EntityID, data); err != nil {
		c.log.Warn("syncer: cache state", slog.String("group", group.String()), slog.String("error", err.Error()))
	}
}

// finish records a completed sync. Bookkeeping failures do not fail the
// sync.
func (c *Coordinator) finish(ctx context.Context, group models.GroupKey, ws []models.Warning) {
	if err := c.books.SetSyncTime(ctx, group.SiteID, group.EntityID, c.now()); err != nil {
		c.log.Warn("syncer: store sync time", slog.String("group", group.String()), slog.String("error", err.Error()))
	}
	if err := c.books.SetWarnings(ctx, group.SiteID, group.EntityID, ws); err != nil {
		c.log.Warn("syncer: store warnings", slog.String("group", group.String()), slog.String("error", err.Error()))
	}
}

// sequenceMatches compares the marker the buffer was produced against with
// the remote marker. A never-answered remote entity reports 1 while a fresh
// local one starts at 0; the two are the same state.
func sequenceMatches(expected, remote int64) bool {
	return expected == remote || (expected == 0 && remote == 1)
}

// idempotencyKey is stable for a given buffer so a retried submission of the
// same actions is recognized by the remote.
func idempotencyKey(group models.GroupKey, actions []models.OfflineAction) string {
	first, last := actions[0], actions[len(actions)-1]
	name := fmt.Sprintf("%s|%d|%d|%d", group, first.ID, last.ID, len(actions))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
