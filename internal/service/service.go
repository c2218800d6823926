// Package service is the facade the REST API and MCP tools share. It
// validates requests and combines the prefetch coordinator, the offline
// action store and the sync coordinator into request-sized operations.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/offline"
	"github.com/starford/offsync/internal/prefetch"
	"github.com/starford/offsync/internal/syncer"
)

// ResourceView is the status of one resource as reported to clients.
type ResourceView struct {
	Resource models.Resource        `json:"resource"`
	Status   models.Status          `json:"status"`
	Record   *models.DownloadStatus `json:"record,omitempty"`
	Size     int64                  `json:"size"`
	// SizeError is set when the size could not be determined, typically
	// because the remote is unreachable.
	SizeError string `json:"size_error,omitempty"`
}

// SyncReport describes the sync state of one entity.
type SyncReport struct {
	Group    models.GroupKey  `json:"group"`
	LastSync *time.Time       `json:"last_sync,omitempty"`
	Warnings []models.Warning `json:"warnings"`
	Pending  int              `json:"pending"`
	Running  bool             `json:"running"`
	Blocked  bool             `json:"blocked"`
	// State is the cached remote state of the entity, possibly stale.
	State json.RawMessage `json:"state,omitempty" swaggertype:"object"`
}

// ContainerView is the aggregated status of the children of a container
// resource.
type ContainerView struct {
	Resource models.Resource   `json:"resource"`
	Status   models.Status     `json:"status"`
	Children []models.Resource `json:"children"`
}

// Session is an open local edit session of an entity. While it is open the
// entity cannot sync.
type Session struct {
	ID    string          `json:"id"`
	Group models.GroupKey `json:"group"`
}

type session struct {
	group   models.GroupKey
	release func()
}

// EntityReader reads cached entity state.
type EntityReader interface {
	Entity(siteID, entityID string) ([]byte, bool)
}

// Service coordinates prefetch, offline buffering and sync for the surfaces.
type Service struct {
	prefetch *prefetch.Coordinator
	actions  *offline.Store
	syncer   *syncer.Coordinator
	entities EntityReader
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]session
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithEntities exposes cached entity state in sync reports.
func WithEntities(r EntityReader) Option {
	return func(s *Service) { s.entities = r }
}

// New creates a new Service.
func New(p *prefetch.Coordinator, a *offline.Store, s *syncer.Coordinator, opts ...Option) *Service {
	svc := &Service{
		prefetch: p,
		actions:  a,
		syncer:   s,
		log:      slog.Default(),
		sessions: make(map[string]session),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// ValidateResource checks that every part of a resource reference is set.
func ValidateResource(res models.Resource) error {
	err := validation.ValidateStruct(&res,
		validation.Field(&res.Type, validation.Required),
	)
	if err == nil {
		err = validation.ValidateStruct(&res.Key,
			validation.Field(&res.Key.SiteID, validation.Required),
			validation.Field(&res.Key.Component, validation.Required),
			validation.Field(&res.Key.ComponentID, validation.Required),
		)
	}
	if err != nil {
		return fmt.Errorf("service: resource: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}

func validateGroup(g models.GroupKey) error {
	err := validation.ValidateStruct(&g,
		validation.Field(&g.SiteID, validation.Required),
		validation.Field(&g.EntityID, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("service: entity: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}

// ResourceStatus reports the current status and estimated size of res.
func (s *Service) ResourceStatus(ctx context.Context, res models.Resource) (*ResourceView, error) {
	if err := ValidateResource(res); err != nil {
		return nil, err
	}
	st, err := s.prefetch.Status(ctx, res)
	if err != nil {
		return nil, err
	}
	view := &ResourceView{Resource: res, Status: st}

	rec, err := s.prefetch.Record(ctx, res.Key)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusNotDownloaded || rec.Revision != "" {
		view.Record = rec
	}

	size, err := s.prefetch.GetDownloadSize(ctx, res)
	if err != nil {
		s.log.Debug("service: size unavailable",
			slog.String("key", res.Key.String()),
			slog.String("error", err.Error()))
		view.SizeError = err.Error()
	} else {
		view.Size = size
	}
	return view, nil
}

// Download fetches res in the foreground and returns its new status.
func (s *Service) Download(ctx context.Context, res models.Resource) (*ResourceView, error) {
	if err := ValidateResource(res); err != nil {
		return nil, err
	}
	if err := s.prefetch.Download(ctx, res); err != nil {
		return nil, err
	}
	return s.ResourceStatus(ctx, res)
}

// Prefetch queues a background download of res.
func (s *Service) Prefetch(res models.Resource) error {
	if err := ValidateResource(res); err != nil {
		return err
	}
	s.prefetch.Enqueue(res)
	return nil
}

// Invalidate drops the cached content and status of res.
func (s *Service) Invalidate(ctx context.Context, res models.Resource) error {
	if err := ValidateResource(res); err != nil {
		return err
	}
	return s.prefetch.Invalidate(ctx, res)
}

// ClearSite drops every cached package, status record and cached remote
// metadata of a site. Buffered offline actions are kept.
func (s *Service) ClearSite(ctx context.Context, siteID string) error {
	if err := validation.Validate(siteID, validation.Required); err != nil {
		return fmt.Errorf("service: site: %v: %w", err, apperr.ErrValidation)
	}
	return s.prefetch.ClearSite(ctx, siteID)
}

func (s *Service) children(ctx context.Context, res models.Resource) ([]models.Resource, error) {
	if err := ValidateResource(res); err != nil {
		return nil, err
	}
	children, ok, err := s.prefetch.Children(ctx, res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("service: %s is not a container: %w", res.Type, apperr.ErrValidation)
	}
	if children == nil {
		children = []models.Resource{}
	}
	return children, nil
}

// ContainerStatus reports the aggregated status of the children of res.
func (s *Service) ContainerStatus(ctx context.Context, res models.Resource) (*ContainerView, error) {
	children, err := s.children(ctx, res)
	if err != nil {
		return nil, err
	}
	st, err := s.prefetch.ListStatus(ctx, children)
	if err != nil {
		return nil, err
	}
	return &ContainerView{Resource: res, Status: st, Children: children}, nil
}

// DownloadChildren prefetches every child of res and reports the resulting
// aggregated status. Children that failed are reported in the returned error.
func (s *Service) DownloadChildren(ctx context.Context, res models.Resource) (*ContainerView, error) {
	children, err := s.children(ctx, res)
	if err != nil {
		return nil, err
	}
	if err := s.prefetch.PrefetchAll(ctx, children); err != nil {
		return nil, err
	}
	st, err := s.prefetch.ListStatus(ctx, children)
	if err != nil {
		return nil, err
	}
	return &ContainerView{Resource: res, Status: st, Children: children}, nil
}

// Actions lists the buffered actions of an entity.
func (s *Service) Actions(ctx context.Context, group models.GroupKey) ([]models.OfflineAction, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	out, err := s.actions.List(ctx, group)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.OfflineAction{}
	}
	return out, nil
}

// AddAction buffers one action. The entity must not be syncing, and no sync
// can start until the action is stored.
func (s *Service) AddAction(ctx context.Context, group models.GroupKey, payload json.RawMessage, sequence int64) (int64, error) {
	if err := validateGroup(group); err != nil {
		return 0, err
	}
	release, err := s.syncer.Hold(group)
	if err != nil {
		return 0, err
	}
	defer release()
	return s.actions.Append(ctx, group, payload, sequence)
}

// RemoveAction deletes one buffered action of an entity.
func (s *Service) RemoveAction(ctx context.Context, group models.GroupKey, id int64) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	release, err := s.syncer.Hold(group)
	if err != nil {
		return err
	}
	defer release()

	list, err := s.actions.List(ctx, group)
	if err != nil {
		return err
	}
	for _, a := range list {
		if a.ID == id {
			return s.actions.Remove(ctx, id)
		}
	}
	return fmt.Errorf("service: action %d of %s: %w", id, group, apperr.ErrNotFound)
}

// ClearActions discards the buffer of an entity.
func (s *Service) ClearActions(ctx context.Context, group models.GroupKey) error {
	if err := validateGroup(group); err != nil {
		return err
	}
	release, err := s.syncer.Hold(group)
	if err != nil {
		return err
	}
	defer release()
	return s.actions.ClearGroup(ctx, group)
}

// OpenSession starts a local edit session of an entity. The entity must not
// be syncing, and it cannot sync until the session is closed.
func (s *Service) OpenSession(group models.GroupKey) (*Session, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	release, err := s.syncer.Block(group)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.sessions[id] = session{group: group, release: release}
	s.mu.Unlock()

	s.log.Info("service: edit session opened", slog.String("session", id), slog.String("group", group.String()))
	return &Session{ID: id, Group: group}, nil
}

// CloseSession ends an edit session opened by OpenSession.
func (s *Service) CloseSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("service: session %q: %w", id, apperr.ErrNotFound)
	}
	sess.release()
	s.log.Info("service: edit session closed", slog.String("session", id), slog.String("group", sess.group.String()))
	return nil
}

// Sync runs a foreground sync of an entity and reports the result.
func (s *Service) Sync(ctx context.Context, group models.GroupKey) (*SyncReport, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	ws, err := s.syncer.Sync(ctx, group)
	if err != nil {
		return nil, err
	}
	rep, err := s.SyncState(ctx, group)
	if err != nil {
		return nil, err
	}
	// A foreground sync reports its own warnings, not the stored ones.
	rep.Warnings = nonNil(ws)
	return rep, nil
}

// SyncState reports the last sync time, stored warnings and buffer size.
func (s *Service) SyncState(ctx context.Context, group models.GroupKey) (*SyncReport, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	at, ws, err := s.syncer.LastSync(ctx, group)
	if err != nil {
		return nil, err
	}
	pending, err := s.actions.List(ctx, group)
	if err != nil {
		return nil, err
	}
	rep := &SyncReport{
		Group:    group,
		Warnings: nonNil(ws),
		Pending:  len(pending),
		Running:  s.syncer.Running(group) != nil,
		Blocked:  s.syncer.IsBlocked(group),
	}
	if !at.IsZero() {
		rep.LastSync = &at
	}
	if s.entities != nil {
		if data, ok := s.entities.Entity(group.SiteID, group.EntityID); ok {
			rep.State = data
		}
	}
	return rep, nil
}

func nonNil(ws []models.Warning) []models.Warning {
	if ws == nil {
		return []models.Warning{}
	}
	return ws
}
