// Package offline buffers user actions performed without connectivity until
// the sync coordinator resolves them.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

// Repo is the row store backing the buffer.
type Repo interface {
	InsertAction(ctx context.Context, group models.GroupKey, payload []byte, sequence int64) (models.OfflineAction, error)
	ListActions(ctx context.Context, group models.GroupKey) ([]models.OfflineAction, error)
	DeleteGroup(ctx context.Context, group models.GroupKey) (int64, error)
	DeleteAction(ctx context.Context, id int64) (bool, error)
	ListGroups(ctx context.Context, siteID string) ([]string, error)
	ListSites(ctx context.Context) ([]string, error)
}

// Store is the offline action buffer. Rows of a group keep their insertion
// order and are only ever removed as a whole group or one by one.
type Store struct {
	repo Repo
	log  *slog.Logger
}

// NewStore creates a Store.
func NewStore(repo Repo, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{repo: repo, log: logger}
}

func validateGroup(g models.GroupKey) error {
	err := validation.ValidateStruct(&g,
		validation.Field(&g.SiteID, validation.Required),
		validation.Field(&g.EntityID, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("offline: group: %w: %w", apperr.ErrValidation, err)
	}
	return nil
}

// Append buffers payload for group. sequence is the remote marker the action
// was produced against.
func (s *Store) Append(ctx context.Context, group models.GroupKey, payload json.RawMessage, sequence int64) (int64, error) {
	if err := validateGroup(group); err != nil {
		return 0, err
	}
	if !json.Valid(payload) {
		return 0, fmt.Errorf("offline: payload is not valid JSON: %w", apperr.ErrValidation)
	}
	a, err := s.repo.InsertAction(ctx, group, payload, sequence)
	if err != nil {
		return 0, fmt.Errorf("offline: append: %w", err)
	}
	s.log.Debug("offline: action buffered",
		slog.String("group", group.String()),
		slog.Int64("id", a.ID),
		slog.Int64("sequence", sequence))
	return a.ID, nil
}

// List returns the actions of group in insertion order. It has no side effects.
func (s *Store) List(ctx context.Context, group models.GroupKey) ([]models.OfflineAction, error) {
	if err := validateGroup(group); err != nil {
		return nil, err
	}
	out, err := s.repo.ListActions(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("offline: list: %w", err)
	}
	return out, nil
}

// ClearGroup deletes every action of group atomically.
func (s *Store) ClearGroup(ctx context.Context, group models.GroupKey) error {
	n, err := s.repo.DeleteGroup(ctx, group)
	if err != nil {
		return fmt.Errorf("offline: clear: %w", err)
	}
	s.log.Info("offline: group cleared", slog.String("group", group.String()), slog.Int64("actions", n))
	return nil
}

// Remove deletes a single action.
func (s *Store) Remove(ctx context.Context, id int64) error {
	ok, err := s.repo.DeleteAction(ctx, id)
	if err != nil {
		return fmt.Errorf("offline: remove: %w", err)
	}
	if !ok {
		return fmt.Errorf("offline: action %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// HasData reports whether group has buffered actions.
func (s *Store) HasData(ctx context.Context, group models.GroupKey) (bool, error) {
	list, err := s.List(ctx, group)
	if err != nil {
		return false, err
	}
	return len(list) > 0, nil
}

// Groups lists the entity IDs of a site with buffered actions.
func (s *Store) Groups(ctx context.Context, siteID string) ([]string, error) {
	out, err := s.repo.ListGroups(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("offline: groups: %w", err)
	}
	return out, nil
}

// Sites lists the sites with buffered actions.
func (s *Store) Sites(ctx context.Context) ([]string, error) {
	out, err := s.repo.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("offline: sites: %w", err)
	}
	return out, nil
}
