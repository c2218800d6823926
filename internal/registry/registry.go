// Package registry maps content-type keys to the handlers that know how to
// download, size and invalidate resources of that type.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

// Handler is the capability set of one content type.
type Handler interface {
	// TypeKey is the registry key, unique per handler.
	TypeKey() string
	// IsEnabled may consult the remote site and must be treated as blocking.
	IsEnabled(ctx context.Context, siteID string) (bool, error)
	// Download fetches and stores the resource. On failure any partial bytes
	// of the attempt are discarded by the handler.
	Download(ctx context.Context, res models.Resource) (models.DownloadResult, error)
	// Prefetch is Download for background callers.
	Prefetch(ctx context.Context, res models.Resource) (models.DownloadResult, error)
	// InvalidateContent discards the cached bytes of a resource.
	InvalidateContent(ctx context.Context, key models.ResourceKey) error
	GetDownloadSize(ctx context.Context, res models.Resource) (int64, error)
	// DetermineStatus adjusts a stored status, e.g. forcing Outdated for
	// content without a reliable revision.
	DetermineStatus(current models.Status, canCheckUpdates bool) models.Status
}

// Container is implemented by handlers whose resources are made of
// sub-resources. Sizes of containers are the sum of their children.
type Container interface {
	Children(ctx context.Context, res models.Resource) ([]models.Resource, error)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h. Registering a type key twice fails with
// apperr.ErrDuplicateHandler.
func (r *Registry) Register(h Handler) error {
	key := h.TypeKey()
	if key == "" {
		return fmt.Errorf("registry: empty type key: %w", apperr.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("registry: %q: %w", key, apperr.ErrDuplicateHandler)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(hs ...Handler) {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
}

// Resolve returns the handler for typeKey. A false result means the type is
// not cacheable.
func (r *Registry) Resolve(typeKey string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeKey]
	return h, ok
}

// Types returns the registered type keys in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsEnabled resolves typeKey and asks its handler. Unknown types are
// reported as disabled.
func (r *Registry) IsEnabled(ctx context.Context, typeKey, siteID string) (bool, error) {
	h, ok := r.Resolve(typeKey)
	if !ok {
		return false, nil
	}
	return h.IsEnabled(ctx, siteID)
}
