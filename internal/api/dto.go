package api

import (
	"encoding/json"

	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/service"
)

// ResourceView is the status response for a resource (aliased from the domain layer).
type ResourceView = service.ResourceView

// ContainerView is the aggregated status of a container's children (aliased from the domain layer).
type ContainerView = service.ContainerView

// Session is an open edit session (aliased from the domain layer).
type Session = service.Session

// SyncReport is the sync state response for an entity (aliased from the domain layer).
type SyncReport = service.SyncReport

// AddActionRequest is the request body for buffering an offline action.
type AddActionRequest struct {
	Payload  json.RawMessage `json:"payload" swaggertype:"object" validate:"required"`
	Sequence int64           `json:"sequence" example:"3"`
}

// AddActionResponse is returned after an action was buffered.
type AddActionResponse struct {
	ID int64 `json:"id" example:"17" validate:"required"`
}

// ActionListResponse wraps the buffered actions of an entity.
type ActionListResponse struct {
	Actions []models.OfflineAction `json:"actions" validate:"required"`
}

// QueuedResponse is returned when work was accepted for the background.
type QueuedResponse struct {
	Queued bool `json:"queued" example:"true" validate:"required"`
}
