package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/service"
)

// Handler holds API route handlers.
type Handler struct {
	svc *service.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

func resourceFrom(r *http.Request) models.Resource {
	return models.Resource{
		Type: chi.URLParam(r, "type"),
		Key: models.ResourceKey{
			SiteID:      chi.URLParam(r, "site"),
			Component:   chi.URLParam(r, "component"),
			ComponentID: chi.URLParam(r, "id"),
		},
	}
}

func groupFrom(r *http.Request) models.GroupKey {
	return models.GroupKey{SiteID: chi.URLParam(r, "site"), EntityID: chi.URLParam(r, "entity")}
}

// GetResource handles GET /api/resources/{site}/{type}/{component}/{id}.
//
//	@Summary		Get the download status and size of a resource
//	@Tags			resources
//	@Produce		json
//	@Success		200	{object}	ResourceView
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id} [get]
func (h *Handler) GetResource(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ResourceStatus(r.Context(), resourceFrom(r))
	if err != nil {
		writeError(w, "resource status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DownloadResource handles POST /api/resources/{site}/{type}/{component}/{id}/download.
//
//	@Summary		Download a resource and wait for it
//	@Tags			resources
//	@Produce		json
//	@Success		200	{object}	ResourceView
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id}/download [post]
func (h *Handler) DownloadResource(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Download(r.Context(), resourceFrom(r))
	if err != nil {
		writeError(w, "download", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// PrefetchResource handles POST /api/resources/{site}/{type}/{component}/{id}/prefetch.
//
//	@Summary		Queue a background download
//	@Tags			resources
//	@Produce		json
//	@Success		202	{object}	QueuedResponse
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id}/prefetch [post]
func (h *Handler) PrefetchResource(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Prefetch(resourceFrom(r)); err != nil {
		writeError(w, "prefetch", err)
		return
	}
	writeJSON(w, http.StatusAccepted, QueuedResponse{Queued: true})
}

// InvalidateResource handles DELETE /api/resources/{site}/{type}/{component}/{id}.
//
//	@Summary		Drop the cached content of a resource
//	@Tags			resources
//	@Success		204	"Resource invalidated"
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id} [delete]
func (h *Handler) InvalidateResource(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Invalidate(r.Context(), resourceFrom(r)); err != nil {
		writeError(w, "invalidate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetChildren handles GET /api/resources/{site}/{type}/{component}/{id}/children.
//
//	@Summary		Get the aggregated status of a container's children
//	@Tags			resources
//	@Produce		json
//	@Success		200	{object}	ContainerView
//	@Failure		400	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id}/children [get]
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ContainerStatus(r.Context(), resourceFrom(r))
	if err != nil {
		writeError(w, "children status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// DownloadChildren handles POST /api/resources/{site}/{type}/{component}/{id}/children/download.
//
//	@Summary		Download every child of a container
//	@Tags			resources
//	@Produce		json
//	@Success		200	{object}	ContainerView
//	@Failure		400	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/resources/{site}/{type}/{component}/{id}/children/download [post]
func (h *Handler) DownloadChildren(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.DownloadChildren(r.Context(), resourceFrom(r))
	if err != nil {
		writeError(w, "download children", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ClearSite handles DELETE /api/resources/{site}.
//
//	@Summary		Drop every cached resource of a site
//	@Tags			resources
//	@Success		204	"Site cleared"
//	@Security		BearerAuth
//	@Router			/resources/{site} [delete]
func (h *Handler) ClearSite(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearSite(r.Context(), chi.URLParam(r, "site")); err != nil {
		writeError(w, "clear site", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListActions handles GET /api/actions/{site}/{entity}.
//
//	@Summary		List the buffered actions of an entity
//	@Tags			actions
//	@Produce		json
//	@Success		200	{object}	ActionListResponse
//	@Security		BearerAuth
//	@Router			/actions/{site}/{entity} [get]
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Actions(r.Context(), groupFrom(r))
	if err != nil {
		writeError(w, "list actions", err)
		return
	}
	writeJSON(w, http.StatusOK, ActionListResponse{Actions: list})
}

// AddAction handles POST /api/actions/{site}/{entity}.
//
//	@Summary		Buffer an offline action
//	@Tags			actions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		AddActionRequest	true	"Action to buffer"
//	@Success		201		{object}	AddActionResponse
//	@Failure		400		{object}	errResponse
//	@Failure		423		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/actions/{site}/{entity} [post]
func (h *Handler) AddAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req AddActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("payload is required"))
		return
	}
	id, err := h.svc.AddAction(r.Context(), groupFrom(r), req.Payload, req.Sequence)
	if err != nil {
		writeError(w, "add action", err)
		return
	}
	writeJSON(w, http.StatusCreated, AddActionResponse{ID: id})
}

// ClearActions handles DELETE /api/actions/{site}/{entity}.
//
//	@Summary		Discard the buffered actions of an entity
//	@Tags			actions
//	@Success		204	"Buffer cleared"
//	@Security		BearerAuth
//	@Router			/actions/{site}/{entity} [delete]
func (h *Handler) ClearActions(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearActions(r.Context(), groupFrom(r)); err != nil {
		writeError(w, "clear actions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveAction handles DELETE /api/actions/{site}/{entity}/{action}.
//
//	@Summary		Discard one buffered action
//	@Tags			actions
//	@Success		204	"Action removed"
//	@Failure		404	{object}	errResponse
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/actions/{site}/{entity}/{action} [delete]
func (h *Handler) RemoveAction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "action"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid action id"))
		return
	}
	if err := h.svc.RemoveAction(r.Context(), groupFrom(r), id); err != nil {
		writeError(w, "remove action", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OpenSession handles POST /api/sessions/{site}/{entity}.
//
//	@Summary		Open a local edit session, blocking sync of the entity
//	@Tags			sessions
//	@Produce		json
//	@Success		201	{object}	Session
//	@Failure		423	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{site}/{entity} [post]
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.OpenSession(groupFrom(r))
	if err != nil {
		writeError(w, "open session", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// CloseSession handles DELETE /api/sessions/{session}.
//
//	@Summary		Close a local edit session
//	@Tags			sessions
//	@Success		204	"Session closed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sessions/{session} [delete]
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CloseSession(chi.URLParam(r, "session")); err != nil {
		writeError(w, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync handles POST /api/sync/{site}/{entity}.
//
//	@Summary		Sync the buffered actions of an entity
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncReport
//	@Failure		423	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/sync/{site}/{entity} [post]
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Sync(r.Context(), groupFrom(r))
	if err != nil {
		writeError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// SyncState handles GET /api/sync/{site}/{entity}.
//
//	@Summary		Get the last sync time and warnings of an entity
//	@Tags			sync
//	@Produce		json
//	@Success		200	{object}	SyncReport
//	@Security		BearerAuth
//	@Router			/sync/{site}/{entity} [get]
func (h *Handler) SyncState(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.SyncState(r.Context(), groupFrom(r))
	if err != nil {
		writeError(w, "sync state", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
