package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/offsync/internal/service"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *service.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Cached resources.
	r.Route("/resources/{site}/{type}/{component}/{id}", func(r chi.Router) {
		r.Get("/", h.GetResource)
		r.Post("/download", h.DownloadResource)
		r.Post("/prefetch", h.PrefetchResource)
		r.Delete("/", h.InvalidateResource)
		r.Get("/children", h.GetChildren)
		r.Post("/children/download", h.DownloadChildren)
	})
	r.Delete("/resources/{site}", h.ClearSite)

	// Offline action buffer.
	r.Get("/actions/{site}/{entity}", h.ListActions)
	r.Post("/actions/{site}/{entity}", h.AddAction)
	r.Delete("/actions/{site}/{entity}", h.ClearActions)
	r.Delete("/actions/{site}/{entity}/{action}", h.RemoveAction)

	// Local edit sessions.
	r.Post("/sessions/{site}/{entity}", h.OpenSession)
	r.Delete("/sessions/{session}", h.CloseSession)

	// Sync.
	r.Post("/sync/{site}/{entity}", h.Sync)
	r.Get("/sync/{site}/{entity}", h.SyncState)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
