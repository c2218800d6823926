// Package fixture wires a complete offsync stack against an in-process fake
// of the remote site for surface-level tests.
package fixture

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/offsync/internal/content"
	"github.com/starford/offsync/internal/events"
	"github.com/starford/offsync/internal/handlers"
	"github.com/starford/offsync/internal/metacache"
	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/offline"
	"github.com/starford/offsync/internal/prefetch"
	"github.com/starford/offsync/internal/registry"
	"github.com/starford/offsync/internal/remote"
	"github.com/starford/offsync/internal/service"
	"github.com/starford/offsync/internal/status"
	"github.com/starford/offsync/internal/store"
	"github.com/starford/offsync/internal/syncer"
	"github.com/starford/offsync/internal/testutil"
)

// Site is a fake remote site. Its maps may be edited by tests; guard edits
// made while requests are in flight with Lock/Unlock.
type Site struct {
	sync.Mutex

	Types     []string
	Manifests map[models.ResourceKey]remote.Manifest
	Files     map[string][]byte
	Entities  map[string]*remote.EntityState
	Submitted []remote.Submission
	// Down makes every request fail with 503.
	Down bool
}

// NewSite returns an empty site serving the built-in content types.
func NewSite() *Site {
	return &Site{
		Types:     []string{handlers.TypeResource, handlers.TypePage, handlers.TypeFolder},
		Manifests: make(map[models.ResourceKey]remote.Manifest),
		Files:     make(map[string][]byte),
		Entities:  make(map[string]*remote.EntityState),
	}
}

// AddFile registers a downloadable file and returns its relative URL.
func (s *Site) AddFile(name string, data []byte) remote.ManifestFile {
	s.Lock()
	defer s.Unlock()
	s.Files[name] = data
	return remote.ManifestFile{Name: name, URL: "/files/" + name, Size: int64(len(data))}
}

// SetManifest registers the manifest of a resource.
func (s *Site) SetManifest(key models.ResourceKey, m remote.Manifest) {
	s.Lock()
	defer s.Unlock()
	s.Manifests[key] = m
}

// SetEntity registers the remote state of an entity.
func (s *Site) SetEntity(e remote.EntityState) {
	s.Lock()
	defer s.Unlock()
	s.Entities[e.ID] = &e
}

// Submissions returns the submissions received so far.
func (s *Site) Submissions() []remote.Submission {
	s.Lock()
	defer s.Unlock()
	return append([]remote.Submission(nil), s.Submitted...)
}

func (s *Site) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Handler returns the HTTP handler of the site.
func (s *Site) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			s.Lock()
			down := s.Down
			s.Unlock()
			if down {
				s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/sites/{site}/capabilities", func(w http.ResponseWriter, req *http.Request) {
		s.Lock()
		defer s.Unlock()
		s.writeJSON(w, http.StatusOK, map[string][]string{"types": s.Types})
	})
	r.Get("/sites/{site}/resources/{component}/{id}/manifest", func(w http.ResponseWriter, req *http.Request) {
		key := models.ResourceKey{
			SiteID:      chi.URLParam(req, "site"),
			Component:   chi.URLParam(req, "component"),
			ComponentID: chi.URLParam(req, "id"),
		}
		s.Lock()
		m, ok := s.Manifests[key]
		s.Unlock()
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such resource"})
			return
		}
		s.writeJSON(w, http.StatusOK, m)
	})
	r.Get("/files/{name}", func(w http.ResponseWriter, req *http.Request) {
		s.Lock()
		data, ok := s.Files[chi.URLParam(req, "name")]
		s.Unlock()
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such file"})
			return
		}
		_, _ = w.Write(data)
	})
	r.Get("/sites/{site}/entities/{id}", func(w http.ResponseWriter, req *http.Request) {
		s.Lock()
		e, ok := s.Entities[chi.URLParam(req, "id")]
		var cp remote.EntityState
		if ok {
			cp = *e
		}
		s.Unlock()
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such entity"})
			return
		}
		s.writeJSON(w, http.StatusOK, cp)
	})
	r.Post("/sites/{site}/entities/{id}/submit", func(w http.ResponseWriter, req *http.Request) {
		var sub remote.Submission
		if err := json.NewDecoder(req.Body).Decode(&sub); err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad body"})
			return
		}
		s.Lock()
		defer s.Unlock()
		e, ok := s.Entities[chi.URLParam(req, "id")]
		if !ok {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such entity"})
			return
		}
		if sub.Sequence != e.Sequence {
			s.writeJSON(w, http.StatusConflict, map[string]string{"error": "sequence moved"})
			return
		}
		s.Submitted = append(s.Submitted, sub)
		e.Sequence += int64(len(sub.Actions))
		s.writeJSON(w, http.StatusOK, remote.SubmitResult{Sequence: e.Sequence})
	})
	return r
}

// Env is a fully wired stack.
type Env struct {
	Site     *Site
	Server   *httptest.Server
	DB       *store.DB
	Content  *content.Store
	Cache    *metacache.Cache
	Bus      *events.Bus
	Statuses *status.Store
	Prefetch *prefetch.Coordinator
	Actions  *offline.Store
	Syncer   *syncer.Coordinator
	Service  *service.Service
}

// QuietLogger logs errors only.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// New builds an Env. Everything is torn down with the test.
func New(t *testing.T) *Env {
	t.Helper()
	logger := QuietLogger()

	site := NewSite()
	srv := httptest.NewServer(site.Handler())
	t.Cleanup(srv.Close)

	db := testutil.TestDB(t)
	_, cs := testutil.TestContent(t)

	cache, err := metacache.Open(filepath.Join(t.TempDir(), "meta"), time.Minute, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	client := remote.New(srv.URL, remote.WithTimeout(5*time.Second), remote.WithLogger(logger))

	reg := registry.New()
	if err := handlers.RegisterBuiltin(reg, client, cs, cache, logger); err != nil {
		t.Fatal(err)
	}

	statuses := status.NewStore(db, bus, logger)
	pf := prefetch.New(reg, statuses,
		prefetch.WithLogger(logger),
		prefetch.WithMetaCache(cache),
		prefetch.WithSiteContent(cs),
	)
	t.Cleanup(pf.Close)

	actions := offline.NewStore(db, logger)
	sc := syncer.New(actions, client, db,
		syncer.WithLogger(logger),
		syncer.WithEntityCache(cache),
		syncer.WithPublisher(bus),
	)
	t.Cleanup(sc.Close)

	svc := service.New(pf, actions, sc, service.WithLogger(logger), service.WithEntities(cache))

	return &Env{
		Site: site, Server: srv, DB: db, Content: cs, Cache: cache, Bus: bus,
		Statuses: statuses, Prefetch: pf, Actions: actions, Syncer: sc, Service: svc,
	}
}
