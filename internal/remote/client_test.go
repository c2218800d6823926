package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/offsync/internal/apperr"
	"github.com/starford/offsync/internal/models"
)

func TestManifestAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/sites/s1/resources/mod_page/7/manifest" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"revision":"r3","time_modified":10,"files":[{"name":"a","url":"/f/a","size":3},{"name":"b","url":"/f/b","size":4}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithToken("tok"))
	m, err := c.Manifest(context.Background(), models.ResourceKey{SiteID: "s1", Component: "mod_page", ComponentID: "7"})
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if m.Revision != "r3" || len(m.Files) != 2 || m.Size() != 7 {
		t.Errorf("manifest = %+v", m)
	}
}

func TestManifestSharesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"revision":"r1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	key := models.ResourceKey{SiteID: "s1", Component: "mod_page", ComponentID: "7"}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Manifest(context.Background(), key); err != nil {
				t.Errorf("Manifest: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := hits.Load(); n != 1 {
		t.Errorf("remote hit %d times, want 1", n)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, apperr.ErrNotFound},
		{http.StatusConflict, apperr.ErrRemoteConflict},
		{http.StatusUnprocessableEntity, apperr.ErrValidation},
		{http.StatusBadRequest, apperr.ErrValidation},
		{http.StatusServiceUnavailable, apperr.ErrTransientNetwork},
		{http.StatusTooManyRequests, apperr.ErrTransientNetwork},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		_, err := New(srv.URL).EntityState(context.Background(), "s1", "q1")
		srv.Close()
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.code, err, tt.want)
		}
		var se *StatusError
		if !errors.As(err, &se) || se.Message != "nope" {
			t.Errorf("status %d: message not decoded: %v", tt.code, err)
		}
	}
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url).EntityState(context.Background(), "s1", "q1")
	if !errors.Is(err, apperr.ErrTransientNetwork) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sites/s1/entities/q1/submit" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Error(err)
			return
		}
		if sub.Sequence != 2 || sub.IdempotencyKey != "k" || len(sub.Actions) != 2 {
			t.Errorf("submission = %+v", sub)
		}
		_, _ = w.Write([]byte(`{"sequence":4,"patches":[{"op":"replace","path":"/sequence","value":4}]}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Submit(context.Background(), "s1", "q1", Submission{
		Sequence:       2,
		IdempotencyKey: "k",
		Actions:        []json.RawMessage{json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Sequence != 4 || len(res.Patches) != 1 || res.Patches[0].Op != "replace" {
		t.Errorf("result = %+v", res)
	}
}

func TestCapabilitiesAndFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sites/s1/capabilities":
			_, _ = w.Write([]byte(`{"types":["page","resource"]}`))
		case "/files/a.txt":
			_, _ = w.Write([]byte("hello"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	types, err := c.Capabilities(context.Background(), "s1")
	if err != nil || len(types) != 2 {
		t.Fatalf("Capabilities = %v, %v", types, err)
	}
	data, err := c.Fetch(context.Background(), srv.URL+"/files/a.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("Fetch absolute = %q, %v", data, err)
	}
	data, err = c.Fetch(context.Background(), "/files/a.txt")
	if err != nil || string(data) != "hello" {
		t.Errorf("Fetch relative = %q, %v", data, err)
	}
}
