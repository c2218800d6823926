package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/offsync/internal/models"
	"github.com/starford/offsync/internal/remote"
	"github.com/starford/offsync/internal/testutil/fixture"
)

// testEnv wires a full stack against a fake remote site.
// An empty authToken means disabled mode.
func testEnv(t *testing.T, authToken string) (*fixture.Env, http.Handler) {
	t.Helper()
	env := fixture.New(t)
	router := NewRouter(env.Service, authToken != "", authToken, env.Bus)
	return env, router
}

func do(t *testing.T, router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		req = httptest.NewRequest(method, target, bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

var pageKey = models.ResourceKey{SiteID: "s1", Component: "mod_page", ComponentID: "7"}

const pagePath = "/resources/s1/resource/mod_page/7"

func addPage(env *fixture.Env) {
	f := env.Site.AddFile("index.html", []byte("<h1>hello</h1>"))
	env.Site.SetManifest(pageKey, remote.Manifest{Revision: "r1", TimeModified: 100, Files: []remote.ManifestFile{f}})
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestResourceLifecycle(t *testing.T) {
	env, router := testEnv(t, "")
	addPage(env)

	w := do(t, router, http.MethodGet, pagePath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	view := decode[ResourceView](t, w)
	if view.Status != models.StatusNotDownloaded {
		t.Errorf("status = %s, want not_downloaded", view.Status)
	}
	if view.Size != int64(len("<h1>hello</h1>")) {
		t.Errorf("size = %d", view.Size)
	}

	w = do(t, router, http.MethodPost, pagePath+"/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download = %d, body = %s", w.Code, w.Body.String())
	}
	view = decode[ResourceView](t, w)
	if view.Status != models.StatusDownloaded {
		t.Errorf("status after download = %s", view.Status)
	}
	if view.Record == nil || view.Record.Revision != "r1" {
		t.Errorf("record = %+v", view.Record)
	}
	data, err := env.Content.ReadFile(pageKey, "index.html")
	if err != nil || string(data) != "<h1>hello</h1>" {
		t.Errorf("cached file = %q, %v", data, err)
	}

	w = do(t, router, http.MethodDelete, pagePath, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("invalidate = %d", w.Code)
	}
	if env.Content.HasPackage(pageKey) {
		t.Error("package still on disk after invalidate")
	}
	w = do(t, router, http.MethodGet, pagePath, nil)
	if got := decode[ResourceView](t, w).Status; got != models.StatusNotDownloaded {
		t.Errorf("status after invalidate = %s", got)
	}
}

func TestPrefetchQueued(t *testing.T) {
	env, router := testEnv(t, "")
	addPage(env)

	w := do(t, router, http.MethodPost, pagePath+"/prefetch", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("prefetch = %d", w.Code)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := env.Statuses.Get(context.Background(), pageKey)
		if err == nil && rec.Status == models.StatusDownloaded {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("prefetch never completed")
}

func TestDownloadRemoteDown(t *testing.T) {
	env, router := testEnv(t, "")
	addPage(env)
	env.Site.Lock()
	env.Site.Down = true
	env.Site.Unlock()

	w := do(t, router, http.MethodPost, pagePath+"/download", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("download while down = %d, want 503", w.Code)
	}
	rec, _ := env.Statuses.Get(context.Background(), pageKey)
	if rec.Status != models.StatusNotDownloaded {
		t.Errorf("status after failed download = %s", rec.Status)
	}
}

func TestUnknownTypeCountsAsDownloaded(t *testing.T) {
	_, router := testEnv(t, "")

	w := do(t, router, http.MethodGet, "/resources/s1/quiz/mod_quiz/3", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decode[ResourceView](t, w).Status; got != models.StatusDownloaded {
		t.Errorf("unknown type status = %s, want downloaded", got)
	}
}

func TestDisabledTypeNotDownloadable(t *testing.T) {
	env, router := testEnv(t, "")
	env.Site.Lock()
	env.Site.Types = []string{"resource"}
	env.Site.Unlock()

	w := do(t, router, http.MethodGet, "/resources/s1/page/mod_page/1", nil)
	if got := decode[ResourceView](t, w).Status; got != models.StatusNotDownloadable {
		t.Errorf("disabled type status = %s", got)
	}
}

func TestActionsCRUD(t *testing.T) {
	_, router := testEnv(t, "")

	for i, p := range []string{`{"answer":"a"}`, `{"answer":"b"}`} {
		w := do(t, router, http.MethodPost, "/actions/s1/q1", AddActionRequest{Payload: json.RawMessage(p), Sequence: 0})
		if w.Code != http.StatusCreated {
			t.Fatalf("add %d = %d, body = %s", i, w.Code, w.Body.String())
		}
	}

	w := do(t, router, http.MethodGet, "/actions/s1/q1", nil)
	list := decode[ActionListResponse](t, w)
	if len(list.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(list.Actions))
	}
	if string(list.Actions[0].Payload) != `{"answer":"a"}` {
		t.Errorf("first payload = %s", list.Actions[0].Payload)
	}

	w = do(t, router, http.MethodDelete, "/actions/s1/q1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", w.Code)
	}
	w = do(t, router, http.MethodGet, "/actions/s1/q1", nil)
	if n := len(decode[ActionListResponse](t, w).Actions); n != 0 {
		t.Errorf("actions after clear = %d", n)
	}
}

func TestAddActionBadRequest(t *testing.T) {
	_, router := testEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/actions/s1/q1", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid JSON = %d, want 400", w.Code)
	}

	w = do(t, router, http.MethodPost, "/actions/s1/q1", map[string]int{"sequence": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing payload = %d, want 400", w.Code)
	}
}

func TestSyncSubmitsBuffer(t *testing.T) {
	env, router := testEnv(t, "")
	env.Site.SetEntity(remote.EntityState{ID: "q1", Sequence: 0})

	for _, p := range []string{`{"answer":"a"}`, `{"answer":"b"}`} {
		do(t, router, http.MethodPost, "/actions/s1/q1", AddActionRequest{Payload: json.RawMessage(p)})
	}

	w := do(t, router, http.MethodPost, "/sync/s1/q1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sync = %d, body = %s", w.Code, w.Body.String())
	}
	rep := decode[SyncReport](t, w)
	if rep.Pending != 0 || len(rep.Warnings) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.LastSync == nil {
		t.Error("last sync not recorded")
	}
	if len(rep.State) == 0 {
		t.Error("entity state not cached after sync")
	}

	subs := env.Site.Submissions()
	if len(subs) != 1 || len(subs[0].Actions) != 2 || subs[0].IdempotencyKey == "" {
		t.Fatalf("submissions = %+v", subs)
	}

	w = do(t, router, http.MethodGet, "/sync/s1/q1", nil)
	if got := decode[SyncReport](t, w); got.LastSync == nil {
		t.Error("GET sync lost last sync time")
	}
}

func TestSyncFinishedEntityWarns(t *testing.T) {
	env, router := testEnv(t, "")
	env.Site.SetEntity(remote.EntityState{ID: "q2", Sequence: 3, Finished: true})
	do(t, router, http.MethodPost, "/actions/s1/q2", AddActionRequest{Payload: json.RawMessage(`{}`), Sequence: 3})

	w := do(t, router, http.MethodPost, "/sync/s1/q2", nil)
	rep := decode[SyncReport](t, w)
	if len(rep.Warnings) != 1 || rep.Warnings[0].Code != models.WarningAttemptFinished {
		t.Errorf("warnings = %+v", rep.Warnings)
	}
	if rep.Pending != 0 {
		t.Errorf("buffer kept: %d", rep.Pending)
	}
	if len(env.Site.Submissions()) != 0 {
		t.Error("finished entity received a submission")
	}
}

func TestSyncRemoteDownKeepsBuffer(t *testing.T) {
	env, router := testEnv(t, "")
	env.Site.SetEntity(remote.EntityState{ID: "q1"})
	do(t, router, http.MethodPost, "/actions/s1/q1", AddActionRequest{Payload: json.RawMessage(`{"a":1}`)})
	env.Site.Lock()
	env.Site.Down = true
	env.Site.Unlock()

	w := do(t, router, http.MethodPost, "/sync/s1/q1", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("sync while down = %d, want 503", w.Code)
	}
	w = do(t, router, http.MethodGet, "/sync/s1/q1", nil)
	rep := decode[SyncReport](t, w)
	if rep.Pending != 1 || rep.LastSync != nil {
		t.Errorf("report after failed sync = %+v", rep)
	}
}

func TestSyncBlockedEntity(t *testing.T) {
	env, router := testEnv(t, "")
	env.Site.SetEntity(remote.EntityState{ID: "q1"})

	w := do(t, router, http.MethodPost, "/sessions/s1/q1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open session = %d, body = %s", w.Code, w.Body.String())
	}
	sess := decode[Session](t, w)
	if sess.ID == "" {
		t.Fatal("session without id")
	}

	w = do(t, router, http.MethodPost, "/sync/s1/q1", nil)
	if w.Code != http.StatusLocked {
		t.Errorf("blocked sync = %d, want 423", w.Code)
	}
	w = do(t, router, http.MethodGet, "/sync/s1/q1", nil)
	if !decode[SyncReport](t, w).Blocked {
		t.Error("sync state does not report the open session")
	}

	w = do(t, router, http.MethodDelete, "/sessions/"+sess.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("close session = %d", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/sessions/"+sess.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second close = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodPost, "/sync/s1/q1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("sync after close = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRemoveAction(t *testing.T) {
	_, router := testEnv(t, "")
	for _, p := range []string{`{"answer":"a"}`, `{"answer":"b"}`} {
		do(t, router, http.MethodPost, "/actions/s1/q1", AddActionRequest{Payload: json.RawMessage(p)})
	}
	list := decode[ActionListResponse](t, do(t, router, http.MethodGet, "/actions/s1/q1", nil))
	if len(list.Actions) != 2 {
		t.Fatalf("actions = %d, want 2", len(list.Actions))
	}
	target := fmt.Sprintf("/actions/s1/q1/%d", list.Actions[0].ID)

	w := do(t, router, http.MethodDelete, target, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove = %d, body = %s", w.Code, w.Body.String())
	}
	w = do(t, router, http.MethodDelete, target, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second remove = %d, want 404", w.Code)
	}
	w = do(t, router, http.MethodDelete, "/actions/s1/q1/x", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", w.Code)
	}

	list = decode[ActionListResponse](t, do(t, router, http.MethodGet, "/actions/s1/q1", nil))
	if len(list.Actions) != 1 || string(list.Actions[0].Payload) != `{"answer":"b"}` {
		t.Errorf("remaining = %+v", list.Actions)
	}
}

func TestClearSite(t *testing.T) {
	env, router := testEnv(t, "")
	addPage(env)
	if w := do(t, router, http.MethodPost, pagePath+"/download", nil); w.Code != http.StatusOK {
		t.Fatalf("download = %d", w.Code)
	}
	do(t, router, http.MethodPost, "/actions/s1/q1", AddActionRequest{Payload: json.RawMessage(`{"a":1}`)})

	w := do(t, router, http.MethodDelete, "/resources/s1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("clear site = %d, body = %s", w.Code, w.Body.String())
	}
	if env.Content.HasPackage(pageKey) {
		t.Error("package still on disk after clearing the site")
	}
	w = do(t, router, http.MethodGet, pagePath, nil)
	if got := decode[ResourceView](t, w).Status; got != models.StatusNotDownloaded {
		t.Errorf("status after clear = %s", got)
	}
	// Unsent answers survive.
	w = do(t, router, http.MethodGet, "/actions/s1/q1", nil)
	if n := len(decode[ActionListResponse](t, w).Actions); n != 1 {
		t.Errorf("actions after clear = %d, want 1", n)
	}
}

func TestFolderChildren(t *testing.T) {
	env, router := testEnv(t, "")
	addPage(env)
	folderKey := models.ResourceKey{SiteID: "s1", Component: "mod_folder", ComponentID: "3"}
	env.Site.SetManifest(folderKey, remote.Manifest{
		Revision: "f1",
		Children: []models.Resource{{Key: pageKey, Type: "resource"}},
	})
	const folderPath = "/resources/s1/folder/mod_folder/3"

	w := do(t, router, http.MethodGet, folderPath+"/children", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("children = %d, body = %s", w.Code, w.Body.String())
	}
	view := decode[ContainerView](t, w)
	if len(view.Children) != 1 || view.Children[0].Key != pageKey {
		t.Fatalf("children = %+v", view.Children)
	}
	if view.Status != models.StatusNotDownloaded {
		t.Errorf("status = %s, want not_downloaded", view.Status)
	}

	w = do(t, router, http.MethodPost, folderPath+"/children/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download children = %d, body = %s", w.Code, w.Body.String())
	}
	if got := decode[ContainerView](t, w).Status; got != models.StatusDownloaded {
		t.Errorf("status after download = %s", got)
	}
	if !env.Content.HasPackage(pageKey) {
		t.Error("child not cached")
	}

	w = do(t, router, http.MethodGet, pagePath+"/children", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("children of a plain resource = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/actions/s1/q1", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed list = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	w := do(t, router, http.MethodGet, "/actions/s1/q1", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	_, router := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/actions/s1/q1", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

// SSE endpoint tests.

func TestSSEEvents_AuthProtected(t *testing.T) {
	_, router := testEnv(t, "secret")

	w := do(t, router, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_StreamsStatusChanges(t *testing.T) {
	env, router := testEnv(t, "tok")
	addPage(env)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer tok")
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for env.Bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := env.Prefetch.Download(context.Background(), models.Resource{Key: pageKey, Type: "resource"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, `"status":"downloaded"`) {
		t.Errorf("stream missing downloaded event: %q", body)
	}
}
