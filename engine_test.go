package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, fetch *fakeFetcher) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = testDBPath(t)
	cfg.Origin = "https://app.test"
	cfg.Precache = []string{"/", "/app.js"}
	cfg.CacheablePatterns = []string{`^/api/`}
	cfg.CriticalPatterns = []string{`^/api/dashboard`}
	cfg.Sync.Enabled = false
	cfg.HTTPClient = fetch
	e, err := New(cfg, &memWindows{})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func seedNetwork(fetch *fakeFetcher) {
	fetch.set("/", 200, "index")
	fetch.set("/app.js", 200, "js")
	fetch.set("/offline", 200, "offline page")
}

func TestEngineStartInstallsAndActivates(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if got := e.Lifecycle().State(); got != StateActivated {
		t.Errorf("expected activated state, got %s", got)
	}
	if e.Lifecycle().ActiveVersion() != "v1" {
		t.Errorf("expected v1 active, got %q", e.Lifecycle().ActiveVersion())
	}
}

func TestEngineStartSkipsInstallWhenCurrent(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	installs := fetch.callCount("/")

	if err := e.Start(ctx); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if fetch.callCount("/") != installs {
		t.Errorf("expected no re-install for the active version")
	}
}

func TestEngineBypassNeverPersists(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	fetch.set("/api/user/actions", 200, "accepted")
	e := newTestEngine(t, fetch)

	req := httptest.NewRequest(http.MethodPost, "https://app.test/api/user/actions", strings.NewReader("body"))
	resp, err := e.HandleRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("bypass failed: %v", err)
	}
	resp.Body.Close()

	// A bypassed response carries no source header and lands in no store.
	if got := resp.Header.Get(SourceHeader); got != "" {
		t.Errorf("expected no source header on bypass, got %q", got)
	}
	reg := e.Registry()
	for _, family := range []string{StoreStatic, StoreDynamic, StoreAPI} {
		keys, err := reg.Keys(context.Background(), reg.StoreName(family))
		if err != nil {
			t.Fatalf("keys failed: %v", err)
		}
		if len(keys) != 0 {
			t.Errorf("expected empty %s store after bypass, got %d entries", family, len(keys))
		}
	}
	if e.Stats().Bypassed.Load() != 1 {
		t.Errorf("expected 1 bypassed request, got %d", e.Stats().Bypassed.Load())
	}
}

func TestEngineDispatchTable(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	fetch.set("/api/jobs/1", 200, "job")
	e := newTestEngine(t, fetch)
	ctx := context.Background()

	if err := e.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		t.Fatalf("install dispatch failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "https://app.test/api/jobs/1", nil)
	if err := e.Dispatch(ctx, Event{Kind: EventFetch, Request: req}); err != nil {
		t.Fatalf("fetch dispatch failed: %v", err)
	}

	if err := e.Dispatch(ctx, Event{Kind: EventPush, Payload: []byte(`{"title":"hi","tag":"t"}`)}); err != nil {
		t.Fatalf("push dispatch failed: %v", err)
	}
	if len(e.Notifier().Visible()) != 1 {
		t.Errorf("expected one visible notification")
	}

	if err := e.Dispatch(ctx, Event{Kind: EventNotificationClick, Tag: "t"}); err != nil {
		t.Fatalf("click dispatch failed: %v", err)
	}

	if err := e.Dispatch(ctx, Event{Kind: EventSync}); err != nil {
		t.Fatalf("sync dispatch failed: %v", err)
	}

	if err := e.Dispatch(ctx, Event{Kind: EventKind("bogus")}); err == nil {
		t.Error("expected error for unknown event kind")
	}
}

func TestEngineForceActivate(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)

	path := testDBPath(t)
	cfg := DefaultConfig()
	cfg.Path = path
	cfg.Origin = "https://app.test"
	cfg.Precache = []string{"/"}
	cfg.Sync.Enabled = false
	cfg.HTTPClient = fetch

	e1, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	if err := e1.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	e1.Close()

	cfg.Version = "v2"
	e2, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to build v2 engine: %v", err)
	}
	defer e2.Close()

	// Hold a client open so the new generation waits.
	e2.Clients().Register(claimFunc{"tab-1", make(map[string]string)})
	if err := e2.Start(context.Background()); err != nil {
		t.Fatalf("v2 start failed: %v", err)
	}
	if got := e2.Lifecycle().State(); got != StateWaiting {
		t.Fatalf("expected waiting state, got %s", got)
	}

	if err := e2.ForceActivate(context.Background()); err != nil {
		t.Fatalf("force-activate failed: %v", err)
	}
	if got := e2.Lifecycle().State(); got != StateActivated {
		t.Errorf("expected activated state, got %s", got)
	}
}

func TestEngineEnqueueAction(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)
	ctx := context.Background()

	if _, err := e.EnqueueAction(ctx, http.MethodPost, "https://app.test/api/user/actions", nil, []byte("x")); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	n, err := e.Queue().Len(ctx)
	if err != nil {
		t.Fatalf("len failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 queued action, got %d", n)
	}
}

func TestEngineHandlerServesFromCache(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	fetch.setOffline(true)

	// The precached asset resolves from the static store even though the
	// backing network is down.
	req := httptest.NewRequest(http.MethodGet, "https://app.test/app.js", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(SourceHeader); got != SourceCache {
		t.Errorf("expected source %q, got %q", SourceCache, got)
	}
	if rec.Body.String() != "js" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestEngineHandlerNetworkRoundTrip(t *testing.T) {
	// A real backend and a real client round trip: the handler receives
	// server-shaped requests (relative URL, RequestURI set) and must still
	// reach the network for uncached reads.
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/app.js", "/offline":
			fmt.Fprint(w, "asset")
		case "/api/jobs/1":
			fmt.Fprint(w, "job one")
		default:
			http.NotFound(w, r)
		}
	}))
	defer backend.Close()

	cfg := DefaultConfig()
	cfg.Path = testDBPath(t)
	cfg.Origin = backend.URL
	cfg.Precache = []string{"/", "/app.js"}
	cfg.CacheablePatterns = []string{`^/api/`}
	cfg.Sync.Enabled = false
	e, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	front := httptest.NewServer(e.Handler())
	defer front.Close()

	resp, err := http.Get(front.URL + "/api/jobs/1")
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != "job one" {
		t.Errorf("unexpected body %q", body)
	}
	if got := resp.Header.Get(SourceHeader); got != SourceNetwork {
		t.Errorf("expected source %q, got %q", SourceNetwork, got)
	}

	// The entry persists under the absolute origin key.
	reg := e.Registry()
	if _, err := reg.Get(ctx, reg.StoreName(StoreAPI), "GET "+backend.URL+"/api/jobs/1"); err != nil {
		t.Errorf("expected persisted api entry under the origin key, got %v", err)
	}
}

func TestEngineHandlerServesSyncRefreshedOffline(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	fetch.set("/api/dashboard", 200, "dashboard data")
	e := newTestEngine(t, fetch)
	ctx := context.Background()

	if err := e.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	report := e.SyncNow(ctx)
	if report.Refreshed == 0 {
		t.Fatalf("expected at least one refreshed endpoint, got %+v", report)
	}

	fetch.setOffline(true)
	front := httptest.NewServer(e.Handler())
	defer front.Close()

	// The server-shaped intercepted request must resolve to the entry the
	// sync coordinator wrote for the same endpoint.
	resp, err := http.Get(front.URL + "/api/dashboard")
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != "dashboard data" {
		t.Errorf("unexpected body %q", body)
	}
	if got := resp.Header.Get(SourceHeader); got != SourceCache {
		t.Errorf("expected source %q, got %q", SourceCache, got)
	}
}

func TestEngineStatsEndpoint(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	mux := http.NewServeMux()
	e.RegisterHTTPHandlers(mux)

	req := httptest.NewRequest(http.MethodGet, "/offline/stats", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Version        string           `json:"version"`
		LifecycleState string           `json:"lifecycle_state"`
		Counters       map[string]int64 `json:"counters"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if body.Version != "v1" || body.LifecycleState != "activated" {
		t.Errorf("unexpected stats %+v", body)
	}
	if _, ok := body.Counters["offline_cache_hits_total"]; !ok {
		t.Errorf("expected counters in stats, got %v", body.Counters)
	}
}

func TestEngineControlEndpoint(t *testing.T) {
	fetch := newFakeFetcher()
	seedNetwork(fetch)
	e := newTestEngine(t, fetch)

	mux := http.NewServeMux()
	e.RegisterHTTPHandlers(mux)

	req := httptest.NewRequest(http.MethodPost, "/offline/control", strings.NewReader(`{"type":"force-activate"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/offline/control", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/offline/control", strings.NewReader(`{"type":"unknown"}`))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown message, got %d", rec.Code)
	}
}
