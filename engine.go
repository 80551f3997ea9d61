package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// EngineStats holds the engine's counters. They are process-local and
// disposable: durable truth lives in the registry, and the counters exist
// for telemetry, not correctness.
type EngineStats struct {
	NetworkResponses atomic.Int64
	CacheHits        atomic.Int64
	CacheMisses      atomic.Int64
	Fallbacks        atomic.Int64
	Bypassed         atomic.Int64
	Revalidations    atomic.Int64
	ReplaySuccesses  atomic.Int64
	ReplayFailures   atomic.Int64
	PushesReceived   atomic.Int64
	MalformedPushes  atomic.Int64
	SyncRuns         atomic.Int64
}

// Snapshot returns the counters keyed by metric name.
func (s *EngineStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"offline_network_responses_total": s.NetworkResponses.Load(),
		"offline_cache_hits_total":        s.CacheHits.Load(),
		"offline_cache_misses_total":      s.CacheMisses.Load(),
		"offline_fallbacks_total":         s.Fallbacks.Load(),
		"offline_bypassed_total":          s.Bypassed.Load(),
		"offline_revalidations_total":     s.Revalidations.Load(),
		"offline_replay_success_total":    s.ReplaySuccesses.Load(),
		"offline_replay_failure_total":    s.ReplayFailures.Load(),
		"offline_pushes_total":            s.PushesReceived.Load(),
		"offline_malformed_pushes_total":  s.MalformedPushes.Load(),
		"offline_sync_runs_total":         s.SyncRuns.Load(),
	}
}

// EventKind identifies a triggering event.
type EventKind string

const (
	EventInstall           EventKind = "install"
	EventActivate          EventKind = "activate"
	EventFetch             EventKind = "fetch"
	EventMessage           EventKind = "message"
	EventPush              EventKind = "push"
	EventNotificationClick EventKind = "notificationclick"
	EventSync              EventKind = "sync"
)

// Event is one triggering occurrence delivered to the engine. Fields are
// populated per kind: Request for fetch, Payload for push, Message for
// message, Tag for notificationclick.
type Event struct {
	Kind    EventKind
	Request *http.Request
	Payload []byte
	Message ControlMessage
	Tag     string
}

// EventHandler processes one event. Handlers for distinct events run
// concurrently with no ordering guarantee.
type EventHandler func(ctx context.Context, ev Event) error

// Engine is the offline caching and synchronization engine: a single
// reactive process per registration scope with no persistent thread of
// control between events. All authoritative state lives in the registry;
// anything in memory is re-derivable.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	fetch Fetcher

	reg         *Registry
	clients     *ClientRegistry
	lifecycle   *Lifecycle
	router      *Router
	strategies  *Strategies
	queue       *ActionQueue
	coordinator *SyncCoordinator
	notifier    *Notifier
	push        *PushListener
	telemetry   *Telemetry
	exporter    *Exporter

	handlers map[EventKind]EventHandler
	stats    EngineStats

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// New builds an engine from configuration. windows may be nil when the
// hosting application does not surface notification click routing.
func New(cfg Config, windows WindowOpener) (*Engine, error) {
	if cfg.Path == "" {
		cfg.Path = "offline.db"
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	if cfg.OfflineFallbackPath == "" {
		cfg.OfflineFallbackPath = "/offline"
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if windows == nil {
		windows = noopWindows{}
	}

	reg, err := OpenRegistry(RegistryConfig{
		Path:       cfg.Path,
		Version:    cfg.Version,
		Encryption: cfg.Encryption,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		fetch:   cfg.HTTPClient,
		reg:     reg,
		clients: NewClientRegistry(),
	}

	e.lifecycle = NewLifecycle(reg, e.fetch, e.clients, cfg)

	e.router, err = NewRouter(cfg)
	if err != nil {
		reg.Close()
		return nil, err
	}

	e.strategies, err = NewStrategies(reg, e.fetch, cfg, e.track, &e.stats)
	if err != nil {
		reg.Close()
		return nil, err
	}

	e.queue = NewActionQueue(reg, cfg.Queue, cfg.Logger, &e.stats)
	e.coordinator = NewSyncCoordinator(reg, e.queue, e.fetch, cfg, &e.stats)
	e.notifier = NewNotifier(windows, cfg.Logger, &e.stats)

	if cfg.Push != nil {
		e.push = NewPushListener(*cfg.Push, e.notifier, cfg.Logger)
	}
	if cfg.Telemetry != nil {
		e.telemetry = NewTelemetry(*cfg.Telemetry, &e.stats, cfg.Logger)
	}
	if cfg.Backup != nil {
		e.exporter, err = NewExporter(reg, e.queue, *cfg.Backup)
		if err != nil {
			reg.Close()
			return nil, err
		}
	}

	e.handlers = map[EventKind]EventHandler{
		EventInstall:  func(ctx context.Context, _ Event) error { return e.lifecycle.Install(ctx) },
		EventActivate: func(ctx context.Context, _ Event) error { return e.lifecycle.Activate(ctx) },
		EventFetch: func(ctx context.Context, ev Event) error {
			resp, err := e.HandleRequest(ctx, ev.Request)
			if err != nil {
				return err
			}
			io.Copy(io.Discard, resp.Body)
			return resp.Body.Close()
		},
		EventMessage: func(ctx context.Context, ev Event) error {
			return e.lifecycle.HandleMessage(ctx, ev.Message)
		},
		EventPush: func(_ context.Context, ev Event) error {
			e.notifier.HandlePush(ev.Payload)
			return nil
		},
		EventNotificationClick: func(_ context.Context, ev Event) error {
			return e.notifier.Click(ev.Tag)
		},
		EventSync: func(ctx context.Context, _ Event) error {
			e.coordinator.SyncNow(ctx)
			return nil
		},
	}

	return e, nil
}

// Start installs the engine's generation if it is not already active and
// begins the background coordinators.
func (e *Engine) Start(ctx context.Context) error {
	if e.lifecycle.ActiveVersion() != e.cfg.Version {
		if err := e.lifecycle.Install(ctx); err != nil {
			return err
		}
	}

	e.coordinator.Start()
	if e.push != nil {
		e.push.Start()
	}
	if e.telemetry != nil {
		e.telemetry.Start()
	}
	return nil
}

// Dispatch routes one event through the handler table. The handler and any
// work it tracks keep the engine alive until completion: Close waits for all
// tracked work, which is the extend-lifetime contract every event relies on.
func (e *Engine) Dispatch(ctx context.Context, ev Event) error {
	handler, ok := e.handlers[ev.Kind]
	if !ok {
		return fmt.Errorf("no handler for event kind %q", ev.Kind)
	}
	return handler(ctx, ev)
}

// HandleRequest answers one intercepted request. Non-GET requests bypass the
// engine entirely.
func (e *Engine) HandleRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	req, err := outboundRequest(ctx, e.cfg.Origin, req)
	if err != nil {
		return nil, err
	}

	switch e.router.Classify(req) {
	case RouteBypass:
		e.stats.Bypassed.Add(1)
		return e.fetch.Do(req.Clone(ctx))
	case RouteAPI:
		return e.strategies.NetworkFirst(ctx, req)
	case RouteStatic:
		return e.strategies.CacheFirst(ctx, req)
	default:
		return e.strategies.StaleWhileRevalidate(ctx, req)
	}
}

// outboundRequest rebuilds an intercepted server request as a client request
// against the origin. Server requests carry RequestURI and a relative URL,
// which the HTTP client refuses to send; they also produce relative cache
// keys that would never match the absolute keys the sync coordinator writes.
func outboundRequest(ctx context.Context, origin string, req *http.Request) (*http.Request, error) {
	if req.RequestURI == "" && req.URL.IsAbs() {
		return req, nil
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, origin+req.URL.RequestURI(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	return out, nil
}

// EnqueueAction persists a failed mutation on behalf of the hosting
// application.
func (e *Engine) EnqueueAction(ctx context.Context, method, url string, headers http.Header, body []byte) (OfflineAction, error) {
	return e.queue.Enqueue(ctx, method, url, headers, body)
}

// SyncNow triggers an immediate sync pass (the reconnect trigger).
func (e *Engine) SyncNow(ctx context.Context) SyncReport {
	return e.coordinator.SyncNow(ctx)
}

// ForceActivate is shorthand for the force-activate control message.
func (e *Engine) ForceActivate(ctx context.Context) error {
	return e.lifecycle.HandleMessage(ctx, ControlMessage{Type: MessageForceActivate})
}

// Clients returns the open-client registry for the hosting application.
func (e *Engine) Clients() *ClientRegistry { return e.clients }

// Notifier returns the notification dispatcher.
func (e *Engine) Notifier() *Notifier { return e.notifier }

// Queue returns the offline action queue.
func (e *Engine) Queue() *ActionQueue { return e.queue }

// Registry returns the cache registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Lifecycle returns the lifecycle manager.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Exporter returns the snapshot exporter, or nil when backup is not
// configured.
func (e *Engine) Exporter() *Exporter { return e.exporter }

// Stats returns the engine counters.
func (e *Engine) Stats() *EngineStats { return &e.stats }

// track registers fire-and-forget work with the engine lifetime so teardown
// waits for it.
func (e *Engine) track(fn func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Close stops background work, waits for tracked operations and releases
// the registry.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.coordinator.Stop()
	if e.push != nil {
		e.push.Stop()
	}
	if e.telemetry != nil {
		e.telemetry.Stop()
	}

	e.wg.Wait()
	return e.reg.Close()
}

// noopWindows is used when the hosting application provides no window
// surface; clicks resolve but navigate nowhere.
type noopWindows struct{}

func (noopWindows) Windows() []Window { return nil }

func (noopWindows) Open(url string) (Window, error) { return noopWindow{url: url}, nil }

type noopWindow struct{ url string }

func (w noopWindow) ID() string       { return w.url }
func (w noopWindow) Location() string { return w.url }
func (noopWindow) Focus() error       { return nil }
