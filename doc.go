// Package offline provides the client-side offline caching and
// synchronization engine for the Pathwise career platform.
//
// The engine intercepts outgoing requests, classifies each one by URL shape
// and method, and answers it from named persistent cache stores or the live
// network under one of three strategies (Cache-First, Network-First,
// Stale-While-Revalidate). Mutating requests that failed while offline are
// queued durably and replayed on sync triggers, and inbound push payloads
// are converted into tag-collapsed notifications whose clicks route back
// into the hosting application.
//
// # Basic Usage
//
// Build an engine and install its generation:
//
//	cfg := offline.DefaultConfig()
//	cfg.Origin = "https://app.pathwise.io"
//	cfg.Version = "v3"
//	cfg.Precache = []string{"/", "/app.js", "/app.css", "/offline"}
//	cfg.CacheablePatterns = []string{`^/api/jobs`, `^/api/users/profile`}
//
//	engine, err := offline.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	if err := engine.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// Answer intercepted requests:
//
//	resp, err := engine.HandleRequest(ctx, req)
//
// Queue a mutation that failed while offline, to be replayed on the next
// sync trigger:
//
//	engine.EnqueueAction(ctx, "POST", url, headers, body)
//
// All durable state lives in a single SQLite file scoped to the engine's
// registration; nothing in process memory is authoritative, so the engine
// survives being torn down between events.
package offline
