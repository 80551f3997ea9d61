package offline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// Response source header set on every resolved response so the hosting
// application can tell how a request was answered.
const (
	SourceHeader   = "X-Offline-Source"
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceFallback = "fallback"
)

// Strategies implements the read/write/fallback logic of the three handling
// strategies against the cache registry. Every handler resolves to a terminal
// response (live, cached, or the offline fallback) and returns an error only
// when no fallback tier exists.
type Strategies struct {
	reg          *Registry
	fetch        Fetcher
	timeout      time.Duration
	origin       string
	fallbackPath string
	critical     []*regexp.Regexp
	track        func(func())
	log          *slog.Logger
	stats        *EngineStats

	// Breakers are scoped per request path so a flaky endpoint cannot
	// suppress network attempts for unrelated paths.
	cbMu     sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewStrategies builds the strategy handlers. track registers fire-and-forget
// work (background revalidation) with the engine's lifetime so the process is
// not torn down mid-operation.
func NewStrategies(reg *Registry, fetch Fetcher, cfg Config, track func(func()), stats *EngineStats) (*Strategies, error) {
	critical := make([]*regexp.Regexp, 0, len(cfg.CriticalPatterns))
	for _, p := range cfg.CriticalPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid critical pattern %q: %w", p, err)
		}
		critical = append(critical, re)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Strategies{
		reg:          reg,
		fetch:        fetch,
		timeout:      cfg.FetchTimeout,
		origin:       cfg.Origin,
		fallbackPath: cfg.OfflineFallbackPath,
		critical:     critical,
		track:        track,
		log:          log,
		stats:        stats,
		breakers:     make(map[string]*CircuitBreaker),
	}, nil
}

// breaker returns the circuit breaker for one request path, creating it on
// first use.
func (s *Strategies) breaker(path string) *CircuitBreaker {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	cb, ok := s.breakers[path]
	if !ok {
		cb = NewCircuitBreaker(5, 30*time.Second)
		s.breakers[path] = cb
	}
	return cb
}

// NetworkFirst answers API reads: attempt the network, persist and return a
// successful response, otherwise fall back to the cached entry. With no
// cached entry, critical paths resolve to the offline fallback page and the
// rest propagate the failure.
func (s *Strategies) NetworkFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	store := s.reg.StoreName(StoreAPI)
	key := RequestKey(req)

	sr, fetchErr := s.fetchOnce(ctx, req)
	if fetchErr == nil && isOK(sr.Status) {
		if err := s.reg.Put(ctx, store, key, sr); err != nil {
			s.log.Warn("failed to persist api response", "key", key, "error", err)
		}
		s.stats.NetworkResponses.Add(1)
		return newResponse(req, sr, SourceNetwork), nil
	}

	cached, err := s.reg.Get(ctx, store, key)
	if err == nil {
		s.stats.CacheHits.Add(1)
		return newResponse(req, cached, SourceCache), nil
	}
	s.stats.CacheMisses.Add(1)

	if s.isCritical(req.URL.Path) {
		return s.fallback(ctx, req)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("network-first %s: %w", req.URL.Path, fetchErr)
	}
	// Non-OK response with nothing cached and no fallback tier: the caller
	// sees what the network said.
	return newResponse(req, sr, SourceNetwork), nil
}

// CacheFirst answers static assets: a hit returns immediately with no
// freshness check, assets being content-addressed. A miss fetches the
// network and persists success; total failure resolves to the fallback page.
func (s *Strategies) CacheFirst(ctx context.Context, req *http.Request) (*http.Response, error) {
	store := s.reg.StoreName(StoreStatic)
	key := s.staticKey(req)

	cached, err := s.reg.Get(ctx, store, key)
	if err == nil {
		s.stats.CacheHits.Add(1)
		return newResponse(req, cached, SourceCache), nil
	}
	s.stats.CacheMisses.Add(1)

	sr, fetchErr := s.fetchOnce(ctx, req)
	if fetchErr != nil {
		return s.fallback(ctx, req)
	}
	if isOK(sr.Status) {
		if err := s.reg.Put(ctx, store, key, sr); err != nil {
			s.log.Warn("failed to persist static response", "key", key, "error", err)
		}
	}
	s.stats.NetworkResponses.Add(1)
	return newResponse(req, sr, SourceNetwork), nil
}

// StaleWhileRevalidate answers dynamic pages: a cached entry is returned
// immediately while a tracked background fetch silently overwrites it for
// next time. A miss awaits the network directly; total failure resolves to
// the fallback page.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, req *http.Request) (*http.Response, error) {
	store := s.reg.StoreName(StoreDynamic)
	key := RequestKey(req)

	cached, err := s.reg.Get(ctx, store, key)
	if err == nil {
		revalidate := req.Clone(context.Background())
		s.track(func() { s.revalidate(revalidate, store, key) })
		s.stats.CacheHits.Add(1)
		return newResponse(req, cached, SourceCache), nil
	}
	s.stats.CacheMisses.Add(1)

	sr, fetchErr := s.fetchOnce(ctx, req)
	if fetchErr != nil {
		return s.fallback(ctx, req)
	}
	if isOK(sr.Status) {
		if err := s.reg.Put(ctx, store, key, sr); err != nil {
			s.log.Warn("failed to persist dynamic response", "key", key, "error", err)
		}
	}
	s.stats.NetworkResponses.Add(1)
	return newResponse(req, sr, SourceNetwork), nil
}

// revalidate runs the fire-and-forget half of stale-while-revalidate. The
// caller never awaits it; failures only log.
func (s *Strategies) revalidate(req *http.Request, store, key string) {
	sr, err := s.fetchOnce(context.Background(), req)
	if err != nil {
		s.log.Debug("background revalidation failed", "key", key, "error", err)
		return
	}
	if !isOK(sr.Status) {
		return
	}
	if err := s.reg.Put(context.Background(), store, key, sr); err != nil {
		s.log.Warn("failed to persist revalidated response", "key", key, "error", err)
		return
	}
	s.stats.Revalidations.Add(1)
}

// fallback resolves the reserved offline fallback page from the static store.
func (s *Strategies) fallback(ctx context.Context, req *http.Request) (*http.Response, error) {
	key := http.MethodGet + " " + s.origin + s.fallbackPath
	sr, err := s.reg.Get(ctx, s.reg.StoreName(StoreStatic), key)
	if err != nil {
		return nil, fmt.Errorf("offline fallback unavailable for %s: %w", req.URL.Path, err)
	}
	s.stats.Fallbacks.Add(1)
	return newResponse(req, sr, SourceFallback), nil
}

// fetchOnce performs one bounded network attempt through the circuit
// breaker. A transport failure returns an error; any HTTP status returns a
// stored form of the response.
func (s *Strategies) fetchOnce(ctx context.Context, req *http.Request) (StoredResponse, error) {
	fetchCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var sr StoredResponse
	err := s.breaker(req.URL.Path).Execute(func() error {
		resp, err := s.fetch.Do(req.Clone(fetchCtx))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		sr = StoredResponse{
			Status:     resp.StatusCode,
			Headers:    resp.Header.Clone(),
			Body:       body,
			InsertedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return StoredResponse{}, err
	}
	return sr, nil
}

func (s *Strategies) isCritical(path string) bool {
	for _, re := range s.critical {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// staticKey mirrors the install-time key for precached paths.
func (s *Strategies) staticKey(req *http.Request) string {
	return http.MethodGet + " " + s.origin + req.URL.Path
}

func isOK(status int) bool {
	return status >= 200 && status < 300
}

// newResponse materializes a stored response as an *http.Response for the
// intercepted request.
func newResponse(req *http.Request, sr StoredResponse, source string) *http.Response {
	headers := sr.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set(SourceHeader, source)

	return &http.Response{
		Status:        http.StatusText(sr.Status),
		StatusCode:    sr.Status,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(sr.Body)),
		ContentLength: int64(len(sr.Body)),
		Request:       req,
	}
}
