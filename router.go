package offline

import (
	"fmt"
	"net/http"
	"regexp"
)

// Route identifies the handling strategy chosen for an intercepted request.
type Route int

const (
	// RouteBypass goes straight to the network. Mutating requests are never
	// transparently cached or retried: doing so generically risks duplicate
	// side effects. Only the hosting application may explicitly enqueue a
	// failed mutation.
	RouteBypass Route = iota
	// RouteAPI dispatches to Network-First against the api store.
	RouteAPI
	// RouteStatic dispatches to Cache-First against the static store.
	RouteStatic
	// RouteDynamic dispatches to Stale-While-Revalidate against the dynamic
	// store.
	RouteDynamic
)

func (r Route) String() string {
	switch r {
	case RouteBypass:
		return "bypass"
	case RouteAPI:
		return "api"
	case RouteStatic:
		return "static"
	case RouteDynamic:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Router classifies every intercepted request into a handling strategy by
// method and URL shape.
type Router struct {
	apiPatterns []*regexp.Regexp
	precache    map[string]struct{}
}

// NewRouter compiles the cacheable API pattern list and indexes the precache
// manifest.
func NewRouter(cfg Config) (*Router, error) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.CacheablePatterns))
	for _, p := range cfg.CacheablePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid cacheable pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	precache := make(map[string]struct{}, len(cfg.Precache)+1)
	for _, p := range cfg.Precache {
		precache[p] = struct{}{}
	}
	if cfg.OfflineFallbackPath != "" {
		precache[cfg.OfflineFallbackPath] = struct{}{}
	}

	return &Router{apiPatterns: patterns, precache: precache}, nil
}

// Classify picks the strategy for a request. Pattern matching uses any-match
// semantics; there is no ordered priority among the API patterns.
func (r *Router) Classify(req *http.Request) Route {
	if req.Method != http.MethodGet {
		return RouteBypass
	}

	path := req.URL.Path
	for _, re := range r.apiPatterns {
		if re.MatchString(path) {
			return RouteAPI
		}
	}

	if _, ok := r.precache[path]; ok {
		return RouteStatic
	}

	return RouteDynamic
}
