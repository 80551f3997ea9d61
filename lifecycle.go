package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// LifecycleState tracks the engine's install/activate progression. The
// transition order is linear: Installing → Waiting → Activating → Activated.
type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActivated
)

func (s LifecycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

func parseLifecycleState(s string) LifecycleState {
	switch s {
	case "installing":
		return StateInstalling
	case "waiting":
		return StateWaiting
	case "activating":
		return StateActivating
	case "activated":
		return StateActivated
	default:
		return StateIdle
	}
}

// ErrInstallFailed is returned when any precache manifest entry cannot be
// fetched. The failure is fatal to the candidate generation only; a
// previously activated generation stays in control.
var ErrInstallFailed = errors.New("install failed")

// ControlMessage is the single external control surface: the hosting
// application posts {type: "force-activate"} to promote a waiting install.
type ControlMessage struct {
	Type string `json:"type"`
}

// MessageForceActivate promotes a waiting install immediately, bypassing the
// wait-for-all-clients-closed behavior.
const MessageForceActivate = "force-activate"

// Client is an open application instance the engine can claim. Claim is
// invoked on activation without requiring a reload; a page loaded under the
// old generation may briefly mix old in-memory logic with the new engine,
// which is accepted rather than forcing a reload.
type Client interface {
	ID() string
	Claim(version string)
}

// ClientRegistry tracks open application instances.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]Client
	onEmpty func()
}

// NewClientRegistry creates an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]Client)}
}

// Register adds a client.
func (cr *ClientRegistry) Register(c Client) {
	cr.mu.Lock()
	cr.clients[c.ID()] = c
	cr.mu.Unlock()
}

// Unregister removes a client. When the last one leaves, the registered
// onEmpty callback fires, which lets a waiting generation activate.
func (cr *ClientRegistry) Unregister(id string) {
	cr.mu.Lock()
	delete(cr.clients, id)
	empty := len(cr.clients) == 0
	cb := cr.onEmpty
	cr.mu.Unlock()

	if empty && cb != nil {
		cb()
	}
}

// Count returns the number of open clients.
func (cr *ClientRegistry) Count() int {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return len(cr.clients)
}

// ClaimAll hands every open client to the given engine version.
func (cr *ClientRegistry) ClaimAll(version string) int {
	cr.mu.Lock()
	clients := make([]Client, 0, len(cr.clients))
	for _, c := range cr.clients {
		clients = append(clients, c)
	}
	cr.mu.Unlock()

	for _, c := range clients {
		c.Claim(version)
	}
	return len(clients)
}

func (cr *ClientRegistry) setOnEmpty(cb func()) {
	cr.mu.Lock()
	cr.onEmpty = cb
	cr.mu.Unlock()
}

// Lifecycle governs install → activate transitions for one engine version:
// precaching the static manifest, retiring stale store generations, and
// deciding when the new generation takes control of open clients.
type Lifecycle struct {
	reg          *Registry
	fetch        Fetcher
	clients      *ClientRegistry
	origin       string
	precache     []string
	fallbackPath string
	timeout      time.Duration
	log          *slog.Logger

	mu sync.Mutex
}

// NewLifecycle creates the lifecycle manager for the registry's generation.
func NewLifecycle(reg *Registry, fetch Fetcher, clients *ClientRegistry, cfg Config) *Lifecycle {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	l := &Lifecycle{
		reg:          reg,
		fetch:        fetch,
		clients:      clients,
		origin:       cfg.Origin,
		precache:     cfg.Precache,
		fallbackPath: cfg.OfflineFallbackPath,
		timeout:      cfg.FetchTimeout,
		log:          log,
	}
	clients.setOnEmpty(func() {
		if l.State() == StateWaiting {
			if err := l.Activate(context.Background()); err != nil {
				log.Error("activation after last client closed failed", "error", err)
			}
		}
	})
	return l
}

// State returns the persisted lifecycle state. The state lives in the
// durable store, never only in memory, since the process may be torn down
// between events.
func (l *Lifecycle) State() LifecycleState {
	value, err := l.reg.stateGet(context.Background(), "lifecycle_state")
	if err != nil {
		l.log.Error("failed to read lifecycle state", "error", err)
		return StateIdle
	}
	return parseLifecycleState(value)
}

// ActiveVersion returns the generation currently in control, or "".
func (l *Lifecycle) ActiveVersion() string {
	value, err := l.reg.stateGet(context.Background(), "active_version")
	if err != nil {
		l.log.Error("failed to read active version", "error", err)
		return ""
	}
	return value
}

func (l *Lifecycle) setState(ctx context.Context, s LifecycleState) error {
	return l.reg.stateSet(ctx, "lifecycle_state", s.String())
}

// Install fetches every precache manifest path into the static store as one
// atomic batch. If any path fails, nothing is written, the candidate
// generation is discarded and the previously active generation (if any)
// remains in control. On success the generation activates immediately when
// no prior generation is active, otherwise it waits.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	previous := l.ActiveVersion()
	if err := l.setState(ctx, StateInstalling); err != nil {
		return err
	}

	paths := l.manifestPaths()
	entries := make(map[string]StoredResponse, len(paths))
	for _, path := range paths {
		resp, err := l.fetchPath(ctx, path)
		if err != nil {
			// Discard the candidate: restore the prior state untouched.
			restore := StateIdle
			if previous != "" {
				restore = StateActivated
			}
			if stateErr := l.setState(ctx, restore); stateErr != nil {
				l.log.Error("failed to restore lifecycle state", "error", stateErr)
			}
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, path, err)
		}
		entries[l.staticKey(path)] = resp
	}

	store := l.reg.StoreName(StoreStatic)
	if err := l.reg.PutBatch(ctx, store, entries); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	l.log.Info("install complete", "version", l.reg.Version(), "assets", len(entries))

	if previous == "" || previous == l.reg.Version() {
		return l.activateLocked(ctx)
	}
	return l.setState(ctx, StateWaiting)
}

// Activate retires every store generation outside the current allowed set
// and immediately takes control of all open clients.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activateLocked(ctx)
}

func (l *Lifecycle) activateLocked(ctx context.Context) error {
	if err := l.setState(ctx, StateActivating); err != nil {
		return err
	}

	purged, err := l.reg.PurgeExcept(ctx, l.reg.AllowedStores())
	if err != nil {
		return fmt.Errorf("failed to purge stale generations: %w", err)
	}

	if err := l.reg.stateSet(ctx, "active_version", l.reg.Version()); err != nil {
		return err
	}
	if err := l.setState(ctx, StateActivated); err != nil {
		return err
	}

	claimed := l.clients.ClaimAll(l.reg.Version())
	l.log.Info("activated", "version", l.reg.Version(), "purged_stores", len(purged), "claimed_clients", claimed)
	return nil
}

// HandleMessage processes a control message from the hosting application.
func (l *Lifecycle) HandleMessage(ctx context.Context, msg ControlMessage) error {
	switch msg.Type {
	case MessageForceActivate:
		if l.State() != StateWaiting {
			return nil
		}
		return l.Activate(ctx)
	default:
		return fmt.Errorf("unknown control message type %q", msg.Type)
	}
}

// manifestPaths returns the precache list with the offline fallback route
// guaranteed present.
func (l *Lifecycle) manifestPaths() []string {
	paths := make([]string, 0, len(l.precache)+1)
	seen := make(map[string]struct{}, len(l.precache)+1)
	for _, p := range l.precache {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	if l.fallbackPath != "" {
		if _, ok := seen[l.fallbackPath]; !ok {
			paths = append(paths, l.fallbackPath)
		}
	}
	return paths
}

// staticKey is the store key for a precached path. Static assets are
// content-addressed: no negotiation headers participate in the key.
func (l *Lifecycle) staticKey(path string) string {
	return http.MethodGet + " " + l.origin + path
}

func (l *Lifecycle) fetchPath(ctx context.Context, path string) (StoredResponse, error) {
	fetchCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, l.origin+path, nil)
	if err != nil {
		return StoredResponse{}, err
	}

	resp, err := l.fetch.Do(req)
	if err != nil {
		return StoredResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StoredResponse{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StoredResponse{}, err
	}

	return StoredResponse{
		Status:     resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		InsertedAt: time.Now(),
	}, nil
}
