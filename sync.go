package offline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SyncReport summarizes one sync pass.
type SyncReport struct {
	StartedAt     time.Time               `json:"started_at"`
	Duration      time.Duration           `json:"duration"`
	Refreshed     int                     `json:"refreshed"`
	RefreshErrors []string                `json:"refresh_errors,omitempty"`
	Replays       map[string]ReplayReport `json:"replays"`
}

// SyncCoordinator periodically (and on reconnect) refreshes critical cached
// endpoints and drains the offline action queue.
type SyncCoordinator struct {
	cfg        SyncConfig
	categories []string
	reg        *Registry
	queue      *ActionQueue
	fetch      Fetcher
	origin     string
	timeout    time.Duration
	log        *slog.Logger
	stats      *EngineStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	lastReport SyncReport
}

// NewSyncCoordinator creates the coordinator.
func NewSyncCoordinator(reg *Registry, queue *ActionQueue, fetch Fetcher, cfg Config, stats *EngineStats) *SyncCoordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	scfg := cfg.Sync
	if scfg.Interval <= 0 {
		scfg.Interval = 15 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncCoordinator{
		cfg:        scfg,
		categories: cfg.Queue.Categories,
		reg:        reg,
		queue:      queue,
		fetch:      fetch,
		origin:     cfg.Origin,
		timeout:    cfg.FetchTimeout,
		log:        log,
		stats:      stats,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins the periodic sync loop.
func (sc *SyncCoordinator) Start() {
	if !sc.cfg.Enabled {
		return
	}

	sc.mu.Lock()
	if sc.started {
		sc.mu.Unlock()
		return
	}
	sc.started = true
	sc.mu.Unlock()

	sc.wg.Add(1)
	go sc.syncLoop()
}

// Stop gracefully stops the loop.
func (sc *SyncCoordinator) Stop() {
	sc.cancel()
	sc.wg.Wait()
}

func (sc *SyncCoordinator) syncLoop() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.SyncNow(sc.ctx)
		}
	}
}

// SyncNow runs one sync pass: refresh every critical endpoint into the api
// store and replay every queue category. Each endpoint refresh is
// independent; one failing does not block the others. SyncNow is also the
// reconnect trigger.
func (sc *SyncCoordinator) SyncNow(ctx context.Context) SyncReport {
	report := SyncReport{
		StartedAt: time.Now(),
		Replays:   make(map[string]ReplayReport, len(sc.categories)),
	}

	store := sc.reg.StoreName(StoreAPI)
	for _, endpoint := range sc.cfg.CriticalEndpoints {
		if err := sc.refresh(ctx, store, endpoint); err != nil {
			report.RefreshErrors = append(report.RefreshErrors, fmt.Sprintf("%s: %v", endpoint, err))
			sc.log.Debug("endpoint refresh failed", "endpoint", endpoint, "error", err)
			continue
		}
		report.Refreshed++
	}

	for _, category := range sc.categories {
		replay, err := sc.queue.Replay(ctx, sc.fetch, category)
		if err != nil {
			sc.log.Error("queue replay failed", "category", category, "error", err)
			continue
		}
		report.Replays[category] = replay
	}

	report.Duration = time.Since(report.StartedAt)
	if sc.stats != nil {
		sc.stats.SyncRuns.Add(1)
	}
	sc.log.Info("sync complete",
		"refreshed", report.Refreshed,
		"refresh_errors", len(report.RefreshErrors),
		"duration", report.Duration)

	sc.mu.Lock()
	sc.lastReport = report
	sc.mu.Unlock()

	return report
}

// LastReport returns the most recent sync report.
func (sc *SyncCoordinator) LastReport() SyncReport {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastReport
}

// refresh re-fetches one endpoint and overwrites its api store entry.
func (sc *SyncCoordinator) refresh(ctx context.Context, store, endpoint string) error {
	fetchCtx := ctx
	if sc.timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, sc.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, sc.origin+endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := sc.fetch.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isOK(resp.StatusCode) {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	return sc.reg.Put(ctx, store, RequestKey(req), StoredResponse{
		Status:     resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
		InsertedAt: time.Now(),
	})
}
