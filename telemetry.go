package offline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// Telemetry pushes engine counters to a Prometheus remote-write endpoint so
// fleet-wide cache behavior is observable without the engine hosting any
// scrape surface of its own.
type Telemetry struct {
	cfg    TelemetryConfig
	stats  *EngineStats
	client *http.Client
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewTelemetry creates the telemetry exporter.
func NewTelemetry(cfg TelemetryConfig, stats *EngineStats, log *slog.Logger) *Telemetry {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Telemetry{
		cfg:    cfg,
		stats:  stats,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic export.
func (t *Telemetry) Start() {
	if !t.cfg.Enabled || t.cfg.Endpoint == "" {
		return
	}

	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.loop()
}

// Stop flushes one final export and stops the loop.
func (t *Telemetry) Stop() {
	t.cancel()
	t.wg.Wait()
}

func (t *Telemetry) loop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			if err := t.Push(context.Background()); err != nil {
				t.log.Debug("final telemetry push failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := t.Push(t.ctx); err != nil {
				t.log.Debug("telemetry push failed", "error", err)
			}
		}
	}
}

// Push exports one snapshot of engine counters as a remote-write request.
func (t *Telemetry) Push(ctx context.Context) error {
	snapshot := t.stats.Snapshot()
	now := time.Now().UnixMilli()

	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	req := prompb.WriteRequest{
		Timeseries: make([]prompb.TimeSeries, 0, len(names)),
	}
	for _, name := range names {
		labels := []prompb.Label{{Name: "__name__", Value: name}}
		for k, v := range t.cfg.Labels {
			labels = append(labels, prompb.Label{Name: k, Value: v})
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })

		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: float64(snapshot[name]), Timestamp: now}},
		})
	}

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned status %d", resp.StatusCode)
	}
	return nil
}
