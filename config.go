package offline

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration.
type Config struct {
	// Path is the file path for the engine's durable store (SQLite).
	Path string

	// Origin is the base URL of the hosting application, used to resolve
	// precache manifest paths and the offline fallback route.
	Origin string

	// Version is the store generation token. Bumping it invalidates every
	// store family on the next install/activate cycle.
	Version string

	// Precache is the enumerated list of absolute paths fetched at install
	// time into the static store. Any entry failing aborts the install.
	Precache []string

	// CacheablePatterns are regular expressions over request paths that
	// select the Network-First strategy against the api store. Any-match
	// semantics; deliberately excludes auth, session and payment endpoints.
	CacheablePatterns []string

	// CriticalPatterns flag API paths whose failure with no cached entry
	// resolves to the offline fallback page instead of an error.
	CriticalPatterns []string

	// OfflineFallbackPath is the reserved route always present in the static
	// store, returned when every other resolution tier fails.
	OfflineFallbackPath string

	// FetchTimeout bounds each network attempt inside a strategy handler.
	// Default: 15s.
	FetchTimeout time.Duration

	// Queue configures the offline action queue.
	Queue QueueConfig

	// Sync configures periodic synchronization.
	Sync SyncConfig

	// Push configures the WebSocket push channel.
	// If nil or Enabled is false, no push channel is opened.
	Push *PushConfig

	// Telemetry configures remote-write export of engine counters.
	// If nil or Enabled is false, no telemetry is exported.
	Telemetry *TelemetryConfig

	// Encryption configures encryption at rest for cached bodies and queued
	// action bodies. If nil or Enabled is false, data is stored unencrypted.
	Encryption *EncryptionConfig

	// Backup configures snapshot export to S3-compatible storage.
	// If nil, no exporter is constructed.
	Backup *BackupConfig

	// HTTPClient overrides the network client used for fetches and replay.
	HTTPClient Fetcher

	// Logger receives engine log output. Default: slog.Default().
	Logger *slog.Logger
}

// Fetcher abstracts the network call a strategy handler or replay makes.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:                "offline.db",
		Version:             "v1",
		OfflineFallbackPath: "/offline",
		FetchTimeout:        15 * time.Second,
		Queue:               DefaultQueueConfig(),
		Sync:                DefaultSyncConfig(),
	}
}

// QueueConfig configures the offline action queue.
type QueueConfig struct {
	// MaxReplayAttempts is the number of replay attempts before an action is
	// marked dead. Dead actions are retained for inspection, never dropped.
	// Default: 8.
	MaxReplayAttempts int

	// ReplayBackoff is the initial delay before a failed action becomes
	// eligible for replay again. Doubles per attempt up to MaxReplayBackoff.
	// Default: 30s.
	ReplayBackoff time.Duration

	// MaxReplayBackoff caps the per-action backoff. Default: 1h.
	MaxReplayBackoff time.Duration

	// Categories are URL substrings partitioning the queue for replay.
	Categories []string
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxReplayAttempts: 8,
		ReplayBackoff:     30 * time.Second,
		MaxReplayBackoff:  time.Hour,
		Categories: []string{
			"/api/assessments/progress",
			"/api/learning/progress",
			"/api/user/actions",
		},
	}
}

// SyncConfig configures the sync coordinator.
type SyncConfig struct {
	// Enabled turns on the periodic sync loop.
	Enabled bool

	// Interval is how often the periodic sync fires. Default: 15m.
	Interval time.Duration

	// CriticalEndpoints is the enumerated list of API paths re-fetched into
	// the api store on each sync so offline access reflects recent data.
	CriticalEndpoints []string
}

// DefaultSyncConfig returns default sync configuration.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Enabled:  true,
		Interval: 15 * time.Minute,
		CriticalEndpoints: []string{
			"/api/users/profile",
			"/api/dashboard",
			"/api/jobs/recommended",
		},
	}
}

// PushConfig configures the WebSocket push channel.
type PushConfig struct {
	// Enabled turns on the push listener.
	Enabled bool

	// URL is the WebSocket endpoint of the push gateway.
	URL string

	// PingInterval is how often to ping the gateway. Default: 30s.
	PingInterval time.Duration

	// ReadTimeout bounds each read from the gateway. Default: 90s.
	ReadTimeout time.Duration
}

// DefaultPushConfig returns default push configuration.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		Enabled:      true,
		PingInterval: 30 * time.Second,
		ReadTimeout:  90 * time.Second,
	}
}

// TelemetryConfig configures Prometheus remote-write export of engine
// counters.
type TelemetryConfig struct {
	// Enabled turns on telemetry export.
	Enabled bool

	// Endpoint is the remote-write URL.
	Endpoint string

	// Interval is how often counters are pushed. Default: 1m.
	Interval time.Duration

	// Labels are attached to every exported series.
	Labels map[string]string
}

// DefaultTelemetryConfig returns default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:  false,
		Interval: time.Minute,
	}
}

// fileConfig is the YAML form of Config. Durations are written as Go
// duration strings ("15s", "1h").
type fileConfig struct {
	Path                string          `yaml:"path"`
	Origin              string          `yaml:"origin"`
	Version             string          `yaml:"version"`
	Precache            []string        `yaml:"precache"`
	CacheablePatterns   []string        `yaml:"cacheable_patterns"`
	CriticalPatterns    []string        `yaml:"critical_patterns"`
	OfflineFallbackPath string          `yaml:"offline_fallback_path"`
	FetchTimeout        duration        `yaml:"fetch_timeout"`
	Queue               fileQueueConfig `yaml:"queue"`
	Sync                fileSyncConfig  `yaml:"sync"`
	Push                *filePushConfig `yaml:"push"`
	Telemetry           *fileTelemetry  `yaml:"telemetry"`
	Encryption          *fileEncryption `yaml:"encryption"`
	Backup              *BackupConfig   `yaml:"backup"`
}

type fileQueueConfig struct {
	MaxReplayAttempts int      `yaml:"max_replay_attempts"`
	ReplayBackoff     duration `yaml:"replay_backoff"`
	MaxReplayBackoff  duration `yaml:"max_replay_backoff"`
	Categories        []string `yaml:"categories"`
}

type fileSyncConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Interval          duration `yaml:"interval"`
	CriticalEndpoints []string `yaml:"critical_endpoints"`
}

type filePushConfig struct {
	Enabled      bool     `yaml:"enabled"`
	URL          string   `yaml:"url"`
	PingInterval duration `yaml:"ping_interval"`
	ReadTimeout  duration `yaml:"read_timeout"`
}

type fileTelemetry struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Interval duration          `yaml:"interval"`
	Labels   map[string]string `yaml:"labels"`
}

type fileEncryption struct {
	Enabled     bool   `yaml:"enabled"`
	KeyPassword string `yaml:"key_password"`
}

// duration wraps time.Duration for YAML decoding.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// LoadConfigFile reads a YAML engine definition and merges it over
// DefaultConfig. Zero-valued fields keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML engine definition.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := DefaultConfig()
	if fc.Path != "" {
		cfg.Path = fc.Path
	}
	if fc.Origin != "" {
		cfg.Origin = fc.Origin
	}
	if fc.Version != "" {
		cfg.Version = fc.Version
	}
	if len(fc.Precache) > 0 {
		cfg.Precache = fc.Precache
	}
	if len(fc.CacheablePatterns) > 0 {
		cfg.CacheablePatterns = fc.CacheablePatterns
	}
	if len(fc.CriticalPatterns) > 0 {
		cfg.CriticalPatterns = fc.CriticalPatterns
	}
	if fc.OfflineFallbackPath != "" {
		cfg.OfflineFallbackPath = fc.OfflineFallbackPath
	}
	if fc.FetchTimeout > 0 {
		cfg.FetchTimeout = time.Duration(fc.FetchTimeout)
	}
	if fc.Queue.MaxReplayAttempts > 0 {
		cfg.Queue.MaxReplayAttempts = fc.Queue.MaxReplayAttempts
	}
	if fc.Queue.ReplayBackoff > 0 {
		cfg.Queue.ReplayBackoff = time.Duration(fc.Queue.ReplayBackoff)
	}
	if fc.Queue.MaxReplayBackoff > 0 {
		cfg.Queue.MaxReplayBackoff = time.Duration(fc.Queue.MaxReplayBackoff)
	}
	if len(fc.Queue.Categories) > 0 {
		cfg.Queue.Categories = fc.Queue.Categories
	}
	cfg.Sync.Enabled = fc.Sync.Enabled
	if fc.Sync.Interval > 0 {
		cfg.Sync.Interval = time.Duration(fc.Sync.Interval)
	}
	if len(fc.Sync.CriticalEndpoints) > 0 {
		cfg.Sync.CriticalEndpoints = fc.Sync.CriticalEndpoints
	}
	if fc.Push != nil {
		push := DefaultPushConfig()
		push.Enabled = fc.Push.Enabled
		push.URL = fc.Push.URL
		if fc.Push.PingInterval > 0 {
			push.PingInterval = time.Duration(fc.Push.PingInterval)
		}
		if fc.Push.ReadTimeout > 0 {
			push.ReadTimeout = time.Duration(fc.Push.ReadTimeout)
		}
		cfg.Push = &push
	}
	if fc.Telemetry != nil {
		tel := DefaultTelemetryConfig()
		tel.Enabled = fc.Telemetry.Enabled
		tel.Endpoint = fc.Telemetry.Endpoint
		if fc.Telemetry.Interval > 0 {
			tel.Interval = time.Duration(fc.Telemetry.Interval)
		}
		tel.Labels = fc.Telemetry.Labels
		cfg.Telemetry = &tel
	}
	if fc.Encryption != nil {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     fc.Encryption.Enabled,
			KeyPassword: fc.Encryption.KeyPassword,
		}
	}
	if fc.Backup != nil {
		cfg.Backup = fc.Backup
	}
	return cfg, nil
}
