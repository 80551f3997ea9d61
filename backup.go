package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
)

// BackupConfig configures snapshot export to S3-compatible storage.
type BackupConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// instead of setting these directly. DO NOT commit credentials to
	// source control.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`

	// MaxRetries for upload attempts (default: 3)
	MaxRetries int `yaml:"max_retries"`
}

// Snapshot is a point-in-time export of the engine's durable state: every
// current-generation cache entry plus the full action queue.
type Snapshot struct {
	Version   string          `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Entries   []CacheEntry    `json:"entries"`
	Actions   []OfflineAction `json:"actions"`
}

// Exporter writes snapshots of the engine's stores and queue to
// S3-compatible object storage for support diagnostics and device migration.
type Exporter struct {
	reg     *Registry
	queue   *ActionQueue
	client  *s3.Client
	cfg     BackupConfig
	retryer *Retryer
}

// NewExporter creates a snapshot exporter.
func NewExporter(reg *Registry, queue *ActionQueue, cfg BackupConfig) (*Exporter, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &Exporter{
		reg:    reg,
		queue:  queue,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsTransient,
		}),
	}, nil
}

// Snapshot collects the current-generation entries and the full queue.
func (e *Exporter) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   e.reg.Version(),
		CreatedAt: time.Now(),
	}

	for _, store := range e.reg.AllowedStores() {
		entries, err := e.reg.Entries(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot store %s: %w", store, err)
		}
		snap.Entries = append(snap.Entries, entries...)
	}

	pending, err := e.queue.Pending(ctx, "")
	if err != nil {
		return nil, err
	}
	dead, err := e.queue.Dead(ctx)
	if err != nil {
		return nil, err
	}
	snap.Actions = append(pending, dead...)

	return snap, nil
}

// Export writes a snapshot as JSON to w.
func (e *Exporter) Export(ctx context.Context, w io.Writer) error {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Upload snapshots the engine state and stores it as one snappy-compressed
// JSON object. Returns the object key.
func (e *Exporter) Upload(ctx context.Context) (string, error) {
	var buf bytes.Buffer
	if err := e.Export(ctx, &buf); err != nil {
		return "", err
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	key := fmt.Sprintf("%ssnapshot-%s-%d.json.sz", e.cfg.Prefix, e.reg.Version(), time.Now().Unix())

	result := e.retryer.Do(ctx, func() error {
		_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(e.cfg.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(compressed),
		})
		return err
	})
	if result.LastErr != nil {
		return "", fmt.Errorf("failed to upload snapshot: %w", result.LastErr)
	}
	return key, nil
}
