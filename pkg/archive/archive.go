// Package archive uploads drill reports to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/harun/drillops/internal/tracing"
	"github.com/harun/drillops/pkg/drill"
)

// ErrConfig is returned when the archive configuration is incomplete.
var ErrConfig = errors.New("invalid archive config")

// Config holds object storage settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Validate checks that every required field is set.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrConfig)
	case c.Bucket == "":
		return fmt.Errorf("%w: bucket is required", ErrConfig)
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("%w: access key and secret key are required", ErrConfig)
	}
	return nil
}

// ObjectPutter is the subset of *minio.Client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// RecordLister reads the persisted step records of a drill.
type RecordLister interface {
	ListStepRecords(ctx context.Context, drillID string) ([]drill.StepRecord, error)
}

// NewMinIOClient builds a client for cfg.
func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates the bucket when it does not exist yet.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
	}
	return nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Report is the archived summary of one drill.
type Report struct {
	DrillID     string             `json:"drill_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Summary     map[string]int     `json:"summary"`
	Steps       []drill.StepRecord `json:"steps"`
}

// Archiver writes drill reports on completion.
type Archiver struct {
	client  ObjectPutter
	bucket  string
	records RecordLister
	logger  zerolog.Logger
	timeout time.Duration
	now     func() time.Time
}

// ArchiverConfig wires an Archiver.
type ArchiverConfig struct {
	Client  ObjectPutter
	Bucket  string
	Records RecordLister
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(cfg ArchiverConfig) *Archiver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		records: cfg.Records,
		logger:  cfg.Logger.With().Str("component", "archive").Logger(),
		timeout: timeout,
		now:     time.Now,
	}
}

// Key returns the object key for a report generated at ts.
func Key(drillID string, ts time.Time) string {
	return fmt.Sprintf("drills/%s/report-%d.json", drillID, ts.Unix())
}

// Archive uploads the current step records of drillID and returns the object key.
func (a *Archiver) Archive(ctx context.Context, drillID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	records, err := a.records.ListStepRecords(ctx, drillID)
	if err != nil {
		return "", fmt.Errorf("list step records: %w", err)
	}

	report := Report{
		DrillID:     drillID,
		GeneratedAt: a.now().UTC(),
		Summary:     make(map[string]int),
		Steps:       records,
	}
	for _, rec := range records {
		report.Summary[string(rec.Status)]++
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	key := Key(drillID, report.GeneratedAt)
	if _, err := a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}

// OnComplete archives a finished drill. Errors are logged and never returned.
func (a *Archiver) OnComplete(ctx context.Context, drillID string) {
	logger := tracing.LoggerFromContext(ctx, a.logger)
	key, err := a.Archive(ctx, drillID)
	if err != nil {
		logger.Error().Err(err).Str("drill_id", drillID).Msg("Failed to archive drill report")
		return
	}
	logger.Info().Str("drill_id", drillID).Str("bucket", a.bucket).Str("key", key).Msg("Drill report archived")
}
