package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"
)

// ObjectPutter is the part of *s3.Client the cleaner uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds a client from the default AWS credential chain. A
// non-empty endpoint targets an S3-compatible store with path-style URLs.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type CleanerConfig struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Log       *Log
	Retention time.Duration
	Interval  time.Duration
	BatchSize int

	// When S3 and Bucket are set, expired events are uploaded as NDJSON
	// before they are deleted.
	S3     ObjectPutter
	Bucket string
	Prefix string
}

func (cfg *CleanerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Log == nil {
		return errors.New("audit log is required")
	}
	if (cfg.S3 == nil) != (cfg.Bucket == "") {
		return errors.New("archive needs both an s3 client and a bucket")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "security-events/"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Cleaner enforces the security event retention period.
type Cleaner struct {
	log *slog.Logger
	cfg CleanerConfig
}

func NewCleaner(cfg CleanerConfig) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cleaner{log: cfg.Logger, cfg: cfg}, nil
}

func (c *Cleaner) Start(ctx context.Context) {
	c.safeRun(ctx)
	ticker := c.cfg.Clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.safeRun(ctx)
		}
	}
}

func (c *Cleaner) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("audit: cleaner panicked", "panic", r)
			sentry.CurrentHub().Recover(r)
		}
	}()
	res, err := c.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error("audit: cleanup failed", "error", err)
		}
		return
	}
	if res.Deleted > 0 {
		c.log.Info("audit: cleanup completed", "archived", res.Archived, "deleted", res.Deleted, "objects", res.Objects)
	}
}

type CleanResult struct {
	Archived int
	Objects  int
	Deleted  int64
}

// RunOnce archives (when configured) and deletes events older than the
// retention period. An upload failure leaves the batch in place.
func (c *Cleaner) RunOnce(ctx context.Context) (CleanResult, error) {
	var res CleanResult
	cutoff := c.cfg.Clock.Now().Add(-c.cfg.Retention).UTC()

	if c.cfg.S3 == nil {
		n, err := c.cfg.Log.DeleteBefore(ctx, cutoff)
		res.Deleted = n
		return res, err
	}

	for {
		batch, err := c.cfg.Log.List(ctx, Filter{Before: cutoff}, c.cfg.BatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			return res, nil
		}
		if err := c.upload(ctx, batch); err != nil {
			return res, err
		}
		res.Objects++
		res.Archived += len(batch)

		n, err := c.cfg.Log.deleteEvents(ctx, batch)
		res.Deleted += n
		if err != nil {
			return res, err
		}
		if len(batch) < c.cfg.BatchSize {
			return res, nil
		}
	}
}

// ObjectKey names an archive object by the date and time of its first
// event.
func (c *Cleaner) ObjectKey(batch []SecurityEvent) string {
	first, last := batch[0], batch[len(batch)-1]
	return fmt.Sprintf("%s%s/%s-%s.ndjson", c.cfg.Prefix,
		first.CreatedAt.Format("2006/01/02"), first.CreatedAt.Format("20060102T150405Z"), last.ID)
}

func (c *Cleaner) upload(ctx context.Context, batch []SecurityEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range batch {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
	}
	key := c.ObjectKey(batch)
	_, err := c.cfg.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	c.log.Debug("audit: archived events", "key", key, "count", len(batch))
	return nil
}
