package admin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giftlane/relay/api/config"
	"github.com/giftlane/relay/realtime/pkg/audit"
)

type ArchiveConfig struct {
	Retention time.Duration
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
}

// ArchiveSecurityEvents runs one audit cleanup pass: events older than the
// retention are uploaded to S3 when a bucket is set, then deleted.
func ArchiveSecurityEvents(ctx context.Context, log *slog.Logger, pg config.PgConfig, cfg ArchiveConfig) error {
	pool, err := config.OpenPostgres(ctx, log, pg)
	if err != nil {
		return err
	}
	defer pool.Close()

	auditLog, err := audit.New(audit.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}
	cleanerCfg := audit.CleanerConfig{
		Logger:    log,
		Log:       auditLog,
		Retention: cfg.Retention,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
	}
	if cfg.Bucket != "" {
		s3Client, err := audit.NewS3Client(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return err
		}
		cleanerCfg.S3 = s3Client
	}
	cleaner, err := audit.NewCleaner(cleanerCfg)
	if err != nil {
		return err
	}

	res, err := cleaner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("audit cleanup failed: %w", err)
	}
	fmt.Printf("Archived %d event(s) in %d object(s), deleted %d\n", res.Archived, res.Objects, res.Deleted)
	return nil
}
