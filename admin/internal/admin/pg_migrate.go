package admin

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/giftlane/relay/api/config"
)

// PgMigrateUp runs all pending PostgreSQL migrations.
func PgMigrateUp(log *slog.Logger, cfg config.PgConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return config.Migrate(log, cfg.ConnString())
}

// PgMigrateStatus shows the status of all PostgreSQL migrations.
func PgMigrateStatus(log *slog.Logger, cfg config.PgConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("PostgreSQL migration status", "database", cfg.Database)
	if err := config.MigrationStatus(cfg.ConnString()); err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	return nil
}

type PgResetConfig struct {
	DryRun      bool
	SkipConfirm bool
	// In and Out default to the process's stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// PgMigrateReset rolls back every migration, dropping all relay tables.
func PgMigrateReset(log *slog.Logger, cfg config.PgConfig, opts PgResetConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	fmt.Fprintf(opts.Out, "This will roll back every migration in database '%s' on %s:%s.\n", cfg.Database, cfg.Host, cfg.Port)
	if opts.DryRun {
		fmt.Fprintln(opts.Out, "\n[DRY RUN] Would roll back all migrations")
		return nil
	}
	if !opts.SkipConfirm {
		ok, err := Confirm(opts.In, opts.Out, "all distributables, claims, cursors and security events will be dropped")
		if err != nil || !ok {
			return err
		}
	}

	log.Info("rolling back all PostgreSQL migrations", "database", cfg.Database)
	if err := config.MigrateReset(cfg.ConnString()); err != nil {
		return fmt.Errorf("failed to reset migrations: %w", err)
	}
	log.Info("PostgreSQL migrations reset")
	return nil
}
