package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/giftlane/relay/admin/internal/admin"
	"github.com/giftlane/relay/api/config"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration; flags override POSTGRES_* env vars
	pg := config.PgConfigFromEnv()
	flag.StringVar(&pg.Host, "postgres-host", pg.Host, "PostgreSQL host (or set POSTGRES_HOST env var)")
	flag.StringVar(&pg.Port, "postgres-port", pg.Port, "PostgreSQL port (or set POSTGRES_PORT env var)")
	flag.StringVar(&pg.Database, "postgres-db", pg.Database, "PostgreSQL database (or set POSTGRES_DB env var)")
	flag.StringVar(&pg.Username, "postgres-user", pg.Username, "PostgreSQL user (or set POSTGRES_USER env var)")
	flag.StringVar(&pg.Password, "postgres-password", pg.Password, "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	flag.StringVar(&pg.SSLMode, "postgres-sslmode", pg.SSLMode, "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// Ledger configuration (for backfill)
	rpcURLFlag := flag.String("rpc-url", os.Getenv("RPC_URL"), "EVM JSON-RPC URL (or set RPC_URL env var)")
	chainIDFlag := flag.Int64("chain-id", 0, "chain id, 0 to ask the node (or set CHAIN_ID env var)")
	contractFlag := flag.String("contract", "", "contract address for --backfill and --reset-cursor")
	kindFlag := flag.String("kind", "", "contract kind for --backfill (gift or packet)")
	fromBlockFlag := flag.Uint64("from-block", 0, "first block to backfill (inclusive)")
	toBlockFlag := flag.Int64("to-block", -1, "last block to backfill (inclusive, -1 = confirmed head)")
	maxBlockRangeFlag := flag.Uint64("max-block-range", 2000, "blocks per eth_getLogs request during backfill")
	confirmationsFlag := flag.Uint64("confirmations", 0, "blocks to stay behind the chain head")

	// Token and audit options
	jwtSecretFlag := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "HS256 secret (or set JWT_SECRET env var)")
	jwtIssuerFlag := flag.String("jwt-issuer", os.Getenv("JWT_ISSUER"), "token issuer (or set JWT_ISSUER env var)")
	userFlag := flag.String("user", "", "user address for --issue-token")
	ttlFlag := flag.Duration("ttl", 24*time.Hour, "token lifetime for --issue-token")
	retentionFlag := flag.Duration("audit-retention", 30*24*time.Hour, "security event retention for --audit-archive")
	bucketFlag := flag.String("audit-archive-bucket", os.Getenv("AUDIT_ARCHIVE_BUCKET"), "S3 bucket for archived events (or set AUDIT_ARCHIVE_BUCKET env var)")
	prefixFlag := flag.String("audit-archive-prefix", "security-events/", "S3 key prefix for archived events")
	regionFlag := flag.String("s3-region", "us-east-1", "S3 region (or set AWS_REGION env var)")
	endpointFlag := flag.String("s3-endpoint", os.Getenv("S3_ENDPOINT"), "custom S3 endpoint (or set S3_ENDPOINT env var)")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL migrations using goose")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL migration status")
	pgResetFlag := flag.Bool("pg-reset", false, "Roll back every PostgreSQL migration")
	backfillFlag := flag.Bool("backfill", false, "Replay a contract's events over a block range")
	resetCursorFlag := flag.Bool("reset-cursor", false, "Delete a contract's sync cursor")
	auditArchiveFlag := flag.Bool("audit-archive", false, "Archive and delete expired security events")
	issueTokenFlag := flag.Bool("issue-token", false, "Print a client token for --user")
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if v, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64); err == nil && *chainIDFlag == 0 {
		*chainIDFlag = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" && !flag.CommandLine.Changed("s3-region") {
		*regionFlag = v
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Execute commands
	if *pgMigrateFlag {
		return admin.PgMigrateUp(log, pg)
	}

	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(log, pg)
	}

	if *pgResetFlag {
		return admin.PgMigrateReset(log, pg, admin.PgResetConfig{DryRun: *dryRunFlag, SkipConfirm: *yesFlag})
	}

	if *backfillFlag {
		if *rpcURLFlag == "" {
			return fmt.Errorf("--rpc-url is required for --backfill")
		}
		if *contractFlag == "" {
			return fmt.Errorf("--contract is required for --backfill")
		}
		kind, err := domain.ParseKind(*kindFlag)
		if err != nil {
			return fmt.Errorf("--kind is required for --backfill: %w", err)
		}
		var to *uint64
		if *toBlockFlag >= 0 {
			v := uint64(*toBlockFlag)
			if v < *fromBlockFlag {
				return fmt.Errorf("--to-block %d is before --from-block %d", v, *fromBlockFlag)
			}
			to = &v
		}
		return admin.Backfill(ctx, log, pg, admin.BackfillConfig{
			RPCURL:        *rpcURLFlag,
			ChainID:       *chainIDFlag,
			Contract:      *contractFlag,
			Kind:          kind,
			FromBlock:     *fromBlockFlag,
			ToBlock:       to,
			MaxBlockRange: *maxBlockRangeFlag,
			Confirmations: *confirmationsFlag,
			DryRun:        *dryRunFlag,
		})
	}

	if *resetCursorFlag {
		if *contractFlag == "" {
			return fmt.Errorf("--contract is required for --reset-cursor")
		}
		return admin.ResetCursor(ctx, log, pg, admin.ResetCursorConfig{
			Contract:    *contractFlag,
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
		})
	}

	if *auditArchiveFlag {
		return admin.ArchiveSecurityEvents(ctx, log, pg, admin.ArchiveConfig{
			Retention: *retentionFlag,
			Bucket:    *bucketFlag,
			Prefix:    *prefixFlag,
			Region:    *regionFlag,
			Endpoint:  *endpointFlag,
		})
	}

	if *issueTokenFlag {
		if *userFlag == "" {
			return fmt.Errorf("--user is required for --issue-token")
		}
		token, err := admin.IssueToken(*jwtSecretFlag, *jwtIssuerFlag, *userFlag, *ttlFlag)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	}

	flag.Usage()
	return nil
}
