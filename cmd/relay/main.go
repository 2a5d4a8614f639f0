package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/giftlane/relay/api/config"
	"github.com/giftlane/relay/api/handlers"
	"github.com/giftlane/relay/api/metrics"
	"github.com/giftlane/relay/api/server"
	"github.com/giftlane/relay/claims/pkg/coordinator"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/watcher"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/realtime/pkg/auth"
	"github.com/giftlane/relay/realtime/pkg/gateway"
	"github.com/giftlane/relay/realtime/pkg/notify"
	"github.com/giftlane/relay/realtime/pkg/ratelimit"
	"github.com/giftlane/relay/store"
	"github.com/giftlane/relay/utils/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit JSON logs")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address (or set LISTEN_ADDR env var)")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "prometheus metrics listen address, empty to disable (or set METRICS_ADDR env var)")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 15*time.Second, "maximum time to drain HTTP connections on shutdown")

	// Ledger
	rpcURLFlag := flag.String("rpc-url", "", "EVM JSON-RPC URL (or set RPC_URL env var)")
	chainIDFlag := flag.Int64("chain-id", 0, "chain id, 0 to ask the node (or set CHAIN_ID env var)")
	giftContractFlag := flag.String("gift-contract", "", "gift contract address (or set GIFT_CONTRACT env var)")
	packetContractFlag := flag.String("packet-contract", "", "packet contract address (or set PACKET_CONTRACT env var)")
	pollIntervalFlag := flag.Duration("poll-interval", 12*time.Second, "ledger poll interval")
	confirmationsFlag := flag.Uint64("confirmations", 0, "blocks to stay behind the chain head")
	blockIntervalFlag := flag.Duration("block-interval", 12*time.Second, "expected ledger block time")
	expiryGraceFlag := flag.Duration("expiry-grace", 0, "delay past expires_at before a gift is swept as expired, 0 for two poll intervals plus the confirmation depth (or set EXPIRY_GRACE env var)")
	nativeSymbolFlag := flag.String("native-symbol", "ETH", "native asset symbol")
	nativeNameFlag := flag.String("native-name", "Ether", "native asset name")
	nativeDecimalsFlag := flag.Int32("native-decimals", 18, "native asset decimals")

	// Auth and access
	jwtSecretFlag := flag.String("jwt-secret", "", "HS256 secret for client tokens (or set JWT_SECRET env var)")
	jwtIssuerFlag := flag.String("jwt-issuer", "", "expected token issuer (or set JWT_ISSUER env var)")
	adminsFlag := flag.StringSlice("admin", nil, "addresses allowed to read operator endpoints (or set ADMIN_ADDRESSES env var)")
	originsFlag := flag.StringSlice("allowed-origin", nil, "allowed browser origins, empty allows any (or set ALLOWED_ORIGINS env var)")
	trustProxyFlag := flag.Bool("trust-proxy", false, "use X-Forwarded-For for client IPs (or set TRUST_PROXY=true env var)")
	apiRateFlag := flag.Int("api-requests-per-minute", 120, "per-IP HTTP API request budget")

	// Audit
	geoipPathFlag := flag.String("geoip-db", "", "MaxMind country database path (or set GEOIP_DB_PATH env var)")
	auditRetentionFlag := flag.Duration("audit-retention", 30*24*time.Hour, "security event retention")
	archiveBucketFlag := flag.String("audit-archive-bucket", "", "S3 bucket for expired security events (or set AUDIT_ARCHIVE_BUCKET env var)")
	archivePrefixFlag := flag.String("audit-archive-prefix", "security-events/", "S3 key prefix for archived events")
	s3RegionFlag := flag.String("s3-region", "us-east-1", "S3 region (or set AWS_REGION env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "custom S3 endpoint (or set S3_ENDPOINT env var)")

	flag.Parse()

	overrideString(listenAddrFlag, "LISTEN_ADDR")
	overrideString(metricsAddrFlag, "METRICS_ADDR")
	overrideString(rpcURLFlag, "RPC_URL")
	overrideString(giftContractFlag, "GIFT_CONTRACT")
	overrideString(packetContractFlag, "PACKET_CONTRACT")
	overrideString(jwtSecretFlag, "JWT_SECRET")
	overrideString(jwtIssuerFlag, "JWT_ISSUER")
	overrideString(geoipPathFlag, "GEOIP_DB_PATH")
	overrideString(archiveBucketFlag, "AUDIT_ARCHIVE_BUCKET")
	overrideString(s3RegionFlag, "AWS_REGION")
	overrideString(s3EndpointFlag, "S3_ENDPOINT")
	overrideList(adminsFlag, "ADMIN_ADDRESSES")
	overrideList(originsFlag, "ALLOWED_ORIGINS")
	if v, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64); err == nil {
		*chainIDFlag = v
	}
	if v, err := time.ParseDuration(os.Getenv("EXPIRY_GRACE")); err == nil {
		*expiryGraceFlag = v
	}
	if os.Getenv("TRUST_PROXY") == "true" {
		*trustProxyFlag = true
	}

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})

	if *rpcURLFlag == "" {
		return errors.New("--rpc-url is required")
	}
	if *giftContractFlag == "" && *packetContractFlag == "" {
		return errors.New("at least one of --gift-contract or --packet-contract is required")
	}
	if *jwtSecretFlag == "" {
		return errors.New("--jwt-secret is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Release:     version,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	// Storage
	pool, err := config.OpenPostgres(ctx, log, config.PgConfigFromEnv())
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, locker, err := config.OpenRedis(ctx, log, config.RedisConfigFromEnv())
	if err != nil {
		return err
	}
	defer rdb.Close()

	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	bus, err := notify.New(notify.Config{Logger: log, Redis: rdb})
	if err != nil {
		return fmt.Errorf("failed to create notify bus: %w", err)
	}

	// Ledger
	client, err := evm.NewClient(evm.ClientConfig{URL: *rpcURLFlag})
	if err != nil {
		return fmt.Errorf("failed to create rpc client: %w", err)
	}
	defer client.Close()
	chainID := *chainIDFlag
	if chainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			return fmt.Errorf("failed to read chain id: %w", err)
		}
	}
	log.Info("ledger: connected", "chain_id", chainID)

	contracts := map[domain.Kind]string{
		domain.KindGift:   *giftContractFlag,
		domain.KindPacket: *packetContractFlag,
	}
	watchers := make(map[domain.Kind]*watcher.Watcher)
	ingesters := make(map[domain.Kind]coordinator.TxIngester)
	for _, kind := range []domain.Kind{domain.KindGift, domain.KindPacket} {
		addr := contracts[kind]
		if addr == "" {
			continue
		}
		w, err := watcher.New(watcher.Config{
			Logger:        log.With("kind", kind),
			Ledger:        client,
			Store:         st,
			Notifier:      bus,
			Contract:      watcher.Contract{Address: addr, Kind: kind, ChainID: chainID},
			PollInterval:  *pollIntervalFlag,
			Confirmations: *confirmationsFlag,
			BlockInterval: *blockIntervalFlag,
			ExpiryGrace:   *expiryGraceFlag,
			Native: watcher.NativeAsset{
				Symbol:   *nativeSymbolFlag,
				Name:     *nativeNameFlag,
				Decimals: *nativeDecimalsFlag,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create %s watcher: %w", kind, err)
		}
		watchers[kind] = w
		ingesters[kind] = w
	}

	coord, err := coordinator.New(coordinator.Config{
		Logger:    log,
		Store:     st,
		Redis:     rdb,
		Locker:    locker,
		Notifier:  bus,
		Ingesters: ingesters,
		ChainID:   chainID,
		Rand:      rand.Reader,
	})
	if err != nil {
		return fmt.Errorf("failed to create claim coordinator: %w", err)
	}

	// Realtime
	var geo audit.GeoResolver
	if *geoipPathFlag != "" {
		mm, err := audit.OpenMaxMind(*geoipPathFlag)
		if err != nil {
			return err
		}
		defer mm.Close()
		geo = mm
	}
	auditLog, err := audit.New(audit.Config{Logger: log, Pool: pool, GeoIP: geo})
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	cleanerCfg := audit.CleanerConfig{
		Logger:    log,
		Log:       auditLog,
		Retention: *auditRetentionFlag,
		Bucket:    *archiveBucketFlag,
		Prefix:    *archivePrefixFlag,
	}
	if *archiveBucketFlag != "" {
		s3Client, err := audit.NewS3Client(ctx, *s3RegionFlag, *s3EndpointFlag)
		if err != nil {
			return err
		}
		cleanerCfg.S3 = s3Client
	}
	cleaner, err := audit.NewCleaner(cleanerCfg)
	if err != nil {
		return fmt.Errorf("failed to create audit cleaner: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{Logger: log, Redis: rdb})
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	jwt, err := auth.NewJWT(auth.JWTConfig{Secret: []byte(*jwtSecretFlag), Issuer: *jwtIssuerFlag, Leeway: 5 * time.Second})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Logger:         log,
		Redis:          rdb,
		Verifier:       jwt,
		Limiter:        limiter,
		Audit:          auditLog,
		Resources:      st,
		Evictor:        bus,
		AllowedOrigins: *originsFlag,
		TrustProxy:     *trustProxyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create realtime gateway: %w", err)
	}

	// HTTP
	api, err := handlers.New(handlers.Config{
		Logger:      log,
		Coordinator: coord,
		Reader:      st,
		Permissions: gw,
		Audit:       auditLog,
		Verifier:    jwt,
		Admins:      *adminsFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}
	apiLimiter := handlers.NewRateLimiter(handlers.RateLimiterConfig{
		Name:       "api",
		Rate:       rate.Every(time.Minute / time.Duration(max(*apiRateFlag, 1))),
		Burst:      max(*apiRateFlag/6, 1),
		TrustProxy: *trustProxyFlag,
	})

	busReady := make(chan struct{})
	checks := map[string]server.Check{
		"postgres": st.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		"notify": func(context.Context) error {
			select {
			case <-busReady:
				return nil
			default:
				return errors.New("not subscribed")
			}
		},
	}
	for kind, w := range watchers {
		checks[string(kind)+"-watcher"] = func(context.Context) error {
			if !w.Ready() {
				return errors.New("no tail completed")
			}
			return nil
		}
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
		AllowedOrigins:  *originsFlag,
		API:             api,
		RateLimiter:     apiLimiter,
		Realtime:        gw,
		Checks:          checks,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := bus.Run(gctx, gw, busReady)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	for _, w := range watchers {
		w.Start(gctx)
	}
	// Hold the group open until in-flight ticks have persisted their chunk.
	g.Go(func() error {
		<-gctx.Done()
		for _, w := range watchers {
			w.Stop()
		}
		return nil
	})
	g.Go(func() error { cleaner.Start(gctx); return nil })
	g.Go(func() error { apiLimiter.Start(gctx); return nil })
	g.Go(func() error { return srv.Run(gctx) })

	log.Info("relay: started", "version", version, "watchers", len(watchers), "listen_addr", *listenAddrFlag)
	err = g.Wait()
	log.Info("relay: stopped", "reason", ctx.Err())
	return err
}

func overrideString(p *string, env string) {
	if v := os.Getenv(env); v != "" {
		*p = v
	}
}

func overrideList(p *[]string, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*p = out
}
