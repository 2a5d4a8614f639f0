package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/realtime/pkg/audit"
	"github.com/giftlane/relay/realtime/pkg/auth"
	"github.com/giftlane/relay/realtime/pkg/notify"
	"github.com/giftlane/relay/realtime/pkg/ratelimit"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Limiter interface {
	Allow(ctx context.Context, scope ratelimit.Scope, subject string, capacity int64) (ratelimit.Decision, error)
	Ban(ctx context.Context, ip string, d time.Duration, reason string) (bool, error)
	Banned(ctx context.Context, ip string) (bool, time.Duration, error)
}

type Auditor interface {
	Record(ctx context.Context, ev audit.SecurityEvent) error
}

// Resources resolves topics to distributables. *store.Store implements it.
type Resources interface {
	GetDistributable(ctx context.Context, kind domain.Kind, id string) (*domain.Distributable, error)
	HasClaimed(ctx context.Context, kind domain.Kind, id, addr string) (bool, error)
}

// Evictor fans eviction requests out to every gateway process.
// *notify.Bus implements it.
type Evictor interface {
	Evict(ctx context.Context, ev notify.Eviction) error
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Redis     redis.UniversalClient
	Verifier  auth.Verifier
	Limiter   Limiter
	Audit     Auditor
	Resources Resources
	// Evictor is optional. Without it evictions only reach connections held
	// by this process.
	Evictor Evictor

	// IPCapacity and UserCapacity are handshakes allowed per rate limit
	// window. An IP reaching twice its capacity is banned for BanDuration.
	IPCapacity              int64
	UserCapacity            int64
	BanDuration             time.Duration
	MaxConnectionsPerUser   int
	MaxSubscriptionsPerUser int
	// KeyTTL bounds how long connection and subscription records outlive a
	// process that stops refreshing them.
	KeyTTL time.Duration

	// Transport settings.
	MessageRate    rate.Limit
	MessageBurst   int
	SendBuffer     int
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	TrustProxy     bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Redis == nil {
		return errors.New("redis client is required")
	}
	if cfg.Verifier == nil {
		return errors.New("token verifier is required")
	}
	if cfg.Limiter == nil {
		return errors.New("rate limiter is required")
	}
	if cfg.Audit == nil {
		return errors.New("audit log is required")
	}
	if cfg.Resources == nil {
		return errors.New("resources are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.IPCapacity <= 0 {
		cfg.IPCapacity = 30
	}
	if cfg.UserCapacity <= 0 {
		cfg.UserCapacity = 60
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = 15 * time.Minute
	}
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.MaxSubscriptionsPerUser <= 0 {
		cfg.MaxSubscriptionsPerUser = 50
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		return errors.New("pong wait must exceed the ping interval")
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 2 * cfg.PongWait
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 5
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	return nil
}
