// Package ratelimit keeps fixed-window counters and the IP ban list in Redis
// so every gateway instance enforces the same limits.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Redis  redis.UniversalClient
	// Window is the fixed window length shared by all scopes.
	Window time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Redis == nil {
		return errors.New("redis client is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Limiter struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{log: cfg.Logger, cfg: cfg}, nil
}

// Decision is the outcome of one counted attempt.
type Decision struct {
	Allowed bool
	Count   int64
	// RetryAfter is the time left in the current window.
	RetryAfter time.Duration
}

func (l *Limiter) windowStart(now time.Time) time.Time {
	return now.Truncate(l.cfg.Window)
}

func counterKey(scope Scope, subject string, start time.Time) string {
	return "rl:" + string(scope) + ":" + subject + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow counts one attempt for subject and reports whether it fits within
// capacity for the current window. Attempts over capacity are still counted.
func (l *Limiter) Allow(ctx context.Context, scope Scope, subject string, capacity int64) (Decision, error) {
	now := l.cfg.Clock.Now()
	start := l.windowStart(now)
	key := counterKey(scope, subject, start)

	// The counter expires when its window ends. Every increment sets the
	// same deadline, so no NX flag is needed.
	remaining := max(start.Add(l.cfg.Window).Sub(now), time.Millisecond)
	var incr *redis.IntCmd
	_, err := l.cfg.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.PExpire(ctx, key, remaining)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count %s %s: %w", scope, subject, err)
	}
	count := incr.Val()
	return Decision{
		Allowed:    count <= capacity,
		Count:      count,
		RetryAfter: start.Add(l.cfg.Window).Sub(now),
	}, nil
}

// Count returns the attempts recorded for subject in the current window.
func (l *Limiter) Count(ctx context.Context, scope Scope, subject string) (int64, error) {
	key := counterKey(scope, subject, l.windowStart(l.cfg.Clock.Now()))
	n, err := l.cfg.Redis.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	return n, nil
}

func banKey(ip string) string {
	return "ban:ip:" + ip
}

// Ban blocks ip for d. A second ban while one is active does not shorten or
// extend it.
func (l *Limiter) Ban(ctx context.Context, ip string, d time.Duration, reason string) (bool, error) {
	ok, err := l.cfg.Redis.SetNX(ctx, banKey(ip), reason, d).Result()
	if err != nil {
		return false, fmt.Errorf("failed to ban %s: %w", ip, err)
	}
	if ok {
		l.log.Warn("ratelimit: ip banned", "ip", ip, "duration", d, "reason", reason)
	}
	return ok, nil
}

// Banned reports whether ip is banned and for how much longer.
func (l *Limiter) Banned(ctx context.Context, ip string) (bool, time.Duration, error) {
	ttl, err := l.cfg.Redis.PTTL(ctx, banKey(ip)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to check ban for %s: %w", ip, err)
	}
	// go-redis passes the -2 (no key) and -1 (no expiry) replies through
	// unscaled.
	switch {
	case ttl == -2:
		return false, 0, nil
	case ttl < 0:
		return true, 0, nil
	}
	return true, ttl, nil
}

func (l *Limiter) Unban(ctx context.Context, ip string) error {
	if err := l.cfg.Redis.Del(ctx, banKey(ip)).Err(); err != nil {
		return fmt.Errorf("failed to unban %s: %w", ip, err)
	}
	return nil
}
