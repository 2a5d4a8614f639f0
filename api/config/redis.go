package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/bsm/redislock"
	"github.com/giftlane/relay/utils/pkg/retry"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the shared key-value store configuration.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	PoolSize int
}

// RedisConfigFromEnv reads REDIS_* variables.
func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Address:  os.Getenv("REDIS_ADDRESS"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.DB = v
	}
	if v, err := strconv.Atoi(os.Getenv("REDIS_POOL_SIZE")); err == nil && v > 0 {
		cfg.PoolSize = v
	}
	return cfg
}

func (cfg *RedisConfig) Validate() error {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 100
	}
	return nil
}

// OpenRedis connects with retries and returns the client plus a lock client
// sharing its pool.
func OpenRedis(ctx context.Context, log *slog.Logger, cfg RedisConfig) (*redis.Client, *redislock.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	attempt := 0
	err := retry.Do(ctx, retry.StartupConfig(), func() error {
		attempt++
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis: ping failed", "attempt", attempt, "address", cfg.Address, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err)
	}

	log.Info("redis: connected", "address", cfg.Address, "attempts", attempt)
	return rdb, redislock.New(rdb), nil
}
