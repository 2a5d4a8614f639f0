package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Redis is a Redis test container shared by a package's tests.
type Redis struct {
	log       *slog.Logger
	url       string
	container *tcredis.RedisContainer
}

// NewRedis starts a Redis container.
func NewRedis(ctx context.Context, log *slog.Logger) (*Redis, error) {
	var (
		container *tcredis.RedisContainer
		lastErr   error
	)
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcredis.Run(ctx, "redis:7-alpine")
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start Redis container after retries: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	url, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Redis connection string: %w", err)
	}
	return &Redis{log: log, url: url, container: container}, nil
}

// Close terminates the Redis container.
func (r *Redis) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.container.Terminate(ctx); err != nil {
		r.log.Error("failed to terminate Redis container", "error", err)
	}
}

// NewTestClient returns a client for the container. Tests share one
// keyspace and must use unique subjects.
func NewTestClient(t *testing.T, r *Redis) *redis.Client {
	t.Helper()
	opts, err := redis.ParseURL(r.url)
	require.NoError(t, err, "failed to parse redis url")
	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(t.Context()).Err(), "failed to ping redis")
	t.Cleanup(func() { _ = client.Close() })
	return client
}
