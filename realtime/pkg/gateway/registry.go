package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript adds a connection to the user's sorted set, scored by admission
// time, first removing the oldest members so at most max remain. It returns
// the removed connection ids.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local conn = ARGV[1]
local now = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local evicted = {}
local n = redis.call('ZCARD', key)
if n >= max then
  evicted = redis.call('ZRANGE', key, 0, n - max)
  redis.call('ZREM', key, unpack(evicted))
end
redis.call('ZADD', key, now, conn)
redis.call('PEXPIRE', key, ttl)
return evicted
`)

// reserveScript adds a topic to the user's subscription set unless the set
// is full. Returns 1 when added, 0 when already present and -1 when full.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local topic = ARGV[1]
local max = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

if redis.call('SISMEMBER', key, topic) == 1 then
  redis.call('PEXPIRE', key, ttl)
  return 0
end
if redis.call('SCARD', key) >= max then
  return -1
end
redis.call('SADD', key, topic)
redis.call('PEXPIRE', key, ttl)
return 1
`)

func connsKey(user string) string { return "conns:" + user }
func subsKey(user string) string { return "subs:" + user }

type registry struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func (r *registry) admit(ctx context.Context, user, connID string, now time.Time, max int) ([]string, error) {
	evicted, err := admitScript.Run(ctx, r.rdb, []string{connsKey(user)},
		connID, now.UnixMilli(), max, r.ttl.Milliseconds()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to admit connection: %w", err)
	}
	return evicted, nil
}

type reservation int

const (
	reserveFull   reservation = -1
	reserveExists reservation = 0
	reserveAdded  reservation = 1
)

func (r *registry) reserve(ctx context.Context, user, topic string, max int) (reservation, error) {
	n, err := reserveScript.Run(ctx, r.rdb, []string{subsKey(user)}, topic, max, r.ttl.Milliseconds()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reserve subscription: %w", err)
	}
	return reservation(n), nil
}

func (r *registry) release(ctx context.Context, user, topic string) error {
	if err := r.rdb.SRem(ctx, subsKey(user), topic).Err(); err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	return nil
}

// remove drops connID and every subscription of its user.
func (r *registry) remove(ctx context.Context, user, connID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, connsKey(user), connID)
		p.Del(ctx, subsKey(user))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

func (r *registry) touch(ctx context.Context, user string) error {
	_, err := r.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.PExpire(ctx, connsKey(user), r.ttl)
		p.PExpire(ctx, subsKey(user), r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh connection: %w", err)
	}
	return nil
}

func (r *registry) connections(ctx context.Context, user string) ([]string, error) {
	return r.rdb.ZRange(ctx, connsKey(user), 0, -1).Result()
}

func (r *registry) subscriptions(ctx context.Context, user string) ([]string, error) {
	return r.rdb.SMembers(ctx, subsKey(user)).Result()
}
