// Package coordinator serializes API claim attempts and registers
// API-submitted creations.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/watcher"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/realtime/pkg/metrics"
	"github.com/giftlane/relay/store"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Store is the subset of *store.Store the coordinator uses.
type Store interface {
	GetDistributable(ctx context.Context, kind domain.Kind, id string) (*domain.Distributable, error)
	ClaimWithDecision(ctx context.Context, req store.APIClaim, decide store.ClaimDecision) (*domain.Claim, *domain.Distributable, error)
}

// TxIngester ingests the events of one transaction, returning the ids of
// distributables it created. *watcher.Watcher implements it.
type TxIngester interface {
	IngestTx(ctx context.Context, txHash string) ([]string, error)
}

type Notifier interface {
	Publish(ctx context.Context, event string, n domain.Notice) error
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Store    Store
	Redis    redis.UniversalClient
	Locker   *redislock.Client
	Notifier Notifier // optional
	// Ingesters maps each contract kind to the watcher that can read its
	// creation transactions. Create fails for kinds without one.
	Ingesters map[domain.Kind]TxIngester
	ChainID   int64

	// LockTTL must exceed the worst-case claim transaction.
	LockTTL        time.Duration
	IdempotencyTTL time.Duration
	// Rand is the entropy source for random-split shares.
	Rand io.Reader
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Redis == nil {
		return errors.New("redis client is required")
	}
	if cfg.Locker == nil {
		cfg.Locker = redislock.New(cfg.Redis)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Coordinator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// LockKey is the lock resource for claims on one distributable.
func LockKey(kind domain.Kind, id string) string {
	return "claim:" + string(kind) + ":" + id
}

// WithIdempotency runs fn at most once per key within the idempotency TTL.
// An empty key runs fn without deduplication. When fn loses a race or fails
// for a reason other than a validation outcome the key is released so the
// client may retry with it.
func (c *Coordinator) WithIdempotency(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return fn(ctx)
	}
	redisKey := "idem:" + key
	ok, err := c.cfg.Redis.SetNX(ctx, redisKey, c.cfg.Clock.Now().UTC().Format(time.RFC3339Nano), c.cfg.IdempotencyTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}

	err = fn(ctx)
	if err != nil && releasable(err) {
		if derr := c.cfg.Redis.Del(context.WithoutCancel(ctx), redisKey).Err(); derr != nil {
			c.log.Warn("coordinator: failed to release idempotency key", "key", key, "error", derr)
		}
	}
	return err
}

// releasable reports whether err leaves no outcome worth remembering.
func releasable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable() && e.Code != CodeDuplicateRequest
	}
	return true
}

// WithLock runs fn while holding resourceKey. It never waits: a held lock
// returns ErrLocked immediately. The lock is released after fn returns; if
// the process dies first the TTL frees it.
func (c *Coordinator) WithLock(ctx context.Context, resourceKey string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := c.cfg.Locker.Obtain(ctx, "lock:"+resourceKey, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLocked
	}
	if err != nil {
		return fmt.Errorf("failed to obtain lock %s: %w", resourceKey, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			c.log.Warn("coordinator: failed to release lock", "key", resourceKey, "error", err)
		}
	}()
	return fn(ctx)
}

type ClaimRequest struct {
	Kind    domain.Kind
	ID      string
	Claimer string
	// TxHash links the claim to its ledger transaction when the client
	// already submitted it.
	TxHash string
	// Amount is an explicit share for random-split pools.
	Amount *decimal.Decimal
}

type ClaimResult struct {
	Claim         *domain.Claim
	Distributable *domain.Distributable
}

// Claim validates and records one claim. Callers must hold the lock for
// LockKey(req.Kind, req.ID); ClaimWithGuards does this.
func (c *Coordinator) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	now := c.cfg.Clock.Now().UTC()

	claim, after, err := c.cfg.Store.ClaimWithDecision(ctx, store.APIClaim{
		Kind:    req.Kind,
		ID:      req.ID,
		Claimer: req.Claimer,
		TxHash:  req.TxHash,
		ChainID: c.cfg.ChainID,
		At:      now,
	}, func(d *domain.Distributable, prior bool) (decimal.Decimal, error) {
		return c.decide(d, req.Claimer, prior, req.Amount, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, store.ErrPoolExhausted):
		return nil, ErrPoolExhausted
	case errors.Is(err, store.ErrConflict):
		// The unique indexes caught a claim the decision did not see.
		if req.Kind.Pooled() {
			return nil, ErrAlreadyClaimedPool
		}
		return nil, ErrAlreadyClaimed
	default:
		return nil, err
	}
	return &ClaimResult{Claim: claim, Distributable: after}, nil
}

func normalize(req ClaimRequest) (ClaimRequest, error) {
	if _, err := domain.ParseKind(string(req.Kind)); err != nil {
		return req, invalidRequest("unknown kind")
	}
	claimer, err := domain.NormalizeAddress(req.Claimer)
	if err != nil {
		return req, invalidRequest("claimer must be an address")
	}
	id, err := domain.CanonicalID(req.ID)
	if err != nil {
		return req, invalidRequest("id must be a non-negative integer")
	}
	if req.TxHash != "" {
		if !validTxHash(req.TxHash) {
			return req, invalidRequest("tx_hash must be a 32-byte hex string")
		}
		req.TxHash = strings.ToLower(req.TxHash)
	}
	req.Claimer, req.ID = claimer, id
	return req, nil
}

// decide applies the claim checks in order against the locked row.
func (c *Coordinator) decide(d *domain.Distributable, claimer string, prior bool, requested *decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	switch d.Status {
	case domain.StatusClaimed, domain.StatusFullyClaimed:
		return decimal.Zero, ErrAlreadyClaimed
	case domain.StatusRefunded:
		return decimal.Zero, ErrRefunded
	}
	if d.Expired(now) {
		return decimal.Zero, ErrExpired
	}
	if !d.Kind.Pooled() {
		if !domain.SameAddress(d.Recipient, claimer) {
			return decimal.Zero, ErrNotRecipient
		}
		if requested != nil && !requested.Equal(d.RemainingAmount) {
			return decimal.Zero, ErrInvalidAmount
		}
		return d.RemainingAmount, nil
	}
	if prior {
		return decimal.Zero, ErrAlreadyClaimedPool
	}
	return Share(d, requested, c.cfg.Rand)
}

// ClaimWithGuards runs Claim under the idempotency key and the
// distributable's lock, then announces the claim.
func (c *Coordinator) ClaimWithGuards(ctx context.Context, idemKey string, req ClaimRequest) (*ClaimResult, error) {
	start := time.Now()
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}
	var res *ClaimResult
	err = c.WithIdempotency(ctx, idemKey, func(ctx context.Context) error {
		return c.WithLock(ctx, LockKey(req.Kind, req.ID), c.cfg.LockTTL, func(ctx context.Context) error {
			r, err := c.Claim(ctx, req)
			res = r
			return err
		})
	})
	metrics.ClaimDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
		if code, ok := CodeOf(err); ok {
			result = string(code)
		}
	}
	metrics.ClaimAttemptsTotal.WithLabelValues(string(req.Kind), result).Inc()
	if err != nil {
		c.log.Debug("coordinator: claim rejected", "kind", req.Kind, "id", req.ID, "claimer", req.Claimer, "result", result)
		return nil, err
	}

	c.log.Info("coordinator: claim recorded", "kind", req.Kind, "id", res.Claim.DistributableID,
		"claimer", res.Claim.Claimer, "amount", res.Claim.Amount.String(), "status", res.Distributable.Status)
	n := domain.NewNotice(res.Distributable).WithClaim(res.Claim.Claimer, res.Claim.Amount, res.Claim.TxHash)
	c.publish(ctx, domain.EventName(req.Kind, domain.ActionClaimed), n)
	return res, nil
}

type CreateRequest struct {
	Kind   domain.Kind
	TxHash string
}

// Create registers the distributables created by a just-mined transaction
// without waiting for the next tail. The transaction is read from the
// ledger, so the request carries nothing but its hash.
func (c *Coordinator) Create(ctx context.Context, idemKey string, req CreateRequest) ([]*domain.Distributable, error) {
	if !validTxHash(req.TxHash) {
		return nil, invalidRequest("tx_hash must be a 32-byte hex string")
	}
	ingester, ok := c.cfg.Ingesters[req.Kind]
	if !ok {
		return nil, invalidRequest(fmt.Sprintf("no contract configured for %s", req.Kind))
	}

	var out []*domain.Distributable
	err := c.WithIdempotency(ctx, idemKey, func(ctx context.Context) error {
		ids, err := ingester.IngestTx(ctx, req.TxHash)
		switch {
		case errors.Is(err, evm.ErrNotMined):
			return ErrTxPending
		case errors.Is(err, watcher.ErrTxFailed):
			return ErrTxFailed
		case err != nil:
			return err
		}
		if len(ids) == 0 {
			return invalidRequest("transaction created nothing")
		}
		for _, id := range ids {
			d, err := c.cfg.Store.GetDistributable(ctx, req.Kind, id)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) publish(ctx context.Context, event string, n domain.Notice) {
	if c.cfg.Notifier == nil {
		return
	}
	if err := c.cfg.Notifier.Publish(ctx, event, n); err != nil {
		c.log.Warn("coordinator: failed to publish", "event", event, "id", n.ID, "error", err)
	}
}

func validTxHash(s string) bool {
	if len(s) != 66 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, r := range s[2:] {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return true
}
