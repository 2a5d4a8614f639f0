package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/store"
	"github.com/jonboulle/clockwork"
)

// Ledger is the read interface the watcher consumes.
type Ledger interface {
	evm.Caller
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, q evm.FilterQuery) ([]evm.Log, error)
	BlockTime(ctx context.Context, n uint64) (time.Time, error)
	Receipt(ctx context.Context, txHash string) (*evm.Receipt, error)
}

// Store is the subset of *store.Store the watcher writes through.
type Store interface {
	GetCursor(ctx context.Context, contract string) (uint64, bool, error)
	AdvanceCursor(ctx context.Context, contract string, chainID int64, block uint64) error
	InsertDistributable(ctx context.Context, d *domain.Distributable) (bool, error)
	GetDistributable(ctx context.Context, kind domain.Kind, id string) (*domain.Distributable, error)
	RecordChainClaim(ctx context.Context, c store.ChainClaim) (store.ClaimResult, error)
	RecordRefund(ctx context.Context, kind domain.Kind, id, txHash string) (bool, error)
	ExpireOverdue(ctx context.Context, kind domain.Kind, contract string, cutoff time.Time) ([]string, error)
}

// Notifier announces state changes to realtime subscribers.
type Notifier interface {
	Publish(ctx context.Context, event string, n domain.Notice) error
}

type Contract struct {
	Address string
	Kind    domain.Kind
	ChainID int64
}

// NativeAsset is the fixed display metadata of the chain's native asset.
type NativeAsset struct {
	Symbol   string
	Name     string
	Decimals int32
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   Ledger
	Store    Store
	Notifier Notifier // optional
	Contract Contract

	PollInterval time.Duration
	// LookbackBlocks bounds the first tail when no cursor exists.
	LookbackBlocks uint64
	MaxBlockRange  uint64
	// Confirmations is subtracted from the chain head before reading.
	Confirmations uint64
	// ExpiryGrace delays the expiry sweep past expires_at so a late claim
	// mined just before expiry is not preempted. Zero means two poll
	// intervals plus the time to reach Confirmations.
	ExpiryGrace time.Duration
	// BlockInterval is the ledger's expected block time.
	BlockInterval time.Duration

	Native            NativeAsset
	MetadataCacheSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	addr, err := domain.NormalizeAddress(cfg.Contract.Address)
	if err != nil {
		return fmt.Errorf("contract address: %w", err)
	}
	cfg.Contract.Address = addr
	if _, err := domain.ParseKind(string(cfg.Contract.Kind)); err != nil {
		return fmt.Errorf("contract kind: %w", err)
	}
	if cfg.Contract.ChainID <= 0 {
		return errors.New("chain id must be greater than 0")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 5000
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = 2000
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 12 * time.Second
	}
	switch {
	case cfg.ExpiryGrace < 0:
		return errors.New("expiry grace must not be negative")
	case cfg.ExpiryGrace == 0:
		cfg.ExpiryGrace = 2*cfg.PollInterval + time.Duration(cfg.Confirmations)*cfg.BlockInterval
	}
	if cfg.Native.Symbol == "" {
		cfg.Native = NativeAsset{Symbol: "ETH", Name: "Ether", Decimals: 18}
	}
	if cfg.MetadataCacheSize <= 0 {
		cfg.MetadataCacheSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}
