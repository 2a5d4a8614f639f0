package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/giftlane/relay/api/config"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/watcher"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/store"
)

type BackfillConfig struct {
	RPCURL   string
	ChainID  int64
	Contract string
	Kind     domain.Kind
	// FromBlock is inclusive. ToBlock nil means the confirmed head.
	FromBlock     uint64
	ToBlock       *uint64
	MaxBlockRange uint64
	Confirmations uint64
	DryRun        bool
}

// Backfill replays a contract's events over a block range. Writes are
// idempotent, so ranges may overlap what the live watcher has seen. The
// sync cursor is not moved.
func Backfill(ctx context.Context, log *slog.Logger, pg config.PgConfig, cfg BackfillConfig) error {
	client, err := evm.NewClient(evm.ClientConfig{URL: cfg.RPCURL})
	if err != nil {
		return fmt.Errorf("failed to create rpc client: %w", err)
	}
	defer client.Close()
	if cfg.ChainID == 0 {
		if cfg.ChainID, err = client.ChainID(ctx); err != nil {
			return fmt.Errorf("failed to read chain id: %w", err)
		}
	}

	to := "head"
	if cfg.ToBlock != nil {
		to = fmt.Sprint(*cfg.ToBlock)
	}
	if cfg.DryRun {
		fmt.Printf("[DRY RUN] Would backfill %s contract %s on chain %d from block %d to %s\n",
			cfg.Kind, cfg.Contract, cfg.ChainID, cfg.FromBlock, to)
		return nil
	}

	pool, err := config.OpenPostgres(ctx, log, pg)
	if err != nil {
		return err
	}
	defer pool.Close()
	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	w, err := watcher.New(watcher.Config{
		Logger:        log,
		Ledger:        client,
		Store:         st,
		Contract:      watcher.Contract{Address: cfg.Contract, Kind: cfg.Kind, ChainID: cfg.ChainID},
		MaxBlockRange: cfg.MaxBlockRange,
		Confirmations: cfg.Confirmations,
	})
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	log.Info("backfill: starting", "kind", cfg.Kind, "contract", cfg.Contract, "from", cfg.FromBlock, "to", to)
	if err := w.Backfill(ctx, cfg.FromBlock, cfg.ToBlock); err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	log.Info("backfill: completed", "kind", cfg.Kind)
	return nil
}

type ResetCursorConfig struct {
	Contract    string
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// ResetCursor deletes a contract's sync cursor. The next tail restarts from
// the lookback window.
func ResetCursor(ctx context.Context, log *slog.Logger, pg config.PgConfig, cfg ResetCursorConfig) error {
	contract, err := domain.NormalizeAddress(cfg.Contract)
	if err != nil {
		return err
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	pool, err := config.OpenPostgres(ctx, log, pg)
	if err != nil {
		return err
	}
	defer pool.Close()
	st, err := store.New(store.Config{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	last, ok, err := st.GetCursor(ctx, contract)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(cfg.Out, "No cursor recorded for %s\n", contract)
		return nil
	}
	fmt.Fprintf(cfg.Out, "Cursor for %s is at block %d\n", contract, last)
	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "\n[DRY RUN] Would delete the cursor")
		return nil
	}
	if !cfg.SkipConfirm {
		ok, err := Confirm(cfg.In, cfg.Out, "the watcher will re-read the lookback window on its next tail")
		if err != nil || !ok {
			return err
		}
	}
	if err := st.ResetCursor(ctx, contract); err != nil {
		return err
	}
	log.Info("cursor reset", "contract", contract, "previous_block", last)
	return nil
}
