// Package watcher projects gift and packet contract events from the ledger
// into the store. One Watcher tails one contract.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/metrics"
	"github.com/giftlane/relay/ledger/pkg/evm"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Watcher struct {
	log      *slog.Logger
	cfg      Config
	decoder  *evm.Decoder
	metadata *metadataResolver

	// blockTimes caches block timestamps for claims landing in the same block.
	blockTimes *lru.Cache[uint64, time.Time]

	tickMu    sync.Mutex
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	decoder, err := evm.NewDecoder(cfg.Contract.Kind)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger.With("contract", cfg.Contract.Address, "kind", string(cfg.Contract.Kind))
	md, err := newMetadataResolver(log, cfg.Ledger, cfg.Native, cfg.MetadataCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	blockTimes, err := lru.New[uint64, time.Time](256)
	if err != nil {
		return nil, fmt.Errorf("failed to create block time cache: %w", err)
	}
	return &Watcher{
		log:        log,
		cfg:        cfg,
		decoder:    decoder,
		metadata:   md,
		blockTimes: blockTimes,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		readyCh:    make(chan struct{}),
	}, nil
}

// Ready reports whether at least one tail has completed.
func (w *Watcher) Ready() bool {
	select {
	case <-w.readyCh:
		return true
	default:
		return false
	}
}

func (w *Watcher) WaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for watcher: %w", ctx.Err())
	}
}

// Start tails immediately and then on every poll interval until ctx is done
// or Stop is called. Cancelling ctx does not abort an in-flight tick: the
// current chunk is persisted and its cursor advanced before the loop exits.
// Calling Start more than once has no effect.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		tickCtx := context.WithoutCancel(ctx)
		go func() {
			select {
			case <-ctx.Done():
				w.stopOnce.Do(func() { close(w.stopCh) })
			case <-w.doneCh:
			}
		}()
		go func() {
			defer close(w.doneCh)
			w.log.Info("watcher: starting tail loop", "interval", w.cfg.PollInterval)

			w.safeTail(tickCtx)

			ticker := w.cfg.Clock.NewTicker(w.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				case <-ticker.Chan():
					// Stop may race with the tick; prefer stopping.
					select {
					case <-w.stopCh:
						return
					default:
					}
					w.safeTail(tickCtx)
				}
			}
		}()
	})
}

// Stop ends the tail loop. An in-flight tick runs to completion before Stop
// returns.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	// Never started: nothing to wait for, and Start becomes a no-op.
	w.startOnce.Do(func() { close(w.doneCh) })
	<-w.doneCh
}

func (w *Watcher) stopping() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Watcher) safeTail(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("watcher: tail panicked", "panic", r)
			metrics.WatcherTickTotal.WithLabelValues(w.cfg.Contract.Address, "panic").Inc()
			sentry.CurrentHub().Recover(r)
		}
	}()

	if err := w.Tail(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.log.Error("watcher: tail failed", "error", err)
	}
}

// Tail processes every block between the cursor and the confirmed head,
// advancing the cursor after each fully persisted chunk.
func (w *Watcher) Tail(ctx context.Context) error {
	w.tickMu.Lock()
	defer w.tickMu.Unlock()

	contract := w.cfg.Contract.Address
	start := time.Now()
	defer func() {
		metrics.WatcherTickDuration.WithLabelValues(contract).Observe(time.Since(start).Seconds())
	}()

	head, err := w.confirmedHead(ctx)
	if err != nil {
		metrics.WatcherTickTotal.WithLabelValues(contract, "ledger_error").Inc()
		return err
	}

	last, ok, err := w.cfg.Store.GetCursor(ctx, contract)
	if err != nil {
		metrics.WatcherTickTotal.WithLabelValues(contract, "store_error").Inc()
		return err
	}
	var from uint64
	switch {
	case ok:
		from = last + 1
	case head > w.cfg.LookbackBlocks:
		from = head - w.cfg.LookbackBlocks
	}

	processed := 0
	for from <= head {
		to := min(from+w.cfg.MaxBlockRange-1, head)
		n, err := w.processRange(ctx, from, to)
		if err != nil {
			metrics.WatcherTickTotal.WithLabelValues(contract, "error").Inc()
			return fmt.Errorf("blocks %d-%d: %w", from, to, err)
		}
		if err := w.cfg.Store.AdvanceCursor(ctx, contract, w.cfg.Contract.ChainID, to); err != nil {
			metrics.WatcherTickTotal.WithLabelValues(contract, "store_error").Inc()
			return err
		}
		metrics.WatcherCursorBlock.WithLabelValues(contract).Set(float64(to))
		processed += n
		last, from = to, to+1
		if from <= head && w.stopping() {
			w.log.Info("watcher: stopping between chunks", "cursor", last, "head", head)
			return nil
		}
	}
	if head >= last {
		metrics.WatcherHeadLag.WithLabelValues(contract).Set(float64(head - last))
	}

	w.sweepExpired(ctx)

	metrics.WatcherTickTotal.WithLabelValues(contract, "success").Inc()
	w.log.Debug("watcher: tick completed", "head", head, "events", processed, "duration", time.Since(start).String())
	w.readyOnce.Do(func() {
		close(w.readyCh)
		w.log.Info("watcher: caught up", "head", head)
	})
	return nil
}

// Backfill replays [from, to] without touching the cursor. A nil to means
// the confirmed head.
func (w *Watcher) Backfill(ctx context.Context, from uint64, to *uint64) error {
	end := uint64(0)
	if to != nil {
		end = *to
	} else {
		head, err := w.confirmedHead(ctx)
		if err != nil {
			return err
		}
		end = head
	}
	if from > end {
		return fmt.Errorf("backfill range %d-%d is empty", from, end)
	}

	w.log.Info("watcher: backfill started", "from", from, "to", end)
	total := 0
	for start := from; start <= end; {
		stop := min(start+w.cfg.MaxBlockRange-1, end)
		n, err := w.processRange(ctx, start, stop)
		if err != nil {
			return fmt.Errorf("blocks %d-%d: %w", start, stop, err)
		}
		total += n
		if stop == end {
			break
		}
		start = stop + 1
	}
	w.log.Info("watcher: backfill completed", "from", from, "to", end, "events", total)
	return nil
}

func (w *Watcher) confirmedHead(ctx context.Context) (uint64, error) {
	head, err := w.cfg.Ledger.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain head: %w", err)
	}
	if head < w.cfg.Confirmations {
		return 0, nil
	}
	return head - w.cfg.Confirmations, nil
}

func (w *Watcher) sweepExpired(ctx context.Context) {
	cutoff := w.cfg.Clock.Now().Add(-w.cfg.ExpiryGrace)
	ids, err := w.cfg.Store.ExpireOverdue(ctx, w.cfg.Contract.Kind, w.cfg.Contract.Address, cutoff)
	if err != nil {
		w.log.Warn("watcher: expiry sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	metrics.WatcherExpiredTotal.WithLabelValues(w.cfg.Contract.Address).Add(float64(len(ids)))
	w.log.Info("watcher: expired distributables", "count", len(ids))
	for _, id := range ids {
		d, err := w.cfg.Store.GetDistributable(ctx, w.cfg.Contract.Kind, id)
		if err != nil {
			w.log.Warn("watcher: failed to load expired distributable", "id", id, "error", err)
			continue
		}
		w.publish(ctx, domain.EventName(d.Kind, domain.ActionExpired), domain.NewNotice(d))
	}
}
