package watcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/metrics"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/store"
)

// ErrTxFailed is returned by IngestTx for reverted transactions.
var ErrTxFailed = errors.New("transaction reverted")

// processRange fetches and handles the logs of [from, to] in ledger order.
// It returns the first persistence error; decode failures and data gaps are
// logged and skipped.
func (w *Watcher) processRange(ctx context.Context, from, to uint64) (int, error) {
	logs, err := w.cfg.Ledger.GetLogs(ctx, evm.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: []string{w.cfg.Contract.Address},
		Topics:    w.decoder.Topics(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch logs: %w", err)
	}
	slices.SortStableFunc(logs, func(a, b evm.Log) int {
		if c := cmp.Compare(a.BlockNumber, b.BlockNumber); c != 0 {
			return c
		}
		return cmp.Compare(a.LogIndex, b.LogIndex)
	})

	handled := 0
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := w.decoder.Decode(l)
		if err != nil {
			metrics.WatcherEventsTotal.WithLabelValues(w.cfg.Contract.Address, "unknown", "decode_error").Inc()
			w.log.Warn("watcher: skipping undecodable log", "tx", l.TxHash, "block", l.BlockNumber, "index", l.LogIndex, "error", err)
			continue
		}
		if err := w.dispatch(ctx, ev); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (w *Watcher) dispatch(ctx context.Context, ev evm.Event) error {
	var (
		name string
		err  error
	)
	switch e := ev.(type) {
	case evm.CreatedEvent:
		name, err = "created", w.HandleCreated(ctx, e)
	case evm.ClaimedEvent:
		name, err = "claimed", w.HandleClaimed(ctx, e)
	case evm.RefundedEvent:
		name, err = "refunded", w.HandleRefunded(ctx, e)
	default:
		return fmt.Errorf("unhandled event %T", ev)
	}
	result := "ok"
	if err != nil {
		result = "error"
		meta := ev.Meta()
		err = fmt.Errorf("%s event in tx %s: %w", name, meta.TxHash, err)
	}
	metrics.WatcherEventsTotal.WithLabelValues(w.cfg.Contract.Address, name, result).Inc()
	return err
}

// HandleCreated upserts the distributable in PENDING. Redelivery is a no-op.
func (w *Watcher) HandleCreated(ctx context.Context, ev evm.CreatedEvent) error {
	d := &domain.Distributable{
		Kind:            ev.Kind,
		ID:              ev.ID,
		ChainID:         w.cfg.Contract.ChainID,
		Contract:        w.cfg.Contract.Address,
		Creator:         ev.Sender,
		Asset:           ev.Asset,
		Metadata:        w.metadata.Resolve(ctx, ev.Asset),
		TotalAmount:     ev.Amount,
		UnitCount:       ev.Count,
		RemainingCount:  ev.Count,
		RemainingAmount: ev.Amount,
		RandomSplit:     ev.Random,
		Message:         sanitizeText(ev.Message),
		CreateTxHash:    ev.TxHash,
		CreateBlock:     ev.BlockNumber,
		ExpiresAt:       ev.ExpiresAt,
		Status:          domain.StatusPending,
	}
	if !ev.Kind.Pooled() {
		d.Recipient = ev.Recipient
		d.UnitCount, d.RemainingCount = 1, 1
	}

	inserted, err := w.cfg.Store.InsertDistributable(ctx, d)
	if err != nil {
		return err
	}
	if !inserted {
		w.log.Debug("watcher: created event already recorded", "id", ev.ID, "tx", ev.TxHash)
		return nil
	}
	w.log.Info("watcher: distributable created", "id", ev.ID, "creator", ev.Sender, "amount", ev.Amount.String(), "count", d.UnitCount)
	w.publish(ctx, domain.EventName(d.Kind, domain.ActionCreated), domain.NewNotice(d))
	return nil
}

// HandleClaimed records a ledger claim. Claims for unknown distributables
// are skipped so a later backfill can heal the gap.
func (w *Watcher) HandleClaimed(ctx context.Context, ev evm.ClaimedEvent) error {
	c := store.ChainClaim{
		Kind:      ev.Kind,
		ID:        ev.ID,
		Claimer:   ev.Claimer,
		Amount:    ev.Amount,
		TxHash:    ev.TxHash,
		ChainID:   w.cfg.Contract.ChainID,
		Block:     ev.BlockNumber,
		ClaimedAt: w.blockTime(ctx, ev.BlockNumber),
	}
	if r, err := w.cfg.Ledger.Receipt(ctx, ev.TxHash); err == nil {
		gasUsed, price := r.GasUsed, r.EffectiveGasPrice
		c.GasUsed, c.GasPrice = &gasUsed, &price
	} else {
		w.log.Debug("watcher: receipt unavailable", "tx", ev.TxHash, "error", err)
	}

	res, err := w.cfg.Store.RecordChainClaim(ctx, c)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.log.Warn("watcher: claim for unknown distributable", "id", ev.ID, "tx", ev.TxHash)
		return nil
	case err != nil:
		return err
	}
	if !res.Inserted {
		w.log.Debug("watcher: claim already recorded", "id", ev.ID, "tx", ev.TxHash, "linked", res.Linked)
		return nil
	}
	if res.Overdrawn {
		w.log.Warn("watcher: ledger claim on drained pool", "id", ev.ID, "tx", ev.TxHash, "claimer", ev.Claimer, "amount", ev.Amount.String())
	}

	w.log.Info("watcher: claim recorded", "id", ev.ID, "claimer", ev.Claimer, "amount", ev.Amount.String(), "status", res.Status)
	d, err := w.cfg.Store.GetDistributable(ctx, ev.Kind, ev.ID)
	if err != nil {
		w.log.Warn("watcher: failed to reload claimed distributable", "id", ev.ID, "error", err)
		return nil
	}
	n := domain.NewNotice(d).WithClaim(ev.Claimer, ev.Amount, ev.TxHash)
	w.publish(ctx, domain.EventName(d.Kind, domain.ActionClaimed), n)
	return nil
}

// HandleRefunded moves a PENDING distributable to REFUNDED and records the
// refund transaction.
func (w *Watcher) HandleRefunded(ctx context.Context, ev evm.RefundedEvent) error {
	changed, err := w.cfg.Store.RecordRefund(ctx, ev.Kind, ev.ID, ev.TxHash)
	if errors.Is(err, store.ErrNotFound) {
		w.log.Warn("watcher: refund for unknown distributable", "id", ev.ID, "tx", ev.TxHash)
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	w.log.Info("watcher: distributable refunded", "id", ev.ID, "amount", ev.Amount.String())
	d, err := w.cfg.Store.GetDistributable(ctx, ev.Kind, ev.ID)
	if err != nil {
		w.log.Warn("watcher: failed to reload refunded distributable", "id", ev.ID, "error", err)
		return nil
	}
	w.publish(ctx, domain.EventName(d.Kind, domain.ActionRefunded), domain.NewNotice(d))
	return nil
}

func (w *Watcher) blockTime(ctx context.Context, block uint64) time.Time {
	if t, ok := w.blockTimes.Get(block); ok {
		return t
	}
	t, err := w.cfg.Ledger.BlockTime(ctx, block)
	if err != nil {
		w.log.Debug("watcher: block time unavailable", "block", block, "error", err)
		return w.cfg.Clock.Now().UTC()
	}
	w.blockTimes.Add(block, t)
	return t
}

func (w *Watcher) publish(ctx context.Context, event string, n domain.Notice) {
	if w.cfg.Notifier == nil {
		return
	}
	if err := w.cfg.Notifier.Publish(ctx, event, n); err != nil {
		w.log.Warn("watcher: failed to publish", "event", event, "id", n.ID, "error", err)
	}
}

// IngestTx handles the events this contract emitted in one transaction and
// returns the ids of distributables the transaction created. The cursor is
// untouched; the next tail sees the same events as replays.
func (w *Watcher) IngestTx(ctx context.Context, txHash string) ([]string, error) {
	r, err := w.cfg.Ledger.Receipt(ctx, strings.ToLower(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if r.Status != 1 {
		return nil, fmt.Errorf("transaction %s: %w", txHash, ErrTxFailed)
	}

	var created []string
	for _, l := range r.Logs {
		if l.Removed || l.Address != w.cfg.Contract.Address {
			continue
		}
		ev, err := w.decoder.Decode(l)
		if err != nil {
			if !errors.Is(err, evm.ErrUnknownEvent) {
				w.log.Warn("watcher: skipping undecodable receipt log", "tx", txHash, "index", l.LogIndex, "error", err)
			}
			continue
		}
		if err := w.dispatch(ctx, ev); err != nil {
			return created, err
		}
		if c, ok := ev.(evm.CreatedEvent); ok {
			created = append(created, c.ID)
		}
	}
	return created, nil
}
