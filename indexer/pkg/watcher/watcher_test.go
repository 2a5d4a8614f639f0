package watcher_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apitesting "github.com/giftlane/relay/api/testing"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/indexer/pkg/watcher"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/ledger/pkg/evm/evmtest"
	"github.com/giftlane/relay/store"
	relaytesting "github.com/giftlane/relay/utils/pkg/testing"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	contract = "0x00000000000000000000000000000000000000c1"
	alice    = "0x00000000000000000000000000000000000a11ce"
	bob      = "0x0000000000000000000000000000000000000b0b"
	carol    = "0x00000000000000000000000000000000000ca401"
	token    = "0x00000000000000000000000000000000000000aa"
)

var epoch = time.Unix(1_700_000_000, 0).UTC()

type mockLedger struct {
	blockNumberFunc func(ctx context.Context) (uint64, error)
	getLogsFunc     func(ctx context.Context, q evm.FilterQuery) ([]evm.Log, error)
	callFunc        func(ctx context.Context, to string, data []byte) ([]byte, error)
	receiptFunc     func(ctx context.Context, txHash string) (*evm.Receipt, error)
}

func (m *mockLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumberFunc(ctx)
}

func (m *mockLedger) GetLogs(ctx context.Context, q evm.FilterQuery) ([]evm.Log, error) {
	if m.getLogsFunc == nil {
		return nil, nil
	}
	return m.getLogsFunc(ctx, q)
}

func (m *mockLedger) Call(ctx context.Context, to string, data []byte) ([]byte, error) {
	if m.callFunc == nil {
		return nil, errors.New("execution reverted")
	}
	return m.callFunc(ctx, to, data)
}

func (m *mockLedger) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	return epoch.Add(time.Duration(n) * 12 * time.Second), nil
}

func (m *mockLedger) Receipt(ctx context.Context, txHash string) (*evm.Receipt, error) {
	if m.receiptFunc == nil {
		return nil, errors.New("receipt not found")
	}
	return m.receiptFunc(ctx, txHash)
}

// chain serves a fixed head and log set, honoring the requested range.
func chain(head uint64, logs ...evm.Log) *mockLedger {
	return &mockLedger{
		blockNumberFunc: func(context.Context) (uint64, error) { return head, nil },
		getLogsFunc: func(_ context.Context, q evm.FilterQuery) ([]evm.Log, error) {
			var out []evm.Log
			for _, l := range logs {
				if l.BlockNumber >= q.FromBlock && l.BlockNumber <= q.ToBlock {
					out = append(out, l)
				}
			}
			return out, nil
		},
	}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Publish(_ context.Context, event string, n domain.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+" "+n.ID)
	return nil
}

func (f *fakeNotifier) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fixture struct {
	st       *store.Store
	clock    *clockwork.FakeClock
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(store.Config{
		Logger: relaytesting.NewLogger(),
		Pool:   apitesting.NewTestPool(t, testDB),
	})
	require.NoError(t, err)
	return &fixture{st: st, clock: clockwork.NewFakeClockAt(epoch), notifier: &fakeNotifier{}}
}

func (f *fixture) watcher(t *testing.T, ledger watcher.Ledger, kind domain.Kind, mutate ...func(*watcher.Config)) *watcher.Watcher {
	t.Helper()
	cfg := watcher.Config{
		Logger:   relaytesting.NewLogger(),
		Clock:    f.clock,
		Ledger:   ledger,
		Store:    f.st,
		Notifier: f.notifier,
		Contract: watcher.Contract{Address: contract, Kind: kind, ChainID: 1},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	w, err := watcher.New(cfg)
	require.NoError(t, err)
	return w
}

func loc(tx string, block, index uint64) evmtest.Loc {
	return evmtest.Loc{Contract: contract, TxHash: tx, Block: block, Index: index}
}

func inOneHour() uint64 {
	return uint64(epoch.Add(time.Hour).Unix())
}

func TestRelay_Watcher_Config_Validate(t *testing.T) {
	t.Parallel()

	base := func() watcher.Config {
		return watcher.Config{
			Logger:   relaytesting.NewLogger(),
			Ledger:   chain(0),
			Store:    &store.Store{},
			Contract: watcher.Contract{Address: contract, Kind: domain.KindGift, ChainID: 1},
		}
	}

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		require.NoError(t, cfg.Validate())
		require.NotNil(t, cfg.Clock)
		require.Equal(t, uint64(2000), cfg.MaxBlockRange)
		require.Equal(t, "ETH", cfg.Native.Symbol)
		require.Equal(t, 24*time.Second, cfg.ExpiryGrace)
	})

	t.Run("expiry grace covers confirmations", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.PollInterval = 5 * time.Second
		cfg.Confirmations = 6
		cfg.BlockInterval = 2 * time.Second
		require.NoError(t, cfg.Validate())
		require.Equal(t, 22*time.Second, cfg.ExpiryGrace)
	})

	t.Run("keeps explicit expiry grace", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.ExpiryGrace = time.Minute
		require.NoError(t, cfg.Validate())
		require.Equal(t, time.Minute, cfg.ExpiryGrace)
	})

	t.Run("rejects negative expiry grace", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.ExpiryGrace = -time.Second
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects bad contract", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Contract.Address = "0x1234"
		require.Error(t, cfg.Validate())
	})

	t.Run("rejects unknown kind", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Contract.Kind = "voucher"
		require.Error(t, cfg.Validate())
	})
}

func TestRelay_Watcher_Tail_GiftLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	ledger := chain(20,
		evmtest.GiftCreated(loc("0xc001", 5, 0), evmtest.Created{
			ID: 1, Sender: alice, Recipient: bob, AssetKind: 0, Amount: "100",
			ExpiresAt: inOneHour(), Message: "hi",
		}),
		evmtest.Claimed(domain.KindGift, loc("0xc002", 9, 0), 1, bob, "100"),
	)
	w := f.watcher(t, ledger, domain.KindGift)

	require.False(t, w.Ready())
	require.NoError(t, w.Tail(ctx))
	require.True(t, w.Ready())

	d, err := f.st.GetDistributable(ctx, domain.KindGift, "1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusClaimed, d.Status)
	require.Equal(t, "ETH", *d.Metadata.Symbol)
	require.Equal(t, int32(18), *d.Metadata.Decimals)

	claims, err := f.st.ListClaims(ctx, domain.KindGift, "1")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.True(t, claims[0].Amount.Equal(decimal.NewFromInt(100)))
	require.True(t, epoch.Add(9*12*time.Second).Equal(claims[0].ClaimedAt))

	last, ok, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(20), last)

	require.Equal(t, []string{"gift:created 1", "gift:claimed 1"}, f.notifier.Events())
}

func TestRelay_Watcher_LedgerClaimOnDrainedPool(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	w := f.watcher(t, chain(10,
		evmtest.PacketCreated(loc("0xe001", 2, 0), evmtest.Created{
			ID: 12, Sender: alice, Amount: "10", Count: 1, ExpiresAt: inOneHour(),
		}),
		evmtest.Claimed(domain.KindPacket, loc("0xe002", 3, 0), 12, bob, "10"),
		evmtest.Claimed(domain.KindPacket, loc("0xe003", 4, 0), 12, carol, "2"),
	), domain.KindPacket)
	require.NoError(t, w.Tail(ctx))

	claims, err := f.st.ListClaims(ctx, domain.KindPacket, "12")
	require.NoError(t, err)
	require.Len(t, claims, 2, "the ledger is authoritative even past the local pool")

	d, err := f.st.GetDistributable(ctx, domain.KindPacket, "12")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFullyClaimed, d.Status)
	require.True(t, d.RemainingAmount.IsZero())

	last, _, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)
	require.Contains(t, f.notifier.Events(), "packet:claimed 12")
}

func TestRelay_Watcher_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	logs := []evm.Log{
		evmtest.PacketCreated(loc("0xd001", 3, 0), evmtest.Created{
			ID: 7, Sender: alice, AssetKind: 1, AssetRef: token, Amount: "90", Count: 3,
			ExpiresAt: inOneHour(),
		}),
		evmtest.PacketCreated(loc("0xd001", 3, 0), evmtest.Created{
			ID: 7, Sender: alice, AssetKind: 1, AssetRef: token, Amount: "90", Count: 3,
			ExpiresAt: inOneHour(),
		}),
		evmtest.Claimed(domain.KindPacket, loc("0xd002", 4, 0), 7, bob, "30"),
		evmtest.Claimed(domain.KindPacket, loc("0xd003", 4, 1), 7, carol, "30"),
		evmtest.Refunded(domain.KindPacket, loc("0xd004", 6, 0), 7, alice, "30"),
	}
	w := f.watcher(t, chain(10, logs...), domain.KindPacket)
	require.NoError(t, w.Tail(ctx))

	snapshot := func() (*domain.Distributable, []domain.Claim) {
		d, err := f.st.GetDistributable(ctx, domain.KindPacket, "7")
		require.NoError(t, err)
		claims, err := f.st.ListClaims(ctx, domain.KindPacket, "7")
		require.NoError(t, err)
		return d, claims
	}
	before, beforeClaims := snapshot()
	require.Equal(t, domain.StatusRefunded, before.Status)
	require.Equal(t, 1, before.RemainingCount)
	require.Len(t, beforeClaims, 2)
	published := len(f.notifier.Events())

	for range 3 {
		require.NoError(t, w.Backfill(ctx, 0, nil))
	}

	after, afterClaims := snapshot()
	require.Equal(t, before.Status, after.Status)
	require.Equal(t, before.RemainingCount, after.RemainingCount)
	require.True(t, before.RemainingAmount.Equal(after.RemainingAmount))
	require.Equal(t, before.RefundTxHash, after.RefundTxHash)
	require.Len(t, afterClaims, len(beforeClaims))
	require.Len(t, f.notifier.Events(), published)
}

func TestRelay_Watcher_Tail_ChunksRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var (
		mu     sync.Mutex
		ranges [][2]uint64
	)
	ledger := chain(25)
	ledger.getLogsFunc = func(_ context.Context, q evm.FilterQuery) ([]evm.Log, error) {
		mu.Lock()
		defer mu.Unlock()
		ranges = append(ranges, [2]uint64{q.FromBlock, q.ToBlock})
		require.Equal(t, []string{contract}, q.Addresses)
		require.Len(t, q.Topics, 3)
		return nil, nil
	}
	w := f.watcher(t, ledger, domain.KindGift, func(cfg *watcher.Config) {
		cfg.MaxBlockRange = 10
		cfg.LookbackBlocks = 100
	})
	require.NoError(t, w.Tail(t.Context()))
	require.Equal(t, [][2]uint64{{0, 9}, {10, 19}, {20, 25}}, ranges)

	// The next tick resumes after the cursor.
	ranges = nil
	ledger.blockNumberFunc = func(context.Context) (uint64, error) { return 30, nil }
	require.NoError(t, w.Tail(t.Context()))
	require.Equal(t, [][2]uint64{{26, 30}}, ranges)
}

func TestRelay_Watcher_Tail_Confirmations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.watcher(t, chain(50), domain.KindGift, func(cfg *watcher.Config) {
		cfg.Confirmations = 5
		cfg.LookbackBlocks = 10
	})
	require.NoError(t, w.Tail(t.Context()))

	last, ok, err := f.st.GetCursor(t.Context(), contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(45), last)
}

func TestRelay_Watcher_Tail_LedgerErrorKeepsCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.st.AdvanceCursor(ctx, contract, 1, 10))

	ledger := chain(20)
	ledger.getLogsFunc = func(context.Context, evm.FilterQuery) ([]evm.Log, error) {
		return nil, errors.New("header not found")
	}
	w := f.watcher(t, ledger, domain.KindGift)
	require.Error(t, w.Tail(ctx))
	require.False(t, w.Ready())

	last, _, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)
}

type flakyStore struct {
	*store.Store
	failures atomic.Int32
}

func (s *flakyStore) InsertDistributable(ctx context.Context, d *domain.Distributable) (bool, error) {
	if s.failures.Add(-1) >= 0 {
		return false, errors.New("connection reset by peer")
	}
	return s.Store.InsertDistributable(ctx, d)
}

func TestRelay_Watcher_Tail_PersistenceErrorKeepsCursor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	flaky := &flakyStore{Store: f.st}
	flaky.failures.Store(1)

	ledger := chain(8,
		evmtest.GiftCreated(loc("0xe001", 5, 0), evmtest.Created{
			ID: 2, Sender: alice, Recipient: bob, Amount: "5", ExpiresAt: inOneHour(),
		}),
	)
	w := f.watcher(t, ledger, domain.KindGift, func(cfg *watcher.Config) { cfg.Store = flaky })

	require.Error(t, w.Tail(ctx))
	_, ok, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, w.Tail(ctx))
	last, ok, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(8), last)

	_, err = f.st.GetDistributable(ctx, domain.KindGift, "2")
	require.NoError(t, err)
}

func TestRelay_Watcher_Tail_SkipsGapsAndBadLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	bad := evmtest.GiftCreated(loc("0xf001", 2, 0), evmtest.Created{
		ID: 3, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: inOneHour(),
	})
	bad.Data = bad.Data[:64]
	badKind := evmtest.GiftCreated(loc("0xf002", 2, 1), evmtest.Created{
		ID: 4, Sender: alice, Recipient: bob, AssetKind: 9, Amount: "1", ExpiresAt: inOneHour(),
	})
	removed := evmtest.GiftCreated(loc("0xf003", 2, 2), evmtest.Created{
		ID: 5, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: inOneHour(),
	})
	removed.Removed = true

	ledger := chain(4,
		bad, badKind, removed,
		evmtest.Claimed(domain.KindGift, loc("0xf004", 3, 0), 99, bob, "1"),
		evmtest.Refunded(domain.KindGift, loc("0xf005", 3, 1), 98, alice, "1"),
		evmtest.GiftCreated(loc("0xf006", 4, 0), evmtest.Created{
			ID: 6, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: inOneHour(), Message: "ok\x00",
		}),
	)
	w := f.watcher(t, ledger, domain.KindGift)
	require.NoError(t, w.Tail(ctx))

	for _, id := range []string{"3", "4", "5"} {
		_, err := f.st.GetDistributable(ctx, domain.KindGift, id)
		require.ErrorIs(t, err, store.ErrNotFound, id)
	}
	d, err := f.st.GetDistributable(ctx, domain.KindGift, "6")
	require.NoError(t, err)
	require.Equal(t, "ok", d.Message)

	last, _, err := f.st.GetCursor(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
}

func TestRelay_Watcher_ExpirySweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	ledger := chain(3,
		evmtest.GiftCreated(loc("0xa001", 1, 0), evmtest.Created{
			ID: 10, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: uint64(epoch.Add(-10 * time.Minute).Unix()),
		}),
		evmtest.GiftCreated(loc("0xa002", 1, 1), evmtest.Created{
			ID: 11, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: uint64(epoch.Add(-time.Minute).Unix()),
		}),
	)
	w := f.watcher(t, ledger, domain.KindGift, func(cfg *watcher.Config) { cfg.ExpiryGrace = 5 * time.Minute })
	require.NoError(t, w.Tail(ctx))

	d, err := f.st.GetDistributable(ctx, domain.KindGift, "10")
	require.NoError(t, err)
	require.Equal(t, domain.StatusExpired, d.Status)

	d, err = f.st.GetDistributable(ctx, domain.KindGift, "11")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, d.Status, "still inside the grace period")
	require.Contains(t, f.notifier.Events(), "gift:expired 10")
}

func TestRelay_Watcher_TokenMetadata(t *testing.T) {
	t.Parallel()

	t.Run("resolves and caches fungible metadata", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()

		var calls atomic.Int32
		ledger := chain(3,
			evmtest.GiftCreated(loc("0xb001", 1, 0), evmtest.Created{
				ID: 20, Sender: alice, Recipient: bob, AssetKind: 1, AssetRef: token, Amount: "1", ExpiresAt: inOneHour(),
			}),
			evmtest.GiftCreated(loc("0xb002", 2, 0), evmtest.Created{
				ID: 21, Sender: alice, Recipient: bob, AssetKind: 1, AssetRef: token, Amount: "1", ExpiresAt: inOneHour(),
			}),
		)
		ledger.callFunc = func(_ context.Context, to string, data []byte) ([]byte, error) {
			calls.Add(1)
			require.Equal(t, token, to)
			switch string(data) {
			case string(evm.Selector("symbol()")):
				return evmtest.StringReturn("USDC"), nil
			case string(evm.Selector("name()")):
				return evmtest.StringReturn("USD Coin"), nil
			}
			return evmtest.Uint(6), nil
		}
		w := f.watcher(t, ledger, domain.KindGift)
		require.NoError(t, w.Tail(ctx))

		for _, id := range []string{"20", "21"} {
			d, err := f.st.GetDistributable(ctx, domain.KindGift, id)
			require.NoError(t, err)
			require.Equal(t, "USDC", *d.Metadata.Symbol)
			require.Equal(t, "USD Coin", *d.Metadata.Name)
			require.Equal(t, int32(6), *d.Metadata.Decimals)
		}
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("failed lookups store nulls", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()

		ledger := chain(3, evmtest.GiftCreated(loc("0xb003", 1, 0), evmtest.Created{
			ID: 22, Sender: alice, Recipient: bob, AssetKind: 2, AssetRef: token, AssetSub: 5, Amount: "1", ExpiresAt: inOneHour(),
		}))
		w := f.watcher(t, ledger, domain.KindGift)
		require.NoError(t, w.Tail(ctx))

		d, err := f.st.GetDistributable(ctx, domain.KindGift, "22")
		require.NoError(t, err)
		require.Nil(t, d.Metadata.Symbol)
		require.Nil(t, d.Metadata.Name)
		require.Equal(t, int32(0), *d.Metadata.Decimals)
		nft, ok := d.Asset.(domain.NonFungibleAsset)
		require.True(t, ok)
		require.Equal(t, token, nft.Contract)
		require.True(t, nft.TokenID.Equal(decimal.NewFromInt(5)))
	})
}

func TestRelay_Watcher_ClaimGasMetadata(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := t.Context()

	ledger := chain(3,
		evmtest.GiftCreated(loc("0x9001", 1, 0), evmtest.Created{
			ID: 30, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: inOneHour(),
		}),
		evmtest.Claimed(domain.KindGift, loc("0x9002", 2, 0), 30, bob, "1"),
	)
	ledger.receiptFunc = func(_ context.Context, tx string) (*evm.Receipt, error) {
		return &evm.Receipt{GasUsed: 51000, EffectiveGasPrice: decimal.NewFromInt(1_000_000_000), Status: 1}, nil
	}
	w := f.watcher(t, ledger, domain.KindGift)
	require.NoError(t, w.Tail(ctx))

	claims, err := f.st.ListClaims(ctx, domain.KindGift, "30")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, uint64(51000), *claims[0].GasUsed)
	require.Equal(t, uint64(2), *claims[0].BlockNumber)
	require.True(t, claims[0].GasPrice.Equal(decimal.NewFromInt(1_000_000_000)))
}

func TestRelay_Watcher_StopWaitsForInFlightTick(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var (
		enteredOnce sync.Once
		entered     = make(chan struct{})
		release     = make(chan struct{})
	)
	ledger := chain(10)
	ledger.blockNumberFunc = func(context.Context) (uint64, error) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		return 10, nil
	}
	w := f.watcher(t, ledger, domain.KindGift)
	w.Start(t.Context())
	<-entered

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a tick was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return after the tick finished")
	}
	require.True(t, w.Ready(), "in-flight tick completes its batch")

	last, ok, err := f.st.GetCursor(t.Context(), contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), last)
}

func TestRelay_Watcher_CancelDuringTickCompletesChunk(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var (
		enteredOnce sync.Once
		entered     = make(chan struct{})
		release     = make(chan struct{})
		callErr     atomic.Value
	)
	ledger := chain(10, evmtest.GiftCreated(loc("0xd001", 5, 0), evmtest.Created{
		ID: 30, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: inOneHour(),
	}))
	logs := ledger.getLogsFunc
	ledger.getLogsFunc = func(ctx context.Context, q evm.FilterQuery) ([]evm.Log, error) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		if ctx.Err() != nil {
			callErr.Store(ctx.Err())
		}
		return logs(ctx, q)
	}
	w := f.watcher(t, ledger, domain.KindGift)

	ctx, cancel := context.WithCancel(t.Context())
	w.Start(ctx)
	<-entered
	cancel()
	close(release)
	w.Stop()

	require.Nil(t, callErr.Load(), "ledger calls keep a live context after cancel")
	require.True(t, w.Ready())
	last, ok, err := f.st.GetCursor(t.Context(), contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), last)

	_, err = f.st.GetDistributable(t.Context(), domain.KindGift, "30")
	require.NoError(t, err)
}

func TestRelay_Watcher_StopBetweenChunks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var (
		calls   atomic.Int32
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	ledger := chain(30)
	logs := ledger.getLogsFunc
	ledger.getLogsFunc = func(ctx context.Context, q evm.FilterQuery) ([]evm.Log, error) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return logs(ctx, q)
	}
	w := f.watcher(t, ledger, domain.KindGift, func(cfg *watcher.Config) {
		cfg.MaxBlockRange = 10
	})

	ctx, cancel := context.WithCancel(t.Context())
	w.Start(ctx)
	<-entered
	cancel()
	// Let the cancellation reach the loop before the first chunk lands.
	time.Sleep(50 * time.Millisecond)
	close(release)
	w.Stop()

	require.Equal(t, int32(1), calls.Load(), "no chunk starts after the stop request")
	require.False(t, w.Ready())
	last, ok, err := f.st.GetCursor(t.Context(), contract)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), last)
}

func TestRelay_Watcher_StopWithoutStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.watcher(t, chain(1), domain.KindGift)
	w.Stop()
	w.Start(t.Context())
	require.False(t, w.Ready())
}

func TestRelay_Watcher_WaitReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	w := f.watcher(t, chain(2), domain.KindGift)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, w.WaitReady(ctx))

	w.Start(t.Context())
	t.Cleanup(w.Stop)
	waitCtx, waitCancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer waitCancel()
	require.NoError(t, w.WaitReady(waitCtx))
}

func TestRelay_Watcher_IngestTx(t *testing.T) {
	t.Parallel()

	created := evmtest.GiftCreated(loc("0x7001", 4, 0), evmtest.Created{
		ID: 40, Sender: alice, Recipient: bob, Amount: "9", ExpiresAt: inOneHour(),
	})
	foreign := evmtest.GiftCreated(evmtest.Loc{Contract: token, TxHash: "0x7001", Block: 4, Index: 1}, evmtest.Created{
		ID: 41, Sender: alice, Recipient: bob, Amount: "9", ExpiresAt: inOneHour(),
	})

	t.Run("registers created distributables", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ctx := t.Context()

		ledger := chain(10)
		ledger.receiptFunc = func(_ context.Context, tx string) (*evm.Receipt, error) {
			require.Equal(t, "0x7001", tx)
			return &evm.Receipt{BlockNumber: 4, Status: 1, Logs: []evm.Log{created, foreign}}, nil
		}
		w := f.watcher(t, ledger, domain.KindGift)

		ids, err := w.IngestTx(ctx, "0x7001")
		require.NoError(t, err)
		require.Equal(t, []string{"40"}, ids)

		_, err = f.st.GetDistributable(ctx, domain.KindGift, "40")
		require.NoError(t, err)
		_, ok, err := f.st.GetCursor(ctx, contract)
		require.NoError(t, err)
		require.False(t, ok)

		ids, err = w.IngestTx(ctx, "0x7001")
		require.NoError(t, err)
		require.Equal(t, []string{"40"}, ids)
		require.Equal(t, []string{"gift:created 40"}, f.notifier.Events())
	})

	t.Run("rejects reverted transactions", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ledger := chain(10)
		ledger.receiptFunc = func(context.Context, string) (*evm.Receipt, error) {
			return &evm.Receipt{Status: 0, Logs: []evm.Log{created}}, nil
		}
		w := f.watcher(t, ledger, domain.KindGift)
		_, err := w.IngestTx(t.Context(), "0x7001")
		require.ErrorIs(t, err, watcher.ErrTxFailed)
	})
}
