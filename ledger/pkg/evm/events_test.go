package evm_test

import (
	"errors"
	"testing"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/ledger/pkg/evm"
	"github.com/giftlane/relay/ledger/pkg/evm/evmtest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	bob   = "0x0000000000000000000000000000000000000b0b"
	token = "0x00000000000000000000000000000000000000aa"
)

var loc = evmtest.Loc{
	Contract: "0x00000000000000000000000000000000000000c1",
	TxHash:   "0xabc1",
	Block:    120,
	Index:    3,
}

func TestRelay_EVM_EventTopic(t *testing.T) {
	t.Parallel()

	require.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		evm.EventTopic("Transfer(address,address,uint256)"))
	require.Equal(t, []byte{0x95, 0xd8, 0x9b, 0x41}, evm.Selector("symbol()"))
	require.Equal(t, []byte{0x31, 0x3c, 0xe5, 0x67}, evm.Selector("decimals()"))
}

func TestRelay_EVM_Decoder_Gift(t *testing.T) {
	t.Parallel()

	dec, err := evm.NewDecoder(domain.KindGift)
	require.NoError(t, err)
	require.Equal(t, []string{
		evm.EventTopic(evm.GiftCreatedSig),
		evm.EventTopic(evm.GiftClaimedSig),
		evm.EventTopic(evm.GiftRefundedSig),
	}, dec.Topics())

	t.Run("created", func(t *testing.T) {
		t.Parallel()

		ev, err := dec.Decode(evmtest.GiftCreated(loc, evmtest.Created{
			ID: 42, Sender: alice, Recipient: bob,
			AssetKind: 1, AssetRef: token, Amount: "1000000000000000000",
			ExpiresAt: 1_800_000_000, Message: "happy birthday",
		}))
		require.NoError(t, err)

		created, ok := ev.(evm.CreatedEvent)
		require.True(t, ok)
		require.Equal(t, "42", created.ID)
		require.Equal(t, alice, created.Sender)
		require.Equal(t, bob, created.Recipient)
		require.Equal(t, domain.FungibleAsset{Contract: token}, created.Asset)
		require.True(t, created.Amount.Equal(decimal.RequireFromString("1000000000000000000")))
		require.Equal(t, 1, created.Count)
		require.Equal(t, time.Unix(1_800_000_000, 0).UTC(), created.ExpiresAt)
		require.Equal(t, "happy birthday", created.Message)
		require.Equal(t, uint64(120), created.Meta().BlockNumber)
		require.Equal(t, "0xabc1", created.Meta().TxHash)
	})

	t.Run("long message spans words", func(t *testing.T) {
		t.Parallel()

		msg := "a message that is definitely longer than thirty-two bytes in total"
		ev, err := dec.Decode(evmtest.GiftCreated(loc, evmtest.Created{
			ID: 1, Sender: alice, Recipient: bob, Amount: "5", ExpiresAt: 1, Message: msg,
		}))
		require.NoError(t, err)
		require.Equal(t, msg, ev.(evm.CreatedEvent).Message)
		require.Equal(t, domain.NativeAsset{}, ev.(evm.CreatedEvent).Asset)
	})

	t.Run("claimed and refunded", func(t *testing.T) {
		t.Parallel()

		ev, err := dec.Decode(evmtest.Claimed(domain.KindGift, loc, 42, bob, "100"))
		require.NoError(t, err)
		claimed := ev.(evm.ClaimedEvent)
		require.Equal(t, "42", claimed.ID)
		require.Equal(t, bob, claimed.Claimer)
		require.True(t, claimed.Amount.Equal(decimal.NewFromInt(100)))

		ev, err = dec.Decode(evmtest.Refunded(domain.KindGift, loc, 42, alice, "100"))
		require.NoError(t, err)
		refunded := ev.(evm.RefundedEvent)
		require.Equal(t, alice, refunded.Sender)
	})

	t.Run("rejects unknown asset kind", func(t *testing.T) {
		t.Parallel()

		_, err := dec.Decode(evmtest.GiftCreated(loc, evmtest.Created{
			ID: 7, Sender: alice, Recipient: bob, AssetKind: 9, Amount: "1", ExpiresAt: 1,
		}))
		require.ErrorIs(t, err, evm.ErrMalformed)
	})

	t.Run("rejects packet events", func(t *testing.T) {
		t.Parallel()

		_, err := dec.Decode(evmtest.Claimed(domain.KindPacket, loc, 1, bob, "1"))
		require.ErrorIs(t, err, evm.ErrUnknownEvent)
	})

	t.Run("rejects short topic", func(t *testing.T) {
		t.Parallel()

		l := evmtest.Claimed(domain.KindGift, loc, 1, bob, "1")
		l.Topics[1] = "0x01"
		_, err := dec.Decode(l)
		require.ErrorIs(t, err, evm.ErrMalformed)
	})

	t.Run("rejects missing indexed topic", func(t *testing.T) {
		t.Parallel()

		l := evmtest.Claimed(domain.KindGift, loc, 1, bob, "1")
		l.Topics = l.Topics[:2]
		_, err := dec.Decode(l)
		require.ErrorIs(t, err, evm.ErrMalformed)
	})

	t.Run("rejects truncated data", func(t *testing.T) {
		t.Parallel()

		l := evmtest.GiftCreated(loc, evmtest.Created{ID: 1, Sender: alice, Recipient: bob, Amount: "1", ExpiresAt: 1})
		l.Data = l.Data[:100]
		_, err := dec.Decode(l)
		require.True(t, errors.Is(err, evm.ErrMalformed))
	})
}

func TestRelay_EVM_Decoder_Packet(t *testing.T) {
	t.Parallel()

	dec, err := evm.NewDecoder(domain.KindPacket)
	require.NoError(t, err)
	require.Equal(t, []string{
		evm.EventTopic(evm.PacketCreatedSig),
		evm.EventTopic(evm.PacketClaimedSig),
		evm.EventTopic(evm.PacketRefundedSig),
	}, dec.Topics())

	ev, err := dec.Decode(evmtest.PacketCreated(loc, evmtest.Created{
		ID: 9, Sender: alice, AssetKind: 2, AssetRef: token, AssetSub: 77,
		Amount: "3", Count: 3, Random: true, ExpiresAt: 1_900_000_000, Message: "gm",
	}))
	require.NoError(t, err)

	created := ev.(evm.CreatedEvent)
	require.Equal(t, domain.KindPacket, created.Kind)
	require.Empty(t, created.Recipient)
	require.Equal(t, 3, created.Count)
	require.True(t, created.Random)
	nft, ok := created.Asset.(domain.NonFungibleAsset)
	require.True(t, ok)
	require.True(t, nft.TokenID.Equal(decimal.NewFromInt(77)))

	_, err = dec.Decode(evmtest.PacketCreated(loc, evmtest.Created{
		ID: 10, Sender: alice, Amount: "3", Count: 0, ExpiresAt: 1,
	}))
	require.ErrorIs(t, err, evm.ErrMalformed)
}
