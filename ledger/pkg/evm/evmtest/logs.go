// Package evmtest builds ABI-encoded logs the way the gift and packet
// contracts emit them.
package evmtest

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/giftlane/relay/domain"
	"github.com/giftlane/relay/ledger/pkg/evm"
)

// Uint left-pads v into a 32-byte word.
func Uint(v uint64) []byte {
	return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32)
}

func dec(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("evmtest: bad decimal " + s)
	}
	return v
}

func addressTopic(addr string) string {
	return common.HexToAddress(addr).Hash().Hex()
}

func idTopic(id uint64) string {
	return common.BigToHash(new(big.Int).SetUint64(id)).Hex()
}

// Loc sets where a built log sits on the ledger.
type Loc struct {
	Contract string
	TxHash   string
	Block    uint64
	Index    uint64
}

func (l Loc) log(ev abi.Event, topics []string, values ...any) evm.Log {
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic("evmtest: pack " + ev.Name + ": " + err.Error())
	}
	return evm.Log{
		Address:     strings.ToLower(l.Contract),
		Topics:      append([]string{ev.ID.Hex()}, topics...),
		Data:        data,
		BlockNumber: l.Block,
		TxHash:      strings.ToLower(l.TxHash),
		LogIndex:    l.Index,
	}
}

type Created struct {
	ID        uint64
	Sender    string
	Recipient string
	AssetKind uint8
	AssetRef  string
	AssetSub  uint64
	Amount    string
	Count     uint32
	Random    bool
	ExpiresAt uint64
	Message   string
}

func (c Created) ref() common.Address {
	if c.AssetRef == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.AssetRef)
}

func GiftCreated(loc Loc, c Created) evm.Log {
	return loc.log(evm.GiftABI.Events["GiftCreated"],
		[]string{idTopic(c.ID), addressTopic(c.Sender), addressTopic(c.Recipient)},
		c.AssetKind, c.ref(), new(big.Int).SetUint64(c.AssetSub), dec(c.Amount), c.ExpiresAt, c.Message,
	)
}

func PacketCreated(loc Loc, c Created) evm.Log {
	return loc.log(evm.PacketABI.Events["PacketCreated"],
		[]string{idTopic(c.ID), addressTopic(c.Sender)},
		c.AssetKind, c.ref(), new(big.Int).SetUint64(c.AssetSub), dec(c.Amount), c.Count, c.Random, c.ExpiresAt, c.Message,
	)
}

func Claimed(kind domain.Kind, loc Loc, id uint64, claimer, amount string) evm.Log {
	ev := evm.GiftABI.Events["GiftClaimed"]
	if kind == domain.KindPacket {
		ev = evm.PacketABI.Events["PacketClaimed"]
	}
	return loc.log(ev, []string{idTopic(id), addressTopic(claimer)}, dec(amount))
}

func Refunded(kind domain.Kind, loc Loc, id uint64, sender, amount string) evm.Log {
	ev := evm.GiftABI.Events["GiftRefunded"]
	if kind == domain.KindPacket {
		ev = evm.PacketABI.Events["PacketRefunded"]
	}
	return loc.log(ev, []string{idTopic(id), addressTopic(sender)}, dec(amount))
}

// StringReturn encodes an eth_call return value for a string function.
func StringReturn(s string) []byte {
	out, err := evm.TokenABI.Methods["symbol"].Outputs.Pack(s)
	if err != nil {
		panic("evmtest: pack string: " + err.Error())
	}
	return out
}
