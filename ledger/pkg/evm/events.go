package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/giftlane/relay/domain"
	"github.com/shopspring/decimal"
)

var ErrUnknownEvent = errors.New("unknown event")

// EventMeta locates an event on the ledger.
type EventMeta struct {
	Contract    string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint64
}

// Event is one of CreatedEvent, ClaimedEvent or RefundedEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

type CreatedEvent struct {
	EventMeta
	Kind      domain.Kind
	ID        string
	Sender    string
	Recipient string
	Asset     domain.Asset
	Amount    decimal.Decimal
	Count     int
	Random    bool
	ExpiresAt time.Time
	Message   string
}

type ClaimedEvent struct {
	EventMeta
	Kind    domain.Kind
	ID      string
	Claimer string
	Amount  decimal.Decimal
}

type RefundedEvent struct {
	EventMeta
	Kind   domain.Kind
	ID     string
	Sender string
	Amount decimal.Decimal
}

func (e EventMeta) Meta() EventMeta { return e }

func (CreatedEvent) isEvent()  {}
func (ClaimedEvent) isEvent()  {}
func (RefundedEvent) isEvent() {}

// Event signatures emitted by the gift and packet contracts.
const (
	GiftCreatedSig    = "GiftCreated(uint256,address,address,uint8,address,uint256,uint256,uint64,string)"
	GiftClaimedSig    = "GiftClaimed(uint256,address,uint256)"
	GiftRefundedSig   = "GiftRefunded(uint256,address,uint256)"
	PacketCreatedSig  = "PacketCreated(uint256,address,uint8,address,uint256,uint256,uint32,bool,uint64,string)"
	PacketClaimedSig  = "PacketClaimed(uint256,address,uint256)"
	PacketRefundedSig = "PacketRefunded(uint256,address,uint256)"
)

// Decoder maps logs of one contract kind onto Events.
type Decoder struct {
	kind     domain.Kind
	abi      abi.ABI
	created  abi.Event
	claimed  abi.Event
	refunded abi.Event
}

func NewDecoder(kind domain.Kind) (*Decoder, error) {
	var (
		contract abi.ABI
		prefix   string
	)
	switch kind {
	case domain.KindGift:
		contract, prefix = GiftABI, "Gift"
	case domain.KindPacket:
		contract, prefix = PacketABI, "Packet"
	default:
		return nil, fmt.Errorf("unsupported contract kind %q", kind)
	}
	return &Decoder{
		kind:     kind,
		abi:      contract,
		created:  contract.Events[prefix+"Created"],
		claimed:  contract.Events[prefix+"Claimed"],
		refunded: contract.Events[prefix+"Refunded"],
	}, nil
}

// Topics returns the topic0 values to filter on.
func (d *Decoder) Topics() []string {
	return []string{d.created.ID.Hex(), d.claimed.ID.Hex(), d.refunded.ID.Hex()}
}

func (d *Decoder) Decode(l Log) (Event, error) {
	if len(l.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrUnknownEvent)
	}
	topics, err := parseTopics(l.Topics)
	if err != nil {
		return nil, err
	}
	ev, err := d.abi.EventByID(topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0])
	}
	values, err := unpackEvent(ev, topics[1:], l.Data)
	if err != nil {
		return nil, err
	}

	meta := EventMeta{
		Contract:    strings.ToLower(l.Address),
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		LogIndex:    l.LogIndex,
	}
	a := &args{event: ev.Name, values: values}
	switch ev.ID {
	case d.created.ID:
		return d.decodeCreated(meta, a)
	case d.claimed.ID:
		e := ClaimedEvent{EventMeta: meta, Kind: d.kind, ID: a.id(), Claimer: a.address("claimer"), Amount: a.amount("amount")}
		return e, a.err
	case d.refunded.ID:
		e := RefundedEvent{EventMeta: meta, Kind: d.kind, ID: a.id(), Sender: a.address("sender"), Amount: a.amount("amount")}
		return e, a.err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Name)
}

func (d *Decoder) decodeCreated(meta EventMeta, a *args) (Event, error) {
	e := CreatedEvent{
		EventMeta: meta,
		Kind:      d.kind,
		ID:        a.id(),
		Sender:    a.address("sender"),
		Amount:    a.amount("amount"),
		Count:     1,
		ExpiresAt: unixTime(a.uint("expiresAt")),
		Message:   a.text("message"),
	}
	if d.kind.Pooled() {
		count := a.uint("count")
		if a.err == nil && count == 0 {
			return nil, fmt.Errorf("%w: packet count 0", ErrMalformed)
		}
		e.Count = int(count)
		e.Random = a.bool("randomSplit")
	} else {
		e.Recipient = a.address("recipient")
	}

	kind := a.uint("assetKind")
	ref := a.address("assetRef")
	sub := a.amount("assetSubId")
	if a.err != nil {
		return nil, a.err
	}
	assetKind, err := domain.ParseAssetKind(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if e.Asset, err = domain.NewAsset(assetKind, ref, sub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return e, nil
}

func parseTopics(raw []string) ([]common.Hash, error) {
	topics := make([]common.Hash, len(raw))
	for i, t := range raw {
		b, err := hexutil.Decode(t)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("%w: topic %d is not a 32-byte word", ErrMalformed, i)
		}
		topics[i] = common.BytesToHash(b)
	}
	return topics, nil
}

// unpackEvent decodes indexed topics and the data payload by argument name.
func unpackEvent(ev *abi.Event, topics []common.Hash, data []byte) (map[string]any, error) {
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(topics) != len(indexed) {
		return nil, fmt.Errorf("%w: %s has %d indexed topics, want %d", ErrMalformed, ev.Name, len(topics), len(indexed))
	}
	values := make(map[string]any, len(ev.Inputs))
	if err := abi.ParseTopicsIntoMap(values, indexed, topics); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %w", ErrMalformed, ev.Name, err)
	}
	if err := ev.Inputs.UnpackIntoMap(values, data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %w", ErrMalformed, ev.Name, err)
	}
	return values, nil
}

// args reads typed event arguments, keeping the first failure.
type args struct {
	event  string
	values map[string]any
	err    error
}

func (a *args) fail(name string) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s.%s has type %T", ErrMalformed, a.event, name, a.values[name])
	}
}

func (a *args) big(name string) *big.Int {
	v, ok := a.values[name].(*big.Int)
	if !ok {
		a.fail(name)
		return new(big.Int)
	}
	return v
}

func (a *args) id() string {
	return a.big("id").String()
}

func (a *args) amount(name string) decimal.Decimal {
	return decimal.NewFromBigInt(a.big(name), 0)
}

func (a *args) address(name string) string {
	v, ok := a.values[name].(common.Address)
	if !ok {
		a.fail(name)
		return domain.ZeroAddress
	}
	return strings.ToLower(v.Hex())
}

func (a *args) uint(name string) uint64 {
	switch v := a.values[name].(type) {
	case uint8:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	}
	a.fail(name)
	return 0
}

func (a *args) bool(name string) bool {
	v, ok := a.values[name].(bool)
	if !ok {
		a.fail(name)
	}
	return v
}

func (a *args) text(name string) string {
	v, ok := a.values[name].(string)
	if !ok {
		a.fail(name)
		return ""
	}
	if !utf8.ValidString(v) {
		return strings.ToValidUTF8(v, "�")
	}
	return v
}

// maxUnix is 9999-12-31T23:59:59Z, the largest expiry the store accepts.
const maxUnix = 253402300799

func unixTime(sec uint64) time.Time {
	if sec > maxUnix {
		sec = maxUnix
	}
	return time.Unix(int64(sec), 0).UTC()
}
