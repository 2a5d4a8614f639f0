package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrMalformed = errors.New("malformed abi data")

const giftABIJSON = `[
  {"type":"event","name":"GiftCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"recipient","type":"address","indexed":true},
    {"name":"assetKind","type":"uint8","indexed":false},
    {"name":"assetRef","type":"address","indexed":false},
    {"name":"assetSubId","type":"uint256","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"expiresAt","type":"uint64","indexed":false},
    {"name":"message","type":"string","indexed":false}]},
  {"type":"event","name":"GiftClaimed","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"claimer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"GiftRefunded","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

const packetABIJSON = `[
  {"type":"event","name":"PacketCreated","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"assetKind","type":"uint8","indexed":false},
    {"name":"assetRef","type":"address","indexed":false},
    {"name":"assetSubId","type":"uint256","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"count","type":"uint32","indexed":false},
    {"name":"randomSplit","type":"bool","indexed":false},
    {"name":"expiresAt","type":"uint64","indexed":false},
    {"name":"message","type":"string","indexed":false}]},
  {"type":"event","name":"PacketClaimed","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"claimer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PacketRefunded","anonymous":false,"inputs":[
    {"name":"id","type":"uint256","indexed":true},
    {"name":"sender","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}]}
]`

// tokenABIJSON covers the optional ERC-20 and ERC-721 metadata getters.
const tokenABIJSON = `[
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	GiftABI   = mustParseABI(giftABIJSON)
	PacketABI = mustParseABI(packetABIJSON)
	TokenABI  = mustParseABI(tokenABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: invalid abi: " + err.Error())
	}
	return parsed
}

// EventTopic returns topic0 for an event signature such as
// "Transfer(address,address,uint256)".
func EventTopic(signature string) string {
	return crypto.Keccak256Hash([]byte(signature)).Hex()
}

// Selector returns the 4-byte function selector for a signature.
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}
