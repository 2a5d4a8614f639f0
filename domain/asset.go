package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// AssetKind is the on-chain discriminant for the transferred asset.
type AssetKind uint8

const (
	AssetKindNative      AssetKind = 0
	AssetKindFungible    AssetKind = 1
	AssetKindNonFungible AssetKind = 2
)

// ParseAssetKind rejects discriminants the contracts do not define.
func ParseAssetKind(v uint64) (AssetKind, error) {
	switch AssetKind(v) {
	case AssetKindNative, AssetKindFungible, AssetKindNonFungible:
		return AssetKind(v), nil
	}
	return 0, fmt.Errorf("unknown asset kind %d", v)
}

func (k AssetKind) String() string {
	switch k {
	case AssetKindNative:
		return "native"
	case AssetKindFungible:
		return "fungible"
	case AssetKindNonFungible:
		return "non_fungible"
	}
	return fmt.Sprintf("asset_kind(%d)", uint8(k))
}

// ParseAssetKindName is the inverse of AssetKind.String for persisted rows.
func ParseAssetKindName(s string) (AssetKind, error) {
	switch s {
	case "native":
		return AssetKindNative, nil
	case "fungible":
		return AssetKindFungible, nil
	case "non_fungible":
		return AssetKindNonFungible, nil
	}
	return 0, fmt.Errorf("unknown asset kind %q", s)
}

// Asset is a closed union of the three asset shapes.
type Asset interface {
	Kind() AssetKind
	// Ref is the token contract, empty for the native asset.
	Ref() string
	isAsset()
}

type NativeAsset struct{}

type FungibleAsset struct {
	Contract string
}

type NonFungibleAsset struct {
	Contract string
	TokenID  decimal.Decimal
}

func (NativeAsset) Kind() AssetKind      { return AssetKindNative }
func (NativeAsset) Ref() string          { return "" }
func (NativeAsset) isAsset()             {}
func (a FungibleAsset) Kind() AssetKind  { return AssetKindFungible }
func (a FungibleAsset) Ref() string      { return a.Contract }
func (FungibleAsset) isAsset()           {}
func (NonFungibleAsset) Kind() AssetKind { return AssetKindNonFungible }
func (a NonFungibleAsset) Ref() string   { return a.Contract }
func (NonFungibleAsset) isAsset()        {}

// NewAsset builds the variant for kind. The contract address is normalized.
func NewAsset(kind AssetKind, ref string, subID decimal.Decimal) (Asset, error) {
	switch kind {
	case AssetKindNative:
		return NativeAsset{}, nil
	case AssetKindFungible:
		addr, err := NormalizeAddress(ref)
		if err != nil {
			return nil, fmt.Errorf("fungible asset contract: %w", err)
		}
		return FungibleAsset{Contract: addr}, nil
	case AssetKindNonFungible:
		addr, err := NormalizeAddress(ref)
		if err != nil {
			return nil, fmt.Errorf("non-fungible asset contract: %w", err)
		}
		return NonFungibleAsset{Contract: addr, TokenID: subID}, nil
	}
	return nil, fmt.Errorf("unknown asset kind %d", uint8(kind))
}

// SubID returns the token id for non-fungible assets and zero otherwise.
func SubID(a Asset) decimal.Decimal {
	if nft, ok := a.(NonFungibleAsset); ok {
		return nft.TokenID
	}
	return decimal.Zero
}

// AssetMetadata is display data resolved from the token contract. Fields are
// nil when resolution failed.
type AssetMetadata struct {
	Symbol   *string
	Name     *string
	Decimals *int32
}
