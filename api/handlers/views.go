package handlers

import (
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/shopspring/decimal"
)

type AssetView struct {
	Kind     string  `json:"kind"`
	Contract string  `json:"contract,omitempty"`
	TokenID  string  `json:"token_id,omitempty"`
	Symbol   *string `json:"symbol,omitempty"`
	Name     *string `json:"name,omitempty"`
	Decimals *int32  `json:"decimals,omitempty"`
}

type StatsView struct {
	TotalAmount     decimal.Decimal `json:"total_amount"`
	UnitCount       int             `json:"unit_count"`
	RemainingCount  int             `json:"remaining_count"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

// DistributableView is a distributable as its caller may see it. Stats are
// present only for callers allowed to view them.
type DistributableView struct {
	Kind         domain.Kind        `json:"kind"`
	ID           string             `json:"id"`
	ChainID      int64              `json:"chain_id"`
	Contract     string             `json:"contract"`
	Creator      string             `json:"creator"`
	Recipient    string             `json:"recipient,omitempty"`
	Asset        AssetView          `json:"asset"`
	RandomSplit  bool               `json:"random_split"`
	Message      string             `json:"message,omitempty"`
	Status       domain.Status      `json:"status"`
	ExpiresAt    time.Time          `json:"expires_at"`
	CreateTxHash string             `json:"create_tx_hash"`
	RefundTxHash string             `json:"refund_tx_hash,omitempty"`
	ClaimedAt    *time.Time         `json:"claimed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	Stats        *StatsView         `json:"stats,omitempty"`
	Permissions  domain.Permissions `json:"permissions"`
}

func newDistributableView(d *domain.Distributable, p domain.Permissions) DistributableView {
	v := DistributableView{
		Kind:      d.Kind,
		ID:        d.ID,
		ChainID:   d.ChainID,
		Contract:  d.Contract,
		Creator:   d.Creator,
		Recipient: d.Recipient,
		Asset: AssetView{
			Kind:     d.Asset.Kind().String(),
			Contract: d.Asset.Ref(),
			Symbol:   d.Metadata.Symbol,
			Name:     d.Metadata.Name,
			Decimals: d.Metadata.Decimals,
		},
		RandomSplit:  d.RandomSplit,
		Message:      d.Message,
		Status:       d.Status,
		ExpiresAt:    d.ExpiresAt,
		CreateTxHash: d.CreateTxHash,
		RefundTxHash: d.RefundTxHash,
		ClaimedAt:    d.ClaimedAt,
		CreatedAt:    d.CreatedAt,
		Permissions:  p,
	}
	if nft, ok := d.Asset.(domain.NonFungibleAsset); ok {
		v.Asset.TokenID = nft.TokenID.String()
	}
	if p.CanViewStats {
		v.Stats = &StatsView{
			TotalAmount:     d.TotalAmount,
			UnitCount:       d.UnitCount,
			RemainingCount:  d.RemainingCount,
			RemainingAmount: d.RemainingAmount,
		}
	}
	return v
}

type ClaimView struct {
	ID              int64              `json:"id"`
	Kind            domain.Kind        `json:"kind"`
	DistributableID string             `json:"distributable_id"`
	Claimer         string             `json:"claimer"`
	Amount          decimal.Decimal    `json:"amount"`
	TxHash          string             `json:"tx_hash,omitempty"`
	Source          domain.ClaimSource `json:"source"`
	ClaimedAt       time.Time          `json:"claimed_at"`
}

func newClaimView(c domain.Claim) ClaimView {
	return ClaimView{
		ID:              c.ID,
		Kind:            c.Kind,
		DistributableID: c.DistributableID,
		Claimer:         c.Claimer,
		Amount:          c.Amount,
		TxHash:          c.TxHash,
		Source:          c.Source,
		ClaimedAt:       c.ClaimedAt,
	}
}
