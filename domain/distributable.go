package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Distributable is a gift or packet as projected from the ledger.
type Distributable struct {
	Kind     Kind
	ID       string
	ChainID  int64
	Contract string

	Creator string
	// Recipient is set for gifts and empty for pooled packets.
	Recipient string

	Asset    Asset
	Metadata AssetMetadata

	TotalAmount     decimal.Decimal
	UnitCount       int
	RemainingCount  int
	RemainingAmount decimal.Decimal
	RandomSplit     bool
	Message         string

	CreateTxHash string
	CreateBlock  uint64
	ExpiresAt    time.Time
	Status       Status
	RefundTxHash string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (d *Distributable) Topic() Topic {
	return TopicFor(d.Kind, d.ID)
}

// Expired reports whether now is at or past the expiry timestamp.
func (d *Distributable) Expired(now time.Time) bool {
	return d.Status == StatusExpired || !now.Before(d.ExpiresAt)
}

// ClaimSource records which path wrote a claim row.
type ClaimSource string

const (
	ClaimSourceChain ClaimSource = "chain"
	ClaimSourceAPI   ClaimSource = "api"
)

type Claim struct {
	ID              int64
	Kind            Kind
	DistributableID string
	Claimer         string
	Amount          decimal.Decimal
	TxHash          string
	ChainID         int64
	BlockNumber     *uint64
	GasUsed         *uint64
	GasPrice        *decimal.Decimal
	Source          ClaimSource
	ClaimedAt       time.Time
}
