package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the state change a broadcast announces.
type Action string

const (
	ActionCreated  Action = "created"
	ActionClaimed  Action = "claimed"
	ActionRefunded Action = "refunded"
	ActionExpired  Action = "expired"
)

// EventName is the broadcast event name, e.g. "packet:claimed".
func EventName(kind Kind, a Action) string {
	return string(kind) + ":" + string(a)
}

// Permissions is what a subscriber may see of one distributable.
type Permissions struct {
	CanView       bool `json:"canView"`
	CanViewStats  bool `json:"canViewStats"`
	CanViewClaims bool `json:"canViewClaims"`
}

// Notice is the broadcast payload for a state change.
type Notice struct {
	Kind      Kind         `json:"kind"`
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Creator   string       `json:"creator,omitempty"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Stats     *NoticeStats `json:"stats,omitempty"`
	Claim     *NoticeClaim `json:"claim,omitempty"`
}

type NoticeStats struct {
	TotalAmount     decimal.Decimal `json:"total_amount"`
	UnitCount       int             `json:"unit_count"`
	RemainingCount  int             `json:"remaining_count"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

type NoticeClaim struct {
	Claimer string          `json:"claimer"`
	Amount  decimal.Decimal `json:"amount"`
	TxHash  string          `json:"tx_hash,omitempty"`
}

func NewNotice(d *Distributable) Notice {
	expires := d.ExpiresAt
	return Notice{
		Kind:      d.Kind,
		ID:        d.ID,
		Status:    d.Status,
		Creator:   d.Creator,
		ExpiresAt: &expires,
		Stats: &NoticeStats{
			TotalAmount:     d.TotalAmount,
			UnitCount:       d.UnitCount,
			RemainingCount:  d.RemainingCount,
			RemainingAmount: d.RemainingAmount,
		},
	}
}

func (n Notice) Topic() Topic {
	return TopicFor(n.Kind, n.ID)
}

// WithClaim returns a copy of n carrying claim details.
func (n Notice) WithClaim(claimer string, amount decimal.Decimal, txHash string) Notice {
	n.Claim = &NoticeClaim{Claimer: claimer, Amount: amount, TxHash: txHash}
	return n
}

// Redact drops the parts of n that p does not allow.
func (n Notice) Redact(p Permissions) Notice {
	if !p.CanViewStats {
		n.Stats = nil
	}
	if !p.CanViewClaims {
		n.Claim = nil
	}
	return n
}
