package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giftlane/relay/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const distributableColumns = `
	kind, id::text, chain_id, contract_address, creator_address, COALESCE(recipient_address, ''),
	asset_kind, asset_ref, asset_sub_id::text, asset_symbol, asset_name, asset_decimals,
	total_amount::text, unit_count, remaining_count, remaining_amount::text, random_split, message,
	create_tx_hash, create_block, expires_at, status, COALESCE(refund_tx_hash, ''), claimed_at,
	created_at, updated_at`

// InsertDistributable records a newly created distributable in PENDING.
// Redelivery of the same creation is a no-op and reports inserted=false.
func (s *Store) InsertDistributable(ctx context.Context, d *domain.Distributable) (bool, error) {
	var inserted bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := ensureUsers(ctx, tx, d.Creator, d.Recipient); err != nil {
			return err
		}
		var recipient *string
		if d.Recipient != "" {
			recipient = &d.Recipient
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO distributables (
				kind, id, chain_id, contract_address, creator_address, recipient_address,
				asset_kind, asset_ref, asset_sub_id, asset_symbol, asset_name, asset_decimals,
				total_amount, unit_count, remaining_count, remaining_amount, random_split, message,
				create_tx_hash, create_block, expires_at, status
			) VALUES (
				$1, $2::numeric, $3, $4, $5, $6,
				$7, $8, $9::numeric, $10, $11, $12,
				$13::numeric, $14, $14, $13::numeric, $15, $16,
				$17, $18, $19, 'PENDING'
			)
			ON CONFLICT (kind, id) DO NOTHING`,
			string(d.Kind), d.ID, d.ChainID, d.Contract, d.Creator, recipient,
			d.Asset.Kind().String(), d.Asset.Ref(), domain.SubID(d.Asset).String(),
			d.Metadata.Symbol, d.Metadata.Name, d.Metadata.Decimals,
			d.TotalAmount.String(), d.UnitCount, d.RandomSplit, d.Message,
			d.CreateTxHash, int64(d.CreateBlock), d.ExpiresAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert distributable: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// GetDistributable returns ErrNotFound when no row exists.
func (s *Store) GetDistributable(ctx context.Context, kind domain.Kind, id string) (*domain.Distributable, error) {
	return getDistributable(ctx, s.pool, kind, id, false)
}

func getDistributable(ctx context.Context, q querier, kind domain.Kind, id string, forUpdate bool) (*domain.Distributable, error) {
	sql := `SELECT ` + distributableColumns + ` FROM distributables WHERE kind = $1 AND id = $2::numeric`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	d, err := scanDistributable(q.QueryRow(ctx, sql, string(kind), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return d, nil
}

// ListCreatedBy returns the newest distributables created by addr.
func (s *Store) ListCreatedBy(ctx context.Context, addr string, limit int) ([]domain.Distributable, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+distributableColumns+`
		FROM distributables WHERE creator_address = $1
		ORDER BY created_at DESC LIMIT $2`, addr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributables: %w", err)
	}
	defer rows.Close()

	var out []domain.Distributable
	for rows.Next() {
		d, err := scanDistributable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RecordRefund stores the refund hash if none is recorded yet and moves a
// PENDING row to REFUNDED. Terminal rows keep their status.
func (s *Store) RecordRefund(ctx context.Context, kind domain.Kind, id, txHash string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := getDistributable(ctx, tx, kind, id, true)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE distributables
			SET refund_tx_hash = COALESCE(refund_tx_hash, $3),
			    status = CASE WHEN status = 'PENDING' THEN 'REFUNDED' ELSE status END,
			    updated_at = NOW()
			WHERE kind = $1 AND id = $2::numeric
			  AND (status = 'PENDING' OR refund_tx_hash IS NULL)`,
			string(kind), id, txHash)
		if err != nil {
			return fmt.Errorf("failed to record refund: %w", err)
		}
		changed = tag.RowsAffected() == 1 && d.Status == domain.StatusPending
		return nil
	})
	return changed, err
}

// ExpireOverdue moves PENDING rows of a contract whose expiry is before
// cutoff to EXPIRED and returns their ids.
func (s *Store) ExpireOverdue(ctx context.Context, kind domain.Kind, contract string, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE distributables SET status = 'EXPIRED', updated_at = NOW()
		WHERE kind = $1 AND contract_address = $2 AND status = 'PENDING' AND expires_at < $3
		RETURNING id::text`, string(kind), contract, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire distributables: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rowParts holds columns that need parsing after Scan.
type rowParts struct {
	kind, assetKind, assetRef, assetSub string
	status, total, remaining           string
	createBlock                        int64
}

func scanDistributable(row pgx.Row) (*domain.Distributable, error) {
	var (
		d domain.Distributable
		p rowParts
	)
	err := row.Scan(
		&p.kind, &d.ID, &d.ChainID, &d.Contract, &d.Creator, &d.Recipient,
		&p.assetKind, &p.assetRef, &p.assetSub, &d.Metadata.Symbol, &d.Metadata.Name, &d.Metadata.Decimals,
		&p.total, &d.UnitCount, &d.RemainingCount, &p.remaining, &d.RandomSplit, &d.Message,
		&d.CreateTxHash, &p.createBlock, &d.ExpiresAt, &p.status, &d.RefundTxHash, &d.ClaimedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := p.apply(&d); err != nil {
		return nil, fmt.Errorf("distributable %s: %w", d.ID, err)
	}
	return &d, nil
}

func (p rowParts) apply(d *domain.Distributable) error {
	var err error
	if d.Kind, err = domain.ParseKind(p.kind); err != nil {
		return err
	}
	if d.Status, err = domain.ParseStatus(p.status); err != nil {
		return err
	}
	if d.TotalAmount, err = decimal.NewFromString(p.total); err != nil {
		return fmt.Errorf("total amount: %w", err)
	}
	if d.RemainingAmount, err = decimal.NewFromString(p.remaining); err != nil {
		return fmt.Errorf("remaining amount: %w", err)
	}
	sub, err := decimal.NewFromString(p.assetSub)
	if err != nil {
		return fmt.Errorf("asset sub id: %w", err)
	}
	ak, err := domain.ParseAssetKindName(p.assetKind)
	if err != nil {
		return err
	}
	if d.Asset, err = domain.NewAsset(ak, p.assetRef, sub); err != nil {
		return err
	}
	d.CreateBlock = uint64(p.createBlock)
	d.ExpiresAt = d.ExpiresAt.UTC()
	return nil
}
