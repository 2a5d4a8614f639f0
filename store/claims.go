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

// ChainClaim is a claim observed on the ledger.
type ChainClaim struct {
	Kind      domain.Kind
	ID        string
	Claimer   string
	Amount    decimal.Decimal
	TxHash    string
	ChainID   int64
	Block     uint64
	GasUsed   *uint64
	GasPrice  *decimal.Decimal
	ClaimedAt time.Time
}

// ClaimResult reports what a claim write changed.
type ClaimResult struct {
	// Inserted is true when a new claim row was written.
	Inserted bool
	// Linked is true when an existing API claim was matched to its
	// transaction hash.
	Linked bool
	Status domain.Status
	// StatusChanged is true when this write moved the distributable out of
	// PENDING.
	StatusChanged bool
	// Overdrawn is true when the ledger settled a claim on a pool the store
	// already counts as drained. The claim row is kept and the counters stay
	// at zero.
	Overdrawn bool
}

// RecordChainClaim writes a ledger claim and the matching state transition
// in one transaction. Replays of the same transaction are no-ops.
func (s *Store) RecordChainClaim(ctx context.Context, c ChainClaim) (ClaimResult, error) {
	var res ClaimResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := getDistributable(ctx, tx, c.Kind, c.ID, true)
		if err != nil {
			return err
		}
		res.Status = d.Status

		if err := ensureUsers(ctx, tx, c.Claimer); err != nil {
			return err
		}

		var gasUsed *int64
		if c.GasUsed != nil {
			v := int64(*c.GasUsed)
			gasUsed = &v
		}
		var gasPrice *string
		if c.GasPrice != nil {
			v := c.GasPrice.String()
			gasPrice = &v
		}

		// The API may already have recorded this claim, with or without its
		// hash. The ledger amount replaces whatever the API reserved.
		prior, linked, err := linkClaim(ctx, tx, c, gasUsed, gasPrice)
		if err != nil {
			return err
		}
		if linked {
			res.Linked = true
			return correctPoolAmount(ctx, tx, d, c.Amount.Sub(prior))
		}

		if d.Kind.Pooled() && d.RemainingCount == 0 {
			seen, err := txRecorded(ctx, tx, c.TxHash)
			if err != nil || seen {
				return err
			}
			res.Overdrawn = true
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO claims (kind, distributable_id, claimer_address, amount, tx_hash, chain_id,
				block_number, gas_used, gas_price, source, claimed_at)
			VALUES ($1, $2::numeric, $3, $4::numeric, $5, $6, $7, $8, $9::numeric, 'chain', $10)
			ON CONFLICT DO NOTHING`,
			string(c.Kind), c.ID, c.Claimer, c.Amount.String(), c.TxHash, c.ChainID,
			int64(c.Block), gasUsed, gasPrice, c.ClaimedAt)
		if err != nil {
			return fmt.Errorf("failed to insert claim: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Replay, or a gift already claimed by someone else.
			return nil
		}
		res.Inserted = true
		if res.Overdrawn {
			return nil
		}

		status, changed, err := applyClaim(ctx, tx, d, c.Amount, c.ClaimedAt, true)
		if err != nil {
			return err
		}
		res.Status, res.StatusChanged = status, changed
		return nil
	})
	return res, err
}

func txRecorded(ctx context.Context, q querier, txHash string) (bool, error) {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE tx_hash = $1)`, txHash).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check claim tx: %w", err)
	}
	return exists, nil
}

// linkClaim attaches the ledger transaction to an existing claim by the
// same claimer and returns the amount the row held before.
func linkClaim(ctx context.Context, tx pgx.Tx, c ChainClaim, gasUsed *int64, gasPrice *string) (decimal.Decimal, bool, error) {
	var prior string
	err := tx.QueryRow(ctx, `
		UPDATE claims AS c
		SET tx_hash = $4, block_number = $5,
		    gas_used = COALESCE($6, c.gas_used), gas_price = COALESCE($7::numeric, c.gas_price),
		    amount = $8::numeric
		FROM (
			SELECT id, amount FROM claims
			WHERE kind = $1 AND distributable_id = $2::numeric AND claimer_address = $3
			  AND (tx_hash IS NULL OR tx_hash = $4)
			FOR UPDATE
		) AS prev
		WHERE c.id = prev.id
		RETURNING prev.amount::text`,
		string(c.Kind), c.ID, c.Claimer, c.TxHash, int64(c.Block), gasUsed, gasPrice, c.Amount.String()).Scan(&prior)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to link claim: %w", err)
	}
	amount, err := decimal.NewFromString(prior)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse claim amount %q: %w", prior, err)
	}
	return amount, true, nil
}

// correctPoolAmount shifts a pool's remaining amount by the difference
// between the settled and the reserved claim amount. The result is clamped
// to [0, total] and a drained pool stays at zero.
func correctPoolAmount(ctx context.Context, tx pgx.Tx, d *domain.Distributable, delta decimal.Decimal) error {
	if !d.Kind.Pooled() || delta.IsZero() {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE distributables
		SET remaining_amount = LEAST(GREATEST(remaining_amount - $3::numeric, 0), total_amount),
		    updated_at = NOW()
		WHERE kind = $1 AND id = $2::numeric AND remaining_count > 0`,
		string(d.Kind), d.ID, delta.String())
	if err != nil {
		return fmt.Errorf("failed to correct pool amount: %w", err)
	}
	return nil
}

// applyClaim records one collected unit on the distributable row. When
// lenient is set the remaining amount is clamped instead of rejected, since
// the ledger has already settled the transfer.
func applyClaim(ctx context.Context, tx pgx.Tx, d *domain.Distributable, amount decimal.Decimal, at time.Time, lenient bool) (domain.Status, bool, error) {
	if d.Status != domain.StatusPending {
		return d.Status, false, nil
	}

	if !d.Kind.Pooled() {
		tag, err := tx.Exec(ctx, `
			UPDATE distributables
			SET status = 'CLAIMED', remaining_count = 0, remaining_amount = 0,
			    claimed_at = $3, updated_at = NOW()
			WHERE kind = $1 AND id = $2::numeric AND status = 'PENDING'`,
			string(d.Kind), d.ID, at)
		if err != nil {
			return "", false, fmt.Errorf("failed to mark claimed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return d.Status, false, nil
		}
		return domain.StatusClaimed, true, nil
	}

	// Pools: the last unit always takes whatever remains so both counters
	// reach zero in the same write as FULLY_CLAIMED.
	guard := `AND remaining_amount >= $3::numeric`
	if lenient {
		guard = ``
	}
	var status string
	err := tx.QueryRow(ctx, `
		UPDATE distributables
		SET remaining_count = remaining_count - 1,
		    remaining_amount = CASE WHEN remaining_count = 1 THEN 0
		                            ELSE GREATEST(remaining_amount - $3::numeric, 0) END,
		    status = CASE WHEN remaining_count = 1 THEN 'FULLY_CLAIMED' ELSE status END,
		    claimed_at = CASE WHEN remaining_count = 1 THEN $4 ELSE claimed_at END,
		    updated_at = NOW()
		WHERE kind = $1 AND id = $2::numeric AND status = 'PENDING' AND remaining_count > 0 `+guard+`
		RETURNING status`,
		string(d.Kind), d.ID, amount.String(), at).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("%s %s: %w", d.Kind, d.ID, ErrPoolExhausted)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to decrement pool: %w", err)
	}
	st, err := domain.ParseStatus(status)
	if err != nil {
		return "", false, err
	}
	return st, st != domain.StatusPending, nil
}

// ClaimDecision inspects the locked row and returns the amount to record,
// or an error to abort without writing. priorClaim reports whether the
// claimer already holds a claim on this distributable.
type ClaimDecision func(d *domain.Distributable, priorClaim bool) (decimal.Decimal, error)

// APIClaim is a claim requested through the API.
type APIClaim struct {
	Kind    domain.Kind
	ID      string
	Claimer string
	TxHash  string
	ChainID int64
	At      time.Time
}

// ClaimWithDecision locks the distributable row, lets decide validate it,
// then writes the claim and state transition atomically.
func (s *Store) ClaimWithDecision(ctx context.Context, req APIClaim, decide ClaimDecision) (*domain.Claim, *domain.Distributable, error) {
	var (
		claim *domain.Claim
		after *domain.Distributable
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		d, err := getDistributable(ctx, tx, req.Kind, req.ID, true)
		if err != nil {
			return err
		}
		prior, err := hasClaimed(ctx, tx, req.Kind, req.ID, req.Claimer)
		if err != nil {
			return err
		}
		amount, err := decide(d, prior)
		if err != nil {
			return err
		}
		if err := ensureUsers(ctx, tx, req.Claimer); err != nil {
			return err
		}

		var txHash *string
		if req.TxHash != "" {
			txHash = &req.TxHash
		}
		var id int64
		err = tx.QueryRow(ctx, `
			INSERT INTO claims (kind, distributable_id, claimer_address, amount, tx_hash, chain_id, source, claimed_at)
			VALUES ($1, $2::numeric, $3, $4::numeric, $5, $6, 'api', $7)
			ON CONFLICT DO NOTHING
			RETURNING id`,
			string(req.Kind), req.ID, req.Claimer, amount.String(), txHash, req.ChainID, req.At).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", req.Kind, req.ID, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("failed to insert claim: %w", err)
		}

		if _, _, err := applyClaim(ctx, tx, d, amount, req.At, false); err != nil {
			return err
		}
		if after, err = getDistributable(ctx, tx, req.Kind, req.ID, false); err != nil {
			return err
		}
		claim = &domain.Claim{
			ID:              id,
			Kind:            req.Kind,
			DistributableID: req.ID,
			Claimer:         req.Claimer,
			Amount:          amount,
			TxHash:          req.TxHash,
			ChainID:         req.ChainID,
			Source:          domain.ClaimSourceAPI,
			ClaimedAt:       req.At,
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claim, after, nil
}

// HasClaimed reports whether addr holds a claim on the distributable.
func (s *Store) HasClaimed(ctx context.Context, kind domain.Kind, id, addr string) (bool, error) {
	return hasClaimed(ctx, s.pool, kind, id, addr)
}

func hasClaimed(ctx context.Context, q querier, kind domain.Kind, id, addr string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM claims
			WHERE kind = $1 AND distributable_id = $2::numeric AND claimer_address = $3)`,
		string(kind), id, addr).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check claim: %w", err)
	}
	return exists, nil
}

// ListClaims returns claims for a distributable in claim order.
func (s *Store) ListClaims(ctx context.Context, kind domain.Kind, id string) ([]domain.Claim, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, distributable_id::text, claimer_address, amount::text, COALESCE(tx_hash, ''),
		       chain_id, block_number, gas_used, gas_price::text, source, claimed_at
		FROM claims WHERE kind = $1 AND distributable_id = $2::numeric
		ORDER BY claimed_at, id`, string(kind), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		var (
			c              domain.Claim
			k, amt, src    string
			block, gasUsed *int64
			gasPrice       *string
		)
		if err := rows.Scan(&c.ID, &k, &c.DistributableID, &c.Claimer, &amt, &c.TxHash,
			&c.ChainID, &block, &gasUsed, &gasPrice, &src, &c.ClaimedAt); err != nil {
			return nil, err
		}
		c.Kind = domain.Kind(k)
		c.Source = domain.ClaimSource(src)
		if c.Amount, err = decimal.NewFromString(amt); err != nil {
			return nil, fmt.Errorf("claim amount: %w", err)
		}
		if block != nil {
			v := uint64(*block)
			c.BlockNumber = &v
		}
		if gasUsed != nil {
			v := uint64(*gasUsed)
			c.GasUsed = &v
		}
		if gasPrice != nil {
			p, err := decimal.NewFromString(*gasPrice)
			if err != nil {
				return nil, fmt.Errorf("gas price: %w", err)
			}
			c.GasPrice = &p
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
