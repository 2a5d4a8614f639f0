package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Cursor is the last fully processed block for a contract.
type Cursor struct {
	Contract  string    `json:"contract"`
	ChainID   int64     `json:"chain_id"`
	LastBlock uint64    `json:"last_block"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetCursor returns ok=false when the contract has never been synced.
func (s *Store) GetCursor(ctx context.Context, contract string) (uint64, bool, error) {
	var last int64
	err := s.pool.QueryRow(ctx, `SELECT last_block FROM sync_cursors WHERE contract_address = $1`, contract).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read cursor: %w", err)
	}
	return uint64(last), true, nil
}

// AdvanceCursor moves the cursor forward to block. It never moves back.
func (s *Store) AdvanceCursor(ctx context.Context, contract string, chainID int64, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (contract_address, chain_id, last_block, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (contract_address) DO UPDATE
		SET last_block = GREATEST(sync_cursors.last_block, EXCLUDED.last_block),
		    updated_at = NOW()`,
		contract, chainID, int64(block))
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// ResetCursor deletes the cursor so the next tail starts from the lookback window.
func (s *Store) ResetCursor(ctx context.Context, contract string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sync_cursors WHERE contract_address = $1`, contract); err != nil {
		return fmt.Errorf("failed to reset cursor: %w", err)
	}
	return nil
}

func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract_address, chain_id, last_block, updated_at
		FROM sync_cursors ORDER BY contract_address`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var (
			c    Cursor
			last int64
		)
		if err := rows.Scan(&c.Contract, &c.ChainID, &last, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.LastBlock = uint64(last)
		out = append(out, c)
	}
	return out, rows.Err()
}
