package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vkultra/mitski/pkg/faults"
)

// GetBalance returns the admin's wallet balance in cents, zero when the
// wallet does not exist yet.
func (s *Store) GetBalance(ctx context.Context, adminID int64) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents FROM credit_wallets WHERE admin_id = $1`, adminID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading balance: %w", err)
	}
	return balance, nil
}

// Credit adds amountCents to the wallet and appends the ledger entry in
// one transaction.
func (s *Store) Credit(ctx context.Context, adminID, amountCents int64, category, ref string) error {
	if amountCents <= 0 {
		return faults.Validation("credit amount must be positive, got %d", amountCents)
	}
	return s.moveFunds(ctx, adminID, amountCents, category, ref, false)
}

// Debit subtracts amountCents, refusing to go negative. Insufficient
// funds surface as faults.KindInsufficientCredits so callers pause the
// feature instead of retrying.
func (s *Store) Debit(ctx context.Context, adminID, amountCents int64, category, ref string) error {
	if amountCents <= 0 {
		return faults.Validation("debit amount must be positive, got %d", amountCents)
	}
	return s.moveFunds(ctx, adminID, -amountCents, category, ref, true)
}

func (s *Store) moveFunds(ctx context.Context, adminID, deltaCents int64, category, ref string, guardNegative bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		err := tx.QueryRow(`
			INSERT INTO credit_wallets (admin_id, balance_cents)
			VALUES ($1, 0)
			ON CONFLICT (admin_id) DO UPDATE SET updated_at = now()
			RETURNING balance_cents`, adminID).Scan(&balance)
		if err != nil {
			return fmt.Errorf("locking wallet: %w", err)
		}
		if guardNegative && balance+deltaCents < 0 {
			return faults.InsufficientCredits(adminID, -deltaCents, balance)
		}
		if _, err := tx.Exec(`
			UPDATE credit_wallets SET balance_cents = balance_cents + $2, updated_at = now()
			WHERE admin_id = $1`, adminID, deltaCents); err != nil {
			return fmt.Errorf("updating wallet: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO credit_ledger (admin_id, delta_cents, category, ref)
			VALUES ($1, $2, $3, $4)`, adminID, deltaCents, category, ref); err != nil {
			return fmt.Errorf("appending ledger: %w", err)
		}
		return nil
	})
}

// RecentLedger returns the newest limit ledger entries for an admin.
func (s *Store) RecentLedger(ctx context.Context, adminID int64, limit int) ([]LedgerEntry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, admin_id, delta_cents, category, ref, created_at
		FROM credit_ledger WHERE admin_id = $1 ORDER BY id DESC LIMIT $2`,
		adminID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing ledger: %w", err)
	}
	defer rows.Close()
	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AdminID, &e.DeltaCents, &e.Category, &e.Ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecomputeBalance rebuilds the wallet from the ledger, a consistency
// repair for operator use.
func (s *Store) RecomputeBalance(ctx context.Context, adminID int64) (int64, error) {
	var balance int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRow(`
			SELECT coalesce(sum(delta_cents), 0) FROM credit_ledger WHERE admin_id = $1`,
			adminID).Scan(&balance); err != nil {
			return fmt.Errorf("summing ledger: %w", err)
		}
		_, err := tx.Exec(`
			INSERT INTO credit_wallets (admin_id, balance_cents)
			VALUES ($1, $2)
			ON CONFLICT (admin_id) DO UPDATE SET balance_cents = EXCLUDED.balance_cents, updated_at = now()`,
			adminID, balance)
		return err
	})
	return balance, err
}
