package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ledger implements Vault on the assets and balances tables.
type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) RegisterAsset(ctx context.Context, tx pgx.Tx, asset Asset) error {
	var freeze any
	if asset.FreezeAuthority != "" {
		freeze = asset.FreezeAuthority
	}
	const insertSQL = `
INSERT INTO assets (id, decimals, freeze_authority, extended)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET decimals = EXCLUDED.decimals,
    freeze_authority = EXCLUDED.freeze_authority,
    extended = EXCLUDED.extended
`
	if _, err := tx.Exec(ctx, insertSQL, asset.ID, asset.Decimals, freeze, asset.Extended); err != nil {
		return fmt.Errorf("vault: register asset: %w", err)
	}
	return nil
}

func (l *Ledger) Asset(ctx context.Context, tx pgx.Tx, assetID string) (Asset, error) {
	var (
		asset  Asset
		freeze *string
	)
	err := tx.QueryRow(ctx, `SELECT id, decimals, freeze_authority, extended FROM assets WHERE id = $1`, assetID).
		Scan(&asset.ID, &asset.Decimals, &freeze, &asset.Extended)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrUnknownAsset
		}
		return Asset{}, fmt.Errorf("vault: get asset: %w", err)
	}
	if freeze != nil {
		asset.FreezeAuthority = *freeze
	}
	return asset, nil
}

func (l *Ledger) Balance(ctx context.Context, tx pgx.Tx, owner, assetID string) (uint64, error) {
	var amount int64
	err := tx.QueryRow(ctx, `SELECT amount FROM balances WHERE owner = $1 AND asset = $2`, owner, assetID).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("vault: get balance: %w", err)
	}
	return uint64(amount), nil
}

// Deposit credits value from outside the system, e.g. an on-ramp or a stray
// transfer into a custody account.
func (l *Ledger) Deposit(ctx context.Context, tx pgx.Tx, owner, assetID string, amount uint64) error {
	if amount > MaxAmount {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	if err := l.credit(ctx, tx, owner, assetID, int64(amount)); err != nil {
		return err
	}
	return l.record(ctx, tx, Transfer{To: owner, Asset: assetID, Amount: amount})
}

// Move debits from and credits to atomically within tx. Zero amounts are a no-op.
func (l *Ledger) Move(ctx context.Context, tx pgx.Tx, from, to, assetID string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if amount > MaxAmount {
		return ErrInvalidAmount
	}
	if from == to {
		return ErrSameAccount
	}

	const debitSQL = `
UPDATE balances
SET amount = amount - $3, updated_at = NOW()
WHERE owner = $1 AND asset = $2 AND amount >= $3
`
	tag, err := tx.Exec(ctx, debitSQL, from, assetID, int64(amount))
	if err != nil {
		return fmt.Errorf("vault: debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}

	if err := l.credit(ctx, tx, to, assetID, int64(amount)); err != nil {
		return err
	}
	return l.record(ctx, tx, Transfer{From: from, To: to, Asset: assetID, Amount: amount})
}

func (l *Ledger) credit(ctx context.Context, tx pgx.Tx, owner, assetID string, amount int64) error {
	const creditSQL = `
INSERT INTO balances (owner, asset, amount)
VALUES ($1, $2, $3)
ON CONFLICT (owner, asset) DO UPDATE
SET amount = balances.amount + EXCLUDED.amount, updated_at = NOW()
`
	if _, err := tx.Exec(ctx, creditSQL, owner, assetID, amount); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrUnknownAsset
		}
		if errors.As(err, &pgErr) && pgErr.Code == "22003" {
			return ErrInvalidAmount
		}
		return fmt.Errorf("vault: credit: %w", err)
	}
	return nil
}

func (l *Ledger) record(ctx context.Context, tx pgx.Tx, t Transfer) error {
	var from any
	if t.From != "" {
		from = t.From
	}
	const insertSQL = `
INSERT INTO vault_transfers (from_owner, to_owner, asset, amount)
VALUES ($1, $2, $3, $4)
`
	if _, err := tx.Exec(ctx, insertSQL, from, t.To, t.Asset, int64(t.Amount)); err != nil {
		return fmt.Errorf("vault: record transfer: %w", err)
	}
	return nil
}
