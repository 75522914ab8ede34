package vault

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrInsufficientBalance signals the source account cannot cover the move.
	ErrInsufficientBalance = errors.New("vault: insufficient balance")
	// ErrUnknownAsset signals the asset is not registered.
	ErrUnknownAsset = errors.New("vault: unknown asset")
	// ErrInvalidAmount signals an amount outside the storable range.
	ErrInvalidAmount = errors.New("vault: amount out of range")
	// ErrSameAccount signals a move whose source and destination coincide.
	ErrSameAccount = errors.New("vault: source and destination are the same account")
)

// MaxAmount is the largest balance the ledger can hold.
const MaxAmount = math.MaxInt64

// CustodyPrefix marks accounts that only program logic may move.
const CustodyPrefix = "escrow:"

// IsCustody reports whether owner names a custody account. Custody accounts can
// never receive a payout on a party's behalf.
func IsCustody(owner string) bool {
	return strings.HasPrefix(owner, CustodyPrefix)
}

// Asset describes a fungible value the vault can hold.
type Asset struct {
	ID              string
	Decimals        int
	FreezeAuthority string
	// Extended marks assets with transfer hooks or fees that would break
	// exact accounting of locked value.
	Extended bool
}

// Frozen reports whether a third party could freeze balances of this asset.
func (a Asset) Frozen() bool {
	return a.FreezeAuthority != ""
}

// Transfer is one executed movement, kept for audit.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount uint64
}

// Vault is the value-transfer collaborator. All calls run inside the caller's
// transaction so a failed operation moves nothing.
type Vault interface {
	Asset(ctx context.Context, tx pgx.Tx, assetID string) (Asset, error)
	Balance(ctx context.Context, tx pgx.Tx, owner, assetID string) (uint64, error)
	Move(ctx context.Context, tx pgx.Tx, from, to, assetID string, amount uint64) error
}
