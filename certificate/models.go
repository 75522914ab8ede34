package certificate

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"escrowflow/vault"
)

var (
	ErrNotFound  = errors.New("certificate: not found")
	ErrNotHolder = errors.New("certificate: caller does not hold the certificate")
	ErrBurned    = errors.New("certificate: already burned")
	// ErrInvalidHolder signals a holder that is the null identity or a custody account.
	ErrInvalidHolder = errors.New("certificate: holder must be a party identity")
)

func validHolder(identity string) bool {
	return identity != "" && !vault.IsCustody(identity)
}

// Certificate is a unique, transferable token standing for the payee claim of one
// agreement. A burned certificate has no holder and a supply of zero.
type Certificate struct {
	Handle      string
	AgreementID string
	Holder      string
	Supply      uint64
	IssuedAt    time.Time
}

// Registry is the collaborator the escrow core reads. Holder and supply are the
// authoritative claim-ownership record once a certificate exists.
type Registry interface {
	Issue(ctx context.Context, tx pgx.Tx, agreementID, owner string) (string, error)
	CurrentHolder(ctx context.Context, tx pgx.Tx, handle string) (string, error)
	Supply(ctx context.Context, tx pgx.Tx, handle string) (uint64, error)
}
