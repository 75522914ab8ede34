package certificate

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGRegistry stores certificates in the certificates table.
type PGRegistry struct {
	newHandle func() string
}

func NewRegistry() *PGRegistry {
	return &PGRegistry{newHandle: uuid.NewString}
}

// WithHandleGenerator overrides random handle generation, useful for deterministic tests.
func (r *PGRegistry) WithHandleGenerator(fn func() string) *PGRegistry {
	r.newHandle = fn
	return r
}

func (r *PGRegistry) Issue(ctx context.Context, tx pgx.Tx, agreementID, owner string) (string, error) {
	if !validHolder(owner) {
		return "", ErrInvalidHolder
	}
	handle := r.newHandle()
	const insertSQL = `
INSERT INTO certificates (handle, agreement_id, holder, supply)
VALUES ($1, $2, $3, 1)
`
	if _, err := tx.Exec(ctx, insertSQL, handle, agreementID, owner); err != nil {
		return "", fmt.Errorf("certificate: issue: %w", err)
	}
	return handle, nil
}

func (r *PGRegistry) Get(ctx context.Context, tx pgx.Tx, handle string) (Certificate, error) {
	var (
		c      Certificate
		holder *string
		supply int64
	)
	const selectSQL = `
SELECT handle, agreement_id, holder, supply, issued_at
FROM certificates
WHERE handle = $1
`
	err := tx.QueryRow(ctx, selectSQL, handle).Scan(&c.Handle, &c.AgreementID, &holder, &supply, &c.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Certificate{}, ErrNotFound
		}
		return Certificate{}, fmt.Errorf("certificate: get: %w", err)
	}
	if holder != nil {
		c.Holder = *holder
	}
	c.Supply = uint64(supply)
	return c, nil
}

// CurrentHolder returns the empty identity for a burned certificate.
func (r *PGRegistry) CurrentHolder(ctx context.Context, tx pgx.Tx, handle string) (string, error) {
	c, err := r.Get(ctx, tx, handle)
	if err != nil {
		return "", err
	}
	return c.Holder, nil
}

func (r *PGRegistry) Supply(ctx context.Context, tx pgx.Tx, handle string) (uint64, error) {
	c, err := r.Get(ctx, tx, handle)
	if err != nil {
		return 0, err
	}
	return c.Supply, nil
}

// Transfer hands the certificate to a new holder. Only the current holder may do it.
func (r *PGRegistry) Transfer(ctx context.Context, tx pgx.Tx, handle, from, to string) error {
	if !validHolder(to) {
		return ErrInvalidHolder
	}
	c, err := r.getForUpdate(ctx, tx, handle)
	if err != nil {
		return err
	}
	if c.Supply == 0 {
		return ErrBurned
	}
	if c.Holder != from {
		return ErrNotHolder
	}
	if _, err := tx.Exec(ctx, `UPDATE certificates SET holder = $2, updated_at = NOW() WHERE handle = $1`, handle, to); err != nil {
		return fmt.Errorf("certificate: transfer: %w", err)
	}
	return nil
}

// Burn destroys the certificate. Only the current holder may do it.
func (r *PGRegistry) Burn(ctx context.Context, tx pgx.Tx, handle, holder string) error {
	c, err := r.getForUpdate(ctx, tx, handle)
	if err != nil {
		return err
	}
	if c.Supply == 0 {
		return ErrBurned
	}
	if c.Holder != holder {
		return ErrNotHolder
	}
	if _, err := tx.Exec(ctx, `UPDATE certificates SET holder = NULL, supply = 0, updated_at = NOW() WHERE handle = $1`, handle); err != nil {
		return fmt.Errorf("certificate: burn: %w", err)
	}
	return nil
}

func (r *PGRegistry) getForUpdate(ctx context.Context, tx pgx.Tx, handle string) (Certificate, error) {
	var (
		c      Certificate
		holder *string
		supply int64
	)
	err := tx.QueryRow(ctx, `SELECT handle, agreement_id, holder, supply FROM certificates WHERE handle = $1 FOR UPDATE`, handle).
		Scan(&c.Handle, &c.AgreementID, &holder, &supply)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Certificate{}, ErrNotFound
		}
		return Certificate{}, fmt.Errorf("certificate: lock: %w", err)
	}
	if holder != nil {
		c.Holder = *holder
	}
	c.Supply = uint64(supply)
	return c, nil
}
