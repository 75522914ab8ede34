package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository is the durable record store for agreements.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error
	Get(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error)
	Update(ctx context.Context, tx pgx.Tx, a *Agreement) error
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	ListDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error)
	ListReleasable(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]MilestoneRef, error)
	ListUnsynced(ctx context.Context, tx pgx.Tx, limit int) ([]string, error)
}

// MilestoneRef addresses one milestone of one agreement.
type MilestoneRef struct {
	AgreementID string
	Index       int
}

type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	const insertSQL = `
INSERT INTO agreements (
    id, seed, payer, original_payee, beneficiary, asset,
    total_amount, released_amount, refunded_amount, status,
    created_at, expires_at, fee_bps_at_creation, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`
	_, err := tx.Exec(ctx, insertSQL,
		a.ID, a.Seed, a.Payer, a.OriginalPayee, a.Beneficiary, a.Asset,
		int64(a.TotalAmount), int64(a.ReleasedAmount), int64(a.RefundedAmount), string(a.Status),
		a.CreatedAt, a.ExpiresAt, int32(a.FeeBpsAtCreation), a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("escrow: insert agreement: %w", err)
	}

	const milestoneSQL = `
INSERT INTO milestones (agreement_id, idx, amount, description_hash, status)
VALUES ($1, $2, $3, $4, $5)
`
	for i, m := range a.Milestones.All() {
		if _, err := tx.Exec(ctx, milestoneSQL, a.ID, i, int64(m.Amount), m.DescriptionHash[:], string(m.Status)); err != nil {
			return fmt.Errorf("escrow: insert milestone %d: %w", i, err)
		}
	}
	return nil
}

const selectAgreementSQL = `
SELECT id, seed, payer, original_payee, beneficiary, asset,
       total_amount, released_amount, refunded_amount, status,
       created_at, expires_at, fee_bps_at_creation, certificate_handle,
       dispute_initiator, dispute_reason_hash, dispute_initiated_at, dispute_timeout_seconds,
       dispute_resolution, dispute_payer_bps, updated_at
FROM agreements
WHERE id = $1
`

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error) {
	return r.load(ctx, tx, selectAgreementSQL, id)
}

// GetForUpdate row-locks the agreement until tx ends, serializing operations on it.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*Agreement, error) {
	return r.load(ctx, tx, selectAgreementSQL+"FOR UPDATE", id)
}

func (r *PGRepository) load(ctx context.Context, tx pgx.Tx, query, id string) (*Agreement, error) {
	var (
		a                         Agreement
		status                    string
		total, released, refunded int64
		feeBps                    int32
		certHandle                *string
		initiator                 *string
		reason                    []byte
		initiatedAt               *time.Time
		timeoutSeconds            *int64
		resolution                *string
		payerBps                  *int32
	)
	err := tx.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Seed, &a.Payer, &a.OriginalPayee, &a.Beneficiary, &a.Asset,
		&total, &released, &refunded, &status,
		&a.CreatedAt, &a.ExpiresAt, &feeBps, &certHandle,
		&initiator, &reason, &initiatedAt, &timeoutSeconds,
		&resolution, &payerBps, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgreementNotFound
		}
		return nil, fmt.Errorf("escrow: get agreement: %w", err)
	}

	a.Status = Status(status)
	a.TotalAmount = uint64(total)
	a.ReleasedAmount = uint64(released)
	a.RefundedAmount = uint64(refunded)
	a.FeeBpsAtCreation = uint16(feeBps)
	a.CreatedAt = a.CreatedAt.UTC()
	a.ExpiresAt = a.ExpiresAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	if certHandle != nil {
		a.CertificateHandle = *certHandle
	}
	if initiator != nil && initiatedAt != nil && timeoutSeconds != nil {
		d := &Dispute{
			Initiator:      *initiator,
			InitiatedAt:    initiatedAt.UTC(),
			TimeoutSeconds: *timeoutSeconds,
		}
		copy(d.ReasonHash[:], reason)
		if resolution != nil {
			res := &Resolution{Kind: ResolutionKind(*resolution)}
			if payerBps != nil {
				res.PayerBps = uint16(*payerBps)
			}
			d.Resolution = res
		}
		a.Dispute = d
	}

	rows, err := tx.Query(ctx, `
SELECT amount, description_hash, status
FROM milestones
WHERE agreement_id = $1
ORDER BY idx
`, id)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	var ms []Milestone
	for rows.Next() {
		var (
			m      Milestone
			amount int64
			hash   []byte
			mstat  string
		)
		if err := rows.Scan(&amount, &hash, &mstat); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		m.Amount = uint64(amount)
		copy(m.DescriptionHash[:], hash)
		m.Status = MilestoneStatus(mstat)
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	set, err := restoreMilestones(ms)
	if err != nil {
		return nil, fmt.Errorf("escrow: agreement %s: %w", id, err)
	}
	a.Milestones = set
	return &a, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, a *Agreement) error {
	var (
		certHandle, initiator, resolution any
		reason                            any
		initiatedAt, timeoutSeconds       any
		payerBps                          any
	)
	if a.CertificateHandle != "" {
		certHandle = a.CertificateHandle
	}
	if d := a.Dispute; d != nil {
		initiator = d.Initiator
		reason = d.ReasonHash[:]
		initiatedAt = d.InitiatedAt
		timeoutSeconds = d.TimeoutSeconds
		if d.Resolution != nil {
			resolution = string(d.Resolution.Kind)
			payerBps = int32(d.Resolution.PayerBps)
		}
	}

	const updateSQL = `
UPDATE agreements
SET beneficiary = $2,
    released_amount = $3,
    refunded_amount = $4,
    status = $5,
    certificate_handle = $6,
    dispute_initiator = $7,
    dispute_reason_hash = $8,
    dispute_initiated_at = $9,
    dispute_timeout_seconds = $10,
    dispute_resolution = $11,
    dispute_payer_bps = $12,
    updated_at = $13
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL,
		a.ID, a.Beneficiary, int64(a.ReleasedAmount), int64(a.RefundedAmount), string(a.Status),
		certHandle, initiator, reason, initiatedAt, timeoutSeconds, resolution, payerBps, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("escrow: update agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}

	const milestoneSQL = `
UPDATE milestones
SET status = $3
WHERE agreement_id = $1 AND idx = $2 AND status <> $3
`
	for i, m := range a.Milestones.All() {
		if _, err := tx.Exec(ctx, milestoneSQL, a.ID, i, string(m.Status)); err != nil {
			return fmt.Errorf("escrow: update milestone %d: %w", i, err)
		}
	}
	return nil
}

// Delete removes the agreement and, by cascade, its milestones.
func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM agreements WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("escrow: delete agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

// ListDue returns non-terminal agreements whose effective deadline has passed.
func (r *PGRepository) ListDue(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]string, error) {
	const listSQL = `
SELECT id
FROM agreements
WHERE (status = 'active' AND expires_at <= $1)
   OR (status = 'disputed' AND dispute_initiated_at + make_interval(secs => dispute_timeout_seconds) <= $1)
ORDER BY expires_at
LIMIT $2
`
	return r.listIDs(ctx, tx, listSQL, now, limit)
}

// ListReleasable returns approved milestones of active, unexpired agreements.
func (r *PGRepository) ListReleasable(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]MilestoneRef, error) {
	const listSQL = `
SELECT m.agreement_id, m.idx
FROM milestones m
JOIN agreements a ON a.id = m.agreement_id
WHERE a.status = 'active' AND a.expires_at > $1 AND m.status = 'approved'
ORDER BY a.updated_at, m.idx
LIMIT $2
`
	rows, err := tx.Query(ctx, listSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow: list releasable: %w", err)
	}
	defer rows.Close()

	var refs []MilestoneRef
	for rows.Next() {
		var ref MilestoneRef
		if err := rows.Scan(&ref.AgreementID, &ref.Index); err != nil {
			return nil, fmt.Errorf("escrow: scan releasable: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate releasable: %w", err)
	}
	return refs, nil
}

// ListUnsynced returns open agreements whose certificate changed hands since the
// beneficiary was last reconciled.
func (r *PGRepository) ListUnsynced(ctx context.Context, tx pgx.Tx, limit int) ([]string, error) {
	const listSQL = `
SELECT a.id
FROM agreements a
JOIN certificates c ON c.handle = a.certificate_handle
WHERE a.status IN ('active', 'disputed')
  AND c.supply = 1
  AND c.holder IS DISTINCT FROM a.beneficiary
  AND c.holder <> a.payer
ORDER BY a.updated_at
LIMIT $1
`
	return r.listIDs(ctx, tx, listSQL, limit)
}

func (r *PGRepository) listIDs(ctx context.Context, tx pgx.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: list agreements: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("escrow: scan agreement id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate agreements: %w", err)
	}
	return ids, nil
}
