package escrow

import (
	"fmt"
	"math"
	"time"

	"escrowflow/settlement"
	"escrowflow/vault"
)

// MilestoneInput is one milestone as supplied at creation.
type MilestoneInput struct {
	Amount          uint64
	DescriptionHash Hash
}

type CreateParams struct {
	Seed          string
	Payer         string
	OriginalPayee string
	Asset         string
	TotalAmount   uint64
	Milestones    []MilestoneInput
	ExpiresAt     time.Time
}

// NewAgreement validates the creation input against the asset and fee rate and
// builds an Active agreement. It moves no value.
func NewAgreement(p CreateParams, asset vault.Asset, feeBps uint16, now time.Time) (*Agreement, error) {
	if len(p.Milestones) == 0 || len(p.Milestones) > MaxMilestones {
		return nil, ErrInvalidMilestoneCount
	}
	if p.Payer == p.OriginalPayee {
		return nil, ErrSelfEscrow
	}
	if p.OriginalPayee == "" || IsCustody(p.OriginalPayee) {
		return nil, ErrInvalidBeneficiary
	}
	if p.TotalAmount == 0 || p.TotalAmount > math.MaxInt64 {
		return nil, ErrInvalidAmount
	}

	var set MilestoneSet
	var sum uint64
	for i, in := range p.Milestones {
		if in.Amount == 0 {
			return nil, ErrInvalidAmount
		}
		next, err := settlement.Add(sum, in.Amount)
		if err != nil {
			return nil, fmt.Errorf("escrow: milestone sum: %w", err)
		}
		sum = next
		set.slots[i] = Milestone{Amount: in.Amount, DescriptionHash: in.DescriptionHash, Status: MilestonePending}
	}
	set.count = len(p.Milestones)
	if sum != p.TotalAmount {
		return nil, ErrMilestoneAmountMismatch
	}

	if p.ExpiresAt.Before(now.Add(MinDuration)) {
		return nil, ErrInvalidExpiration
	}

	if asset.ID != p.Asset {
		return nil, ErrMintMismatch
	}
	if asset.Frozen() {
		return nil, ErrMintHasFreezeAuthority
	}
	if asset.Extended {
		return nil, ErrExtendedMintNotSupported
	}

	return &Agreement{
		ID:               AgreementID(p.Payer, p.Seed),
		Seed:             p.Seed,
		Payer:            p.Payer,
		OriginalPayee:    p.OriginalPayee,
		Beneficiary:      p.OriginalPayee,
		Asset:            p.Asset,
		TotalAmount:      p.TotalAmount,
		Milestones:       set,
		Status:           StatusActive,
		CreatedAt:        now,
		ExpiresAt:        p.ExpiresAt,
		FeeBpsAtCreation: feeBps,
		UpdatedAt:        now,
	}, nil
}

// Remaining is the value still locked in custody for this agreement.
func (a *Agreement) Remaining() (uint64, error) {
	settled, err := settlement.Add(a.ReleasedAmount, a.RefundedAmount)
	if err != nil {
		return 0, fmt.Errorf("escrow: remaining: %w", err)
	}
	r, err := settlement.Sub(a.TotalAmount, settled)
	if err != nil {
		return 0, fmt.Errorf("escrow: remaining: %w", err)
	}
	return r, nil
}

// Approve marks a pending milestone as earned. Only the payer may approve.
func (a *Agreement) Approve(caller string, index int, now time.Time) error {
	if caller != a.Payer {
		return ErrNotMaker
	}
	if a.Status != StatusActive {
		return ErrEscrowNotActive
	}
	if a.expired(now) {
		return ErrEscrowExpired
	}
	m, err := a.Milestones.At(index)
	if err != nil {
		return err
	}
	if m.Status != MilestonePending {
		return ErrMilestoneNotPending
	}
	a.Milestones.setStatus(index, MilestoneApproved)
	a.UpdatedAt = now
	return nil
}

// Release settles an approved milestone to the beneficiary, net of the
// snapshotted fee. Anyone may call it.
func (a *Agreement) Release(index int, cert *CertificateState, now time.Time) (Payout, error) {
	if a.Status != StatusActive {
		return Payout{}, ErrEscrowNotActive
	}
	if a.expired(now) {
		return Payout{}, ErrEscrowExpired
	}
	m, err := a.Milestones.At(index)
	if err != nil {
		return Payout{}, err
	}
	if m.Status != MilestoneApproved {
		return Payout{}, ErrMilestoneNotApproved
	}
	if err := a.checkSynced(cert); err != nil {
		return Payout{}, err
	}

	shares, err := settlement.Payee(m.Amount, a.FeeBpsAtCreation)
	if err != nil {
		return Payout{}, fmt.Errorf("escrow: release: %w", err)
	}
	released, err := settlement.Add(a.ReleasedAmount, m.Amount)
	if err != nil {
		return Payout{}, fmt.Errorf("escrow: release: %w", err)
	}

	a.ReleasedAmount = released
	a.Milestones.setStatus(index, MilestoneReleased)
	if a.Milestones.settled() && a.ReleasedAmount > 0 {
		a.Status = StatusCompleted
	}
	a.UpdatedAt = now
	return Payout{Fee: shares.Fee, Net: shares.Net}, nil
}

// Cancel refunds every pending milestone to the payer. Approved milestones stay
// owed to the beneficiary, so the agreement only leaves Active once nothing is open.
func (a *Agreement) Cancel(caller string, now time.Time) (Payout, error) {
	if caller != a.Payer {
		return Payout{}, ErrNotMaker
	}
	if a.Status != StatusActive {
		return Payout{}, ErrEscrowNotActive
	}
	if a.expired(now) {
		return Payout{}, ErrEscrowExpired
	}

	var refund uint64
	for _, m := range a.Milestones.All() {
		if m.Status != MilestonePending {
			continue
		}
		next, err := settlement.Add(refund, m.Amount)
		if err != nil {
			return Payout{}, fmt.Errorf("escrow: cancel: %w", err)
		}
		refund = next
	}
	if refund == 0 {
		return Payout{}, ErrNoRefundableAmount
	}
	refunded, err := settlement.Add(a.RefundedAmount, refund)
	if err != nil {
		return Payout{}, fmt.Errorf("escrow: cancel: %w", err)
	}

	for i, m := range a.Milestones.All() {
		if m.Status == MilestonePending {
			a.Milestones.setStatus(i, MilestoneCancelled)
		}
	}
	a.RefundedAmount = refunded
	if a.Milestones.settled() {
		if a.ReleasedAmount > 0 {
			a.Status = StatusCompleted
		} else {
			a.Status = StatusCancelled
		}
	}
	a.UpdatedAt = now
	return Payout{ToPayer: refund}, nil
}

// CheckClose verifies the payer may reclaim a finished agreement.
func (a *Agreement) CheckClose(caller string) error {
	if caller != a.Payer {
		return ErrNotMaker
	}
	if !a.Status.Terminal() {
		return ErrEscrowNotTerminal
	}
	return nil
}

// settleOpen moves every pending or approved milestone to status.
func (a *Agreement) settleOpen(status MilestoneStatus) {
	for i, m := range a.Milestones.All() {
		if !m.Status.Settled() {
			a.Milestones.setStatus(i, status)
		}
	}
}
