package escrow

import (
	"fmt"
	"time"

	"escrowflow/feeconfig"
	"escrowflow/settlement"
)

// InitiateDispute freezes the agreement until the authority resolves it or the
// dispute timeout passes. The timeout is copied from the current config.
func (a *Agreement) InitiateDispute(caller string, reason Hash, cfg feeconfig.Config, now time.Time) error {
	if caller != a.Payer && caller != a.Beneficiary {
		return ErrNotEscrowParty
	}
	if a.Status != StatusActive {
		return ErrEscrowNotActive
	}
	if a.expired(now) {
		return ErrEscrowExpired
	}
	a.Dispute = &Dispute{
		Initiator:      caller,
		ReasonHash:     reason,
		InitiatedAt:    now,
		TimeoutSeconds: cfg.DisputeTimeoutSeconds,
	}
	a.Status = StatusDisputed
	a.UpdatedAt = now
	return nil
}

// ResolveDispute applies the authority's verdict to the remaining value.
func (a *Agreement) ResolveDispute(caller string, r Resolution, cfg feeconfig.Config, cert *CertificateState, now time.Time) (Payout, error) {
	if caller != cfg.Authority {
		return Payout{}, ErrUnauthorized
	}
	if a.Status != StatusDisputed || a.Dispute == nil {
		return Payout{}, ErrDisputeNotActive
	}
	if !now.Before(a.Dispute.Deadline()) {
		return Payout{}, ErrEscrowExpired
	}
	if err := r.Validate(); err != nil {
		return Payout{}, err
	}

	remaining, err := a.Remaining()
	if err != nil {
		return Payout{}, err
	}
	var shares settlement.Shares
	switch r.Kind {
	case MakerWins:
		shares = settlement.Refund(remaining)
	case TakerWins:
		shares, err = settlement.Payee(remaining, a.FeeBpsAtCreation)
	case SplitWin:
		shares, err = settlement.Split(remaining, r.PayerBps, a.FeeBpsAtCreation)
	}
	if err != nil {
		return Payout{}, fmt.Errorf("escrow: resolve dispute: %w", err)
	}
	if shares.Payee > 0 {
		if err := a.checkSynced(cert); err != nil {
			return Payout{}, err
		}
	}

	if err := a.applyShares(shares); err != nil {
		return Payout{}, err
	}
	if shares.Payee > 0 {
		a.Status = StatusCompleted
	} else {
		a.Status = StatusCancelled
	}
	resolved := r
	a.Dispute.Resolution = &resolved
	a.UpdatedAt = now
	return Payout{ToPayer: shares.Payer, Fee: shares.Fee, Net: shares.Net}, nil
}

// applyShares books a split of the whole remaining amount: open milestones follow
// the beneficiary side when it receives anything, otherwise they are cancelled.
func (a *Agreement) applyShares(shares settlement.Shares) error {
	released, err := settlement.Add(a.ReleasedAmount, shares.Payee)
	if err != nil {
		return fmt.Errorf("escrow: book shares: %w", err)
	}
	refunded, err := settlement.Add(a.RefundedAmount, shares.Payer)
	if err != nil {
		return fmt.Errorf("escrow: book shares: %w", err)
	}
	a.ReleasedAmount = released
	a.RefundedAmount = refunded
	if shares.Payee > 0 {
		a.settleOpen(MilestoneReleased)
	} else {
		a.settleOpen(MilestoneCancelled)
	}
	return nil
}
