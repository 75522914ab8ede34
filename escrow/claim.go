package escrow

import (
	"fmt"
	"time"

	"escrowflow/settlement"
)

// ClaimExpired settles whatever is left once the effective deadline has passed.
// Approved milestones pay the beneficiary and pending ones refund the payer; an
// unresolved dispute instead splits the remainder in half. Anyone may call it.
func (a *Agreement) ClaimExpired(cert *CertificateState, now time.Time) (Payout, error) {
	if a.Status.Terminal() {
		return Payout{}, ErrEscrowNotActive
	}
	if now.Before(a.Deadline()) {
		return Payout{}, ErrEscrowNotExpired
	}
	remaining, err := a.Remaining()
	if err != nil {
		return Payout{}, err
	}
	if remaining == 0 {
		return Payout{}, ErrNoRefundableAmount
	}

	var shares settlement.Shares
	if a.Status == StatusDisputed {
		shares, err = settlement.Halve(remaining, a.FeeBpsAtCreation)
		if err != nil {
			return Payout{}, fmt.Errorf("escrow: claim expired: %w", err)
		}
		if shares.Payee > 0 {
			if err := a.checkSynced(cert); err != nil {
				return Payout{}, err
			}
		}
		if err := a.applyShares(shares); err != nil {
			return Payout{}, err
		}
	} else {
		var approved, pending uint64
		for _, m := range a.Milestones.All() {
			switch m.Status {
			case MilestoneApproved:
				approved, err = settlement.Add(approved, m.Amount)
			case MilestonePending:
				pending, err = settlement.Add(pending, m.Amount)
			}
			if err != nil {
				return Payout{}, fmt.Errorf("escrow: claim expired: %w", err)
			}
		}
		if approved > 0 {
			if err := a.checkSynced(cert); err != nil {
				return Payout{}, err
			}
		}
		fee, net, err := settlement.Fee(approved, a.FeeBpsAtCreation)
		if err != nil {
			return Payout{}, fmt.Errorf("escrow: claim expired: %w", err)
		}
		shares = settlement.Shares{Payer: pending, Payee: approved, Fee: fee, Net: net}
		if shares.Total() != remaining {
			return Payout{}, fmt.Errorf("escrow: claim expired: milestones account for %d of %d remaining", shares.Total(), remaining)
		}
		released, err := settlement.Add(a.ReleasedAmount, approved)
		if err != nil {
			return Payout{}, fmt.Errorf("escrow: claim expired: %w", err)
		}
		refunded, err := settlement.Add(a.RefundedAmount, pending)
		if err != nil {
			return Payout{}, fmt.Errorf("escrow: claim expired: %w", err)
		}
		for i, m := range a.Milestones.All() {
			switch m.Status {
			case MilestoneApproved:
				a.Milestones.setStatus(i, MilestoneReleased)
			case MilestonePending:
				a.Milestones.setStatus(i, MilestoneCancelled)
			}
		}
		a.ReleasedAmount = released
		a.RefundedAmount = refunded
	}

	a.Status = StatusExpired
	a.UpdatedAt = now
	return Payout{ToPayer: shares.Payer, Fee: shares.Fee, Net: shares.Net}, nil
}

// TransferClaim reassigns the payee entitlement directly. Once a certificate
// exists the claim moves with the certificate instead.
func (a *Agreement) TransferClaim(caller, newBeneficiary string, now time.Time) error {
	if caller != a.Beneficiary {
		return ErrNotBeneficiary
	}
	if a.Status != StatusActive {
		return ErrEscrowNotActive
	}
	if a.expired(now) {
		return ErrEscrowExpired
	}
	if newBeneficiary == "" || newBeneficiary == a.Payer || IsCustody(newBeneficiary) {
		return ErrInvalidBeneficiary
	}
	if a.CertificateHandle != "" {
		return ErrReceiptExists
	}
	a.Beneficiary = newBeneficiary
	a.UpdatedAt = now
	return nil
}

// CheckMint verifies the beneficiary may tokenize the claim.
func (a *Agreement) CheckMint(caller string, now time.Time) error {
	if caller != a.Beneficiary {
		return ErrNotBeneficiary
	}
	if a.Status != StatusActive {
		return ErrEscrowNotActive
	}
	if a.expired(now) {
		return ErrEscrowExpired
	}
	if a.CertificateHandle != "" {
		return ErrReceiptAlreadyMinted
	}
	return nil
}

// RecordCertificate stores the handle issued by the registry after CheckMint passed.
func (a *Agreement) RecordCertificate(handle string, now time.Time) {
	a.CertificateHandle = handle
	a.UpdatedAt = now
}

// SyncBeneficiary copies the registry's current holder onto the agreement.
// Anyone may call it after the certificate changed hands.
func (a *Agreement) SyncBeneficiary(cert CertificateState, now time.Time) error {
	if a.CertificateHandle == "" {
		return ErrCertificateNotFound
	}
	if a.Status != StatusActive && a.Status != StatusDisputed {
		return ErrEscrowNotActive
	}
	if cert.Supply == 0 || cert.Holder == "" {
		return ErrInvalidReceiptHolder
	}
	if cert.Holder == a.Payer || IsCustody(cert.Holder) {
		return ErrInvalidBeneficiary
	}
	if cert.Holder == a.Beneficiary {
		return ErrBeneficiaryAlreadySynced
	}
	a.Beneficiary = cert.Holder
	a.UpdatedAt = now
	return nil
}

// RevokeCertificate forgets a burned certificate, re-enabling direct transfers.
func (a *Agreement) RevokeCertificate(supply uint64, now time.Time) error {
	if a.CertificateHandle == "" {
		return ErrCertificateNotFound
	}
	if supply != 0 {
		return ErrReceiptNotBurned
	}
	a.CertificateHandle = ""
	a.UpdatedAt = now
	return nil
}

// checkSynced guards every payout to the beneficiary: while a certificate is
// recorded its live holder must be the recorded beneficiary.
func (a *Agreement) checkSynced(cert *CertificateState) error {
	if a.CertificateHandle == "" {
		return nil
	}
	if cert == nil || cert.Supply != 1 || cert.Holder != a.Beneficiary {
		return ErrBeneficiaryNotSynced
	}
	return nil
}
