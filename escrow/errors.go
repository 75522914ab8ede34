package escrow

import "errors"

// Authorization errors.
var (
	ErrNotEscrowParty = errors.New("escrow: caller is neither payer nor beneficiary")
	ErrNotMaker       = errors.New("escrow: caller is not the payer")
	ErrUnauthorized   = errors.New("escrow: caller is not the config authority")
	ErrNotBeneficiary = errors.New("escrow: caller is not the beneficiary")
)

// Validation errors.
var (
	ErrMintMismatch              = errors.New("escrow: asset is unknown or does not match")
	ErrInvalidMilestoneCount     = errors.New("escrow: milestone count must be between 1 and 5")
	ErrMilestoneIndexOutOfBounds = errors.New("escrow: milestone index out of bounds")
	ErrMilestoneAmountMismatch   = errors.New("escrow: milestone amounts do not sum to the total")
	ErrInvalidExpiration         = errors.New("escrow: expiration is too soon")
	ErrInvalidDisputeResolution  = errors.New("escrow: invalid dispute resolution")
	ErrInvalidAmount             = errors.New("escrow: amount must be positive and storable")
	ErrSelfEscrow                = errors.New("escrow: payer and payee must differ")
	ErrInvalidBeneficiary        = errors.New("escrow: invalid beneficiary")
	ErrExtendedMintNotSupported  = errors.New("escrow: assets with transfer extensions are not supported")
	ErrMintHasFreezeAuthority    = errors.New("escrow: asset has a freeze authority")
	ErrInsufficientBalance       = errors.New("escrow: payer balance below total amount")
	ErrInvalidHash               = errors.New("escrow: hash must be 32 bytes of hex")
)

// State errors.
var (
	ErrEscrowNotActive          = errors.New("escrow: agreement is not active")
	ErrEscrowExpired            = errors.New("escrow: agreement has expired")
	ErrMilestoneNotPending      = errors.New("escrow: milestone is not pending")
	ErrMilestoneNotApproved     = errors.New("escrow: milestone is not approved")
	ErrDisputeNotActive         = errors.New("escrow: no active dispute")
	ErrEscrowNotExpired         = errors.New("escrow: deadline has not passed")
	ErrNoRefundableAmount       = errors.New("escrow: nothing left to refund")
	ErrEscrowNotTerminal        = errors.New("escrow: agreement is not in a terminal status")
	ErrReceiptAlreadyMinted     = errors.New("escrow: certificate already minted")
	ErrReceiptExists            = errors.New("escrow: claim is held by a certificate")
	ErrBeneficiaryAlreadySynced = errors.New("escrow: beneficiary already matches the certificate holder")
	ErrInvalidReceiptHolder     = errors.New("escrow: certificate has no holder")
	ErrBeneficiaryNotSynced     = errors.New("escrow: beneficiary differs from the certificate holder")
	ErrReceiptNotBurned         = errors.New("escrow: certificate has not been burned")
	ErrCertificateNotFound      = errors.New("escrow: no certificate recorded")
)

// Storage errors.
var (
	ErrAgreementNotFound = errors.New("escrow: agreement not found")
	ErrAlreadyExists     = errors.New("escrow: agreement already exists for this payer and seed")
)
