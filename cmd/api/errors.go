package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/certificate"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

var errorTable = []errorMapping{
	{escrow.ErrNotEscrowParty, http.StatusForbidden, "NotEscrowParty"},
	{escrow.ErrNotMaker, http.StatusForbidden, "NotMaker"},
	{escrow.ErrUnauthorized, http.StatusForbidden, "Unauthorized"},
	{escrow.ErrNotBeneficiary, http.StatusForbidden, "NotBeneficiary"},
	{feeconfig.ErrUnauthorized, http.StatusForbidden, "Unauthorized"},
	{certificate.ErrNotHolder, http.StatusForbidden, "NotCertificateHolder"},

	{escrow.ErrMintMismatch, http.StatusUnprocessableEntity, "MintMismatch"},
	{escrow.ErrInvalidMilestoneCount, http.StatusUnprocessableEntity, "InvalidMilestoneCount"},
	{escrow.ErrMilestoneIndexOutOfBounds, http.StatusUnprocessableEntity, "MilestoneIndexOutOfBounds"},
	{escrow.ErrMilestoneAmountMismatch, http.StatusUnprocessableEntity, "MilestoneAmountMismatch"},
	{escrow.ErrInvalidExpiration, http.StatusUnprocessableEntity, "InvalidExpiration"},
	{escrow.ErrInvalidDisputeResolution, http.StatusUnprocessableEntity, "InvalidDisputeResolution"},
	{escrow.ErrInvalidAmount, http.StatusUnprocessableEntity, "InvalidAmount"},
	{escrow.ErrSelfEscrow, http.StatusUnprocessableEntity, "SelfEscrow"},
	{escrow.ErrInvalidBeneficiary, http.StatusUnprocessableEntity, "InvalidBeneficiary"},
	{escrow.ErrExtendedMintNotSupported, http.StatusUnprocessableEntity, "ExtendedMintNotSupported"},
	{escrow.ErrMintHasFreezeAuthority, http.StatusUnprocessableEntity, "MintHasFreezeAuthority"},
	{escrow.ErrInsufficientBalance, http.StatusUnprocessableEntity, "InsufficientBalance"},
	{escrow.ErrInvalidHash, http.StatusUnprocessableEntity, "InvalidHash"},
	{feeconfig.ErrInvalidFeeRate, http.StatusUnprocessableEntity, "InvalidFeeRate"},
	{feeconfig.ErrInvalidDisputeTimeout, http.StatusUnprocessableEntity, "InvalidDisputeTimeout"},
	{feeconfig.ErrInvalidAuthority, http.StatusUnprocessableEntity, "InvalidAuthority"},
	{feeconfig.ErrInvalidFeeCollector, http.StatusUnprocessableEntity, "InvalidFeeCollector"},
	{certificate.ErrInvalidHolder, http.StatusUnprocessableEntity, "InvalidHolder"},
	{auth.ErrWeakPassword, http.StatusUnprocessableEntity, "WeakPassword"},
	{auth.ErrReservedIdentity, http.StatusUnprocessableEntity, "ReservedIdentity"},

	{escrow.ErrEscrowNotActive, http.StatusConflict, "EscrowNotActive"},
	{escrow.ErrEscrowExpired, http.StatusConflict, "EscrowExpired"},
	{escrow.ErrMilestoneNotPending, http.StatusConflict, "MilestoneNotPending"},
	{escrow.ErrMilestoneNotApproved, http.StatusConflict, "MilestoneNotApproved"},
	{escrow.ErrDisputeNotActive, http.StatusConflict, "DisputeNotActive"},
	{escrow.ErrEscrowNotExpired, http.StatusConflict, "EscrowNotExpired"},
	{escrow.ErrNoRefundableAmount, http.StatusConflict, "NoRefundableAmount"},
	{escrow.ErrEscrowNotTerminal, http.StatusConflict, "EscrowNotTerminal"},
	{escrow.ErrReceiptAlreadyMinted, http.StatusConflict, "ReceiptAlreadyMinted"},
	{escrow.ErrReceiptExists, http.StatusConflict, "ReceiptExists"},
	{escrow.ErrBeneficiaryAlreadySynced, http.StatusConflict, "BeneficiaryAlreadySynced"},
	{escrow.ErrInvalidReceiptHolder, http.StatusConflict, "InvalidReceiptHolder"},
	{escrow.ErrBeneficiaryNotSynced, http.StatusConflict, "BeneficiaryNotSynced"},
	{escrow.ErrReceiptNotBurned, http.StatusConflict, "ReceiptNotBurned"},
	{escrow.ErrCertificateNotFound, http.StatusConflict, "CertificateNotFound"},
	{escrow.ErrAlreadyExists, http.StatusConflict, "AlreadyExists"},
	{feeconfig.ErrAlreadyInitialized, http.StatusConflict, "AlreadyInitialized"},
	{certificate.ErrBurned, http.StatusConflict, "CertificateBurned"},
	{auth.ErrDuplicateAccount, http.StatusConflict, "DuplicateAccount"},

	{escrow.ErrAgreementNotFound, http.StatusNotFound, "AgreementNotFound"},
	{feeconfig.ErrNotInitialized, http.StatusNotFound, "ConfigNotInitialized"},
	{certificate.ErrNotFound, http.StatusNotFound, "CertificateNotFound"},

	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "InvalidCredentials"},
}

// statusFor maps a domain error to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "Internal"
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log().Error("unexpected error", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
