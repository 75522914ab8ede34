package main

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/certificate"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
)

type milestoneResponse struct {
	Index           int    `json:"index"`
	Amount          uint64 `json:"amount"`
	DescriptionHash string `json:"descriptionHash"`
	Status          string `json:"status"`
}

type disputeResponse struct {
	Initiator      string `json:"initiator"`
	ReasonHash     string `json:"reasonHash"`
	InitiatedAt    string `json:"initiatedAt"`
	TimeoutSeconds int64  `json:"timeoutSeconds"`
	Deadline       string `json:"deadline"`
	Resolution     string `json:"resolution,omitempty"`
	PayerBps       uint16 `json:"payerBps,omitempty"`
}

type agreementResponse struct {
	ID                string              `json:"id"`
	Payer             string              `json:"payer"`
	OriginalPayee     string              `json:"originalPayee"`
	Beneficiary       string              `json:"beneficiary"`
	Asset             string              `json:"asset"`
	TotalAmount       uint64              `json:"totalAmount"`
	ReleasedAmount    uint64              `json:"releasedAmount"`
	RefundedAmount    uint64              `json:"refundedAmount"`
	Status            string              `json:"status"`
	FeeBpsAtCreation  uint16              `json:"feeBpsAtCreation"`
	CreatedAt         string              `json:"createdAt"`
	ExpiresAt         string              `json:"expiresAt"`
	CertificateHandle string              `json:"certificateHandle,omitempty"`
	Milestones        []milestoneResponse `json:"milestones"`
	Dispute           *disputeResponse    `json:"dispute,omitempty"`
}

func toAgreementResponse(a *escrow.Agreement) agreementResponse {
	resp := agreementResponse{
		ID:                a.ID,
		Payer:             a.Payer,
		OriginalPayee:     a.OriginalPayee,
		Beneficiary:       a.Beneficiary,
		Asset:             a.Asset,
		TotalAmount:       a.TotalAmount,
		ReleasedAmount:    a.ReleasedAmount,
		RefundedAmount:    a.RefundedAmount,
		Status:            string(a.Status),
		FeeBpsAtCreation:  a.FeeBpsAtCreation,
		CreatedAt:         a.CreatedAt.Format(time.RFC3339),
		ExpiresAt:         a.ExpiresAt.Format(time.RFC3339),
		CertificateHandle: a.CertificateHandle,
	}
	for i, m := range a.Milestones.All() {
		resp.Milestones = append(resp.Milestones, milestoneResponse{
			Index:           i,
			Amount:          m.Amount,
			DescriptionHash: m.DescriptionHash.String(),
			Status:          string(m.Status),
		})
	}
	if d := a.Dispute; d != nil {
		dr := &disputeResponse{
			Initiator:      d.Initiator,
			ReasonHash:     d.ReasonHash.String(),
			InitiatedAt:    d.InitiatedAt.Format(time.RFC3339),
			TimeoutSeconds: d.TimeoutSeconds,
			Deadline:       d.Deadline().Format(time.RFC3339),
		}
		if d.Resolution != nil {
			dr.Resolution = string(d.Resolution.Kind)
			dr.PayerBps = d.Resolution.PayerBps
		}
		resp.Dispute = dr
	}
	return resp
}

type configResponse struct {
	Authority             string `json:"authority"`
	FeeCollector          string `json:"feeCollector"`
	FeeBps                uint16 `json:"feeBps"`
	DisputeTimeoutSeconds int64  `json:"disputeTimeoutSeconds"`
}

func toConfigResponse(cfg feeconfig.Config) configResponse {
	return configResponse{
		Authority:             cfg.Authority,
		FeeCollector:          cfg.FeeCollector,
		FeeBps:                cfg.FeeBps,
		DisputeTimeoutSeconds: cfg.DisputeTimeoutSeconds,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BadJSON", err.Error())
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       account.ID,
		"identity": account.Identity,
		"email":    account.Email,
		"role":     account.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    result.Token,
		"identity": result.Account.Identity,
		"role":     result.Account.Role,
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configService.Get(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

func (s *Server) handleInitConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeeBps                int    `json:"feeBps"`
		DisputeTimeoutSeconds int64  `json:"disputeTimeoutSeconds"`
		FeeCollector          string `json:"feeCollector"`
	}
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.configService.Initialize(r.Context(), feeconfig.InitParams{
		Authority:             callerFrom(r),
		FeeCollector:          req.FeeCollector,
		FeeBps:                req.FeeBps,
		DisputeTimeoutSeconds: req.DisputeTimeoutSeconds,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConfigResponse(cfg))
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewAuthority             *string `json:"newAuthority"`
		NewFeeCollector          *string `json:"newFeeCollector"`
		NewFeeBps                *int    `json:"newFeeBps"`
		NewDisputeTimeoutSeconds *int64  `json:"newDisputeTimeoutSeconds"`
	}
	if !decode(w, r, &req) {
		return
	}
	cfg, err := s.configService.Update(r.Context(), feeconfig.UpdateParams{
		Caller:                   callerFrom(r),
		NewAuthority:             req.NewAuthority,
		NewFeeCollector:          req.NewFeeCollector,
		NewFeeBps:                req.NewFeeBps,
		NewDisputeTimeoutSeconds: req.NewDisputeTimeoutSeconds,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigResponse(cfg))
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seed        string `json:"seed"`
		Payee       string `json:"payee"`
		Asset       string `json:"asset"`
		TotalAmount uint64 `json:"totalAmount"`
		Milestones  []struct {
			Amount          uint64 `json:"amount"`
			DescriptionHash string `json:"descriptionHash"`
		} `json:"milestones"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Seed == "" {
		writeError(w, http.StatusBadRequest, "BadRequest", "seed is required")
		return
	}

	params := escrow.CreateParams{
		Seed:          req.Seed,
		Payer:         callerFrom(r),
		OriginalPayee: req.Payee,
		Asset:         req.Asset,
		TotalAmount:   req.TotalAmount,
		ExpiresAt:     req.ExpiresAt,
	}
	for _, m := range req.Milestones {
		var hash escrow.Hash
		if m.DescriptionHash != "" {
			h, err := escrow.ParseHash(m.DescriptionHash)
			if err != nil {
				s.writeDomainError(w, r, err)
				return
			}
			hash = h
		}
		params.Milestones = append(params.Milestones, escrow.MilestoneInput{Amount: m.Amount, DescriptionHash: hash})
	}

	a, err := s.escrowService.Create(r.Context(), params)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(a))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.Get(r.Context(), chi.URLParam(r, "id"))
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	a, err := s.escrowService.ApproveMilestone(r.Context(), chi.URLParam(r, "id"), callerFrom(r), index)
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	index, ok := milestoneIndex(w, r)
	if !ok {
		return
	}
	a, err := s.escrowService.ReleaseMilestone(r.Context(), chi.URLParam(r, "id"), callerFrom(r), index)
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.CancelEscrow(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	swept, err := s.escrowService.CloseEscrow(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "swept": swept})
}

func (s *Server) handleInitiateDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReasonHash string `json:"reasonHash"`
	}
	if !decode(w, r, &req) {
		return
	}
	reason, err := escrow.ParseHash(req.ReasonHash)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	a, err := s.escrowService.InitiateDispute(r.Context(), chi.URLParam(r, "id"), callerFrom(r), reason)
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
		PayerBps   int    `json:"payerBps"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.PayerBps < 0 {
		s.writeDomainError(w, r, escrow.ErrInvalidDisputeResolution)
		return
	}
	// The service range-checks after authorization; clamp so the cast cannot wrap.
	resolution := escrow.Resolution{Kind: escrow.ResolutionKind(req.Resolution), PayerBps: uint16(min(req.PayerBps, math.MaxUint16))}
	a, err := s.escrowService.ResolveDispute(r.Context(), chi.URLParam(r, "id"), callerFrom(r), resolution)
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleClaimExpired(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.ClaimExpired(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleTransferClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewBeneficiary string `json:"newBeneficiary"`
	}
	if !decode(w, r, &req) {
		return
	}
	a, err := s.escrowService.TransferClaim(r.Context(), chi.URLParam(r, "id"), callerFrom(r), req.NewBeneficiary)
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleMintCertificate(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.MintCertificate(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgreementResponse(a))
}

func (s *Server) handleSyncBeneficiary(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.SyncBeneficiary(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	a, err := s.escrowService.RevokeCertificate(r.Context(), chi.URLParam(r, "id"), callerFrom(r))
	s.respondAgreement(w, r, a, err)
}

func (s *Server) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	c, err := s.certificateService.Get(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certificateResponse(c))
}

func (s *Server) handleTransferCertificate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To string `json:"to"`
	}
	if !decode(w, r, &req) {
		return
	}
	handle := chi.URLParam(r, "handle")
	if err := s.certificateService.Transfer(r.Context(), handle, callerFrom(r), req.To); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "holder": req.To})
}

func (s *Server) handleBurnCertificate(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	if err := s.certificateService.Burn(r.Context(), handle, callerFrom(r)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": handle, "burned": true})
}

func certificateResponse(c certificate.Certificate) map[string]any {
	return map[string]any{
		"handle":      c.Handle,
		"agreementId": c.AgreementID,
		"holder":      c.Holder,
		"supply":      c.Supply,
	}
}

func (s *Server) respondAgreement(w http.ResponseWriter, r *http.Request, a *escrow.Agreement, err error) {
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if a == nil {
		s.writeDomainError(w, r, errors.New("nil agreement without error"))
		return
	}
	writeJSON(w, http.StatusOK, toAgreementResponse(a))
}

func milestoneIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "milestone index must be an integer")
		return 0, false
	}
	return index, true
}
