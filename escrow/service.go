package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/certificate"
	"escrowflow/feeconfig"
	"escrowflow/timeline"
	"escrowflow/vault"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ConfigReader reads the fee config singleton inside a transaction.
type ConfigReader interface {
	Get(ctx context.Context, tx pgx.Tx) (feeconfig.Config, error)
}

// Service runs every agreement operation as one transaction: lock the record,
// validate, move value, save and journal, or roll all of it back.
type Service struct {
	pool     TxBeginner
	repo     Repository
	config   ConfigReader
	vault    vault.Vault
	registry certificate.Registry
	events   timeline.Writer
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(pool TxBeginner, repo Repository, config ConfigReader, v vault.Vault, registry certificate.Registry, events timeline.Writer, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if config == nil {
		config = feeconfig.NewRepository()
	}
	if v == nil {
		v = vault.NewLedger()
	}
	if registry == nil {
		registry = certificate.NewRegistry()
	}
	if events == nil {
		events = timeline.NewJournal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		config:   config,
		vault:    v,
		registry: registry,
		events:   events,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create validates the agreement, locks the full total in custody and records it.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := s.config.Get(ctx, tx)
	if err != nil {
		return nil, err
	}
	asset, err := s.vault.Asset(ctx, tx, p.Asset)
	if err != nil {
		if errors.Is(err, vault.ErrUnknownAsset) {
			return nil, ErrMintMismatch
		}
		return nil, fmt.Errorf("escrow: lookup asset: %w", err)
	}

	now := s.clock()
	p.ExpiresAt = p.ExpiresAt.UTC().Truncate(time.Microsecond)
	a, err := NewAgreement(p, asset, cfg.FeeBps, now)
	if err != nil {
		return nil, err
	}

	balance, err := s.vault.Balance(ctx, tx, a.Payer, a.Asset)
	if err != nil {
		return nil, fmt.Errorf("escrow: payer balance: %w", err)
	}
	if balance < a.TotalAmount {
		return nil, ErrInsufficientBalance
	}

	if err := s.repo.Insert(ctx, tx, a); err != nil {
		return nil, err
	}
	if err := s.vault.Move(ctx, tx, a.Payer, a.Custody(), a.Asset, a.TotalAmount); err != nil {
		if errors.Is(err, vault.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("escrow: fund custody: %w", err)
	}

	amounts := make([]uint64, 0, a.Milestones.Len())
	for _, m := range a.Milestones.All() {
		amounts = append(amounts, m.Amount)
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		AgreementID: a.ID,
		Type:        "EscrowCreated",
		ActorID:     a.Payer,
		Payload: map[string]any{
			"payer":               a.Payer,
			"payee":               a.OriginalPayee,
			"asset":               a.Asset,
			"total_amount":        a.TotalAmount,
			"milestone_amounts":   amounts,
			"fee_bps_at_creation": a.FeeBpsAtCreation,
			"expires_at":          a.ExpiresAt,
		},
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit: %w", err)
	}

	s.logger.Info("escrow created",
		zap.String("agreement_id", a.ID),
		zap.String("payer", a.Payer),
		zap.String("payee", a.OriginalPayee),
		zap.Uint64("total_amount", a.TotalAmount),
		zap.Int("milestones", a.Milestones.Len()),
	)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.repo.Get(ctx, tx, id)
}

// opContext is what a locked operation sees.
type opContext struct {
	tx  pgx.Tx
	cfg feeconfig.Config
	now time.Time
}

// mutate runs fn against the row-locked agreement and persists the result.
// Events returned by fn are journaled in the same transaction.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(oc opContext, a *Agreement) ([]timeline.Event, error)) (*Agreement, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.config.Get(ctx, tx)
	if err != nil {
		return nil, err
	}

	events, err := fn(opContext{tx: tx, cfg: cfg, now: s.clock()}, a)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, tx, a); err != nil {
		return nil, err
	}
	for _, ev := range events {
		ev.AgreementID = a.ID
		if err := s.events.Append(ctx, tx, ev); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit: %w", err)
	}

	s.logger.Info("escrow "+op,
		zap.String("agreement_id", a.ID),
		zap.String("status", string(a.Status)),
		zap.Uint64("released_amount", a.ReleasedAmount),
		zap.Uint64("refunded_amount", a.RefundedAmount),
	)
	return a, nil
}

func (s *Service) ApproveMilestone(ctx context.Context, id, caller string, index int) (*Agreement, error) {
	return s.mutate(ctx, id, "milestone approved", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		if err := a.Approve(caller, index, oc.now); err != nil {
			return nil, err
		}
		m, _ := a.Milestones.At(index)
		return []timeline.Event{{
			Type:    "MilestoneApproved",
			ActorID: caller,
			Payload: map[string]any{"milestone_index": index, "amount": m.Amount},
		}}, nil
	})
}

// ReleaseMilestone is permissionless; caller is only recorded.
func (s *Service) ReleaseMilestone(ctx context.Context, id, caller string, index int) (*Agreement, error) {
	return s.mutate(ctx, id, "milestone released", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		cert, err := s.certificateState(ctx, oc.tx, a)
		if err != nil {
			return nil, err
		}
		payout, err := a.Release(index, cert, oc.now)
		if err != nil {
			return nil, err
		}
		if err := s.pay(ctx, oc, a, payout); err != nil {
			return nil, err
		}
		m, _ := a.Milestones.At(index)
		events := []timeline.Event{{
			Type:    "MilestoneReleased",
			ActorID: caller,
			Payload: map[string]any{
				"milestone_index": index,
				"amount":          m.Amount,
				"fee":             payout.Fee,
				"net":             payout.Net,
				"beneficiary":     a.Beneficiary,
			},
		}}
		if a.Status == StatusCompleted {
			events = append(events, completedEvent(a, caller))
		}
		return events, nil
	})
}

func (s *Service) CancelEscrow(ctx context.Context, id, caller string) (*Agreement, error) {
	return s.mutate(ctx, id, "cancelled", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		payout, err := a.Cancel(caller, oc.now)
		if err != nil {
			return nil, err
		}
		if err := s.pay(ctx, oc, a, payout); err != nil {
			return nil, err
		}
		ev := timeline.Event{
			Type:    "EscrowCancelled",
			ActorID: caller,
			Payload: map[string]any{"refunded": payout.ToPayer, "status": string(a.Status)},
		}
		if a.Status == StatusCompleted {
			return []timeline.Event{ev, completedEvent(a, caller)}, nil
		}
		return []timeline.Event{ev}, nil
	})
}

// CloseEscrow sweeps any residual custody balance to the payer and deletes the
// record. The timeline is kept.
func (s *Service) CloseEscrow(ctx context.Context, id, caller string) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	if err := a.CheckClose(caller); err != nil {
		return 0, err
	}
	dust, err := s.vault.Balance(ctx, tx, a.Custody(), a.Asset)
	if err != nil {
		return 0, fmt.Errorf("escrow: custody balance: %w", err)
	}
	if err := s.vault.Move(ctx, tx, a.Custody(), a.Payer, a.Asset, dust); err != nil {
		return 0, fmt.Errorf("escrow: sweep custody: %w", err)
	}
	if err := s.repo.Delete(ctx, tx, a.ID); err != nil {
		return 0, err
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		AgreementID: a.ID,
		Type:        "EscrowClosed",
		ActorID:     caller,
		Payload:     map[string]any{"swept": dust, "final_status": string(a.Status)},
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit: %w", err)
	}

	s.logger.Info("escrow closed", zap.String("agreement_id", a.ID), zap.Uint64("swept", dust))
	return dust, nil
}

func (s *Service) InitiateDispute(ctx context.Context, id, caller string, reason Hash) (*Agreement, error) {
	return s.mutate(ctx, id, "dispute initiated", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		if err := a.InitiateDispute(caller, reason, oc.cfg, oc.now); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "DisputeInitiated",
			ActorID: caller,
			Payload: map[string]any{
				"reason_hash":     reason.String(),
				"timeout_seconds": a.Dispute.TimeoutSeconds,
				"deadline":        a.Dispute.Deadline(),
			},
		}}, nil
	})
}

func (s *Service) ResolveDispute(ctx context.Context, id, caller string, r Resolution) (*Agreement, error) {
	return s.mutate(ctx, id, "dispute resolved", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		cert, err := s.certificateState(ctx, oc.tx, a)
		if err != nil {
			return nil, err
		}
		payout, err := a.ResolveDispute(caller, r, oc.cfg, cert, oc.now)
		if err != nil {
			return nil, err
		}
		if err := s.pay(ctx, oc, a, payout); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "DisputeResolved",
			ActorID: caller,
			Payload: map[string]any{
				"resolution": string(r.Kind),
				"payer_bps":  r.PayerBps,
				"to_payer":   payout.ToPayer,
				"fee":        payout.Fee,
				"net":        payout.Net,
				"status":     string(a.Status),
			},
		}}, nil
	})
}

// ClaimExpired is permissionless; caller is only recorded.
func (s *Service) ClaimExpired(ctx context.Context, id, caller string) (*Agreement, error) {
	return s.mutate(ctx, id, "expired funds claimed", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		wasDisputed := a.Status == StatusDisputed
		cert, err := s.certificateState(ctx, oc.tx, a)
		if err != nil {
			return nil, err
		}
		payout, err := a.ClaimExpired(cert, oc.now)
		if err != nil {
			return nil, err
		}
		if err := s.pay(ctx, oc, a, payout); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "ExpiredFundsClaimed",
			ActorID: caller,
			Payload: map[string]any{
				"to_payer":      payout.ToPayer,
				"fee":           payout.Fee,
				"net":           payout.Net,
				"dispute_split": wasDisputed,
			},
		}}, nil
	})
}

func (s *Service) TransferClaim(ctx context.Context, id, caller, newBeneficiary string) (*Agreement, error) {
	return s.mutate(ctx, id, "claim transferred", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		previous := a.Beneficiary
		if err := a.TransferClaim(caller, newBeneficiary, oc.now); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "ClaimTransferred",
			ActorID: caller,
			Payload: map[string]any{"from": previous, "to": newBeneficiary},
		}}, nil
	})
}

func (s *Service) MintCertificate(ctx context.Context, id, caller string) (*Agreement, error) {
	return s.mutate(ctx, id, "certificate minted", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		if err := a.CheckMint(caller, oc.now); err != nil {
			return nil, err
		}
		handle, err := s.registry.Issue(ctx, oc.tx, a.ID, a.Beneficiary)
		if err != nil {
			return nil, fmt.Errorf("escrow: issue certificate: %w", err)
		}
		a.RecordCertificate(handle, oc.now)
		return []timeline.Event{{
			Type:    "ReceiptMinted",
			ActorID: caller,
			Payload: map[string]any{"certificate_handle": handle, "holder": a.Beneficiary},
		}}, nil
	})
}

// SyncBeneficiary is permissionless; the new beneficiary comes from the registry.
func (s *Service) SyncBeneficiary(ctx context.Context, id, caller string) (*Agreement, error) {
	return s.mutate(ctx, id, "beneficiary synced", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		if a.CertificateHandle == "" {
			return nil, ErrCertificateNotFound
		}
		cert, err := s.certificateState(ctx, oc.tx, a)
		if err != nil {
			return nil, err
		}
		previous := a.Beneficiary
		if err := a.SyncBeneficiary(*cert, oc.now); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "BeneficiarySynced",
			ActorID: caller,
			Payload: map[string]any{"from": previous, "to": a.Beneficiary},
		}}, nil
	})
}

// RevokeCertificate is permissionless once the certificate is burned.
func (s *Service) RevokeCertificate(ctx context.Context, id, caller string) (*Agreement, error) {
	return s.mutate(ctx, id, "certificate revoked", func(oc opContext, a *Agreement) ([]timeline.Event, error) {
		if a.CertificateHandle == "" {
			return nil, ErrCertificateNotFound
		}
		handle := a.CertificateHandle
		supply, err := s.registry.Supply(ctx, oc.tx, handle)
		if err != nil {
			return nil, fmt.Errorf("escrow: certificate supply: %w", err)
		}
		if err := a.RevokeCertificate(supply, oc.now); err != nil {
			return nil, err
		}
		return []timeline.Event{{
			Type:    "ReceiptRevoked",
			ActorID: caller,
			Payload: map[string]any{"certificate_handle": handle},
		}}, nil
	})
}

// certificateState returns nil when the agreement has no certificate.
func (s *Service) certificateState(ctx context.Context, tx pgx.Tx, a *Agreement) (*CertificateState, error) {
	if a.CertificateHandle == "" {
		return nil, nil
	}
	holder, err := s.registry.CurrentHolder(ctx, tx, a.CertificateHandle)
	if err != nil {
		return nil, fmt.Errorf("escrow: certificate holder: %w", err)
	}
	supply, err := s.registry.Supply(ctx, tx, a.CertificateHandle)
	if err != nil {
		return nil, fmt.Errorf("escrow: certificate supply: %w", err)
	}
	return &CertificateState{Holder: holder, Supply: supply}, nil
}

// pay executes a payout from custody. Zero legs are skipped by the vault.
func (s *Service) pay(ctx context.Context, oc opContext, a *Agreement, p Payout) error {
	custody := a.Custody()
	if err := s.vault.Move(ctx, oc.tx, custody, a.Payer, a.Asset, p.ToPayer); err != nil {
		return fmt.Errorf("escrow: refund payer: %w", err)
	}
	if err := s.vault.Move(ctx, oc.tx, custody, oc.cfg.FeeCollector, a.Asset, p.Fee); err != nil {
		return fmt.Errorf("escrow: pay fee: %w", err)
	}
	if err := s.vault.Move(ctx, oc.tx, custody, a.Beneficiary, a.Asset, p.Net); err != nil {
		return fmt.Errorf("escrow: pay beneficiary: %w", err)
	}
	return nil
}

func completedEvent(a *Agreement, caller string) timeline.Event {
	return timeline.Event{
		Type:    "EscrowCompleted",
		ActorID: caller,
		Payload: map[string]any{"released_amount": a.ReleasedAmount, "refunded_amount": a.RefundedAmount},
	}
}

// Work is what a crank can advance at a given instant.
type Work struct {
	Due        []string
	Releasable []MilestoneRef
	Unsynced   []string
}

func (w Work) Empty() bool {
	return len(w.Due) == 0 && len(w.Releasable) == 0 && len(w.Unsynced) == 0
}

// PendingWork lists up to limit items of each kind.
func (s *Service) PendingWork(ctx context.Context, limit int) (Work, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Work{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock()
	var w Work
	if w.Due, err = s.repo.ListDue(ctx, tx, now, limit); err != nil {
		return Work{}, err
	}
	if w.Releasable, err = s.repo.ListReleasable(ctx, tx, now, limit); err != nil {
		return Work{}, err
	}
	if w.Unsynced, err = s.repo.ListUnsynced(ctx, tx, limit); err != nil {
		return Work{}, err
	}
	return w, nil
}
