package certificate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"escrowflow/timeline"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the holder-side surface of the registry: what a certificate owner can
// do with the token outside the escrow core.
type Store interface {
	Registry
	Get(ctx context.Context, tx pgx.Tx, handle string) (Certificate, error)
	Transfer(ctx context.Context, tx pgx.Tx, handle, from, to string) error
	Burn(ctx context.Context, tx pgx.Tx, handle, holder string) error
}

// Service runs holder operations in their own transactions. Moving a certificate
// does not touch the agreement; anyone may reconcile it afterwards. Each change
// is recorded on the owning agreement's timeline.
type Service struct {
	pool   TxBeginner
	store  Store
	events timeline.Writer
	logger *zap.Logger
}

func NewService(pool TxBeginner, store Store, events timeline.Writer, logger *zap.Logger) *Service {
	if store == nil {
		store = NewRegistry()
	}
	if events == nil {
		events = timeline.NewJournal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, store: store, events: events, logger: logger}
}

func (s *Service) Get(ctx context.Context, handle string) (Certificate, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Certificate{}, fmt.Errorf("certificate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.store.Get(ctx, tx, handle)
}

func (s *Service) Transfer(ctx context.Context, handle, caller, to string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("certificate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Transfer(ctx, tx, handle, caller, to); err != nil {
		return err
	}
	c, err := s.store.Get(ctx, tx, handle)
	if err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		AgreementID: c.AgreementID,
		Type:        "CertificateTransferred",
		ActorID:     caller,
		Payload:     map[string]any{"handle": handle, "from": caller, "to": to},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("certificate: commit: %w", err)
	}
	s.logger.Info("certificate transferred", zap.String("handle", handle), zap.String("from", caller), zap.String("to", to))
	return nil
}

func (s *Service) Burn(ctx context.Context, handle, caller string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("certificate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Burn(ctx, tx, handle, caller); err != nil {
		return err
	}
	c, err := s.store.Get(ctx, tx, handle)
	if err != nil {
		return err
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		AgreementID: c.AgreementID,
		Type:        "CertificateBurned",
		ActorID:     caller,
		Payload:     map[string]any{"handle": handle, "holder": caller},
	}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("certificate: commit: %w", err)
	}
	s.logger.Info("certificate burned", zap.String("handle", handle), zap.String("holder", caller))
	return nil
}
