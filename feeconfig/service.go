package feeconfig

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

type Service struct {
	pool   TxBeginner
	repo   Repository
	events timeline.Writer
	logger *zap.Logger
}

func NewService(pool TxBeginner, repo Repository, events timeline.Writer, logger *zap.Logger) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if events == nil {
		events = timeline.NewJournal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{pool: pool, repo: repo, events: events, logger: logger}
}

// Initialize creates the singleton. It can succeed exactly once per deployment.
func (s *Service) Initialize(ctx context.Context, params InitParams) (Config, error) {
	cfg, err := New(params)
	if err != nil {
		return Config{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("feeconfig: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, cfg); err != nil {
		return Config{}, err
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		Type:    "ConfigInitialized",
		ActorID: cfg.Authority,
		Payload: payload(cfg),
	}); err != nil {
		return Config{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("feeconfig: commit: %w", err)
	}

	s.logger.Info("fee config initialized",
		zap.String("authority", cfg.Authority),
		zap.Uint16("fee_bps", cfg.FeeBps),
		zap.Int64("dispute_timeout_seconds", cfg.DisputeTimeoutSeconds),
	)
	return cfg, nil
}

// Update mutates the singleton. Only the current authority may call it; existing
// agreements keep the fee rate they snapshotted at creation.
func (s *Service) Update(ctx context.Context, params UpdateParams) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("feeconfig: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetForUpdate(ctx, tx)
	if err != nil {
		return Config{}, err
	}
	next, err := current.Apply(params)
	if err != nil {
		return Config{}, err
	}
	if err := s.repo.Update(ctx, tx, next); err != nil {
		return Config{}, err
	}
	if err := s.events.Append(ctx, tx, timeline.Event{
		Type:    "ConfigUpdated",
		ActorID: params.Caller,
		Payload: payload(next),
	}); err != nil {
		return Config{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Config{}, fmt.Errorf("feeconfig: commit: %w", err)
	}

	s.logger.Info("fee config updated",
		zap.String("authority", next.Authority),
		zap.String("fee_collector", next.FeeCollector),
		zap.Uint16("fee_bps", next.FeeBps),
		zap.Int64("dispute_timeout_seconds", next.DisputeTimeoutSeconds),
	)
	return next, nil
}

func (s *Service) Get(ctx context.Context) (Config, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("feeconfig: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.Get(ctx, tx)
}

func payload(cfg Config) map[string]any {
	return map[string]any{
		"authority":               cfg.Authority,
		"fee_collector":           cfg.FeeCollector,
		"fee_bps":                 cfg.FeeBps,
		"dispute_timeout_seconds": cfg.DisputeTimeoutSeconds,
	}
}
