package feeconfig

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists the singleton row.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, cfg Config) error
	Get(ctx context.Context, tx pgx.Tx) (Config, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx) (Config, error)
	Update(ctx context.Context, tx pgx.Tx, cfg Config) error
}

// PGRepository stores the config as the single row id=1 of fee_config.
type PGRepository struct{}

func NewRepository() *PGRepository {
	return &PGRepository{}
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const insertSQL = `
INSERT INTO fee_config (id, authority, fee_collector, fee_bps, dispute_timeout_seconds)
VALUES (1, $1, $2, $3, $4);
`
	_, err := tx.Exec(ctx, insertSQL, cfg.Authority, cfg.FeeCollector, int32(cfg.FeeBps), cfg.DisputeTimeoutSeconds)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("feeconfig: insert: %w", err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.get(ctx, tx, `
SELECT authority, fee_collector, fee_bps, dispute_timeout_seconds, updated_at
FROM fee_config
WHERE id = 1
`)
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx) (Config, error) {
	return r.get(ctx, tx, `
SELECT authority, fee_collector, fee_bps, dispute_timeout_seconds, updated_at
FROM fee_config
WHERE id = 1
FOR UPDATE
`)
}

func (r *PGRepository) get(ctx context.Context, tx pgx.Tx, query string) (Config, error) {
	var (
		cfg Config
		bps int32
	)
	err := tx.QueryRow(ctx, query).Scan(&cfg.Authority, &cfg.FeeCollector, &bps, &cfg.DisputeTimeoutSeconds, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrNotInitialized
		}
		return Config{}, fmt.Errorf("feeconfig: get: %w", err)
	}
	cfg.FeeBps = uint16(bps)
	return cfg, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, cfg Config) error {
	const updateSQL = `
UPDATE fee_config
SET authority = $1,
    fee_collector = $2,
    fee_bps = $3,
    dispute_timeout_seconds = $4,
    updated_at = NOW()
WHERE id = 1
`
	tag, err := tx.Exec(ctx, updateSQL, cfg.Authority, cfg.FeeCollector, int32(cfg.FeeBps), cfg.DisputeTimeoutSeconds)
	if err != nil {
		return fmt.Errorf("feeconfig: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInitialized
	}
	return nil
}
