// Package outbox delivers the messages timeline.Journal writes next to every
// business event. A Relay claims pending rows with SKIP LOCKED so several
// replicas can drain the same table, hands each one to a Publisher and marks it
// processed, or dead once it has failed MaxAttempts times.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Message is one outbox row. AgreementID is empty for deployment-wide events.
type Message struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	AgreementID string    `json:"agreement_id,omitempty"`
	Payload     []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Config struct {
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
}

// Stats counts the outcome of one Drain pass.
type Stats struct {
	Processed int
	Retried   int
	Dead      int
}

type Relay struct {
	pool   TxBeginner
	pub    Publisher
	cfg    Config
	logger *zap.Logger
}

func NewRelay(pool TxBeginner, pub Publisher, cfg Config, logger *zap.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{pool: pool, pub: pub, cfg: cfg, logger: logger}
}

// Drain claims up to one batch of pending messages and publishes them in
// creation order within a single transaction.
func (r *Relay) Drain(ctx context.Context) (Stats, error) {
	var stats Stats

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id::text, topic, COALESCE(payload->>'agreement_id', ''), payload, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1;
`
	rows, err := tx.Query(ctx, claimSQL, r.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("outbox: claim: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Topic, &m.AgreementID, &m.Payload, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return stats, fmt.Errorf("outbox: scan: %w", err)
	}

	for _, msg := range msgs {
		if pubErr := r.pub.Publish(ctx, msg); pubErr != nil {
			dead, err := r.markFailed(ctx, tx, msg.ID)
			if err != nil {
				return stats, err
			}
			if dead {
				stats.Dead++
				r.logger.Warn("outbox message dead", zap.String("id", msg.ID), zap.String("topic", msg.Topic), zap.Error(pubErr))
			} else {
				stats.Retried++
			}
			continue
		}
		if err := r.markProcessed(ctx, tx, msg.ID); err != nil {
			return stats, err
		}
		stats.Processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("outbox: commit: %w", err)
	}
	return stats, nil
}

func (r *Relay) markProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const updateSQL = `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1;`
	if _, err := tx.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func (r *Relay) markFailed(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	const updateSQL = `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = NOW(),
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE status END
WHERE id = $1
RETURNING status;
`
	var status string
	if err := tx.QueryRow(ctx, updateSQL, id, r.cfg.MaxAttempts).Scan(&status); err != nil {
		return false, fmt.Errorf("outbox: mark failed: %w", err)
	}
	return status == StatusDead, nil
}

// Run drains on every interval until ctx is cancelled. A batch that was
// published in full is followed immediately by another pass.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		for {
			stats, err := r.Drain(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return nil
				}
				r.logger.Error("outbox drain failed", zap.Error(err))
				break
			}
			if stats.Processed+stats.Retried+stats.Dead > 0 {
				r.logger.Debug("outbox drained",
					zap.Int("processed", stats.Processed),
					zap.Int("retried", stats.Retried),
					zap.Int("dead", stats.Dead))
			}
			if stats.Processed < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
