// Package keeper runs the permissionless crank: it periodically settles expired
// agreements, releases approved milestones and reconciles certificate holders so
// an idle counterparty can never stall an agreement.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
)

// Cranker is the subset of escrow.Service the keeper drives.
type Cranker interface {
	PendingWork(ctx context.Context, limit int) (escrow.Work, error)
	ClaimExpired(ctx context.Context, id, caller string) (*escrow.Agreement, error)
	ReleaseMilestone(ctx context.Context, id, caller string, index int) (*escrow.Agreement, error)
	SyncBeneficiary(ctx context.Context, id, caller string) (*escrow.Agreement, error)
}

type Config struct {
	Schedule    string
	BatchSize   int
	Concurrency int
	Identity    string
	// SweepTimeout bounds a single sweep; zero means no bound.
	SweepTimeout time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Claimed  int
	Released int
	Synced   int
	Skipped  int
	Failed   int
}

type Keeper struct {
	cron    *cron.Cron
	svc     Cranker
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	running bool
}

func New(svc Cranker, cfg Config, logger *zap.Logger) (*Keeper, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Identity == "" {
		cfg.Identity = "keeper"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Keeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		svc:    svc,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.Schedule != "" {
		if _, err := k.cron.AddFunc(cfg.Schedule, k.tick); err != nil {
			return nil, fmt.Errorf("keeper: schedule %q: %w", cfg.Schedule, err)
		}
	}
	return k, nil
}

func (k *Keeper) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}
	k.running = true
	k.logger.Info("keeper started", zap.String("schedule", k.cfg.Schedule))
	k.cron.Start()
}

// Stop waits for a sweep in flight to finish.
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return
	}
	<-k.cron.Stop().Done()
	k.running = false
	k.logger.Info("keeper stopped")
}

func (k *Keeper) tick() {
	ctx := context.Background()
	if k.cfg.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.cfg.SweepTimeout)
		defer cancel()
	}
	if _, err := k.Sweep(ctx); err != nil {
		k.logger.Error("keeper sweep failed", zap.Error(err))
	}
}

// Sweep advances every agreement the service reports as actionable. Losing a
// race to another crank counts as skipped, not failed.
func (k *Keeper) Sweep(ctx context.Context) (Report, error) {
	work, err := k.svc.PendingWork(ctx, k.cfg.BatchSize)
	if err != nil {
		return Report{}, err
	}
	if work.Empty() {
		return Report{}, nil
	}

	var claimed, released, synced, skipped, failed atomic.Int64
	record := func(op, id string, err error, ok *atomic.Int64) {
		switch {
		case err == nil:
			ok.Add(1)
		case isStale(err):
			skipped.Add(1)
			k.logger.Debug("keeper skipped", zap.String("op", op), zap.String("agreement_id", id), zap.Error(err))
		default:
			failed.Add(1)
			k.logger.Warn("keeper operation failed", zap.String("op", op), zap.String("agreement_id", id), zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)

	// Expiry first: it supersedes release and sync for the same agreement.
	for _, id := range work.Due {
		id := id
		g.Go(func() error {
			_, err := k.svc.ClaimExpired(gctx, id, k.cfg.Identity)
			record("claim_expired", id, err, &claimed)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, id := range work.Unsynced {
		id := id
		g.Go(func() error {
			_, err := k.svc.SyncBeneficiary(gctx, id, k.cfg.Identity)
			record("sync_beneficiary", id, err, &synced)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	// Milestones of one agreement share a row lock, so they are released in order
	// by one goroutine per agreement.
	byAgreement := make(map[string][]int)
	var order []string
	for _, ref := range work.Releasable {
		if _, ok := byAgreement[ref.AgreementID]; !ok {
			order = append(order, ref.AgreementID)
		}
		byAgreement[ref.AgreementID] = append(byAgreement[ref.AgreementID], ref.Index)
	}
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(k.cfg.Concurrency)
	for _, id := range order {
		id := id
		indexes := byAgreement[id]
		g.Go(func() error {
			for _, index := range indexes {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				_, err := k.svc.ReleaseMilestone(gctx, id, k.cfg.Identity, index)
				record("release_milestone", id, err, &released)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	report := Report{
		Claimed:  int(claimed.Load()),
		Released: int(released.Load()),
		Synced:   int(synced.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	k.logger.Info("keeper sweep",
		zap.Int("claimed", report.Claimed),
		zap.Int("released", report.Released),
		zap.Int("synced", report.Synced),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

var staleErrors = []error{
	escrow.ErrAgreementNotFound,
	escrow.ErrEscrowNotActive,
	escrow.ErrEscrowNotExpired,
	escrow.ErrEscrowExpired,
	escrow.ErrMilestoneNotApproved,
	escrow.ErrNoRefundableAmount,
	escrow.ErrBeneficiaryAlreadySynced,
	escrow.ErrBeneficiaryNotSynced,
	escrow.ErrCertificateNotFound,
}

// isStale reports whether err means the agreement moved on since it was listed.
func isStale(err error) bool {
	for _, target := range staleErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
