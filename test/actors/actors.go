// Package actors drives the escrow services concurrently against a real
// database. Actors pick agreements at random from a shared Book and fire
// operations at them; most calls are expected to be rejected by the state
// machine, which is the point.
package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/certificate"
	"escrowflow/escrow"
	"escrowflow/feeconfig"
	"escrowflow/keeper"
	"escrowflow/outbox"
	"escrowflow/settlement"
	"escrowflow/vault"
)

// Env is everything an actor may touch.
type Env struct {
	Escrow       *escrow.Service
	Certificates *certificate.Service
	Keeper       *keeper.Keeper
	Book         *Book
	Stats        *Stats
	Now          func() time.Time
	Asset        string
	Authority    string
	Payers       []string
	Payees       []string
}

// Book tracks agreements that have been created and not yet closed.
type Book struct {
	mu  sync.Mutex
	ids []string
}

func (b *Book) Add(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.ids {
		if existing == id {
			return
		}
	}
	b.ids = append(b.ids, id)
}

func (b *Book) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.ids {
		if existing == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			return
		}
	}
}

// Pick returns a random live agreement, or "" when the book is empty.
func (b *Book) Pick(rng *rand.Rand) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ids) == 0 {
		return ""
	}
	return b.ids[rng.Intn(len(b.ids))]
}

func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ids)
}

// Stats counts outcomes across all actors.
type Stats struct {
	OK       atomic.Int64
	Rejected atomic.Int64
	// Aborted counts transactions the database killed or rolled back.
	Aborted atomic.Int64
	Failed  atomic.Int64

	mu       sync.Mutex
	lastFail error
}

func (s *Stats) record(err error) {
	switch {
	case err == nil:
		s.OK.Add(1)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case rejected(err):
		s.Rejected.Add(1)
	case aborted(err):
		s.Aborted.Add(1)
	default:
		s.Failed.Add(1)
		s.mu.Lock()
		s.lastFail = err
		s.mu.Unlock()
	}
}

// LastFailure returns the most recent unexpected error.
func (s *Stats) LastFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFail
}

func (s *Stats) String() string {
	return fmt.Sprintf("ok=%d rejected=%d aborted=%d failed=%d", s.OK.Load(), s.Rejected.Load(), s.Aborted.Load(), s.Failed.Load())
}

// domainErrors are the outcomes a well-behaved state machine produces when an
// operation does not apply to the agreement's current state.
var domainErrors = []error{
	escrow.ErrNotEscrowParty, escrow.ErrNotMaker, escrow.ErrUnauthorized, escrow.ErrNotBeneficiary,
	escrow.ErrEscrowNotActive, escrow.ErrEscrowExpired, escrow.ErrEscrowNotExpired,
	escrow.ErrMilestoneNotPending, escrow.ErrMilestoneNotApproved, escrow.ErrMilestoneIndexOutOfBounds,
	escrow.ErrDisputeNotActive, escrow.ErrNoRefundableAmount, escrow.ErrEscrowNotTerminal,
	escrow.ErrReceiptAlreadyMinted, escrow.ErrReceiptExists, escrow.ErrBeneficiaryAlreadySynced,
	escrow.ErrInvalidReceiptHolder, escrow.ErrBeneficiaryNotSynced, escrow.ErrReceiptNotBurned,
	escrow.ErrCertificateNotFound, escrow.ErrAgreementNotFound, escrow.ErrAlreadyExists,
	escrow.ErrInsufficientBalance, escrow.ErrSelfEscrow, escrow.ErrInvalidBeneficiary, escrow.ErrInvalidExpiration,
	certificate.ErrNotHolder, certificate.ErrBurned, certificate.ErrNotFound, certificate.ErrInvalidHolder,
}

func rejected(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// aborted matches serialization failures, deadlocks, and connections torn down
// underneath a transaction.
func aborted(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "40", "57", "08":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}

func loop(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, pause time.Duration, step func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step(ctx)
		time.Sleep(pause + time.Duration(rng.Int63n(int64(pause)+1)))
	}
}

func pick(rng *rand.Rand, from []string) string {
	return from[rng.Intn(len(from))]
}

// load fetches a random live agreement; ok is false when there is nothing to act on.
func load(ctx context.Context, env *Env, rng *rand.Rand) (*escrow.Agreement, bool) {
	id := env.Book.Pick(rng)
	if id == "" {
		return nil, false
	}
	a, err := env.Escrow.Get(ctx, id)
	if err != nil {
		if errors.Is(err, escrow.ErrAgreementNotFound) {
			env.Book.Remove(id)
		}
		env.Stats.record(err)
		return nil, false
	}
	return a, true
}

// Creator opens agreements. Seeds come from a small space so payers regularly
// collide with their own earlier agreements.
func Creator(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 10*time.Millisecond, func(ctx context.Context) {
		n := 1 + rng.Intn(escrow.MaxMilestones)
		milestones := make([]escrow.MilestoneInput, n)
		amounts := make([]uint64, n)
		for i := range milestones {
			amounts[i] = 1 + uint64(rng.Intn(10_000))
			milestones[i] = escrow.MilestoneInput{Amount: amounts[i]}
			rng.Read(milestones[i].DescriptionHash[:])
		}
		total, _ := settlement.Sum(amounts...)

		a, err := env.Escrow.Create(ctx, escrow.CreateParams{
			Seed:          fmt.Sprintf("seed-%d", rng.Intn(64)),
			Payer:         pick(rng, env.Payers),
			OriginalPayee: pick(rng, env.Payees),
			Asset:         env.Asset,
			TotalAmount:   total,
			Milestones:    milestones,
			ExpiresAt:     env.Now().Add(escrow.MinDuration + time.Duration(10+rng.Intn(120))*time.Minute),
		})
		env.Stats.record(err)
		if err == nil {
			env.Book.Add(a.ID)
		}
	})
}

// Approver approves a random milestone as the payer, or occasionally as an outsider.
func Approver(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 8*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok {
			return
		}
		caller := a.Payer
		if rng.Intn(10) == 0 {
			caller = pick(rng, env.Payees)
		}
		_, err := env.Escrow.ApproveMilestone(ctx, a.ID, caller, rng.Intn(a.Milestones.Len()+1))
		env.Stats.record(err)
	})
}

// Releaser cranks a random milestone as a third party.
func Releaser(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 8*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok {
			return
		}
		_, err := env.Escrow.ReleaseMilestone(ctx, a.ID, "releaser", rng.Intn(a.Milestones.Len()))
		env.Stats.record(err)
	})
}

func Canceller(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 40*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok {
			return
		}
		_, err := env.Escrow.CancelEscrow(ctx, a.ID, a.Payer)
		env.Stats.record(err)
	})
}

// Disputer raises disputes from either side and the authority settles them.
func Disputer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 25*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok {
			return
		}
		if a.Status != escrow.StatusDisputed {
			caller := a.Payer
			if rng.Intn(2) == 0 {
				caller = a.Beneficiary
			}
			var reason escrow.Hash
			rng.Read(reason[:])
			_, err := env.Escrow.InitiateDispute(ctx, a.ID, caller, reason)
			env.Stats.record(err)
			return
		}
		if rng.Intn(3) == 0 {
			// Leave some disputes to time out.
			return
		}
		r := escrow.Resolution{Kind: escrow.MakerWins}
		switch rng.Intn(3) {
		case 1:
			r = escrow.Resolution{Kind: escrow.TakerWins}
		case 2:
			r = escrow.Resolution{Kind: escrow.SplitWin, PayerBps: uint16(rng.Intn(10_001))}
		}
		_, err := env.Escrow.ResolveDispute(ctx, a.ID, env.Authority, r)
		env.Stats.record(err)
	})
}

// Claimant exercises the payee side: direct claim transfers, certificate
// minting and trading, and revocation.
func Claimant(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 15*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok {
			return
		}
		var err error
		switch {
		case a.CertificateHandle == "" && rng.Intn(3) == 0:
			_, err = env.Escrow.TransferClaim(ctx, a.ID, a.Beneficiary, pick(rng, env.Payees))
		case a.CertificateHandle == "":
			_, err = env.Escrow.MintCertificate(ctx, a.ID, a.Beneficiary)
		default:
			err = tradeCertificate(ctx, env, rng, a)
		}
		env.Stats.record(err)
	})
}

func tradeCertificate(ctx context.Context, env *Env, rng *rand.Rand, a *escrow.Agreement) error {
	cert, err := env.Certificates.Get(ctx, a.CertificateHandle)
	if err != nil {
		return err
	}
	switch {
	case cert.Supply == 0:
		_, err = env.Escrow.RevokeCertificate(ctx, a.ID, pick(rng, env.Payees))
	case rng.Intn(8) == 0:
		err = env.Certificates.Burn(ctx, cert.Handle, cert.Holder)
	default:
		err = env.Certificates.Transfer(ctx, cert.Handle, cert.Holder, pick(rng, env.Payees))
	}
	return err
}

// Closer reclaims finished agreements.
func Closer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 30*time.Millisecond, func(ctx context.Context) {
		a, ok := load(ctx, env, rng)
		if !ok || !a.Status.Terminal() {
			return
		}
		_, err := env.Escrow.CloseEscrow(ctx, a.ID, a.Payer)
		env.Stats.record(err)
		if err == nil {
			env.Book.Remove(a.ID)
		}
	})
}

// Cranker runs keeper sweeps back to back.
func Cranker(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 100*time.Millisecond, func(ctx context.Context) {
		report, err := env.Keeper.Sweep(ctx)
		env.Stats.record(err)
		env.Stats.OK.Add(int64(report.Claimed + report.Released + report.Synced))
	})
}

// flakyPublisher fails roughly one publish in ten before handing the message
// to the hub, so retries and dead letters are exercised alongside deliveries.
type flakyPublisher struct {
	rng  *rand.Rand
	next outbox.Publisher
}

func (p *flakyPublisher) Publish(ctx context.Context, msg outbox.Message) error {
	if p.rng.Intn(10) == 0 {
		return errors.New("injected publish failure")
	}
	return p.next.Publish(ctx, msg)
}

// OutboxWorker drains the outbox through a Relay into hub. Several workers may
// run at once; SKIP LOCKED keeps them off each other's rows.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, hub *outbox.Hub, rng *rand.Rand, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, &flakyPublisher{rng: rng, next: hub}, outbox.Config{BatchSize: 20, MaxAttempts: 5}, nil)
	return loop(ctx, stop, rng, 50*time.Millisecond, func(ctx context.Context) {
		_, _ = relay.Drain(ctx)
	})
}

// Seed registers the asset, funds every payer and records the minted supply.
func Seed(ctx context.Context, pool *pgxpool.Pool, ledger *vault.Ledger, config *feeconfig.Service, env *Env, perPayer uint64) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := ledger.RegisterAsset(ctx, tx, vault.Asset{ID: env.Asset, Decimals: 6}); err != nil {
		return fmt.Errorf("register asset: %w", err)
	}
	for _, payer := range env.Payers {
		if err := ledger.Deposit(ctx, tx, payer, env.Asset, perPayer); err != nil {
			return fmt.Errorf("fund %s: %w", payer, err)
		}
	}
	supply := perPayer * uint64(len(env.Payers))
	if _, err := tx.Exec(ctx, `INSERT INTO stress_supply (asset, amount) VALUES ($1, $2)`, env.Asset, int64(supply)); err != nil {
		return fmt.Errorf("record supply: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	_, err = config.Initialize(ctx, feeconfig.InitParams{
		Authority:             env.Authority,
		FeeCollector:          "treasury",
		FeeBps:                250,
		DisputeTimeoutSeconds: 3600,
	})
	return err
}
